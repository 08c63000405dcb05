package realtime

import (
	"github.com/oklog/ulid/v2"
)

// NewConnectionID returns a ULID used as connection id.
// ULIDs sort by accept time, which keeps logs readable.
func NewConnectionID() string {
	return ulid.Make().String()
}
