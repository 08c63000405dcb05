package realtime

// State is the lifecycle position of a Connection.
//
//	CONNECTING -> AUTHENTICATING -> ACTIVE -> CLOSING -> CLOSED
//	CONNECTING -> ACTIVE                     (auth not required)
//	any        -> CLOSING -> CLOSED          (close, idempotent)
type State uint8

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions (other than CLOSING -> CLOSED) exist.
func (s State) Terminal() bool { return s >= StateClosing }
