// Package offline holds messages for users without an active connection.
//
// Queues are bounded per user (FIFO eviction of the oldest entry) and every
// entry expires TTL after it was enqueued. Expired entries are filtered on
// read and removed by a periodic sweep. This is best-effort storage, not a
// guaranteed-delivery queue.
package offline

import (
	"context"
	"errors"
	"time"

	v1 "beacon/shared/contracts/push/v1"
)

var (
	// ErrDisabled is returned by Enqueue when offline queueing is turned off.
	ErrDisabled = errors.New("offline: queueing disabled")
	// ErrRejected is returned for entries the store refuses to hold.
	ErrRejected = errors.New("offline: entry rejected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("offline: store closed")
)

// Defaults.
const (
	DefaultMaxCount = 100
	DefaultTTL      = 24 * time.Hour
)

// Config bounds every per-user queue.
type Config struct {
	Enabled  bool
	MaxCount int
	TTL      time.Duration
}

// DefaultConfig returns the default offline policy.
func DefaultConfig() Config {
	return Config{Enabled: true, MaxCount: DefaultMaxCount, TTL: DefaultTTL}
}

func (c Config) normalized() Config {
	if c.MaxCount <= 0 {
		c.MaxCount = DefaultMaxCount
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	return c
}

// EvictReason explains why an entry left the store without being flushed.
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictExpired  EvictReason = "expired"
	EvictCorrupt  EvictReason = "corrupt"
)

// EvictFunc observes evictions (metrics, logs). It must not call back into the store.
type EvictFunc func(userID, messageID string, reason EvictReason)

// Store is the offline queue contract used by the dispatcher.
//
// Requirements:
//   - Flush returns entries oldest first and leaves the user's queue empty
//   - Entries older than TTL are never returned
//   - Enqueue of an id already queued for the user is a no-op
type Store interface {
	Enqueue(ctx context.Context, userID string, env v1.Envelope) error
	Flush(ctx context.Context, userID string) ([]v1.Envelope, error)
	Remove(ctx context.Context, userID, messageID string) (bool, error)
	Pending(ctx context.Context, userID string) (int, error)
	PurgeExpired(ctx context.Context) (int, error)
	Close() error
}

func expired(createdAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(createdAt) > ttl
}
