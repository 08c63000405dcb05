package realtime

import (
	"fmt"
	"sync"
	"time"

	v1 "beacon/shared/contracts/push/v1"
)

// Connection is one open transport-level session.
//
// Design notes:
//   - outbox is never closed by the server; senders select on done first so a
//     push racing a close cannot panic.
//   - done is closed exactly once, on the first close. The first close reason wins.
//   - gate serializes deliveries. Activation holds it while the offline queue is
//     flushed so live sends cannot overtake older queued messages.
//   - State is mutated only through the Registry (or the gateway before registration).
type Connection struct {
	id        string
	createdAt time.Time
	outbox    chan v1.Envelope
	done      chan struct{}
	gate      sync.Mutex

	mu            sync.Mutex
	userID        string
	state         State
	lastHeartbeat time.Time
	strikes       int
	err           error
}

// NewConnection constructs a Connection in CONNECTING with a bounded send queue.
func NewConnection(id string, sendQueueSize int, now time.Time) *Connection {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Connection{
		id:            id,
		createdAt:     now,
		outbox:        make(chan v1.Envelope, sendQueueSize),
		done:          make(chan struct{}),
		state:         StateConnecting,
		lastHeartbeat: now,
	}
}

func (c *Connection) ID() string { return c.id }

// CreatedAt is the accept time.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// UserID is empty until activation (and stays empty for anonymous connections).
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Err returns the close reason, or nil while open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the connection starts closing.
func (c *Connection) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

func (c *Connection) beginAuth() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, StateAuthenticating)
	}
	c.state = StateAuthenticating
	return nil
}

func (c *Connection) activate(userID string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting && c.state != StateAuthenticating {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, StateActive)
	}
	c.state = StateActive
	c.userID = userID
	c.lastHeartbeat = now
	return nil
}

// touch records a heartbeat. The clock never moves backwards.
func (c *Connection) touch(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return false
	}
	if now.After(c.lastHeartbeat) {
		c.lastHeartbeat = now
	}
	return true
}

// close moves to CLOSING and records reason. Only the first call returns true.
func (c *Connection) close(reason error) bool {
	if reason == nil {
		reason = ErrConnectionClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return false
	}
	c.state = StateClosing
	c.err = reason
	close(c.done)
	return true
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// push enqueues env without blocking. On a full queue it returns ErrBackpressure
// and the number of consecutive full-queue drops.
func (c *Connection) push(env v1.Envelope) (int, error) {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.pushLocked(env)
}

// pushLocked is push for callers already holding gate.
func (c *Connection) pushLocked(env v1.Envelope) (int, error) {
	select {
	case <-c.done:
		return 0, ErrConnectionClosed
	default:
	}

	select {
	case c.outbox <- env:
		c.mu.Lock()
		c.strikes = 0
		c.mu.Unlock()
		return 0, nil
	default:
		c.mu.Lock()
		c.strikes++
		n := c.strikes
		c.mu.Unlock()
		return n, ErrBackpressure
	}
}
