package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Policy is the client reconnect policy.
type Policy struct {
	Enabled     bool
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy mirrors the server-side reconnect defaults.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:     true,
		MaxAttempts: 10,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Counter is the client-local reconnect attempt counter.
// It is incremented on every failed or dropped connection and reset once a
// connection becomes active. Safe for concurrent use.
type Counter struct {
	policy Policy

	mu       sync.Mutex
	attempts int
	rnd      Rand
}

// NewCounter constructs a Counter. A nil rnd uses a locally seeded PCG source.
func NewCounter(p Policy, rnd Rand) *Counter {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Counter{policy: p, rnd: rnd}
}

// Fail records a failed or dropped connection and returns the delay before
// the next attempt. ok is false when reconnection is disabled or the attempt
// budget is exhausted; the caller must give up.
func (c *Counter) Fail() (delay time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.policy.Enabled {
		return 0, false
	}
	if c.policy.MaxAttempts > 0 && c.attempts >= c.policy.MaxAttempts {
		return 0, false
	}

	delay = ComputeDelay(c.attempts, c.policy.BaseDelay, c.policy.MaxDelay, c.rnd)
	c.attempts++
	return delay, true
}

// Reset zeroes the counter after a successful activation.
func (c *Counter) Reset() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

// Attempts returns the number of consecutive failures recorded.
func (c *Counter) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
