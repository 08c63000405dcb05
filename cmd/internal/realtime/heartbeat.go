package realtime

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// HeartbeatMonitor supervises ACTIVE connections: a connection whose last
// heartbeat is older than interval+timeout is closed with ErrHeartbeatTimeout.
type HeartbeatMonitor struct {
	log      *slog.Logger
	reg      *Registry
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewHeartbeatMonitor constructs a monitor. Non-positive durations use the defaults.
func NewHeartbeatMonitor(log *slog.Logger, reg *Registry, interval, timeout time.Duration) *HeartbeatMonitor {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &HeartbeatMonitor{log: log, reg: reg, interval: interval, timeout: timeout, now: time.Now}
}

// Interval is the expected heartbeat cadence.
func (m *HeartbeatMonitor) Interval() time.Duration { return m.interval }

// Deadline is the longest silence tolerated: interval plus grace.
func (m *HeartbeatMonitor) Deadline() time.Duration { return m.interval + m.timeout }

// Expired reports whether a connection last heard from at last is dead at now.
func (m *HeartbeatMonitor) Expired(last, now time.Time) bool {
	return now.Sub(last) > m.Deadline()
}

// Check closes c with ErrHeartbeatTimeout when it is ACTIVE and expired.
// It reports whether this call closed the connection.
func (m *HeartbeatMonitor) Check(c *Connection, now time.Time) bool {
	if c.State() != StateActive {
		return false
	}
	last := c.LastHeartbeat()
	if !m.Expired(last, now) {
		return false
	}
	if !m.reg.Close(c.ID(), ErrHeartbeatTimeout) {
		return false
	}
	m.log.Info("heartbeat.timeout",
		"conn_id", c.ID(),
		"user_id", c.UserID(),
		"silence_ms", now.Sub(last).Milliseconds(),
	)
	return true
}

// Run supervises c until it closes or ctx is done. The timer is re-armed to
// the exact deadline after each check. When beat is non-nil it is called every
// interval so the peer can run the same liveness check.
func (m *HeartbeatMonitor) Run(ctx context.Context, c *Connection, beat func(context.Context) error) {
	timer := time.NewTimer(m.Deadline())
	defer timer.Stop()

	var tick <-chan time.Time
	if beat != nil {
		t := time.NewTicker(m.interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-tick:
			if c.State() != StateActive {
				continue
			}
			if err := beat(ctx); err != nil {
				m.log.Debug("heartbeat.send.fail", "conn_id", c.ID(), "err", err)
			}
		case <-timer.C:
			now := m.now()
			if m.Check(c, now) {
				return
			}
			wait := m.Deadline()
			if c.State() == StateActive {
				wait = m.Deadline() - now.Sub(c.LastHeartbeat())
			}
			if wait <= 0 {
				wait = time.Millisecond
			}
			timer.Reset(wait + time.Millisecond)
		}
	}
}
