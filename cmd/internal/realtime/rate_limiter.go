package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-connection inbound frame limiter: a token bucket that
// refills limit tokens per window and allows bursts up to limit.
type RateLimiter struct {
	l *rate.Limiter
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateEvents
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{l: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	return r.l.AllowN(now, 1)
}
