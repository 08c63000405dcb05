// Package backoff computes client reconnection delays.
//
// Delays grow exponentially from a base, get ±10% symmetric jitter and are
// clamped to a maximum. The random source is always passed in so callers and
// tests control determinism.
package backoff

import (
	"math"
	"time"
)

// JitterFraction is the symmetric jitter applied to every computed delay.
const JitterFraction = 0.1

// Rand is the random source used for jitter. *math/rand/v2.Rand satisfies it.
type Rand interface {
	// Float64 returns a value in [0.0, 1.0).
	Float64() float64
}

// ComputeDelay returns the delay before reconnect attempt number attempt
// (zero-indexed): min(base*2^attempt + jitter, maxDelay), jitter uniform in
// ±10% of the unjittered delay. A nil rnd disables jitter.
func ComputeDelay(attempt int, base, maxDelay time.Duration, rnd Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 || maxDelay <= 0 {
		return 0
	}

	delay := growth(attempt, base, maxDelay)

	var jitter float64
	if rnd != nil {
		jitter = delay * JitterFraction * (2*rnd.Float64() - 1)
	}

	out := delay + jitter
	if out > float64(maxDelay) {
		return maxDelay
	}
	if out < 0 {
		return 0
	}
	return time.Duration(out)
}

// ExpectedDelaySequence returns the unjittered delay for attempts 0..attempts-1.
// It exists to verify growth; scheduling always goes through ComputeDelay.
func ExpectedDelaySequence(attempts int, base, maxDelay time.Duration) []time.Duration {
	if attempts <= 0 {
		return nil
	}
	out := make([]time.Duration, attempts)
	for i := range out {
		d := growth(i, base, maxDelay)
		if d > float64(maxDelay) {
			d = float64(maxDelay)
		}
		out[i] = time.Duration(d)
	}
	return out
}

// growth returns base*2^attempt as float64, saturated at 2*maxDelay so large
// attempts cannot overflow. Jitter is at most 10%, so anything above
// maxDelay/0.9 clamps to maxDelay either way.
func growth(attempt int, base, maxDelay time.Duration) float64 {
	ceiling := 2 * float64(maxDelay)
	d := float64(base) * math.Pow(2, float64(attempt))
	if math.IsInf(d, 0) || d > ceiling {
		return ceiling
	}
	return d
}
