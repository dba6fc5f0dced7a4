package dispatch

import (
	"math"
	"time"
)

// Backoff returns the delay before the next delivery attempt after attempt n
// failed. Attempt 1 returns base, attempt 2 base*2, and so on, capped at
// max. Non-positive base/max fall back to the defaults.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if attempt < 1 {
		return base
	}
	delay := float64(base) * math.Pow(2.0, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
