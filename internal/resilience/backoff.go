package resilience

import (
	"math"
	"time"
)

// Backoff computes the delay before retrying after the given 1-based attempt
// number: base × 2^(attempt−1), capped at max. It is a pure function of its
// inputs so the worker's re-queue delay and the stream client's reconnect
// delay stay consistent without sharing any runtime state.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}
