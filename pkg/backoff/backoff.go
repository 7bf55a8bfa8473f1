// Package backoff computes retry delays as a pure function of the attempt
// number, so scheduling decisions are testable without real time passing.
package backoff

import (
	"math/rand"
	"time"
)

// Delay returns base * 2^(attempt-1), capped at max. Attempts below 1 are
// treated as 1. The result is deterministic; apply Jitter before scheduling.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if max > 0 && base > max {
		base = max
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	return d
}

// Jitter spreads d uniformly over [d/2, d) so that a burst of failures does
// not re-enqueue all its retries for the same instant.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
