package dispatch

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the pause before retry number attempt (1 based).
type Backoff func(attempt int) time.Duration

// ExponentialBackoff doubles base per attempt up to max, with +/-30% jitter.
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt && d < max; i++ {
			d *= 2
		}
		if d > max {
			d = max
		}
		jitter := 0.7 + 0.6*rand.Float64()
		return time.Duration(float64(d) * jitter)
	}
}

// DefaultBackoff starts at 500ms and caps at 10s.
var DefaultBackoff = ExponentialBackoff(500*time.Millisecond, 10*time.Second)

// NoBackoff retries immediately.
func NoBackoff(int) time.Duration { return 0 }
