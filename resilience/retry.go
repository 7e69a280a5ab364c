package resilience

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines the delay policy between retry attempts.
type BackoffConfig struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay regardless of attempt count.
	Max time.Duration

	// Multiplier is the exponential growth factor between attempts.
	Multiplier float64

	// Jitter adds up to 10% randomness to avoid thundering herd.
	Jitter bool
}

// DefaultBackoffConfig returns the delay policy used by the background
// processor: 1s, 2s, 4s, ... capped at 8 seconds.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        8 * time.Second,
		Multiplier: 2.0,
	}
}

// Delay returns the backoff duration before retry number attempt, where the
// first retry is attempt 1. Delays are non-decreasing up to Max.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(c.Initial) * math.Pow(c.Multiplier, float64(attempt-1))
	if backoff > float64(c.Max) {
		backoff = float64(c.Max)
	}
	if c.Jitter {
		backoff += rand.Float64() * 0.1 * backoff
	}
	return time.Duration(backoff)
}
