package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelaysDoubleUpToCap(t *testing.T) {
	cfg := DefaultBackoffConfig()

	assert.Equal(t, time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
	assert.Equal(t, 8*time.Second, cfg.Delay(4))
	assert.Equal(t, 8*time.Second, cfg.Delay(5), "capped at max")
	assert.Equal(t, 8*time.Second, cfg.Delay(50), "capped at max")
}

func TestBackoffDelaysNonDecreasing(t *testing.T) {
	cfg := BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2.0,
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := cfg.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestBackoffOutOfRangeAttempt(t *testing.T) {
	cfg := DefaultBackoffConfig()
	assert.Equal(t, cfg.Delay(1), cfg.Delay(0))
	assert.Equal(t, cfg.Delay(1), cfg.Delay(-3))
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.Jitter = true
	for i := 0; i < 100; i++ {
		d := cfg.Delay(2)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
	}
}
