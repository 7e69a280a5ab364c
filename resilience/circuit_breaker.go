package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned without attempting the call while the
	// breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig defines configuration for the circuit breaker
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a single
	// half-open probe is allowed through.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns a default configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// CircuitBreaker tracks consecutive upstream failures and fails fast while
// the dependency is unhealthy. One breaker instance guards one upstream
// endpoint; all state is mutated under its mutex.
type CircuitBreaker struct {
	config BreakerConfig

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	probeInFlight       bool
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	return &CircuitBreaker{config: config, state: StateClosed}
}

// Allow reports whether a call may proceed. While the circuit is open it
// returns ErrCircuitOpen until the reset timeout elapses, at which point
// exactly one caller is admitted as the half-open probe. The caller must
// report the outcome via MarkSuccess or MarkFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.lastFailureAt) < cb.config.ResetTimeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probeInFlight = true
		return nil

	case StateHalfOpen:
		if cb.probeInFlight {
			return ErrCircuitOpen
		}
		cb.probeInFlight = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

// MarkSuccess records a successful call. Any success closes the circuit and
// zeroes the consecutive failure count.
func (cb *CircuitBreaker) MarkSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.probeInFlight = false
}

// MarkFailure records a failed call. Reaching the failure threshold, or any
// failure of the half-open probe, opens the circuit.
func (cb *CircuitBreaker) MarkFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures++
	cb.lastFailureAt = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.probeInFlight = false
	}
}

// Execute wraps a function call with circuit breaker logic. The function's
// error return decides success or failure; context cancellation counts as a
// failure of the call it interrupted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		cb.MarkFailure()
		return err
	}
	cb.MarkSuccess()
	return nil
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	// An elapsed reset timeout shows as half-open even before a probe has
	// claimed the slot.
	if cb.state == StateOpen && time.Since(cb.lastFailureAt) >= cb.config.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset manually closes the circuit breaker.
func (cb *CircuitBreaker) Reset() {
	cb.MarkSuccess()
}

// BreakerStats is a point-in-time view of breaker state.
type BreakerStats struct {
	State         State
	Failures      int
	LastFailureAt time.Time
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:         cb.state,
		Failures:      cb.consecutiveFailures,
		LastFailureAt: cb.lastFailureAt,
	}
}
