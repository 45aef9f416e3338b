package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// BreakerClosed lets every call through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets one probe call through to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned without invoking the call while the breaker
// cools down.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig controls when a circuit breaker trips and recovers.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the breaker.
	MaxFailures int

	// CoolDown is how long the breaker stays open before probing again.
	CoolDown time.Duration

	// Clock defaults to the wall clock; tests inject a fake.
	Clock clockwork.Clock
}

// DefaultBreakerConfig returns the breaker settings used by the store clients.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		CoolDown:    10 * time.Second,
	}
}

func (c BreakerConfig) normalize() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// CircuitBreaker shields a backing store from call storms while it is down.
// The Redis store, lock and queue clients run their store calls through one,
// so an outage degrades to fast failures instead of piled-up timeouts.
type CircuitBreaker struct {
	config BreakerConfig
	clock  clockwork.Clock

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg = cfg.normalize()
	return &CircuitBreaker{
		config: cfg,
		clock:  cfg.Clock,
		state:  BreakerClosed,
	}
}

// Execute runs fn unless the breaker is open. The fn error passes through
// unchanged and counts toward tripping the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrBreakerOpen
	}
	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if cb.clock.Since(cb.openedAt) > cb.config.CoolDown {
			cb.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		// The probe failed; cool down again.
		cb.state = BreakerOpen
		cb.openedAt = cb.clock.Now()
		cb.failures = 0
		return
	}

	cb.failures++
	if cb.failures >= cb.config.MaxFailures {
		cb.state = BreakerOpen
		cb.openedAt = cb.clock.Now()
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = BreakerClosed
	cb.failures = 0
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive-failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
}
