package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestBreaker(maxFailures int, coolDown time.Duration) (*CircuitBreaker, *clockwork.FakeClock) {
	clk := clockwork.NewFakeClock()
	cb := NewCircuitBreaker(BreakerConfig{
		MaxFailures: maxFailures,
		CoolDown:    coolDown,
		Clock:       clk,
	})
	return cb, clk
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	failing := func() error { return errors.New("store down") }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(failing); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}

	if cb.State() != BreakerOpen {
		t.Fatalf("expected open state after 3 failures, got %v", cb.State())
	}

	if err := cb.Execute(failing); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb, clk := newTestBreaker(1, 20*time.Second)

	_ = cb.Execute(func() error { return errors.New("boom") })
	if cb.State() != BreakerOpen {
		t.Fatalf("expected open state, got %v", cb.State())
	}

	clk.Advance(30 * time.Second)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected success in half-open, got %v", err)
	}
	if cb.State() != BreakerClosed {
		t.Errorf("expected closed state after half-open success, got %v", cb.State())
	}
}

func TestCircuitBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb, clk := newTestBreaker(1, 20*time.Second)

	_ = cb.Execute(func() error { return errors.New("boom") })
	clk.Advance(30 * time.Second)

	_ = cb.Execute(func() error { return errors.New("still broken") })
	if cb.State() != BreakerOpen {
		t.Errorf("expected reopened circuit, got %v", cb.State())
	}

	// The fresh cool-down holds until it elapses again.
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen during second cool-down, got %v", err)
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	_ = cb.Execute(func() error { return errors.New("blip") })
	_ = cb.Execute(func() error { return errors.New("blip") })
	if cb.Failures() != 2 {
		t.Fatalf("expected 2 failures, got %d", cb.Failures())
	}

	_ = cb.Execute(func() error { return nil })
	if cb.Failures() != 0 {
		t.Errorf("expected failure count reset, got %d", cb.Failures())
	}
	if cb.State() != BreakerClosed {
		t.Errorf("expected closed state, got %v", cb.State())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	_ = cb.Execute(func() error { return errors.New("boom") })

	cb.Reset()
	if cb.State() != BreakerClosed {
		t.Errorf("expected closed state after Reset, got %v", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Errorf("expected execution after Reset, got %v", err)
	}
}
