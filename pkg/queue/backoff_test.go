package queue

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBackoffDelayExponential(t *testing.T) {
	policy := BackoffPolicy{
		Kind:      BackoffExponential,
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
	}

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		time.Minute,
		time.Minute,
	}
	for i, want := range expected {
		got := backoffDelay(policy, i+1)
		if got != want {
			t.Errorf("failure %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestBackoffDelayFixed(t *testing.T) {
	policy := BackoffPolicy{
		Kind:      BackoffFixed,
		BaseDelay: 3 * time.Second,
		MaxDelay:  time.Minute,
	}

	for failures := 1; failures <= 10; failures++ {
		if got := backoffDelay(policy, failures); got != 3*time.Second {
			t.Errorf("failure %d: expected 3s, got %v", failures, got)
		}
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	policy := BackoffPolicy{
		Kind:      BackoffExponential,
		BaseDelay: 10 * time.Second,
		MaxDelay:  time.Hour,
		Jitter:    true,
	}

	base := 40 * time.Second // third failure: 10s * 2^2
	low := time.Duration(float64(base) * 0.8)
	high := time.Duration(float64(base) * 1.2)
	for i := 0; i < 200; i++ {
		got := backoffDelay(policy, 3)
		if got < low || got > high {
			t.Fatalf("jittered delay %v outside [%v, %v]", got, low, high)
		}
	}
}

func TestBackoffDelayZeroFailuresTreatedAsFirst(t *testing.T) {
	policy := BackoffPolicy{Kind: BackoffExponential, BaseDelay: time.Second, MaxDelay: time.Minute}
	if got := backoffDelay(policy, 0); got != time.Second {
		t.Errorf("expected base delay for zero failures, got %v", got)
	}
}

// Without jitter, delays never decrease as failures accumulate and never
// exceed the cap. This is the retry monotonicity guarantee.
func TestBackoffDelayMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("non-decreasing and capped", prop.ForAll(
		func(baseMs int, maxFactor int, failures int) bool {
			policy := BackoffPolicy{
				Kind:      BackoffExponential,
				BaseDelay: time.Duration(baseMs) * time.Millisecond,
				MaxDelay:  time.Duration(baseMs*maxFactor) * time.Millisecond,
			}
			previous := time.Duration(0)
			for k := 1; k <= failures; k++ {
				delay := backoffDelay(policy, k)
				if delay < previous {
					return false
				}
				if delay > policy.MaxDelay {
					return false
				}
				previous = delay
			}
			return true
		},
		gen.IntRange(1, 5000),
		gen.IntRange(1, 100),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
