package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: Retry performs at most MaxAttempts calls, and stops at the first
// success regardless of how many attempts remain.
func TestProperty_RetryAttemptBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	genMaxAttempts := gen.IntRange(1, 6)
	genFailures := gen.IntRange(0, 8)

	properties.Property("call count is min(failures+1, maxAttempts)", prop.ForAll(
		func(maxAttempts, failures int) bool {
			cfg := RetryConfig{
				MaxAttempts:  maxAttempts,
				InitialDelay: time.Microsecond,
				MaxDelay:     time.Microsecond,
			}

			calls := 0
			err := Retry(context.Background(), cfg, func(ctx context.Context) error {
				calls++
				if calls <= failures {
					return errors.New("transient")
				}
				return nil
			})

			expected := failures + 1
			if expected > maxAttempts {
				expected = maxAttempts
			}
			if calls != expected {
				t.Logf("maxAttempts=%d failures=%d: %d calls, want %d", maxAttempts, failures, calls, expected)
				return false
			}

			shouldSucceed := failures < maxAttempts
			if shouldSucceed != (err == nil) {
				t.Logf("maxAttempts=%d failures=%d: err=%v", maxAttempts, failures, err)
				return false
			}
			return true
		},
		genMaxAttempts,
		genFailures,
	))

	properties.TestingRun(t)
}
