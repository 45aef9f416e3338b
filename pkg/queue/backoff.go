package queue

import (
	"math/rand"
	"time"
)

// jitterFraction is the spread applied around a computed delay when the
// policy asks for jitter.
const jitterFraction = 0.2

// backoffDelay computes the wait before the next attempt. failures is the
// number of failed attempts so far, starting at 1. Exponential growth is
// delay = min(maxDelay, baseDelay * 2^(failures-1)).
func backoffDelay(policy BackoffPolicy, failures int) time.Duration {
	policy.normalize()
	if failures <= 0 {
		failures = 1
	}

	delay := policy.BaseDelay
	if policy.Kind == BackoffExponential {
		for i := 1; i < failures; i++ {
			if delay >= policy.MaxDelay/2 {
				delay = policy.MaxDelay
				break
			}
			delay *= 2
		}
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.Jitter {
		delay = applyJitter(delay)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// applyJitter spreads the delay uniformly across ±20%.
func applyJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	factor := 1 - jitterFraction + 2*jitterFraction*rand.Float64()
	return time.Duration(float64(delay) * factor)
}
