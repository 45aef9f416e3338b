// Package store provides the key-value storage adapters the lock layer
// builds on. Implementations must make SetIfAbsent, CompareAndSwap and
// CompareAndDelete atomic with respect to each other.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// KV is the atomic key-value contract. Values are opaque strings. A zero or
// negative TTL means the key does not expire.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetIfAbsent writes the value only when the key does not exist and
	// reports whether the write happened.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value and TTL only when the current value
	// equals expected and reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes the key only when the current value equals
	// expected and reports whether the delete happened.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Delete removes the key unconditionally. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer value at key by one, treating a
	// missing key as zero, and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the adapter's resources.
	Close() error
}
