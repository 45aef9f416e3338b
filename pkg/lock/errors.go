package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies malformed configuration.
	ErrValidation = errors.New("lock validation error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("lock invalid argument")
	// ErrNotInitialized classifies operations on uninitialized managers.
	ErrNotInitialized = errors.New("lock manager not initialized")
	// ErrNotHeld classifies renew/release attempts on a lease the caller no
	// longer holds (expired or taken over).
	ErrNotHeld = errors.New("lock not held")
	// ErrRetryable classifies transient store failures.
	ErrRetryable = errors.New("lock retryable error")
)

func lockError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
