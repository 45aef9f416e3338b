package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid registrations and configuration.
	ErrValidation = errors.New("worker validation error")
	// ErrConflict classifies duplicate handler registrations.
	ErrConflict = errors.New("worker conflict")
	// ErrNotInitialized classifies operations on uninitialized pools.
	ErrNotInitialized = errors.New("worker pool not initialized")
	// ErrUnknownType reports a dequeued job whose type has no registered
	// handler. Jobs failing with this cause never succeed on retry.
	ErrUnknownType = errors.New("worker unknown job type")
)

func workerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
