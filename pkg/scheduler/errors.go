package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies malformed schedule definitions and config.
	ErrValidation = errors.New("scheduler validation error")
	// ErrConflict classifies duplicate schedule names.
	ErrConflict = errors.New("scheduler conflict")
	// ErrNotFound classifies operations on unknown schedule names.
	ErrNotFound = errors.New("scheduler schedule not found")
	// ErrNotInitialized classifies operations on uninitialized engines.
	ErrNotInitialized = errors.New("scheduler engine not initialized")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
