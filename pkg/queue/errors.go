package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies input/config/payload validation failures.
	ErrValidation = errors.New("queue validation error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("queue invalid argument")
	// ErrNotInitialized classifies operations on uninitialized queues.
	ErrNotInitialized = errors.New("queue not initialized")
	// ErrClosed classifies operations on a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrEmpty reports that no job is eligible for dequeue right now.
	ErrEmpty = errors.New("queue empty")
	// ErrClaimExpired classifies mutations through a claim that timed out or
	// was reclaimed; the job now belongs to someone else.
	ErrClaimExpired = errors.New("queue claim expired")
	// ErrNotFound classifies missing jobs.
	ErrNotFound = errors.New("queue job not found")
	// ErrRetryable classifies transient backend failures.
	ErrRetryable = errors.New("queue retryable error")
)

func queueError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
