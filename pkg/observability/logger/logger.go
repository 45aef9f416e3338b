package logger

import (
	"context"
)

// Logger defines the interface for structured logging across the module.
// All log methods accept a message string followed by key-value pairs for structured fields.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs an info-level message with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a warning-level message with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs an error-level message with optional key-value pairs
	Error(msg string, args ...any)

	// With creates a child logger with additional key-value pairs that will be
	// included in all subsequent log entries
	With(args ...any) Logger

	// WithContext creates a child logger carrying the correlation fields
	// (job ID, schedule name) stored in the context
	WithContext(ctx context.Context) Logger
}

type contextKey string

const (
	jobIDContextKey    contextKey = "job_id"
	scheduleContextKey contextKey = "schedule"
)

// ContextWithJobID returns a context carrying the job ID so that loggers and
// handlers downstream can correlate log entries with the job being processed.
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDContextKey, jobID)
}

// ContextWithSchedule returns a context carrying the schedule name that
// triggered the current execution.
func ContextWithSchedule(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, scheduleContextKey, name)
}

// JobIDFromContext extracts the job ID stored by ContextWithJobID, if any.
func JobIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(jobIDContextKey).(string); ok {
		return id
	}
	return ""
}

// ScheduleFromContext extracts the schedule name stored by ContextWithSchedule, if any.
func ScheduleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if name, ok := ctx.Value(scheduleContextKey).(string); ok {
		return name
	}
	return ""
}
