package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation represents a traced operation type.
type SpanOperation string

// Span operation constants for the scheduling and queue lifecycle
const (
	// SpanOperationJobEnqueue represents enqueuing a job
	SpanOperationJobEnqueue SpanOperation = "job.enqueue"
	// SpanOperationJobProcess represents a worker processing a claimed job
	SpanOperationJobProcess SpanOperation = "job.process"

	// SpanOperationScheduleFire represents a schedule firing
	SpanOperationScheduleFire SpanOperation = "schedule.fire"

	// SpanOperationLockAcquire represents a distributed lock acquisition attempt
	SpanOperationLockAcquire SpanOperation = "lock.acquire"
	// SpanOperationLockRenew represents extending a held lock lease
	SpanOperationLockRenew SpanOperation = "lock.renew"
	// SpanOperationLockRelease represents releasing a held lock lease
	SpanOperationLockRelease SpanOperation = "lock.release"
)

// StartJobSpan creates a new span for a job queue operation.
// Enqueue spans are producer spans; process spans are consumer spans.
func StartJobSpan(ctx context.Context, operation SpanOperation, opts ...JobSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("jobs")

	spanOpts := &jobSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("messaging.operation", string(operation)),
		},
	}

	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("JOB %s", operation)
	if spanOpts.queue != "" {
		spanName = fmt.Sprintf("JOB %s %s", operation, spanOpts.queue)
	}

	spanKind := trace.SpanKindProducer
	if operation == SpanOperationJobProcess {
		spanKind = trace.SpanKindConsumer
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(spanKind))
	span.SetAttributes(spanOpts.attributes...)

	return ctx, span
}

// JobSpanOption configures a job span.
type JobSpanOption func(*jobSpanOptions)

type jobSpanOptions struct {
	queue      string
	attributes []attribute.KeyValue
}

// WithJobQueue sets the queue name for the span.
func WithJobQueue(queue string) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.queue = queue
		opts.attributes = append(opts.attributes, attribute.String("messaging.destination", queue))
	}
}

// WithJobType sets the registered handler type of the job.
func WithJobType(jobType string) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("job.type", jobType))
	}
}

// WithJobID sets the job ID.
func WithJobID(jobID string) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.message_id", jobID))
	}
}

// WithJobAttempt sets the attempt number of the current execution.
func WithJobAttempt(attempt int) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("job.attempt", attempt))
	}
}

// WithJobPayloadSize sets the payload size in bytes.
func WithJobPayloadSize(size int) JobSpanOption {
	return func(opts *jobSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("messaging.payload_size_bytes", size))
	}
}

// StartScheduleSpan creates a new span for a schedule dispatch.
func StartScheduleSpan(ctx context.Context, operation SpanOperation, opts ...ScheduleSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("scheduler")

	spanOpts := &scheduleSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("schedule.operation", string(operation)),
		},
	}

	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("SCHEDULE %s", operation)
	if spanOpts.name != "" {
		spanName = fmt.Sprintf("SCHEDULE %s %s", operation, spanOpts.name)
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(spanOpts.attributes...)

	return ctx, span
}

// ScheduleSpanOption configures a schedule span.
type ScheduleSpanOption func(*scheduleSpanOptions)

type scheduleSpanOptions struct {
	name       string
	attributes []attribute.KeyValue
}

// WithScheduleName sets the schedule name for the span.
func WithScheduleName(name string) ScheduleSpanOption {
	return func(opts *scheduleSpanOptions) {
		opts.name = name
		opts.attributes = append(opts.attributes, attribute.String("schedule.name", name))
	}
}

// WithScheduleFireTime sets the scheduled fire time as a unix timestamp.
func WithScheduleFireTime(unixSeconds int64) ScheduleSpanOption {
	return func(opts *scheduleSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int64("schedule.fire_time", unixSeconds))
	}
}

// StartLockSpan creates a new span for a distributed lock operation.
func StartLockSpan(ctx context.Context, operation SpanOperation, opts ...LockSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("lock")

	spanOpts := &lockSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("lock.operation", string(operation)),
		},
	}

	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("LOCK %s", operation)
	if spanOpts.key != "" {
		spanName = fmt.Sprintf("LOCK %s %s", operation, spanOpts.key)
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(spanOpts.attributes...)

	return ctx, span
}

// LockSpanOption configures a lock span.
type LockSpanOption func(*lockSpanOptions)

type lockSpanOptions struct {
	key        string
	attributes []attribute.KeyValue
}

// WithLockKey sets the lock key.
func WithLockKey(key string) LockSpanOption {
	return func(opts *lockSpanOptions) {
		opts.key = key
		opts.attributes = append(opts.attributes, attribute.String("lock.key", key))
	}
}

// WithLockHolder sets the holder ID attempting the operation.
func WithLockHolder(holderID string) LockSpanOption {
	return func(opts *lockSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("lock.holder_id", holderID))
	}
}

// MarkLockAcquired records whether the acquisition attempt won the lock. The
// outcome is only known after the store call, so this sets the attribute on an
// already started span.
func MarkLockAcquired(span trace.Span, acquired bool) {
	span.SetAttributes(attribute.Bool("lock.acquired", acquired))
}

// RecordError records an error in the current span and sets the span status to error.
// This is a convenience function for consistent error recording.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
// This is a convenience function for marking successful operations.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
