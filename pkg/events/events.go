// Package events carries the structured event stream emitted at schedule and
// job lifecycle boundaries. External logging, metrics and alerting systems
// consume it through the Sink interface.
package events

import (
	"context"
	"time"

	"github.com/chronoq/chronoq/pkg/observability/logger"
)

// Type identifies a lifecycle event.
type Type string

// Lifecycle event types
const (
	TypeScheduleFired Type = "schedule.fired"
	TypeLockAcquired  Type = "lock.acquired"
	TypeLockDenied    Type = "lock.denied"
	TypeJobEnqueued   Type = "job.enqueued"
	TypeJobClaimed    Type = "job.claimed"
	TypeJobCompleted  Type = "job.completed"
	TypeJobFailed     Type = "job.failed"
	TypeJobDead       Type = "job.dead"
	TypeJobReclaimed  Type = "job.reclaimed"
)

// Event is a single lifecycle occurrence. Fields that do not apply to the
// event type stay zero.
type Event struct {
	Type     Type      `json:"type"`
	At       time.Time `json:"at"`
	Schedule string    `json:"schedule,omitempty"`
	LockKey  string    `json:"lock_key,omitempty"`
	HolderID string    `json:"holder_id,omitempty"`
	Queue    string    `json:"queue,omitempty"`
	JobID    string    `json:"job_id,omitempty"`
	JobType  string    `json:"job_type,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Sink receives lifecycle events. Implementations must not block: emission
// happens on scheduler ticks and worker loops.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NopSink discards all events.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(ctx context.Context, event Event) {}

// LogSink writes one structured log line per event.
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a sink that logs events through the given logger.
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log}
}

// Emit logs the event with its populated fields.
func (s *LogSink) Emit(ctx context.Context, event Event) {
	args := make([]any, 0, 16)
	if event.Schedule != "" {
		args = append(args, "schedule", event.Schedule)
	}
	if event.LockKey != "" {
		args = append(args, "lock_key", event.LockKey)
	}
	if event.HolderID != "" {
		args = append(args, "holder_id", event.HolderID)
	}
	if event.Queue != "" {
		args = append(args, "queue", event.Queue)
	}
	if event.JobID != "" {
		args = append(args, "job_id", event.JobID)
	}
	if event.JobType != "" {
		args = append(args, "job_type", event.JobType)
	}
	if event.WorkerID != "" {
		args = append(args, "worker_id", event.WorkerID)
	}
	if event.Attempt > 0 {
		args = append(args, "attempt", event.Attempt)
	}
	if event.Error != "" {
		args = append(args, "error", event.Error)
	}

	switch event.Type {
	case TypeJobFailed, TypeJobDead:
		s.log.WithContext(ctx).Warn(string(event.Type), args...)
	case TypeLockDenied:
		s.log.WithContext(ctx).Debug(string(event.Type), args...)
	default:
		s.log.WithContext(ctx).Info(string(event.Type), args...)
	}
}

// MultiSink fans out events to several sinks in order.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that forwards each event to every given sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Emit forwards the event to all sinks.
func (s *MultiSink) Emit(ctx context.Context, event Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, event)
	}
}

// ChannelSink delivers events to a buffered channel, dropping when the
// channel is full. Intended for tests and in-process consumers.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

// Emit delivers the event without blocking; full buffers drop.
func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.ch <- event:
	default:
	}
}

// Events exposes the receive side of the channel.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// OrNop returns the sink, or a NopSink when nil. Components call this on
// their configured sink so emission never needs a nil check.
func OrNop(sink Sink) Sink {
	if sink == nil {
		return NopSink{}
	}
	return sink
}
