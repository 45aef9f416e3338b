package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chronoq/chronoq/pkg/events"
	"github.com/chronoq/chronoq/pkg/observability/logger"
)

// MemoryQueueConfig configures one in-memory queue.
type MemoryQueueConfig struct {
	Queue         string
	StallTimeout  time.Duration
	DropExhausted bool
	KeepCompleted bool
}

func (c *MemoryQueueConfig) normalize() {
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
}

type memoryPending struct {
	job *Job
	seq int64
}

type memoryActive struct {
	job       *Job
	token     string
	expiresAt time.Time
}

type memoryDead struct {
	job      *Job
	failedAt time.Time
	seq      int64
}

type memoryCompleted struct {
	job         *Job
	completedAt time.Time
}

// MemoryQueue implements Queue, DeadLetterStore and Reclaimer in process
// memory. It serializes every transition under one mutex, so it gives the
// same single-winner guarantees as the Redis backend within one process.
// Intended for tests and embedded single-node deployments.
type MemoryQueue struct {
	clock clockwork.Clock
	log   logger.Logger
	sink  events.Sink

	config MemoryQueueConfig

	mu        sync.Mutex
	seq       int64
	pending   []memoryPending
	active    map[string]memoryActive
	dead      []memoryDead
	completed []memoryCompleted
	closed    bool
}

// NewMemoryQueue creates an in-memory queue on the real clock.
func NewMemoryQueue(cfg MemoryQueueConfig, log logger.Logger, sink events.Sink) (*MemoryQueue, error) {
	return NewMemoryQueueWithClock(cfg, log, sink, clockwork.NewRealClock())
}

// NewMemoryQueueWithClock creates an in-memory queue on the given clock so
// tests can advance delays and stall timeouts deterministically.
func NewMemoryQueueWithClock(cfg MemoryQueueConfig, log logger.Logger, sink events.Sink, clock clockwork.Clock) (*MemoryQueue, error) {
	if log == nil {
		return nil, queueError(ErrInvalidArgument, "logger is required")
	}
	if clock == nil {
		return nil, queueError(ErrInvalidArgument, "clock is required")
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		cfg.Queue = "default"
	}
	cfg.normalize()

	return &MemoryQueue{
		clock:  clock,
		log:    log,
		sink:   events.OrNop(sink),
		config: cfg,
		active: make(map[string]memoryActive),
	}, nil
}

// Enqueue persists the job and makes it eligible at NotBefore.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job == nil {
		return "", queueError(ErrInvalidArgument, "job is required")
	}

	now := q.clock.Now().UTC()
	jobCopy := cloneJob(job)
	if strings.TrimSpace(jobCopy.ID) == "" {
		jobCopy.ID = newJobID()
	}
	jobCopy.Queue = q.config.Queue
	jobCopy.Status = StatusPending
	jobCopy.ClaimedBy = ""
	jobCopy.Backoff.normalize()
	if jobCopy.CreatedAt.IsZero() {
		jobCopy.CreatedAt = now
	}
	if jobCopy.NotBefore.IsZero() {
		jobCopy.NotBefore = jobCopy.CreatedAt
	}
	if err := jobCopy.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", queueError(ErrClosed, "memory queue is closed")
	}
	q.seq++
	q.pending = append(q.pending, memoryPending{job: jobCopy, seq: q.seq})
	q.mu.Unlock()

	recordJobEnqueued(q.config.Queue, jobCopy.Type)
	q.sink.Emit(ctx, events.Event{
		Type:    events.TypeJobEnqueued,
		At:      now,
		Queue:   q.config.Queue,
		JobID:   jobCopy.ID,
		JobType: jobCopy.Type,
	})
	return jobCopy.ID, nil
}

// Dequeue claims the most urgent eligible job for workerID.
func (q *MemoryQueue) Dequeue(ctx context.Context, workerID string) (*Job, *Claim, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, nil, queueError(ErrInvalidArgument, "worker id is required")
	}

	now := q.clock.Now().UTC()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, nil, queueError(ErrClosed, "memory queue is closed")
	}

	best := -1
	for i, entry := range q.pending {
		if entry.job.NotBefore.After(now) {
			continue
		}
		if best == -1 || lessUrgent(q.pending[best], entry) {
			best = i
		}
	}
	if best == -1 {
		q.mu.Unlock()
		return nil, nil, ErrEmpty
	}

	entry := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)

	entry.job.Status = StatusActive
	entry.job.ClaimedBy = workerID
	token := randomClaimToken()
	q.active[entry.job.ID] = memoryActive{
		job:       entry.job,
		token:     token,
		expiresAt: now.Add(q.config.StallTimeout),
	}
	q.mu.Unlock()

	claim := &Claim{
		JobID:     entry.job.ID,
		Queue:     q.config.Queue,
		Token:     token,
		WorkerID:  workerID,
		Attempt:   entry.job.AttemptsMade,
		ExpiresAt: now.Add(q.config.StallTimeout),
	}

	recordJobClaimed(q.config.Queue, entry.job.Type)
	q.sink.Emit(ctx, events.Event{
		Type:     events.TypeJobClaimed,
		At:       now,
		Queue:    q.config.Queue,
		JobID:    entry.job.ID,
		JobType:  entry.job.Type,
		WorkerID: workerID,
		Attempt:  entry.job.AttemptsMade,
	})
	return cloneJob(entry.job), claim, nil
}

// lessUrgent reports whether candidate should dequeue before current.
// Lower priority wins; equal priorities break in enqueue order.
func lessUrgent(current, candidate memoryPending) bool {
	if candidate.job.Priority != current.job.Priority {
		return candidate.job.Priority < current.job.Priority
	}
	return candidate.seq < current.seq
}

// Complete transitions the claimed job to completed.
func (q *MemoryQueue) Complete(ctx context.Context, claim *Claim) error {
	if err := validateClaim(claim); err != nil {
		return err
	}

	now := q.clock.Now().UTC()

	q.mu.Lock()
	entry, err := q.takeActive(claim)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if q.config.KeepCompleted {
		entry.job.Status = StatusCompleted
		entry.job.ClaimedBy = ""
		q.completed = append(q.completed, memoryCompleted{job: entry.job, completedAt: now})
	}
	q.mu.Unlock()

	recordJobProcessed(q.config.Queue, "completed")
	q.sink.Emit(ctx, events.Event{
		Type:     events.TypeJobCompleted,
		At:       now,
		Queue:    q.config.Queue,
		JobID:    claim.JobID,
		WorkerID: claim.WorkerID,
	})
	return nil
}

// Fail records a failed attempt and routes the job to retry, the dead letter
// set, or the drop path.
func (q *MemoryQueue) Fail(ctx context.Context, claim *Claim, cause error) error {
	if err := validateClaim(claim); err != nil {
		return err
	}

	now := q.clock.Now().UTC()

	q.mu.Lock()
	entry, err := q.takeActive(claim)
	if err != nil {
		q.mu.Unlock()
		return err
	}

	job := entry.job
	job.AttemptsMade++
	job.LastAttemptAt = now
	job.LastError = ""
	if cause != nil {
		job.LastError = cause.Error()
	}

	if job.AttemptsMade < job.MaxAttempts {
		job.Status = StatusPending
		job.ClaimedBy = ""
		job.NotBefore = now.Add(backoffDelay(job.Backoff, job.AttemptsMade))
		q.seq++
		q.pending = append(q.pending, memoryPending{job: job, seq: q.seq})
		q.mu.Unlock()

		recordJobProcessed(q.config.Queue, "retry")
		q.sink.Emit(ctx, events.Event{
			Type:     events.TypeJobFailed,
			At:       now,
			Queue:    q.config.Queue,
			JobID:    job.ID,
			JobType:  job.Type,
			WorkerID: claim.WorkerID,
			Attempt:  job.AttemptsMade,
			Error:    job.LastError,
		})
		return nil
	}

	job.ClaimedBy = ""
	if q.config.DropExhausted {
		job.Status = StatusFailed
	} else {
		job.Status = StatusDead
		q.seq++
		q.dead = append(q.dead, memoryDead{job: job, failedAt: now, seq: q.seq})
	}
	q.mu.Unlock()

	if q.config.DropExhausted {
		recordJobProcessed(q.config.Queue, "dropped")
	} else {
		recordJobProcessed(q.config.Queue, "dead")
	}
	q.sink.Emit(ctx, events.Event{
		Type:     events.TypeJobDead,
		At:       now,
		Queue:    q.config.Queue,
		JobID:    job.ID,
		JobType:  job.Type,
		WorkerID: claim.WorkerID,
		Attempt:  job.AttemptsMade,
		Error:    job.LastError,
	})
	return nil
}

// ExtendClaim pushes the claim expiry forward.
func (q *MemoryQueue) ExtendClaim(ctx context.Context, claim *Claim, d time.Duration) error {
	if err := validateClaim(claim); err != nil {
		return err
	}
	if d <= 0 {
		d = q.config.StallTimeout
	}

	now := q.clock.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queueError(ErrClosed, "memory queue is closed")
	}
	entry, ok := q.active[claim.JobID]
	if !ok {
		return queueError(ErrClaimExpired, "claim not found")
	}
	if entry.token != claim.Token {
		return queueError(ErrClaimExpired, "claim token mismatch")
	}
	entry.expiresAt = now.Add(d)
	q.active[claim.JobID] = entry
	claim.ExpiresAt = entry.expiresAt
	return nil
}

// ReclaimStalled returns expired active jobs to pending without touching
// their attempt counters.
func (q *MemoryQueue) ReclaimStalled(ctx context.Context) (int, error) {
	now := q.clock.Now().UTC()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, queueError(ErrClosed, "memory queue is closed")
	}

	var reclaimed []string
	for id, entry := range q.active {
		if entry.expiresAt.After(now) {
			continue
		}
		delete(q.active, id)
		entry.job.Status = StatusPending
		entry.job.ClaimedBy = ""
		entry.job.NotBefore = now
		q.seq++
		q.pending = append(q.pending, memoryPending{job: entry.job, seq: q.seq})
		reclaimed = append(reclaimed, id)
	}
	q.mu.Unlock()

	for _, id := range reclaimed {
		recordJobReclaimed(q.config.Queue)
		q.sink.Emit(ctx, events.Event{
			Type:  events.TypeJobReclaimed,
			At:    now,
			Queue: q.config.Queue,
			JobID: id,
		})
	}
	return len(reclaimed), nil
}

// DeadJobs lists parked jobs, most recent first.
func (q *MemoryQueue) DeadJobs(ctx context.Context, limit int) ([]*DeadJob, error) {
	if limit <= 0 {
		limit = 50
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queueError(ErrClosed, "memory queue is closed")
	}

	sorted := make([]memoryDead, len(q.dead))
	copy(sorted, q.dead)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].seq > sorted[j].seq
	})

	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]*DeadJob, 0, len(sorted))
	for _, entry := range sorted {
		out = append(out, &DeadJob{
			Job:      cloneJob(entry.job),
			Reason:   entry.job.LastError,
			FailedAt: entry.failedAt,
		})
	}
	return out, nil
}

// Replay requeues dead jobs with a fresh attempt budget.
func (q *MemoryQueue) Replay(ctx context.Context, ids []string) (int, error) {
	now := q.clock.Now().UTC()

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			wanted[id] = true
		}
	}

	q.mu.Lock()
	var toReplay []*Job
	kept := q.dead[:0]
	for _, entry := range q.dead {
		if wanted[entry.job.ID] {
			toReplay = append(toReplay, entry.job)
			continue
		}
		kept = append(kept, entry)
	}
	q.dead = kept
	q.mu.Unlock()

	replayed := 0
	for _, job := range toReplay {
		job.AttemptsMade = 0
		job.Status = StatusPending
		job.LastError = ""
		job.NotBefore = now
		if job.Headers == nil {
			job.Headers = map[string]string{}
		}
		job.Headers[HeaderReplayed] = "true"
		if _, err := q.Enqueue(ctx, job); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

// PurgeDead removes dead jobs parked longer than olderThan.
func (q *MemoryQueue) PurgeDead(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, queueError(ErrInvalidArgument, "olderThan must be >= 0")
	}
	cutoff := q.clock.Now().UTC().Add(-olderThan)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queueError(ErrClosed, "memory queue is closed")
	}

	kept := q.dead[:0]
	removed := 0
	for _, entry := range q.dead {
		if entry.failedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	q.dead = kept
	return removed, nil
}

// PurgeCompleted removes retained completed jobs older than olderThan.
func (q *MemoryQueue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, queueError(ErrInvalidArgument, "olderThan must be >= 0")
	}
	cutoff := q.clock.Now().UTC().Add(-olderThan)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queueError(ErrClosed, "memory queue is closed")
	}

	kept := q.completed[:0]
	removed := 0
	for _, entry := range q.completed {
		if entry.completedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	q.completed = kept
	return removed, nil
}

// HealthCheck reports whether the queue is open.
func (q *MemoryQueue) HealthCheck(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queueError(ErrClosed, "memory queue is closed")
	}
	return nil
}

// Close drops all state and rejects further operations.
func (q *MemoryQueue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = nil
	q.active = nil
	q.dead = nil
	q.completed = nil
	return nil
}

// takeActive removes and returns the active entry for the claim after
// verifying the token. Callers must hold the mutex.
func (q *MemoryQueue) takeActive(claim *Claim) (memoryActive, error) {
	if q.closed {
		return memoryActive{}, queueError(ErrClosed, "memory queue is closed")
	}
	entry, ok := q.active[claim.JobID]
	if !ok {
		return memoryActive{}, queueError(ErrClaimExpired, "claim not found")
	}
	if entry.token != claim.Token {
		return memoryActive{}, queueError(ErrClaimExpired, "claim token mismatch")
	}
	delete(q.active, claim.JobID)
	return entry, nil
}
