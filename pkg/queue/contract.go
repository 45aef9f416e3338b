// Package queue implements a persistent job queue with priorities, delayed
// execution, retry backoff and dead-lettering. Claims work like leases: a
// worker that crashes mid-job loses its claim after the stall timeout and
// the job returns to pending.
package queue

import (
	"context"
	"time"
)

// DefaultStallTimeout bounds how long a claimed job may run between claim
// extensions before it is presumed abandoned.
const DefaultStallTimeout = 30 * time.Second

// Claim is the capability a worker receives on dequeue. Complete, Fail and
// ExtendClaim verify its token atomically, so only the claiming worker can
// move the job out of the active state.
type Claim struct {
	JobID     string
	Queue     string
	Token     string
	WorkerID  string
	Attempt   int
	ExpiresAt time.Time
}

// Queue is the contract between producers, workers and the backing store.
// Implementations must keep every transition atomic under concurrent callers
// from multiple processes.
type Queue interface {
	// Enqueue validates and persists the job, generating an ID when absent,
	// and returns the job ID. Jobs with NotBefore in the future stay
	// ineligible until that instant.
	Enqueue(ctx context.Context, job *Job) (string, error)

	// Dequeue claims the most urgent eligible job for workerID and returns
	// it with the claim. Returns ErrEmpty when nothing is eligible; it never
	// blocks waiting for work.
	Dequeue(ctx context.Context, workerID string) (*Job, *Claim, error)

	// Complete transitions the claimed job to completed.
	Complete(ctx context.Context, claim *Claim) error

	// Fail records a failed attempt. While attempts remain the job returns
	// to pending with a backoff delay; otherwise it becomes dead (or is
	// dropped as failed when dead-lettering is disabled).
	Fail(ctx context.Context, claim *Claim, cause error) error

	// ExtendClaim pushes the claim expiry forward for long-running jobs.
	ExtendClaim(ctx context.Context, claim *Claim, d time.Duration) error
}

// DeadJob is a job parked after exhausting its retry budget.
type DeadJob struct {
	Job      *Job
	Reason   string
	FailedAt time.Time
}

// DeadLetterStore exposes the parked jobs for inspection, replay and
// retention cleanup.
type DeadLetterStore interface {
	// DeadJobs lists up to limit parked jobs, most recent first.
	DeadJobs(ctx context.Context, limit int) ([]*DeadJob, error)

	// Replay moves the given dead jobs back to pending with a fresh attempt
	// budget and reports how many were requeued.
	Replay(ctx context.Context, ids []string) (int, error)

	// PurgeDead removes dead jobs parked longer than olderThan and reports
	// how many were removed.
	PurgeDead(ctx context.Context, olderThan time.Duration) (int, error)

	// PurgeCompleted removes completed jobs retained longer than olderThan
	// and reports how many were removed.
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error)
}

// Reclaimer recovers jobs whose claim expired without a terminal transition,
// typically because the worker crashed.
type Reclaimer interface {
	// ReclaimStalled returns stalled active jobs to pending and reports how
	// many were reclaimed. The attempt counter is not touched: a crash is an
	// infrastructure failure, not a handler failure.
	ReclaimStalled(ctx context.Context) (int, error)
}
