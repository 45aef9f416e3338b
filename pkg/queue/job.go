package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job waits for a worker, possibly delayed.
	StatusPending Status = "pending"
	// StatusActive means a worker holds the claim and is processing the job.
	StatusActive Status = "active"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job exhausted its attempts and dead-lettering
	// is disabled; the job is dropped after this terminal transition.
	StatusFailed Status = "failed"
	// StatusDead means the job exhausted its attempts and was parked in the
	// dead letter set for inspection or replay.
	StatusDead Status = "dead"
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	// BackoffFixed waits the base delay between every retry.
	BackoffFixed BackoffKind = "fixed"
	// BackoffExponential doubles the delay per failure up to the cap.
	BackoffExponential BackoffKind = "exponential"
)

// ParseBackoffKind converts a configuration string to a BackoffKind. The
// empty string selects BackoffExponential.
func ParseBackoffKind(kind string) (BackoffKind, error) {
	switch kind {
	case "", string(BackoffExponential):
		return BackoffExponential, nil
	case string(BackoffFixed):
		return BackoffFixed, nil
	default:
		return "", queueError(ErrValidation, fmt.Sprintf("unknown backoff kind %q", kind))
	}
}

// BackoffPolicy controls the delay before a failed job becomes eligible
// again. Jitter spreads retries of many jobs failing at once.
type BackoffPolicy struct {
	Kind      BackoffKind   `json:"kind"`
	BaseDelay time.Duration `json:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay"`
	Jitter    bool          `json:"jitter"`
}

// DefaultBackoffPolicy returns exponential backoff with jitter, starting at
// one second and capped at one minute.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Kind:      BackoffExponential,
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
		Jitter:    true,
	}
}

func (p *BackoffPolicy) normalize() {
	if p.Kind == "" {
		p.Kind = BackoffExponential
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Minute
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
}

// Priority bounds. The ready order packs priority and an enqueue sequence
// number into one sortable score, which needs the priority range capped.
const (
	MinPriority = -4096
	MaxPriority = 4095
)

// Job is one unit of queued work. Lower Priority values dequeue first; ties
// break in enqueue order. NotBefore delays eligibility.
type Job struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Queue         string            `json:"queue"`
	Payload       []byte            `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      int               `json:"priority"`
	NotBefore     time.Time         `json:"not_before"`
	AttemptsMade  int               `json:"attempts_made"`
	MaxAttempts   int               `json:"max_attempts"`
	Backoff       BackoffPolicy     `json:"backoff"`
	Status        Status            `json:"status"`
	ClaimedBy     string            `json:"claimed_by,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastAttemptAt time.Time         `json:"last_attempt_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
}

// Validate checks the fields the queue depends on. Called by Enqueue before
// the job is persisted.
func (j *Job) Validate() error {
	if j == nil {
		return queueError(ErrValidation, "job is nil")
	}
	if strings.TrimSpace(j.Type) == "" {
		return queueError(ErrValidation, "job type is required")
	}
	if j.MaxAttempts <= 0 {
		return queueError(ErrValidation, "job max attempts must be > 0")
	}
	if j.AttemptsMade < 0 {
		return queueError(ErrValidation, "job attempts made must be >= 0")
	}
	if j.AttemptsMade > j.MaxAttempts {
		return queueError(ErrValidation, "job attempts made cannot exceed max attempts")
	}
	if j.Priority < MinPriority || j.Priority > MaxPriority {
		return queueError(ErrValidation, "job priority out of range")
	}
	return nil
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	copied := *job
	if len(job.Payload) > 0 {
		copied.Payload = make([]byte, len(job.Payload))
		copy(copied.Payload, job.Payload)
	}
	if len(job.Headers) > 0 {
		copied.Headers = make(map[string]string, len(job.Headers))
		for k, v := range job.Headers {
			copied.Headers[k] = v
		}
	}
	return &copied
}

// newJobID returns a time-ordered unique identifier.
func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// randomClaimToken returns the per-claim secret a worker must present on
// Complete, Fail and ExtendClaim.
func randomClaimToken() string {
	return uuid.NewString()
}
