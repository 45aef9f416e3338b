// Package worker runs the pool of execution loops that drain a job queue.
// Handlers are registered per job type; a handler failure or panic becomes a
// Fail on the queue, never a dead loop.
package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chronoq/chronoq/pkg/queue"
)

// Handler processes one claimed job. Returning nil completes the job; any
// error (or a panic) records a failed attempt. Handlers must respect the
// deadline on ctx and exit cooperatively.
type Handler func(ctx context.Context, job *queue.Job) error

// TypeOption tunes execution for one registered job type.
type TypeOption func(*registration)

// WithTypeTimeout overrides the pool's attempt timeout for this job type.
func WithTypeTimeout(d time.Duration) TypeOption {
	return func(r *registration) {
		r.timeout = d
	}
}

// WithTypeConcurrency caps how many executions of this job type run at once
// across the pool's loops. CPU-bound handlers want this near the core count.
func WithTypeConcurrency(n int) TypeOption {
	return func(r *registration) {
		r.maxConcurrency = n
	}
}

type registration struct {
	handler        Handler
	timeout        time.Duration
	maxConcurrency int
	sem            *semaphore.Weighted
}

// Registry maps job types to handlers. Registration normally happens at
// startup, before the pool starts, but is safe at any time.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registration
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registration)}
}

// Register binds a handler to a job type. Duplicate types are rejected:
// silently replacing a handler mid-flight would make dispatch ambiguous.
func (r *Registry) Register(jobType string, fn Handler, opts ...TypeOption) error {
	if r == nil {
		return workerError(ErrNotInitialized, "registry is not initialized")
	}
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return workerError(ErrValidation, "job type is required")
	}
	if fn == nil {
		return workerError(ErrValidation, "handler is required")
	}

	reg := &registration{handler: fn}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.timeout < 0 {
		return workerError(ErrValidation, "type timeout must be >= 0")
	}
	if reg.maxConcurrency < 0 {
		return workerError(ErrValidation, "type concurrency must be >= 0")
	}
	if reg.maxConcurrency > 0 {
		reg.sem = semaphore.NewWeighted(int64(reg.maxConcurrency))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[jobType]; exists {
		return workerError(ErrConflict, "job type "+jobType+" is already registered")
	}
	r.entries[jobType] = reg
	return nil
}

// Types lists the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for jobType := range r.entries {
		out = append(out, jobType)
	}
	return out
}

func (r *Registry) lookup(jobType string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[strings.TrimSpace(jobType)]
	return reg, ok
}
