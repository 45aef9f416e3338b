package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chronoq/chronoq/pkg/observability/logger"
	"github.com/chronoq/chronoq/pkg/observability/tracing"
	"github.com/chronoq/chronoq/pkg/queue"
	"github.com/chronoq/chronoq/pkg/resilience"
)

const (
	// DefaultPollInterval is the initial idle wait after an empty dequeue.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxPollInterval caps the idle backoff between empty dequeues.
	DefaultMaxPollInterval = 2 * time.Second
	// DefaultAttemptTimeout bounds one handler execution.
	DefaultAttemptTimeout = 30 * time.Second
	// DefaultStopTimeout bounds the drain when the pool stops.
	DefaultStopTimeout = 10 * time.Second

	minClaimExtendInterval = 100 * time.Millisecond
)

// Config configures the worker pool.
type Config struct {
	// WorkerID identifies this process on claims. Defaults to hostname-pid.
	WorkerID string

	// Concurrency is the number of independent execution loops.
	Concurrency int

	PollInterval    time.Duration
	MaxPollInterval time.Duration
	AttemptTimeout  time.Duration
	StopTimeout     time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.WorkerID) == "" {
		c.WorkerID = defaultWorkerID()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = DefaultMaxPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// Pool drains a queue with Config.Concurrency loops. Each loop dequeues,
// resolves the handler by job type and reports Complete or Fail back to the
// queue. A panic inside a handler is converted into a failed attempt.
type Pool struct {
	queue    queue.Queue
	registry *Registry
	log      logger.Logger
	clock    clockwork.Clock
	config   Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a pool on the real clock.
func New(cfg Config, q queue.Queue, registry *Registry, log logger.Logger) (*Pool, error) {
	return NewWithClock(cfg, q, registry, log, clockwork.NewRealClock())
}

// NewWithClock creates a pool on the given clock so tests can control the
// idle backoff.
func NewWithClock(cfg Config, q queue.Queue, registry *Registry, log logger.Logger, clock clockwork.Clock) (*Pool, error) {
	if q == nil {
		return nil, workerError(ErrValidation, "queue is required")
	}
	if registry == nil {
		return nil, workerError(ErrValidation, "registry is required")
	}
	if log == nil {
		return nil, workerError(ErrValidation, "logger is required")
	}
	if clock == nil {
		return nil, workerError(ErrValidation, "clock is required")
	}
	cfg.normalize()

	return &Pool{
		queue:    q,
		registry: registry,
		log:      log,
		clock:    clock,
		config:   cfg,
	}, nil
}

// Start launches the execution loops and returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	if p == nil {
		return workerError(ErrNotInitialized, "pool is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return workerError(ErrConflict, "pool already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for idx := 0; idx < p.config.Concurrency; idx++ {
		p.wg.Add(1)
		go p.runLoop(runCtx, fmt.Sprintf("%s-%d", p.config.WorkerID, idx))
	}
	p.log.Info("worker pool started",
		"worker_id", p.config.WorkerID,
		"concurrency", p.config.Concurrency,
	)
	return nil
}

// Stop halts the loops and waits for in-flight executions up to the stop
// timeout (or the given context, whichever ends first).
func (p *Pool) Stop(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.cancel = nil
	p.running = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, p.config.StopTimeout)
	defer drainCancel()

	waitCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-drainCtx.Done():
		return drainCtx.Err()
	case <-waitCh:
		p.log.Info("worker pool stopped", "worker_id", p.config.WorkerID)
		return nil
	}
}

func (p *Pool) runLoop(ctx context.Context, loopID string) {
	defer p.wg.Done()

	idleDelay := p.config.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}

		job, claim, err := p.queue.Dequeue(ctx, loopID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if !errors.Is(err, queue.ErrEmpty) {
				p.log.Warn("dequeue failed", "worker", loopID, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(idleDelay):
			}
			idleDelay *= 2
			if idleDelay > p.config.MaxPollInterval {
				idleDelay = p.config.MaxPollInterval
			}
			continue
		}
		idleDelay = p.config.PollInterval

		incrementInFlight(claim.Queue)
		if err := p.execute(ctx, job, claim); err != nil {
			p.log.Warn("job execution reporting failed",
				"worker", loopID, "job_id", job.ID, "job_type", job.Type, "error", err)
		}
		decrementInFlight(claim.Queue)
	}
}

// execute runs one claimed job to a terminal report. The returned error
// covers reporting back to the queue, not the handler outcome.
func (p *Pool) execute(ctx context.Context, job *queue.Job, claim *queue.Claim) error {
	traceCtx, span := tracing.StartJobSpan(
		ctx,
		tracing.SpanOperationJobProcess,
		tracing.WithJobQueue(job.Queue),
		tracing.WithJobType(job.Type),
		tracing.WithJobID(job.ID),
		tracing.WithJobAttempt(job.AttemptsMade),
		tracing.WithJobPayloadSize(len(job.Payload)),
	)
	defer span.End()

	traceCtx = logger.ContextWithJobID(traceCtx, job.ID)

	reg, found := p.registry.lookup(job.Type)
	if !found {
		cause := workerError(ErrUnknownType, job.Type)
		tracing.RecordError(span, cause)
		recordExecution(job.Queue, job.Type, "unknown_type")
		return p.queue.Fail(traceCtx, claim, cause)
	}

	if reg.sem != nil {
		if err := reg.sem.Acquire(traceCtx, 1); err != nil {
			// Shutdown while waiting for a slot: surrender the claim so the
			// janitor or another worker picks the job up.
			return err
		}
		defer reg.sem.Release(1)
	}

	stopExtend, extendDone := p.startClaimExtension(traceCtx, claim)
	execErr := p.runHandler(traceCtx, job, reg)
	stopExtend()
	if extendErr := <-extendDone; extendErr != nil {
		if execErr == nil {
			execErr = extendErr
		} else {
			execErr = errors.Join(execErr, extendErr)
		}
	}

	if execErr != nil {
		tracing.RecordError(span, execErr)
		recordExecution(job.Queue, job.Type, "failure")
		return p.queue.Fail(traceCtx, claim, execErr)
	}

	if err := p.queue.Complete(traceCtx, claim); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("complete failed: %w", err)
	}
	recordExecution(job.Queue, job.Type, "success")
	tracing.RecordSuccess(span)
	return nil
}

func (p *Pool) runHandler(ctx context.Context, job *queue.Job, reg *registration) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while handling job: %v; stack=%s", rec, string(debug.Stack()))
		}
	}()

	timeout := p.config.AttemptTimeout
	if reg.timeout > 0 {
		timeout = reg.timeout
	}
	return resilience.WithTimeout(ctx, timeout, func(runCtx context.Context) error {
		return reg.handler(runCtx, job)
	})
}

// startClaimExtension keeps the claim alive while a long handler runs,
// extending at half the claim's remaining lifetime.
func (p *Pool) startClaimExtension(ctx context.Context, claim *queue.Claim) (func(), <-chan error) {
	done := make(chan error, 1)
	if claim == nil {
		done <- nil
		close(done)
		return func() {}, done
	}

	ttl := time.Until(claim.ExpiresAt)
	if ttl <= 0 {
		done <- nil
		close(done)
		return func() {}, done
	}
	interval := ttl / 2
	if interval < minClaimExtendInterval {
		interval = minClaimExtendInterval
	}

	extendCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := p.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-extendCtx.Done():
				done <- nil
				close(done)
				return
			case <-ticker.Chan():
				if err := p.queue.ExtendClaim(extendCtx, claim, ttl); err != nil {
					done <- fmt.Errorf("extend claim failed: %w", err)
					close(done)
					return
				}
			}
		}
	}()

	return cancel, done
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
