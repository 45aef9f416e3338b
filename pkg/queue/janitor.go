package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chronoq/chronoq/pkg/lock"
	"github.com/chronoq/chronoq/pkg/observability/logger"
)

const (
	// DefaultJanitorInterval is the sweep cadence for stalled-job recovery.
	DefaultJanitorInterval = 10 * time.Second

	defaultJanitorLockKey = "janitor"
)

// JanitorConfig configures the stalled-job sweep.
type JanitorConfig struct {
	Interval time.Duration

	// LockKey names the lease that serializes sweeps across the fleet when
	// a lock manager is attached.
	LockKey string

	// LockTTL bounds one sweep. Defaults to the sweep interval.
	LockTTL time.Duration
}

func (c *JanitorConfig) normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultJanitorInterval
	}
	if strings.TrimSpace(c.LockKey) == "" {
		c.LockKey = defaultJanitorLockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.Interval
	}
}

// Janitor periodically returns stalled active jobs to pending. With a lock
// manager attached only one instance in the fleet sweeps per interval; the
// sweep itself is idempotent, so running it everywhere is safe, just noisy.
type Janitor struct {
	reclaimers []Reclaimer
	locks      lock.Manager
	clock      clockwork.Clock
	log        logger.Logger
	config     JanitorConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewJanitor creates a janitor sweeping the given reclaimers on the real
// clock. locks may be nil, in which case every instance sweeps.
func NewJanitor(cfg JanitorConfig, locks lock.Manager, log logger.Logger, reclaimers ...Reclaimer) (*Janitor, error) {
	return NewJanitorWithClock(cfg, locks, log, clockwork.NewRealClock(), reclaimers...)
}

// NewJanitorWithClock creates a janitor on the given clock so tests can
// drive sweeps deterministically.
func NewJanitorWithClock(cfg JanitorConfig, locks lock.Manager, log logger.Logger, clock clockwork.Clock, reclaimers ...Reclaimer) (*Janitor, error) {
	if log == nil {
		return nil, queueError(ErrInvalidArgument, "logger is required")
	}
	if clock == nil {
		return nil, queueError(ErrInvalidArgument, "clock is required")
	}
	if len(reclaimers) == 0 {
		return nil, queueError(ErrInvalidArgument, "at least one reclaimer is required")
	}
	for _, r := range reclaimers {
		if r == nil {
			return nil, queueError(ErrInvalidArgument, "reclaimer must not be nil")
		}
	}
	cfg.normalize()

	return &Janitor{
		reclaimers: reclaimers,
		locks:      locks,
		clock:      clock,
		log:        log,
		config:     cfg,
	}, nil
}

// Start launches the sweep loop and returns immediately.
func (j *Janitor) Start(ctx context.Context) error {
	if j == nil {
		return queueError(ErrNotInitialized, "janitor is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return queueError(ErrValidation, "janitor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.running = true

	j.wg.Add(1)
	go j.run(runCtx)
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop(ctx context.Context) error {
	if j == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	cancel := j.cancel
	j.cancel = nil
	j.running = false
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		return nil
	}
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := j.clock.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one reclaim pass and reports how many jobs were returned to
// pending. With a lock manager attached, losing the lease skips the pass.
func (j *Janitor) Sweep(ctx context.Context) int {
	if j.locks != nil {
		lease, acquired, err := j.locks.TryAcquire(ctx, j.config.LockKey, j.config.LockTTL)
		if err != nil {
			j.log.Warn("janitor lock acquisition failed", "key", j.config.LockKey, "error", err)
			return 0
		}
		if !acquired {
			j.log.Debug("janitor sweep running elsewhere", "key", j.config.LockKey)
			return 0
		}
		defer func() {
			if err := j.locks.Release(ctx, lease); err != nil {
				j.log.Debug("janitor lock release failed", "key", j.config.LockKey, "error", err)
			}
		}()
	}

	total := 0
	for _, r := range j.reclaimers {
		count, err := r.ReclaimStalled(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			j.log.Warn("janitor reclaim failed", "error", err)
			continue
		}
		total += count
	}
	if total > 0 {
		j.log.Info("janitor reclaimed stalled jobs", "count", total)
	}
	return total
}
