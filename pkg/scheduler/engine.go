package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chronoq/chronoq/pkg/events"
	"github.com/chronoq/chronoq/pkg/lock"
	"github.com/chronoq/chronoq/pkg/observability/logger"
	"github.com/chronoq/chronoq/pkg/observability/tracing"
	"github.com/chronoq/chronoq/pkg/queue"
	"github.com/chronoq/chronoq/pkg/resilience"
	"github.com/chronoq/chronoq/pkg/schedule"
)

const (
	// DefaultTickInterval is the resolution of the due-schedule scan.
	DefaultTickInterval = time.Second
	// DefaultMisfireGrace is how far overdue a fire may run before the
	// misfire policy kicks in.
	DefaultMisfireGrace = time.Minute
	// DefaultAttemptTimeout bounds one inline handler execution.
	DefaultAttemptTimeout = 30 * time.Second
	// DefaultStopTimeout bounds the drain of in-flight runs on Stop.
	DefaultStopTimeout = 10 * time.Second

	// HeaderSchedule and HeaderFireTime are stamped on jobs dispatched
	// from a schedule.
	HeaderSchedule = "schedule"
	HeaderFireTime = "schedule_fire_time"

	defaultLockKeyPrefix = "schedule"

	minLeaseRenewInterval = 100 * time.Millisecond
)

// Config controls engine behavior.
type Config struct {
	TickInterval   time.Duration
	LockKeyPrefix  string
	MisfireGrace   time.Duration
	AttemptTimeout time.Duration
	StopTimeout    time.Duration
}

func (c *Config) normalize() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if strings.TrimSpace(c.LockKeyPrefix) == "" {
		c.LockKeyPrefix = defaultLockKeyPrefix
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = DefaultMisfireGrace
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// Deps are the engine's injected collaborators. Locks and Log are required;
// Queue is required only when a definition dispatches a job template; Clock
// and Sink default to the real clock and a no-op sink.
type Deps struct {
	Locks lock.Manager
	Queue queue.Queue
	Clock clockwork.Clock
	Log   logger.Logger
	Sink  events.Sink
}

// scheduleState tracks one definition through its fire cycle. A schedule is
// Idle until nextFire passes, then Due; winning the lock makes it Running
// until the dispatch finishes and the next fire is computed.
type scheduleState struct {
	def      *Definition
	compiled schedule.Schedule
	nextFire time.Time
	paused   bool
	running  bool
	lastFire time.Time
	lastErr  string
}

// ScheduleStatus is a point-in-time snapshot of one schedule, for admin
// surfaces and tests.
type ScheduleStatus struct {
	Name       string
	Expression string
	Timezone   string
	Paused     bool
	Running    bool
	NextFire   time.Time
	LastFire   time.Time
	LastError  string
}

// Engine owns the schedule registry and the tick loop. The loop itself is
// single-threaded; every dispatch runs on its own goroutine so a slow task
// never delays evaluation of the other schedules.
type Engine struct {
	locks  lock.Manager
	queue  queue.Queue
	clock  clockwork.Clock
	log    logger.Logger
	sink   events.Sink
	config Config

	mu        sync.Mutex
	schedules map[string]*scheduleState
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an engine. No schedule ticks until Start.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Locks == nil {
		return nil, schedulerError(ErrValidation, "lock manager is required")
	}
	if deps.Log == nil {
		return nil, schedulerError(ErrValidation, "logger is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	cfg.normalize()

	return &Engine{
		locks:     deps.Locks,
		queue:     deps.Queue,
		clock:     deps.Clock,
		log:       deps.Log,
		sink:      events.OrNop(deps.Sink),
		config:    cfg,
		schedules: make(map[string]*scheduleState),
	}, nil
}

// RegisterSchedule adds a definition to the registry, failing fast on
// duplicate names, malformed expressions, unknown timezones or ambiguous
// task references.
func (e *Engine) RegisterSchedule(def *Definition) error {
	if e == nil {
		return schedulerError(ErrNotInitialized, "engine is not initialized")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	owned := def.clone()
	if owned.Job != nil && e.queue == nil {
		return schedulerError(ErrValidation, "schedule dispatches a job but the engine has no queue")
	}
	compiled, err := owned.compile()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.schedules[owned.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("schedule %q is already registered", owned.Name))
	}
	e.schedules[owned.Name] = &scheduleState{
		def:      owned,
		compiled: compiled,
		nextFire: compiled.Next(e.clock.Now().UTC()),
		paused:   owned.Disabled,
	}
	schedulesRegistered.Set(float64(len(e.schedules)))
	return nil
}

// AddSchedule registers a definition at runtime; the next tick picks it up.
func (e *Engine) AddSchedule(ctx context.Context, def *Definition) error {
	return e.RegisterSchedule(def)
}

// RemoveSchedule unregisters the schedule. A running execution finishes but
// its completion is discarded.
func (e *Engine) RemoveSchedule(name string) error {
	if e == nil {
		return schedulerError(ErrNotInitialized, "engine is not initialized")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.schedules[name]; !exists {
		return schedulerError(ErrNotFound, name)
	}
	delete(e.schedules, name)
	schedulesRegistered.Set(float64(len(e.schedules)))
	return nil
}

// Pause stops future fires without interrupting a running execution.
func (e *Engine) Pause(name string) error {
	return e.setPaused(name, true)
}

// Resume re-enables a paused schedule, recomputing its next fire so paused
// windows are not replayed.
func (e *Engine) Resume(name string) error {
	return e.setPaused(name, false)
}

func (e *Engine) setPaused(name string, paused bool) error {
	if e == nil {
		return schedulerError(ErrNotInitialized, "engine is not initialized")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, exists := e.schedules[name]
	if !exists {
		return schedulerError(ErrNotFound, name)
	}
	st.paused = paused
	if !paused {
		st.nextFire = st.compiled.Next(e.clock.Now().UTC())
	}
	return nil
}

// Reschedule replaces the schedule's expression and recomputes its next
// fire. The expression is validated before anything changes.
func (e *Engine) Reschedule(name, expression string) error {
	if e == nil {
		return schedulerError(ErrNotInitialized, "engine is not initialized")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st, exists := e.schedules[name]
	if !exists {
		return schedulerError(ErrNotFound, name)
	}

	candidate := st.def.clone()
	candidate.Expression = strings.TrimSpace(expression)
	compiled, err := candidate.compile()
	if err != nil {
		return err
	}

	st.def = candidate
	st.compiled = compiled
	st.nextFire = compiled.Next(e.clock.Now().UTC())
	return nil
}

// Trigger fires the schedule immediately through the same lock path as a
// timed fire, so at most one instance runs it even when triggered on many.
// The run is synchronous; the schedule's regular cadence is unaffected.
func (e *Engine) Trigger(ctx context.Context, name string) error {
	if e == nil {
		return schedulerError(ErrNotInitialized, "engine is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	st, exists := e.schedules[name]
	if !exists {
		e.mu.Unlock()
		return schedulerError(ErrNotFound, name)
	}
	if st.running {
		e.mu.Unlock()
		return schedulerError(ErrConflict, fmt.Sprintf("schedule %q is already running", name))
	}
	st.running = true
	def := st.def
	e.mu.Unlock()

	fireAt := e.clock.Now().UTC()
	err := e.dispatch(ctx, def, fireAt)

	e.mu.Lock()
	// The schedule may have been removed while running.
	if current, ok := e.schedules[name]; ok && current.def == def {
		current.running = false
		current.lastFire = fireAt
		current.lastErr = ""
		if err != nil {
			current.lastErr = err.Error()
		}
	}
	e.mu.Unlock()
	return err
}

// Snapshot lists the registered schedules in name order.
func (e *Engine) Snapshot() []ScheduleStatus {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ScheduleStatus, 0, len(e.schedules))
	for _, st := range e.schedules {
		out = append(out, ScheduleStatus{
			Name:       st.def.Name,
			Expression: st.def.Expression,
			Timezone:   st.def.Timezone,
			Paused:     st.paused,
			Running:    st.running,
			NextFire:   st.nextFire,
			LastFire:   st.lastFire,
			LastError:  st.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the tick loop and returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	if e == nil {
		return schedulerError(ErrNotInitialized, "engine is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return schedulerError(ErrConflict, "engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	e.wg.Add(1)
	go e.run(runCtx)

	e.log.Info("scheduler engine started",
		"tick_interval", e.config.TickInterval.String(),
		"schedules", len(e.schedules),
	)
	return nil
}

// Stop halts the tick loop and waits for in-flight dispatches up to the
// stop timeout.
func (e *Engine) Stop(ctx context.Context) error {
	if e == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.cancel = nil
	e.started = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, e.config.StopTimeout)
	defer drainCancel()

	waitCh := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-drainCtx.Done():
		return drainCtx.Err()
	case <-waitCh:
		e.log.Info("scheduler engine stopped")
		return nil
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := e.clock.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.tick(ctx)
		}
	}
}

// tick scans for due schedules and hands each one to its own goroutine.
// Everything here stays cheap and non-blocking; lock acquisition and task
// execution happen on the dispatch side.
func (e *Engine) tick(ctx context.Context) {
	now := e.clock.Now().UTC()

	e.mu.Lock()
	for name, st := range e.schedules {
		if st.paused || st.running {
			continue
		}
		if st.nextFire.IsZero() || st.nextFire.After(now) {
			continue
		}

		fireAt := st.nextFire
		grace := st.def.MisfireGrace
		if grace <= 0 {
			grace = e.config.MisfireGrace
		}
		if now.Sub(fireAt) > grace {
			recordScheduleFire(name, "misfire")
			if st.def.MisfirePolicy == MisfireSkip {
				st.nextFire = st.compiled.Next(now)
				e.log.Warn("schedule misfire skipped",
					"schedule", name,
					"missed_fire", fireAt.Format(time.RFC3339),
				)
				continue
			}
			// fire_once: collapse the backlog into one immediate run.
			fireAt = now
		}

		st.running = true
		e.wg.Add(1)
		go e.fire(ctx, st, fireAt)
	}
	e.mu.Unlock()
}

// fire runs one dispatch cycle for a due schedule and computes its next
// fire time afterwards.
func (e *Engine) fire(ctx context.Context, st *scheduleState, fireAt time.Time) {
	defer e.wg.Done()

	err := e.dispatch(ctx, st.def, fireAt)
	completedAt := e.clock.Now().UTC()

	e.mu.Lock()
	st.running = false
	st.lastFire = fireAt
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
	// Cron and aligned intervals compute the next fire from the calendar,
	// so slow ticks and slow runs never accumulate drift. Drift-mode
	// intervals are defined relative to completion and move with it.
	st.nextFire = st.compiled.Next(completedAt)
	e.mu.Unlock()

	if err != nil {
		e.log.Error("schedule dispatch failed",
			"schedule", st.def.Name,
			"fire_time", fireAt.Format(time.RFC3339),
			"error", err,
		)
	}
}

// dispatch attempts the distributed lock and, on success, executes the
// inline handler or enqueues the job template. Losing the lock is a normal
// outcome: another instance owns this fire window.
func (e *Engine) dispatch(ctx context.Context, def *Definition, fireAt time.Time) error {
	traceCtx, span := tracing.StartScheduleSpan(
		ctx,
		tracing.SpanOperationScheduleFire,
		tracing.WithScheduleName(def.Name),
		tracing.WithScheduleFireTime(fireAt.Unix()),
	)
	defer span.End()

	traceCtx = logger.ContextWithSchedule(traceCtx, def.Name)

	// Validate guarantees a positive TTL on every registered definition.
	ttl := def.LockTTL
	lockKey := e.config.LockKeyPrefix + ":" + def.Name

	lockCtx, lockSpan := tracing.StartLockSpan(
		traceCtx,
		tracing.SpanOperationLockAcquire,
		tracing.WithLockKey(lockKey),
	)
	lease, acquired, err := e.locks.TryAcquire(lockCtx, lockKey, ttl)
	if err != nil {
		tracing.RecordError(lockSpan, err)
		lockSpan.End()
		// Fail closed: without positive confirmation nothing runs here.
		tracing.RecordError(span, err)
		recordScheduleFire(def.Name, "lock_error")
		return fmt.Errorf("acquire lock failed: %w", err)
	}
	tracing.MarkLockAcquired(lockSpan, acquired)
	lockSpan.End()
	if !acquired {
		e.log.Debug("schedule lock denied", "schedule", def.Name, "lock_key", lockKey)
		recordScheduleFire(def.Name, "denied")
		e.sink.Emit(traceCtx, events.Event{
			Type:     events.TypeLockDenied,
			At:       fireAt,
			Schedule: def.Name,
			LockKey:  lockKey,
		})
		tracing.RecordSuccess(span)
		return nil
	}

	e.sink.Emit(traceCtx, events.Event{
		Type:     events.TypeLockAcquired,
		At:       fireAt,
		Schedule: def.Name,
		LockKey:  lockKey,
		HolderID: lease.HolderID,
	})
	e.sink.Emit(traceCtx, events.Event{
		Type:     events.TypeScheduleFired,
		At:       fireAt,
		Schedule: def.Name,
	})

	var runErr error
	if def.Handler != nil {
		runErr = e.runInline(traceCtx, def, lease, ttl)
	} else {
		runErr = e.enqueueJob(traceCtx, def, fireAt)
	}

	releaseCtx, releaseSpan := tracing.StartLockSpan(
		traceCtx,
		tracing.SpanOperationLockRelease,
		tracing.WithLockKey(lockKey),
		tracing.WithLockHolder(lease.HolderID),
	)
	if releaseErr := e.locks.Release(releaseCtx, lease); releaseErr != nil {
		// Best effort: TTL expiry cleans up after us.
		tracing.RecordError(releaseSpan, releaseErr)
		e.log.Debug("schedule lock release failed",
			"schedule", def.Name, "lock_key", lockKey, "error", releaseErr)
	}
	releaseSpan.End()

	if runErr != nil {
		tracing.RecordError(span, runErr)
		recordScheduleFire(def.Name, "error")
		return runErr
	}
	recordScheduleFire(def.Name, "fired")
	tracing.RecordSuccess(span)
	return nil
}

// runInline executes the handler under the attempt timeout while a renewal
// goroutine keeps the lease alive at half TTL intervals.
func (e *Engine) runInline(ctx context.Context, def *Definition, lease *lock.Lease, ttl time.Duration) error {
	timeout := def.AttemptTimeout
	if timeout <= 0 {
		timeout = e.config.AttemptTimeout
	}

	stopRenew, renewDone := e.startLeaseRenewal(ctx, def.Name, lease, ttl)
	err := e.runHandler(ctx, def, timeout)
	stopRenew()
	<-renewDone
	return err
}

func (e *Engine) runHandler(ctx context.Context, def *Definition, timeout time.Duration) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in scheduled task: %v; stack=%s", rec, string(debug.Stack()))
		}
	}()

	return resilience.WithTimeout(ctx, timeout, func(runCtx context.Context) error {
		return def.Handler(runCtx)
	})
}

func (e *Engine) enqueueJob(ctx context.Context, def *Definition, fireAt time.Time) error {
	template := *def.Job
	headers := make(map[string]string, len(def.Job.Headers)+2)
	for k, v := range def.Job.Headers {
		headers[k] = v
	}
	headers[HeaderSchedule] = def.Name
	headers[HeaderFireTime] = fireAt.Format(time.RFC3339Nano)
	template.Headers = headers
	template.ID = ""
	template.CreatedAt = time.Time{}
	template.NotBefore = time.Time{}

	enqueueCtx, span := tracing.StartJobSpan(
		ctx,
		tracing.SpanOperationJobEnqueue,
		tracing.WithJobQueue(template.Queue),
		tracing.WithJobType(template.Type),
	)
	defer span.End()

	if _, err := e.queue.Enqueue(enqueueCtx, &template); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("enqueue scheduled job failed: %w", err)
	}
	tracing.RecordSuccess(span)
	return nil
}

// startLeaseRenewal extends the lease at half-TTL intervals until stopped.
// A failed renewal only logs: the handler keeps running, and the reentrancy
// guard prevents this instance from double-firing even if another instance
// takes the lock over.
func (e *Engine) startLeaseRenewal(ctx context.Context, name string, lease *lock.Lease, ttl time.Duration) (func(), <-chan struct{}) {
	done := make(chan struct{})
	interval := ttl / 2
	if interval < minLeaseRenewInterval {
		interval = minLeaseRenewInterval
	}

	renewCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(done)
		ticker := e.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.Chan():
				spanCtx, renewSpan := tracing.StartLockSpan(
					renewCtx,
					tracing.SpanOperationLockRenew,
					tracing.WithLockKey(lease.Key),
					tracing.WithLockHolder(lease.HolderID),
				)
				err := e.locks.Renew(spanCtx, lease, ttl)
				tracing.RecordError(renewSpan, err)
				renewSpan.End()
				if err != nil {
					e.log.Warn("schedule lease renewal failed",
						"schedule", name, "error", err)
					return
				}
			}
		}
	}()

	return cancel, done
}
