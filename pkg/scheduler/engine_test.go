package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/chronoq/chronoq/pkg/events"
	"github.com/chronoq/chronoq/pkg/lock"
	"github.com/chronoq/chronoq/pkg/observability/logger"
	"github.com/chronoq/chronoq/pkg/queue"
	"github.com/chronoq/chronoq/pkg/store"
)

type schedulerTestLogger struct{}

func (l *schedulerTestLogger) Debug(string, ...any) {}
func (l *schedulerTestLogger) Info(string, ...any)  {}
func (l *schedulerTestLogger) Warn(string, ...any)  {}
func (l *schedulerTestLogger) Error(string, ...any) {}
func (l *schedulerTestLogger) With(...any) logger.Logger {
	return l
}
func (l *schedulerTestLogger) WithContext(context.Context) logger.Logger {
	return l
}

// brokenLockManager simulates a lock store outage.
type brokenLockManager struct{}

func (brokenLockManager) TryAcquire(context.Context, string, time.Duration) (*lock.Lease, bool, error) {
	return nil, false, errors.New("store unreachable")
}
func (brokenLockManager) Renew(context.Context, *lock.Lease, time.Duration) error {
	return errors.New("store unreachable")
}
func (brokenLockManager) Release(context.Context, *lock.Lease) error {
	return errors.New("store unreachable")
}

func newTestLockManager(t *testing.T, kv *store.MemoryKV, holderID string) *lock.KVManager {
	t.Helper()
	manager, err := lock.NewKVManager(kv, lock.KVManagerConfig{HolderID: holderID}, &schedulerTestLogger{})
	if err != nil {
		t.Fatalf("NewKVManager: %v", err)
	}
	return manager
}

type engineFixture struct {
	engine *Engine
	clock  *clockwork.FakeClock
	sink   *events.ChannelSink
	kv     *store.MemoryKV
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	clk := clockwork.NewFakeClock()
	sink := events.NewChannelSink(256)
	kv := store.NewMemoryKV()
	t.Cleanup(func() { _ = kv.Close() })

	engine, err := New(cfg, Deps{
		Locks: newTestLockManager(t, kv, "instance-1"),
		Clock: clk,
		Log:   &schedulerTestLogger{},
		Sink:  sink,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &engineFixture{engine: engine, clock: clk, sink: sink, kv: kv}
}

func waitForEvent(t *testing.T, sink *events.ChannelSink, eventType events.Type) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sink.Events():
			if evt.Type == eventType {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", eventType)
		}
	}
}

// tickAndWait drives one due-schedule scan and joins every dispatch it
// launched.
func (f *engineFixture) tickAndWait(ctx context.Context) {
	f.engine.tick(ctx)
	f.engine.wg.Wait()
}

func TestEngineNewValidation(t *testing.T) {
	if _, err := New(Config{}, Deps{Log: &schedulerTestLogger{}}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing lock manager error = %v, want ErrValidation", err)
	}
	kv := store.NewMemoryKV()
	defer kv.Close()
	if _, err := New(Config{}, Deps{Locks: newTestLockManager(t, kv, "i")}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing logger error = %v, want ErrValidation", err)
	}
}

func TestEngineRegisterSchedule(t *testing.T) {
	f := newEngineFixture(t, Config{})

	def := &Definition{Name: "cleanup", Expression: "@every 1m", Handler: noopTask, LockTTL: time.Minute}
	if err := f.engine.RegisterSchedule(def); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}
	if err := f.engine.RegisterSchedule(def); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate registration error = %v, want ErrConflict", err)
	}

	jobDef := &Definition{
		Name:       "nightly",
		Expression: "@daily",
		LockTTL:    time.Minute,
		Job:        &queue.Job{Type: "report.generate", Queue: "reports", MaxAttempts: 3},
	}
	if err := f.engine.RegisterSchedule(jobDef); !errors.Is(err, ErrValidation) {
		t.Errorf("job schedule without queue error = %v, want ErrValidation", err)
	}

	// A definition without an explicit lock TTL never reaches the tick loop.
	noTTL := &Definition{Name: "no-ttl", Expression: "@every 1m", Handler: noopTask}
	if err := f.engine.RegisterSchedule(noTTL); !errors.Is(err, ErrValidation) {
		t.Errorf("zero lock TTL error = %v, want ErrValidation", err)
	}

	if err := f.engine.RemoveSchedule("cleanup"); err != nil {
		t.Fatalf("RemoveSchedule: %v", err)
	}
	if err := f.engine.RemoveSchedule("cleanup"); !errors.Is(err, ErrNotFound) {
		t.Errorf("removing unknown schedule error = %v, want ErrNotFound", err)
	}
}

func TestEngineTickFiresHandler(t *testing.T) {
	f := newEngineFixture(t, Config{})
	ctx := context.Background()

	var runs atomic.Int32
	def := &Definition{
		Name:       "cleanup",
		Expression: "@every 1m",
		LockTTL:    time.Minute,
		Handler: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}
	if err := f.engine.RegisterSchedule(def); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	// Not due yet.
	f.tickAndWait(ctx)
	if got := runs.Load(); got != 0 {
		t.Fatalf("runs before due time = %d, want 0", got)
	}

	f.clock.Advance(time.Minute)
	f.tickAndWait(ctx)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}

	waitForEvent(t, f.sink, events.TypeLockAcquired)
	fired := waitForEvent(t, f.sink, events.TypeScheduleFired)
	if fired.Schedule != "cleanup" {
		t.Errorf("fired schedule = %q, want cleanup", fired.Schedule)
	}

	statuses := f.engine.Snapshot()
	if len(statuses) != 1 {
		t.Fatalf("snapshot length = %d, want 1", len(statuses))
	}
	st := statuses[0]
	if st.LastFire.IsZero() {
		t.Error("last fire not recorded")
	}
	if !st.NextFire.After(st.LastFire) {
		t.Errorf("next fire %v not after last fire %v", st.NextFire, st.LastFire)
	}
	if st.LastError != "" {
		t.Errorf("last error = %q, want empty", st.LastError)
	}
}

func TestEngineSingleWinnerAcrossInstances(t *testing.T) {
	clk := clockwork.NewFakeClock()
	sink := events.NewChannelSink(256)
	kv := store.NewMemoryKV()
	defer kv.Close()

	var runs atomic.Int32
	release := make(chan struct{})
	def := func() *Definition {
		return &Definition{
			Name:       "shared-report",
			Expression: "@every 1m",
			LockTTL:    time.Minute,
			Handler: func(ctx context.Context) error {
				runs.Add(1)
				<-release
				return nil
			},
		}
	}

	newInstance := func(holderID string) *Engine {
		engine, err := New(Config{}, Deps{
			Locks: newTestLockManager(t, kv, holderID),
			Clock: clk,
			Log:   &schedulerTestLogger{},
			Sink:  sink,
		})
		if err != nil {
			t.Fatalf("New(%s): %v", holderID, err)
		}
		if err := engine.RegisterSchedule(def()); err != nil {
			t.Fatalf("RegisterSchedule(%s): %v", holderID, err)
		}
		return engine
	}

	a := newInstance("instance-a")
	b := newInstance("instance-b")

	ctx := context.Background()
	clk.Advance(time.Minute)

	// The first instance wins the lock and blocks in the handler; the
	// second finds the lease held and skips the fire.
	a.tick(ctx)
	waitForEvent(t, sink, events.TypeLockAcquired)
	b.tick(ctx)
	denied := waitForEvent(t, sink, events.TypeLockDenied)
	if denied.Schedule != "shared-report" {
		t.Errorf("denied schedule = %q, want shared-report", denied.Schedule)
	}

	close(release)
	a.wg.Wait()
	b.wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Fatalf("handler runs = %d, want exactly 1", got)
	}
}

func TestEngineReentrancyGuard(t *testing.T) {
	f := newEngineFixture(t, Config{})
	ctx := context.Background()

	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	def := &Definition{
		Name:       "slow-task",
		Expression: "@every 1m",
		LockTTL:    time.Minute,
		Handler: func(ctx context.Context) error {
			runs.Add(1)
			started <- struct{}{}
			<-release
			return nil
		},
	}
	if err := f.engine.RegisterSchedule(def); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	f.clock.Advance(time.Minute)
	f.engine.tick(ctx)
	<-started

	// Two more windows pass while the first run is still going; the
	// running guard keeps them from overlapping.
	f.clock.Advance(2 * time.Minute)
	f.engine.tick(ctx)
	f.engine.tick(ctx)

	close(release)
	f.engine.wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Fatalf("handler runs = %d, want 1 (no overlap)", got)
	}
}

func TestEngineMisfirePolicies(t *testing.T) {
	f := newEngineFixture(t, Config{})
	ctx := context.Background()

	var skipRuns, fireOnceRuns atomic.Int32
	register := func(name string, policy MisfirePolicy, counter *atomic.Int32) {
		t.Helper()
		err := f.engine.RegisterSchedule(&Definition{
			Name:          name,
			Expression:    "@every 1m",
			LockTTL:       time.Minute,
			MisfirePolicy: policy,
			MisfireGrace:  30 * time.Second,
			Handler: func(ctx context.Context) error {
				counter.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("RegisterSchedule(%s): %v", name, err)
		}
	}
	register("skipper", MisfireSkip, &skipRuns)
	register("collapser", MisfireFireOnce, &fireOnceRuns)

	// Jump far past several windows, as after downtime.
	f.clock.Advance(10 * time.Minute)
	f.tickAndWait(ctx)

	if got := skipRuns.Load(); got != 0 {
		t.Errorf("skip policy runs = %d, want 0", got)
	}
	if got := fireOnceRuns.Load(); got != 1 {
		t.Errorf("fire_once policy runs = %d, want 1 (collapsed backlog)", got)
	}

	// Both schedules resume their normal cadence afterwards.
	now := f.clock.Now().UTC()
	for _, st := range f.engine.Snapshot() {
		if !st.NextFire.After(now) {
			t.Errorf("%s next fire %v not in the future", st.Name, st.NextFire)
		}
	}
}

func TestEngineJobDispatch(t *testing.T) {
	clk := clockwork.NewFakeClock()
	sink := events.NewChannelSink(256)
	kv := store.NewMemoryKV()
	defer kv.Close()

	q, err := queue.NewMemoryQueue(queue.MemoryQueueConfig{Queue: "reports"}, &schedulerTestLogger{}, sink)
	if err != nil {
		t.Fatalf("NewMemoryQueue: %v", err)
	}
	defer q.Close()

	engine, err := New(Config{}, Deps{
		Locks: newTestLockManager(t, kv, "instance-1"),
		Queue: q,
		Clock: clk,
		Log:   &schedulerTestLogger{},
		Sink:  sink,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = engine.RegisterSchedule(&Definition{
		Name:       "nightly-report",
		Expression: "@every 1h",
		LockTTL:    time.Minute,
		Job: &queue.Job{
			Type:        "report.generate",
			Queue:       "reports",
			Headers:     map[string]string{"format": "pdf"},
			MaxAttempts: 3,
		},
	})
	if err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	ctx := context.Background()
	clk.Advance(time.Hour)
	engine.tick(ctx)
	engine.wg.Wait()

	waitForEvent(t, sink, events.TypeJobEnqueued)

	job, claim, err := q.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job.Type != "report.generate" {
		t.Errorf("job type = %q, want report.generate", job.Type)
	}
	if job.Headers["format"] != "pdf" {
		t.Errorf("template header lost: %v", job.Headers)
	}
	if job.Headers[HeaderSchedule] != "nightly-report" {
		t.Errorf("schedule header = %q, want nightly-report", job.Headers[HeaderSchedule])
	}
	if _, parseErr := time.Parse(time.RFC3339Nano, job.Headers[HeaderFireTime]); parseErr != nil {
		t.Errorf("fire time header %q does not parse: %v", job.Headers[HeaderFireTime], parseErr)
	}
	if err := q.Complete(ctx, claim); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// The template itself stays untouched: a second fire enqueues a fresh
	// job, not a mutated shared one.
	clk.Advance(time.Hour)
	engine.tick(ctx)
	engine.wg.Wait()

	second, _, err := q.Dequeue(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Dequeue second fire: %v", err)
	}
	if second.ID == job.ID {
		t.Error("second fire reused the first job ID")
	}
}

func TestEngineDispatchTracesLockAndEnqueue(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	clk := clockwork.NewFakeClock()
	sink := events.NewChannelSink(256)
	kv := store.NewMemoryKV()
	defer kv.Close()

	q, err := queue.NewMemoryQueue(queue.MemoryQueueConfig{Queue: "reports"}, &schedulerTestLogger{}, sink)
	if err != nil {
		t.Fatalf("NewMemoryQueue: %v", err)
	}
	defer q.Close()

	engine, err := New(Config{}, Deps{
		Locks: newTestLockManager(t, kv, "instance-1"),
		Queue: q,
		Clock: clk,
		Log:   &schedulerTestLogger{},
		Sink:  sink,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = engine.RegisterSchedule(&Definition{
		Name:       "nightly-report",
		Expression: "@every 1h",
		LockTTL:    time.Minute,
		Job:        &queue.Job{Type: "report.generate", Queue: "reports"},
	})
	if err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	ctx := context.Background()
	clk.Advance(time.Hour)
	engine.tick(ctx)
	engine.wg.Wait()

	spans := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range recorder.Ended() {
		spans[s.Name()] = s
	}

	acquire, ok := spans["LOCK lock.acquire schedule:nightly-report"]
	if !ok {
		t.Fatalf("no lock acquire span recorded, got %v", spanNames(recorder))
	}
	foundAcquired := false
	for _, kv := range acquire.Attributes() {
		if kv.Key == "lock.acquired" {
			foundAcquired = true
			if !kv.Value.AsBool() {
				t.Error("lock.acquired attribute = false, want true")
			}
		}
	}
	if !foundAcquired {
		t.Error("acquire span carries no lock.acquired attribute")
	}

	if _, ok := spans["LOCK lock.release schedule:nightly-report"]; !ok {
		t.Errorf("no lock release span recorded, got %v", spanNames(recorder))
	}
	if _, ok := spans["JOB job.enqueue reports"]; !ok {
		t.Errorf("no enqueue span recorded, got %v", spanNames(recorder))
	}
}

func spanNames(recorder *tracetest.SpanRecorder) []string {
	names := make([]string, 0, len(recorder.Ended()))
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	return names
}

func TestEnginePauseResume(t *testing.T) {
	f := newEngineFixture(t, Config{})
	ctx := context.Background()

	var runs atomic.Int32
	err := f.engine.RegisterSchedule(&Definition{
		Name:       "cleanup",
		Expression: "@every 1m",
		LockTTL:    time.Minute,
		Handler: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	if err := f.engine.Pause("cleanup"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	f.clock.Advance(5 * time.Minute)
	f.tickAndWait(ctx)
	if got := runs.Load(); got != 0 {
		t.Fatalf("paused schedule ran %d times", got)
	}

	// Resume recomputes the next fire; the paused windows are not replayed.
	if err := f.engine.Resume("cleanup"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	f.tickAndWait(ctx)
	if got := runs.Load(); got != 0 {
		t.Fatalf("resume replayed paused windows: %d runs", got)
	}

	f.clock.Advance(time.Minute)
	f.tickAndWait(ctx)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs after resume = %d, want 1", got)
	}

	if err := f.engine.Pause("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pausing unknown schedule error = %v, want ErrNotFound", err)
	}
}

func TestEngineDisabledDefinitionStartsPaused(t *testing.T) {
	f := newEngineFixture(t, Config{})

	err := f.engine.RegisterSchedule(&Definition{
		Name:       "cleanup",
		Expression: "@every 1m",
		Disabled:   true,
		LockTTL:    time.Minute,
		Handler:    noopTask,
	})
	if err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	statuses := f.engine.Snapshot()
	if len(statuses) != 1 || !statuses[0].Paused {
		t.Fatalf("disabled schedule not paused: %+v", statuses)
	}
}

func TestEngineReschedule(t *testing.T) {
	f := newEngineFixture(t, Config{})

	if err := f.engine.RegisterSchedule(&Definition{Name: "cleanup", Expression: "@every 1h", Handler: noopTask, LockTTL: time.Minute}); err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}
	before := f.engine.Snapshot()[0].NextFire

	if err := f.engine.Reschedule("cleanup", "@every 1m"); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	after := f.engine.Snapshot()[0]
	if after.Expression != "@every 1m" {
		t.Errorf("expression = %q, want @every 1m", after.Expression)
	}
	if !after.NextFire.Before(before) {
		t.Errorf("next fire %v not moved earlier than %v", after.NextFire, before)
	}

	// A bad expression is rejected without touching the schedule.
	if err := f.engine.Reschedule("cleanup", "not a cron"); !errors.Is(err, ErrValidation) {
		t.Fatalf("invalid reschedule error = %v, want ErrValidation", err)
	}
	if got := f.engine.Snapshot()[0].Expression; got != "@every 1m" {
		t.Errorf("failed reschedule changed expression to %q", got)
	}

	if err := f.engine.Reschedule("missing", "@every 1m"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rescheduling unknown schedule error = %v, want ErrNotFound", err)
	}
}

func TestEngineTrigger(t *testing.T) {
	f := newEngineFixture(t, Config{})
	ctx := context.Background()

	var runs atomic.Int32
	err := f.engine.RegisterSchedule(&Definition{
		Name:       "cleanup",
		Expression: "@every 1h",
		LockTTL:    time.Minute,
		Handler: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	if err := f.engine.Trigger(ctx, "cleanup"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if err := f.engine.Trigger(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("triggering unknown schedule error = %v, want ErrNotFound", err)
	}
}

func TestEngineTriggerWhileRunningConflicts(t *testing.T) {
	f := newEngineFixture(t, Config{})
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	err := f.engine.RegisterSchedule(&Definition{
		Name:       "slow-task",
		Expression: "@every 1h",
		LockTTL:    time.Minute,
		Handler: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	triggerDone := make(chan error, 1)
	go func() { triggerDone <- f.engine.Trigger(ctx, "slow-task") }()
	<-started

	if err := f.engine.Trigger(ctx, "slow-task"); !errors.Is(err, ErrConflict) {
		t.Errorf("concurrent trigger error = %v, want ErrConflict", err)
	}

	close(release)
	if err := <-triggerDone; err != nil {
		t.Fatalf("Trigger: %v", err)
	}
}

func TestEngineHandlerPanicIsolated(t *testing.T) {
	f := newEngineFixture(t, Config{})
	ctx := context.Background()

	var runs atomic.Int32
	err := f.engine.RegisterSchedule(&Definition{
		Name:       "flaky",
		Expression: "@every 1m",
		LockTTL:    time.Minute,
		Handler: func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				panic("boom")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	f.clock.Advance(time.Minute)
	f.tickAndWait(ctx)

	st := f.engine.Snapshot()[0]
	if !strings.Contains(st.LastError, "panic") {
		t.Errorf("last error = %q, want panic recorded", st.LastError)
	}

	// The schedule keeps firing after the panic.
	f.clock.Advance(time.Minute)
	f.tickAndWait(ctx)
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
	if got := f.engine.Snapshot()[0].LastError; got != "" {
		t.Errorf("last error after recovery = %q, want empty", got)
	}
}

func TestEngineHandlerTimeout(t *testing.T) {
	f := newEngineFixture(t, Config{})
	ctx := context.Background()

	err := f.engine.RegisterSchedule(&Definition{
		Name:           "stuck",
		Expression:     "@every 1m",
		LockTTL:        time.Minute,
		AttemptTimeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	f.clock.Advance(time.Minute)
	f.tickAndWait(ctx)

	st := f.engine.Snapshot()[0]
	if !strings.Contains(st.LastError, "timed out") {
		t.Errorf("last error = %q, want timeout recorded", st.LastError)
	}
}

func TestEngineLockErrorFailsClosed(t *testing.T) {
	clk := clockwork.NewFakeClock()
	var runs atomic.Int32

	engine, err := New(Config{}, Deps{
		Locks: brokenLockManager{},
		Clock: clk,
		Log:   &schedulerTestLogger{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = engine.RegisterSchedule(&Definition{
		Name:       "cleanup",
		Expression: "@every 1m",
		LockTTL:    time.Minute,
		Handler: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	ctx := context.Background()
	clk.Advance(time.Minute)
	engine.tick(ctx)
	engine.wg.Wait()

	if got := runs.Load(); got != 0 {
		t.Fatalf("handler ran %d times during lock store outage", got)
	}
	if got := engine.Snapshot()[0].LastError; got == "" {
		t.Error("lock store outage not recorded in last error")
	}
}

func TestEngineStartStop(t *testing.T) {
	f := newEngineFixture(t, Config{TickInterval: time.Second})
	ctx := context.Background()

	var runs atomic.Int32
	err := f.engine.RegisterSchedule(&Definition{
		Name:       "cleanup",
		Expression: "@every 1s",
		LockTTL:    time.Minute,
		Handler: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterSchedule: %v", err)
	}

	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.engine.Start(ctx); !errors.Is(err, ErrConflict) {
		t.Errorf("second Start error = %v, want ErrConflict", err)
	}

	f.clock.BlockUntil(1)
	f.clock.Advance(time.Second)
	waitForEvent(t, f.sink, events.TypeScheduleFired)

	if err := f.engine.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.engine.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := runs.Load(); got < 1 {
		t.Fatalf("runs = %d, want at least 1", got)
	}
}
