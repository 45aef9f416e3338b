package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chronoq/chronoq/pkg/events"
	"github.com/chronoq/chronoq/pkg/observability/logger"
	"github.com/chronoq/chronoq/pkg/queue"
)

type workerTestLogger struct{}

func (l *workerTestLogger) Debug(string, ...any) {}
func (l *workerTestLogger) Info(string, ...any)  {}
func (l *workerTestLogger) Warn(string, ...any)  {}
func (l *workerTestLogger) Error(string, ...any) {}
func (l *workerTestLogger) With(...any) logger.Logger {
	return l
}
func (l *workerTestLogger) WithContext(context.Context) logger.Logger {
	return l
}

func newPoolFixture(t *testing.T, cfg Config, registry *Registry) (*Pool, *queue.MemoryQueue, *events.ChannelSink) {
	t.Helper()
	sink := events.NewChannelSink(256)
	q, err := queue.NewMemoryQueue(queue.MemoryQueueConfig{Queue: "test"}, &workerTestLogger{}, sink)
	if err != nil {
		t.Fatalf("NewMemoryQueue: %v", err)
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.MaxPollInterval == 0 {
		cfg.MaxPollInterval = 10 * time.Millisecond
	}
	pool, err := New(cfg, q, registry, &workerTestLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() {
		_ = pool.Stop(context.Background())
		_ = q.Close()
	})
	return pool, q, sink
}

func waitForEvent(t *testing.T, sink *events.ChannelSink, wanted events.Type) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-sink.Events():
			if evt.Type == wanted {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", wanted)
		}
	}
}

func TestNewPoolValidation(t *testing.T) {
	registry := NewRegistry()
	q, err := queue.NewMemoryQueue(queue.MemoryQueueConfig{}, &workerTestLogger{}, nil)
	if err != nil {
		t.Fatalf("NewMemoryQueue: %v", err)
	}
	defer q.Close()

	if _, err := New(Config{}, nil, registry, &workerTestLogger{}); !errors.Is(err, ErrValidation) {
		t.Error("expected error for nil queue")
	}
	if _, err := New(Config{}, q, nil, &workerTestLogger{}); !errors.Is(err, ErrValidation) {
		t.Error("expected error for nil registry")
	}
	if _, err := New(Config{}, q, registry, nil); !errors.Is(err, ErrValidation) {
		t.Error("expected error for nil logger")
	}
}

func TestPoolConfigNormalize(t *testing.T) {
	cfg := &Config{}
	cfg.normalize()

	if cfg.WorkerID == "" {
		t.Error("expected generated worker id")
	}
	if cfg.Concurrency != 1 {
		t.Errorf("expected concurrency 1, got %d", cfg.Concurrency)
	}
	if cfg.PollInterval != DefaultPollInterval {
		t.Errorf("expected default poll interval, got %v", cfg.PollInterval)
	}
	if cfg.MaxPollInterval != DefaultMaxPollInterval {
		t.Errorf("expected default max poll interval, got %v", cfg.MaxPollInterval)
	}
	if cfg.AttemptTimeout != DefaultAttemptTimeout {
		t.Errorf("expected default attempt timeout, got %v", cfg.AttemptTimeout)
	}
	if cfg.StopTimeout != DefaultStopTimeout {
		t.Errorf("expected default stop timeout, got %v", cfg.StopTimeout)
	}
}

func TestPoolProcessesJobToCompletion(t *testing.T) {
	registry := NewRegistry()
	var processed atomic.Int32
	err := registry.Register("send-email", func(ctx context.Context, job *queue.Job) error {
		processed.Add(1)
		if string(job.Payload) != "hello" {
			t.Errorf("unexpected payload %q", job.Payload)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	pool, q, sink := newPoolFixture(t, Config{Concurrency: 2}, registry)

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := pool.Start(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict starting twice, got %v", err)
	}

	if _, err := q.Enqueue(ctx, &queue.Job{
		Type:        "send-email",
		Payload:     []byte("hello"),
		MaxAttempts: 1,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForEvent(t, sink, events.TypeJobCompleted)
	if processed.Load() != 1 {
		t.Fatalf("expected 1 execution, got %d", processed.Load())
	}

	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestPoolRetriesFailedJobUntilDead(t *testing.T) {
	registry := NewRegistry()
	var attempts atomic.Int32
	err := registry.Register("flaky", func(ctx context.Context, job *queue.Job) error {
		attempts.Add(1)
		return errors.New("handler failure")
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	pool, q, sink := newPoolFixture(t, Config{Concurrency: 1}, registry)

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := q.Enqueue(ctx, &queue.Job{
		Type:        "flaky",
		MaxAttempts: 3,
		Backoff: queue.BackoffPolicy{
			Kind:      queue.BackoffFixed,
			BaseDelay: time.Millisecond,
			MaxDelay:  time.Millisecond,
		},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	evt := waitForEvent(t, sink, events.TypeJobDead)
	if evt.Attempt != 3 {
		t.Fatalf("expected 3 attempts on the dead event, got %d", evt.Attempt)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected handler to run 3 times, got %d", attempts.Load())
	}
	if !strings.Contains(evt.Error, "handler failure") {
		t.Fatalf("expected handler error in dead event, got %q", evt.Error)
	}
}

func TestPoolRecoversFromHandlerPanic(t *testing.T) {
	registry := NewRegistry()
	var calls atomic.Int32
	err := registry.Register("panics", func(ctx context.Context, job *queue.Job) error {
		calls.Add(1)
		panic("deliberate panic")
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	err = registry.Register("healthy", func(ctx context.Context, job *queue.Job) error {
		return nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	pool, q, sink := newPoolFixture(t, Config{Concurrency: 1}, registry)

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := q.Enqueue(ctx, &queue.Job{Type: "panics", MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	evt := waitForEvent(t, sink, events.TypeJobDead)
	if !strings.Contains(evt.Error, "panic while handling job") {
		t.Fatalf("expected panic message in dead event, got %q", evt.Error)
	}

	// The loop survived the panic and keeps processing.
	if _, err := q.Enqueue(ctx, &queue.Job{Type: "healthy", MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue healthy: %v", err)
	}
	waitForEvent(t, sink, events.TypeJobCompleted)
}

func TestPoolFailsUnknownJobType(t *testing.T) {
	pool, q, sink := newPoolFixture(t, Config{Concurrency: 1}, NewRegistry())

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := q.Enqueue(ctx, &queue.Job{Type: "nobody-home", MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	evt := waitForEvent(t, sink, events.TypeJobDead)
	if !strings.Contains(evt.Error, "unknown job type") {
		t.Fatalf("expected unknown-type cause, got %q", evt.Error)
	}
}

func TestPoolHonorsHandlerTimeout(t *testing.T) {
	registry := NewRegistry()
	err := registry.Register("slow", func(ctx context.Context, job *queue.Job) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	}, WithTypeTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	pool, q, sink := newPoolFixture(t, Config{Concurrency: 1}, registry)

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := q.Enqueue(ctx, &queue.Job{Type: "slow", MaxAttempts: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	evt := waitForEvent(t, sink, events.TypeJobDead)
	if !strings.Contains(evt.Error, "timed out") {
		t.Fatalf("expected timeout cause, got %q", evt.Error)
	}
}

func TestPoolCapsPerTypeConcurrency(t *testing.T) {
	registry := NewRegistry()

	var mu sync.Mutex
	current, peak := 0, 0
	release := make(chan struct{})

	err := registry.Register("capped", func(ctx context.Context, job *queue.Job) error {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		<-release

		mu.Lock()
		current--
		mu.Unlock()
		return nil
	}, WithTypeConcurrency(1))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	pool, q, sink := newPoolFixture(t, Config{Concurrency: 4}, registry)

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	const jobs = 3
	for i := 0; i < jobs; i++ {
		if _, err := q.Enqueue(ctx, &queue.Job{Type: "capped", MaxAttempts: 1}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// Let the loops claim and pile up on the semaphore, then drain.
	time.Sleep(100 * time.Millisecond)
	close(release)

	for i := 0; i < jobs; i++ {
		waitForEvent(t, sink, events.TypeJobCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Fatalf("expected peak concurrency 1 under the cap, got %d", peak)
	}
}

func TestPoolStopIsIdempotent(t *testing.T) {
	pool, _, _ := newPoolFixture(t, Config{Concurrency: 1}, NewRegistry())

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
}
