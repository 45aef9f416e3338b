// Package batch coalesces many individual fetch-by-key calls issued within
// one unit of work into a single bulk fetch, caching results for the
// loader's lifetime. A loader is created per unit of work (one request, one
// job execution) and discarded with it.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultWait is the debounce window during which Load calls accumulate
// before one bulk fetch dispatches.
const DefaultWait = 2 * time.Millisecond

var (
	// ErrValidation classifies malformed loader construction.
	ErrValidation = errors.New("batch validation error")
	// ErrBadFetchResult marks a bulk fetch that returned the wrong number
	// of results. Affected keys resolve to this error rather than silently
	// receiving a misassigned value.
	ErrBadFetchResult = errors.New("batch fetch returned mismatched results")
)

func batchError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// Result pairs a value with a per-key error. Bulk fetches return one Result
// per input key, in input order.
type Result[V any] struct {
	Value V
	Err   error
}

// BatchFunc fetches many keys at once. It must return exactly one Result
// per key, in the same order as keys. A fetch-wide failure may instead be
// returned as the second value, failing every key in the batch.
type BatchFunc[K comparable, V any] func(ctx context.Context, keys []K) ([]Result[V], error)

// Stats counts loader activity since construction.
type Stats struct {
	Loads       int64
	CacheHits   int64
	Batches     int64
	KeysFetched int64
}

// thunk is the once-resolved future for one key. Waiters block on done;
// value and err are immutable after done closes.
type thunk[V any] struct {
	done  chan struct{}
	value V
	err   error
}

func resolvedThunk[V any](value V, err error) *thunk[V] {
	t := &thunk[V]{done: make(chan struct{}), value: value, err: err}
	close(t.done)
	return t
}

type pendingBatch[K comparable, V any] struct {
	keys   []K
	thunks []*thunk[V]
	full   chan struct{}
}

// Loader batches and caches fetches for one unit of work. A key is passed
// to the bulk fetch at most once per loader lifetime: concurrent and
// repeated Loads for the same key share one thunk.
type Loader[K comparable, V any] struct {
	ctx      context.Context
	fetch    BatchFunc[K, V]
	wait     time.Duration
	maxBatch int
	clock    clockwork.Clock

	mu      sync.Mutex
	cache   map[K]*thunk[V]
	pending *pendingBatch[K, V]
	stats   Stats
}

// Option adjusts loader construction.
type Option func(*loaderOptions)

type loaderOptions struct {
	wait     time.Duration
	maxBatch int
	clock    clockwork.Clock
}

// WithWait sets the debounce window before a batch dispatches.
func WithWait(wait time.Duration) Option {
	return func(o *loaderOptions) { o.wait = wait }
}

// WithMaxBatch dispatches as soon as n unique keys accumulate, without
// waiting for the debounce window. Zero means no size limit.
func WithMaxBatch(n int) Option {
	return func(o *loaderOptions) { o.maxBatch = n }
}

// WithClock injects the clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(o *loaderOptions) { o.clock = clock }
}

// New creates a loader. The context bounds every bulk fetch the loader
// dispatches; cancel it to abandon the unit of work.
func New[K comparable, V any](ctx context.Context, fetch BatchFunc[K, V], opts ...Option) (*Loader[K, V], error) {
	if fetch == nil {
		return nil, batchError(ErrValidation, "batch fetch function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	options := loaderOptions{wait: DefaultWait, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.wait <= 0 {
		options.wait = DefaultWait
	}
	if options.maxBatch < 0 {
		return nil, batchError(ErrValidation, "max batch must be >= 0")
	}

	return &Loader[K, V]{
		ctx:      ctx,
		fetch:    fetch,
		wait:     options.wait,
		maxBatch: options.maxBatch,
		clock:    options.clock,
		cache:    make(map[K]*thunk[V]),
	}, nil
}

// Load returns the value for key, coalescing with other Loads issued within
// the debounce window. Already-resolved and in-flight keys never refetch.
func (l *Loader[K, V]) Load(ctx context.Context, key K) (V, error) {
	t := l.enqueue(key)
	return l.await(ctx, t)
}

// LoadMany loads all keys, coalescing them into the loader's current batch,
// and returns one Result per key in input order. The error is non-nil only
// when the context ends before every key resolves.
func (l *Loader[K, V]) LoadMany(ctx context.Context, keys []K) ([]Result[V], error) {
	thunks := make([]*thunk[V], len(keys))
	for i, key := range keys {
		thunks[i] = l.enqueue(key)
	}

	results := make([]Result[V], len(keys))
	for i, t := range thunks {
		value, err := l.await(ctx, t)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() != nil {
			return nil, err
		}
		results[i] = Result[V]{Value: value, Err: err}
	}
	return results, nil
}

// Prime seeds the cache with a value, reporting whether it was stored. An
// already-cached or in-flight key is left untouched.
func (l *Loader[K, V]) Prime(key K, value V) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.cache[key]; exists {
		return false
	}
	l.cache[key] = resolvedThunk(value, nil)
	return true
}

// Clear drops the cached result for key, so the next Load refetches it.
// In-flight loads for the key are unaffected and resolve normally.
func (l *Loader[K, V]) Clear(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, key)
}

// Stats returns activity counters since construction.
func (l *Loader[K, V]) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// enqueue returns the thunk for key, creating it and adding the key to the
// current batch when unseen. The first key of a batch arms the dispatch
// timer; reaching maxBatch dispatches immediately.
func (l *Loader[K, V]) enqueue(key K) *thunk[V] {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.Loads++
	if t, exists := l.cache[key]; exists {
		l.stats.CacheHits++
		return t
	}

	t := &thunk[V]{done: make(chan struct{})}
	l.cache[key] = t

	if l.pending == nil {
		l.pending = &pendingBatch[K, V]{full: make(chan struct{})}
		go l.waitAndDispatch(l.pending)
	}
	l.pending.keys = append(l.pending.keys, key)
	l.pending.thunks = append(l.pending.thunks, t)

	if l.maxBatch > 0 && len(l.pending.keys) >= l.maxBatch {
		close(l.pending.full)
		l.pending = nil
	}
	return t
}

func (l *Loader[K, V]) await(ctx context.Context, t *thunk[V]) (V, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// waitAndDispatch sleeps out the debounce window, or returns early when the
// batch fills, then runs the bulk fetch.
func (l *Loader[K, V]) waitAndDispatch(batch *pendingBatch[K, V]) {
	timer := l.clock.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		l.mu.Lock()
		// The window closed first: detach the batch unless a full
		// dispatch already did.
		if l.pending == batch {
			l.pending = nil
		}
		l.mu.Unlock()
	case <-batch.full:
	case <-l.ctx.Done():
		l.mu.Lock()
		if l.pending == batch {
			l.pending = nil
		}
		l.mu.Unlock()
		l.resolveAll(batch, l.ctx.Err())
		return
	}

	l.dispatch(batch)
}

func (l *Loader[K, V]) dispatch(batch *pendingBatch[K, V]) {
	l.mu.Lock()
	l.stats.Batches++
	l.stats.KeysFetched += int64(len(batch.keys))
	l.mu.Unlock()
	recordBatchDispatch(len(batch.keys))

	results, err := l.runFetch(batch.keys)
	if err != nil {
		l.resolveAll(batch, err)
		return
	}
	if len(results) != len(batch.keys) {
		l.resolveAll(batch, batchError(ErrBadFetchResult,
			fmt.Sprintf("got %d results for %d keys", len(results), len(batch.keys))))
		return
	}

	for i, t := range batch.thunks {
		t.value = results[i].Value
		t.err = results[i].Err
		close(t.done)
	}
}

func (l *Loader[K, V]) runFetch(keys []K) (results []Result[V], err error) {
	defer func() {
		if rec := recover(); rec != nil {
			results, err = nil, fmt.Errorf("panic in batch fetch: %v", rec)
		}
	}()
	return l.fetch(l.ctx, keys)
}

func (l *Loader[K, V]) resolveAll(batch *pendingBatch[K, V], err error) {
	for _, t := range batch.thunks {
		t.err = err
		close(t.done)
	}
}
