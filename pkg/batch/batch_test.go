package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingFetch resolves each key to "value:<key>" and records every key it
// was asked for.
type countingFetch struct {
	mu      sync.Mutex
	calls   int
	keySeen map[string]int
}

func newCountingFetch() *countingFetch {
	return &countingFetch{keySeen: make(map[string]int)}
}

func (f *countingFetch) fetch(ctx context.Context, keys []string) ([]Result[string], error) {
	f.mu.Lock()
	f.calls++
	for _, key := range keys {
		f.keySeen[key]++
	}
	f.mu.Unlock()

	results := make([]Result[string], len(keys))
	for i, key := range keys {
		results[i] = Result[string]{Value: "value:" + key}
	}
	return results, nil
}

func (f *countingFetch) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *countingFetch) timesSeen(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keySeen[key]
}

func TestNewValidation(t *testing.T) {
	if _, err := New[string, string](context.Background(), nil); !errors.Is(err, ErrValidation) {
		t.Errorf("nil fetch error = %v, want ErrValidation", err)
	}
	fetch := newCountingFetch()
	if _, err := New(context.Background(), fetch.fetch, WithMaxBatch(-1)); !errors.Is(err, ErrValidation) {
		t.Errorf("negative max batch error = %v, want ErrValidation", err)
	}
}

func TestLoaderCoalescesConcurrentLoads(t *testing.T) {
	fetch := newCountingFetch()
	loader, err := New(context.Background(), fetch.fetch, WithWait(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	keys := []string{"a", "b", "c"}
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 12; i++ {
		key := keys[i%len(keys)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, loadErr := loader.Load(context.Background(), key)
			if loadErr != nil || value != "value:"+key {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d loads returned wrong results", failures.Load())
	}
	if got := fetch.callCount(); got != 1 {
		t.Errorf("fetch calls = %d, want 1 coalesced batch", got)
	}
	for _, key := range keys {
		if got := fetch.timesSeen(key); got != 1 {
			t.Errorf("key %q fetched %d times, want 1", key, got)
		}
	}
}

func TestLoaderCachesResolvedKeys(t *testing.T) {
	fetch := newCountingFetch()
	loader, err := New(context.Background(), fetch.fetch, WithWait(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := loader.Load(ctx, "a"); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	if _, err := loader.Load(ctx, "a"); err != nil {
		t.Fatalf("second Load: %v", err)
	}

	if got := fetch.callCount(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
	stats := loader.Stats()
	if stats.Loads != 2 || stats.CacheHits != 1 {
		t.Errorf("stats = %+v, want 2 loads with 1 cache hit", stats)
	}
}

func TestLoaderMaxBatchDispatchesWithoutWindow(t *testing.T) {
	fetch := newCountingFetch()
	// The window is far too long to close during the test: only the size
	// trigger can dispatch.
	loader, err := New(context.Background(), fetch.fetch, WithWait(time.Minute), WithMaxBatch(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := loader.LoadMany(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("LoadMany: %v", err)
	}
	for i, result := range results {
		if result.Err != nil {
			t.Errorf("result %d error: %v", i, result.Err)
		}
	}
	if got := fetch.callCount(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestLoaderPerKeyErrors(t *testing.T) {
	notFound := errors.New("user not found")
	fetch := func(ctx context.Context, keys []string) ([]Result[string], error) {
		results := make([]Result[string], len(keys))
		for i, key := range keys {
			if key == "missing" {
				results[i] = Result[string]{Err: notFound}
				continue
			}
			results[i] = Result[string]{Value: "value:" + key}
		}
		return results, nil
	}

	loader, err := New(context.Background(), fetch, WithWait(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := loader.LoadMany(context.Background(), []string{"a", "missing"})
	if err != nil {
		t.Fatalf("LoadMany: %v", err)
	}
	if results[0].Err != nil || results[0].Value != "value:a" {
		t.Errorf("result 0 = %+v, want value:a", results[0])
	}
	if !errors.Is(results[1].Err, notFound) {
		t.Errorf("result 1 error = %v, want not-found", results[1].Err)
	}
}

func TestLoaderFetchErrorFailsWholeBatch(t *testing.T) {
	broken := errors.New("store unreachable")
	fetch := func(ctx context.Context, keys []string) ([]Result[string], error) {
		return nil, broken
	}

	loader, err := New(context.Background(), fetch, WithWait(time.Millisecond), WithMaxBatch(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := loader.LoadMany(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("LoadMany: %v", err)
	}
	for i, result := range results {
		if !errors.Is(result.Err, broken) {
			t.Errorf("result %d error = %v, want fetch failure", i, result.Err)
		}
	}
}

func TestLoaderWrongLengthResultIsExplicit(t *testing.T) {
	fetch := func(ctx context.Context, keys []string) ([]Result[string], error) {
		return []Result[string]{{Value: "only-one"}}, nil
	}

	loader, err := New(context.Background(), fetch, WithWait(time.Millisecond), WithMaxBatch(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := loader.LoadMany(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("LoadMany: %v", err)
	}
	for i, result := range results {
		if !errors.Is(result.Err, ErrBadFetchResult) {
			t.Errorf("result %d error = %v, want ErrBadFetchResult", i, result.Err)
		}
	}
}

func TestLoaderPrimeAndClear(t *testing.T) {
	fetch := newCountingFetch()
	loader, err := New(context.Background(), fetch.fetch, WithWait(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if !loader.Prime("a", "primed") {
		t.Fatal("Prime of unseen key returned false")
	}
	if loader.Prime("a", "overwritten") {
		t.Error("Prime of cached key returned true")
	}

	value, err := loader.Load(ctx, "a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if value != "primed" {
		t.Errorf("value = %q, want primed", value)
	}
	if got := fetch.callCount(); got != 0 {
		t.Errorf("fetch calls = %d, want 0 for primed key", got)
	}

	loader.Clear("a")
	value, err = loader.Load(ctx, "a")
	if err != nil {
		t.Fatalf("Load after Clear: %v", err)
	}
	if value != "value:a" {
		t.Errorf("value after Clear = %q, want refetched value:a", value)
	}
	if got := fetch.timesSeen("a"); got != 1 {
		t.Errorf("key fetched %d times after Clear, want 1", got)
	}
}

func TestLoaderLoadHonorsContext(t *testing.T) {
	fetch := newCountingFetch()
	loader, err := New(context.Background(), fetch.fetch, WithWait(time.Minute))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := loader.Load(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Errorf("Load error = %v, want context.Canceled", err)
	}
}

func TestLoaderPanicInFetchResolvesKeys(t *testing.T) {
	fetch := func(ctx context.Context, keys []string) ([]Result[string], error) {
		panic("fetch exploded")
	}

	loader, err := New(context.Background(), fetch, WithWait(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = loader.Load(context.Background(), "a")
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("Load error = %v, want recovered panic", err)
	}
}

func TestLoaderSequentialBatches(t *testing.T) {
	fetch := newCountingFetch()
	loader, err := New(context.Background(), fetch.fetch, WithWait(time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("key-%d", i)
		if _, err := loader.Load(ctx, key); err != nil {
			t.Fatalf("Load(%s): %v", key, err)
		}
	}

	// Each Load resolved before the next started, so each opened its own
	// window.
	if got := fetch.callCount(); got != 3 {
		t.Errorf("fetch calls = %d, want 3 sequential batches", got)
	}
	stats := loader.Stats()
	if stats.Batches != 3 || stats.KeysFetched != 3 {
		t.Errorf("stats = %+v, want 3 batches with 3 keys", stats)
	}
}
