package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// MemoryKV implements KV in process memory. Expiration is lazy: expired
// entries are dropped when touched. Intended for tests and single-node
// deployments.
type MemoryKV struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
	closed  bool
}

// NewMemoryKV creates an in-memory KV on the real clock.
func NewMemoryKV() *MemoryKV {
	return NewMemoryKVWithClock(clockwork.NewRealClock())
}

// NewMemoryKVWithClock creates an in-memory KV on the given clock so tests
// can advance time deterministically.
func NewMemoryKVWithClock(clock clockwork.Clock) *MemoryKV {
	return &MemoryKV{
		clock:   clock,
		entries: make(map[string]memoryEntry),
	}
}

// Get returns the value for key, or ErrNotFound.
func (s *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("memory store is closed")
	}
	entry, ok := s.liveEntry(key)
	if !ok {
		return "", ErrNotFound
	}
	return entry.value, nil
}

// SetIfAbsent writes the value only when the key is missing or expired.
func (s *MemoryKV) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errors.New("memory store is closed")
	}
	if _, ok := s.liveEntry(key); ok {
		return false, nil
	}
	s.entries[key] = s.newEntry(value, ttl)
	return true, nil
}

// CompareAndSwap replaces the value when the current value matches expected.
func (s *MemoryKV) CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errors.New("memory store is closed")
	}
	entry, ok := s.liveEntry(key)
	if !ok || entry.value != expected {
		return false, nil
	}
	s.entries[key] = s.newEntry(value, ttl)
	return true, nil
}

// CompareAndDelete removes the key when the current value matches expected.
func (s *MemoryKV) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errors.New("memory store is closed")
	}
	entry, ok := s.liveEntry(key)
	if !ok || entry.value != expected {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Delete removes the key.
func (s *MemoryKV) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("memory store is closed")
	}
	delete(s.entries, key)
	return nil
}

// Incr increments the counter at key, treating missing keys as zero. The
// entry's expiry is preserved.
func (s *MemoryKV) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("memory store is closed")
	}

	var current int64
	expiresAt := time.Time{}
	if entry, ok := s.liveEntry(key); ok {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not an integer: %w", key, err)
		}
		current = parsed
		expiresAt = entry.expiresAt
	}

	current++
	s.entries[key] = memoryEntry{
		value:     strconv.FormatInt(current, 10),
		expiresAt: expiresAt,
	}
	return current, nil
}

// HealthCheck reports whether the store is open.
func (s *MemoryKV) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("memory store is closed")
	}
	return nil
}

// Close drops all entries and rejects further operations.
func (s *MemoryKV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}

// liveEntry returns the entry at key, evicting it first when expired.
// Callers must hold the mutex.
func (s *MemoryKV) liveEntry(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(s.clock.Now()) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (s *MemoryKV) newEntry(value string, ttl time.Duration) memoryEntry {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.clock.Now().Add(ttl)
	}
	return entry
}
