package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/chronoq/chronoq/pkg/observability/logger"
	"github.com/chronoq/chronoq/pkg/resilience"
	"github.com/chronoq/chronoq/pkg/store"
)

const defaultKVPrefix = "chronoq:lock"

// KVManagerConfig configures leases on a generic key-value store.
type KVManagerConfig struct {
	Prefix   string
	HolderID string
	Retry    resilience.RetryConfig
}

func (c *KVManagerConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultKVPrefix
	}
	if strings.TrimSpace(c.HolderID) == "" {
		c.HolderID = defaultHolderID()
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
}

// KVManager arbitrates leases on any store.KV. The store's SetIfAbsent
// decides the winner; the fence counter is bumped only after the exclusive
// win, so increments are serialized by lock ownership and fences stay
// monotonic per key. The manager does not own the store: callers close it.
type KVManager struct {
	kv     store.KV
	log    logger.Logger
	config KVManagerConfig
}

// NewKVManager wraps an existing store adapter.
func NewKVManager(kv store.KV, cfg KVManagerConfig, log logger.Logger) (*KVManager, error) {
	if kv == nil {
		return nil, lockError(ErrInvalidArgument, "store is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &KVManager{
		kv:     kv,
		log:    log,
		config: cfg,
	}, nil
}

// TryAcquire attempts a non-blocking lease acquisition.
func (m *KVManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if m == nil || m.kv == nil {
		return nil, false, lockError(ErrNotInitialized, "kv lock manager is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, lockError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	token := randomToken()
	var won bool
	err := resilience.Retry(ctx, m.config.Retry, func(ctx context.Context) error {
		set, setErr := m.kv.SetIfAbsent(ctx, m.lockKey(key), token, ttl)
		if setErr != nil {
			return setErr
		}
		won = set
		return nil
	})
	if err != nil {
		recordLockAcquire(key, "error")
		return nil, false, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}
	if !won {
		recordLockAcquire(key, "denied")
		return nil, false, nil
	}

	var fence int64
	err = resilience.Retry(ctx, m.config.Retry, func(ctx context.Context) error {
		value, incrErr := m.kv.Incr(ctx, m.fenceKey(key))
		if incrErr != nil {
			return incrErr
		}
		fence = value
		return nil
	})
	if err != nil {
		// Without a fence the acquisition does not count. Undo the win so
		// another instance can take over before the TTL.
		if _, dropErr := m.kv.CompareAndDelete(ctx, m.lockKey(key), token); dropErr != nil {
			m.log.Warn("failed to undo fenceless lock acquisition", "key", key, "error", dropErr)
		}
		recordLockAcquire(key, "error")
		return nil, false, errors.Join(lockError(ErrRetryable, "fence increment failed"), err)
	}

	now := time.Now().UTC()
	recordLockAcquire(key, "acquired")
	return &Lease{
		Key:        key,
		Token:      token,
		Fence:      fence,
		HolderID:   m.config.HolderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, true, nil
}

// Renew refreshes the TTL while the token still matches.
func (m *KVManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if m == nil || m.kv == nil {
		return lockError(ErrNotInitialized, "kv lock manager is not initialized")
	}
	key, token, err := leaseIdentity(lease)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	var renewed bool
	err = resilience.Retry(ctx, m.config.Retry, func(ctx context.Context) error {
		swapped, swapErr := m.kv.CompareAndSwap(ctx, m.lockKey(key), token, token, ttl)
		if swapErr != nil {
			return swapErr
		}
		renewed = swapped
		return nil
	})
	if err != nil {
		recordLockRenew(key, "error")
		return errors.Join(lockError(ErrRetryable, "renew lock failed"), err)
	}
	if !renewed {
		recordLockRenew(key, "rejected")
		return lockError(ErrNotHeld, "lock renew rejected")
	}

	recordLockRenew(key, "renewed")
	lease.ExpiresAt = time.Now().UTC().Add(ttl)
	return nil
}

// Release drops the lease while the token still matches.
func (m *KVManager) Release(ctx context.Context, lease *Lease) error {
	if m == nil || m.kv == nil {
		return lockError(ErrNotInitialized, "kv lock manager is not initialized")
	}
	key, token, err := leaseIdentity(lease)
	if err != nil {
		return err
	}

	var released bool
	err = resilience.Retry(ctx, m.config.Retry, func(ctx context.Context) error {
		deleted, delErr := m.kv.CompareAndDelete(ctx, m.lockKey(key), token)
		if delErr != nil {
			return delErr
		}
		released = deleted
		return nil
	})
	if err != nil {
		recordLockRelease(key, "error")
		return errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	if !released {
		recordLockRelease(key, "rejected")
		return lockError(ErrNotHeld, "lock release rejected")
	}

	recordLockRelease(key, "released")
	return nil
}

// HealthCheck verifies the backing store is reachable.
func (m *KVManager) HealthCheck(ctx context.Context) error {
	if m == nil || m.kv == nil {
		return lockError(ErrNotInitialized, "kv lock manager is not initialized")
	}
	return m.kv.HealthCheck(ctx)
}

func (m *KVManager) lockKey(key string) string {
	return strings.TrimRight(m.config.Prefix, ":") + ":" + key
}

func (m *KVManager) fenceKey(key string) string {
	return m.lockKey(key) + ":fence"
}
