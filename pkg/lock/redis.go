package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chronoq/chronoq/pkg/observability/logger"
	"github.com/chronoq/chronoq/pkg/resilience"
)

const (
	defaultRedisPrefix           = "chronoq:lock"
	defaultRedisOperationTimeout = 3 * time.Second
)

var (
	redisAcquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return nil
end
local fence = redis.call("INCR", KEYS[2])
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return fence
`)

	redisRenewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisManagerConfig configures distributed leases backed by Redis.
type RedisManagerConfig struct {
	URL              string
	Prefix           string
	HolderID         string
	OperationTimeout time.Duration
	Retry            resilience.RetryConfig
	Breaker          resilience.BreakerConfig
}

func (c *RedisManagerConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if strings.TrimSpace(c.HolderID) == "" {
		c.HolderID = defaultHolderID()
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
}

// RedisManager arbitrates leases with Redis SET NX PX semantics. The fence
// counter lives beside the lock key and is bumped inside the acquire script,
// so fences are monotonic even across holder crashes. Store calls run behind
// a circuit breaker so an outage degrades to fast failures.
type RedisManager struct {
	client  *redis.Client
	log     logger.Logger
	config  RedisManagerConfig
	breaker *resilience.CircuitBreaker
}

// NewRedisManager connects to Redis and verifies the connection.
func NewRedisManager(cfg RedisManagerConfig, log logger.Logger) (*RedisManager, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lockError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(lockError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(lockError(ErrRetryable, "ping redis failed"), err)
	}

	return &RedisManager{
		client:  client,
		log:     log,
		config:  cfg,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
	}, nil
}

// TryAcquire attempts a non-blocking lease acquisition.
func (m *RedisManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if m == nil || m.client == nil {
		return nil, false, lockError(ErrNotInitialized, "redis lock manager is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, lockError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	token := randomToken()
	var (
		fence    int64
		acquired bool
	)
	err := m.breaker.Execute(func() error {
		return resilience.Retry(ctx, m.config.Retry, func(ctx context.Context) error {
			opCtx, cancel := context.WithTimeout(ctx, m.config.OperationTimeout)
			defer cancel()
			result, runErr := redisAcquireScript.Run(
				opCtx, m.client,
				[]string{m.lockKey(key), m.fenceKey(key)},
				token, ttl.Milliseconds(),
			).Int64()
			if errors.Is(runErr, redis.Nil) {
				acquired = false
				return nil
			}
			if runErr != nil {
				return runErr
			}
			acquired = true
			fence = result
			return nil
		})
	})
	if err != nil {
		recordLockAcquire(key, "error")
		return nil, false, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		recordLockAcquire(key, "denied")
		return nil, false, nil
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

// Renew extends lease expiry while the token still matches.
func (m *RedisManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if m == nil || m.client == nil {
		return lockError(ErrNotInitialized, "redis lock manager is not initialized")
	}
	key, token, err := leaseIdentity(lease)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	var renewed bool
	err = m.breaker.Execute(func() error {
		return resilience.Retry(ctx, m.config.Retry, func(ctx context.Context) error {
			opCtx, cancel := context.WithTimeout(ctx, m.config.OperationTimeout)
			defer cancel()
			result, runErr := redisRenewScript.Run(
				opCtx, m.client, []string{m.lockKey(key)}, token, ttl.Milliseconds(),
			).Int64()
			if runErr != nil {
				return runErr
			}
			renewed = result == 1
			return nil
		})
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

// Release unlocks the key when the token still matches.
func (m *RedisManager) Release(ctx context.Context, lease *Lease) error {
	if m == nil || m.client == nil {
		return lockError(ErrNotInitialized, "redis lock manager is not initialized")
	}
	key, token, err := leaseIdentity(lease)
	if err != nil {
		return err
	}

	var released bool
	err = m.breaker.Execute(func() error {
		return resilience.Retry(ctx, m.config.Retry, func(ctx context.Context) error {
			opCtx, cancel := context.WithTimeout(ctx, m.config.OperationTimeout)
			defer cancel()
			result, runErr := redisReleaseScript.Run(
				opCtx, m.client, []string{m.lockKey(key)}, token,
			).Int64()
			if runErr != nil {
				return runErr
			}
			released = result == 1
			return nil
		})
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

// HealthCheck verifies Redis connectivity.
func (m *RedisManager) HealthCheck(ctx context.Context) error {
	if m == nil || m.client == nil {
		return lockError(ErrNotInitialized, "redis lock manager is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, m.config.OperationTimeout)
	defer cancel()
	if err := m.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(lockError(ErrRetryable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes Redis client connections.
func (m *RedisManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *RedisManager) lockKey(key string) string {
	return strings.TrimRight(m.config.Prefix, ":") + ":" + key
}

func (m *RedisManager) fenceKey(key string) string {
	return m.lockKey(key) + ":fence"
}

func leaseIdentity(lease *Lease) (key, token string, err error) {
	if lease == nil {
		return "", "", lockError(ErrInvalidArgument, "lease is required")
	}
	key = strings.TrimSpace(lease.Key)
	token = strings.TrimSpace(lease.Token)
	if key == "" || token == "" {
		return "", "", lockError(ErrInvalidArgument, "lease key and token are required")
	}
	return key, token, nil
}
