package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chronoq/chronoq/pkg/observability/logger"
	"github.com/chronoq/chronoq/pkg/resilience"
)

const defaultRedisOperationTimeout = 3 * time.Second

var (
	redisCompareAndSwapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  if tonumber(ARGV[3]) > 0 then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  else
    redis.call("SET", KEYS[1], ARGV[2])
  end
  return 1
end
return 0
`)

	redisCompareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisKVConfig configures the Redis key-value adapter.
type RedisKVConfig struct {
	URL              string
	MaxConns         int
	OperationTimeout time.Duration
	Breaker          resilience.BreakerConfig
}

func (c *RedisKVConfig) normalize() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisKV implements KV on a pooled Redis client. Conditional writes run as
// Lua scripts so each operation is a single atomic round trip. Operations run
// behind a circuit breaker: during an outage callers fail fast instead of
// queueing on timeouts.
type RedisKV struct {
	client  *redis.Client
	log     logger.Logger
	config  RedisKVConfig
	breaker *resilience.CircuitBreaker
}

// NewRedisKV connects to Redis and verifies the connection.
func NewRedisKV(cfg RedisKVConfig, log logger.Logger) (*RedisKV, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	return &RedisKV{
		client:  client,
		log:     log,
		config:  cfg,
		breaker: resilience.NewCircuitBreaker(cfg.Breaker),
	}, nil
}

// Client returns the underlying Redis client for adapters that share the
// connection pool.
func (s *RedisKV) Client() *redis.Client {
	return s.client
}

// Get returns the value for key, or ErrNotFound.
func (s *RedisKV) Get(ctx context.Context, key string) (string, error) {
	var (
		value  string
		missed bool
	)
	err := s.breaker.Execute(func() error {
		opCtx, cancel := s.operationContext(ctx)
		defer cancel()
		v, getErr := s.client.Get(opCtx, key).Result()
		if errors.Is(getErr, redis.Nil) {
			missed = true
			return nil
		}
		if getErr != nil {
			return getErr
		}
		value = v
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get %s failed: %w", key, err)
	}
	if missed {
		return "", ErrNotFound
	}
	return value, nil
}

// SetIfAbsent writes value with SET NX semantics.
func (s *RedisKV) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var set bool
	err := s.breaker.Execute(func() error {
		opCtx, cancel := s.operationContext(ctx)
		defer cancel()
		won, setErr := s.client.SetNX(opCtx, key, value, ttl).Result()
		if setErr != nil {
			return setErr
		}
		set = won
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("setnx %s failed: %w", key, err)
	}
	return set, nil
}

// CompareAndSwap replaces the value when the current value matches expected.
func (s *RedisKV) CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	var swapped bool
	err := s.breaker.Execute(func() error {
		opCtx, cancel := s.operationContext(ctx)
		defer cancel()
		result, runErr := redisCompareAndSwapScript.Run(
			opCtx, s.client, []string{key}, expected, value, ttl.Milliseconds(),
		).Int64()
		if runErr != nil {
			return runErr
		}
		swapped = result == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("compare-and-swap %s failed: %w", key, err)
	}
	return swapped, nil
}

// CompareAndDelete removes the key when the current value matches expected.
func (s *RedisKV) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	var deleted bool
	err := s.breaker.Execute(func() error {
		opCtx, cancel := s.operationContext(ctx)
		defer cancel()
		result, runErr := redisCompareAndDeleteScript.Run(opCtx, s.client, []string{key}, expected).Int64()
		if runErr != nil {
			return runErr
		}
		deleted = result == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("compare-and-delete %s failed: %w", key, err)
	}
	return deleted, nil
}

// Delete removes the key.
func (s *RedisKV) Delete(ctx context.Context, key string) error {
	err := s.breaker.Execute(func() error {
		opCtx, cancel := s.operationContext(ctx)
		defer cancel()
		return s.client.Del(opCtx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("delete %s failed: %w", key, err)
	}
	return nil
}

// Incr atomically increments the counter at key.
func (s *RedisKV) Incr(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.breaker.Execute(func() error {
		opCtx, cancel := s.operationContext(ctx)
		defer cancel()
		v, incrErr := s.client.Incr(opCtx, key).Result()
		if incrErr != nil {
			return incrErr
		}
		value = v
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s failed: %w", key, err)
	}
	return value, nil
}

// HealthCheck verifies Redis connectivity.
func (s *RedisKV) HealthCheck(ctx context.Context) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		s.log.Error("redis health check failed", "error", err)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection pool.
func (s *RedisKV) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisKV) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}
