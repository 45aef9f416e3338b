// Package config loads and validates the library's configuration with
// precedence ENV > config file > defaults. Host services embed the root
// Config, extend it with their own sections, and wire the validated values
// into the scheduler, queue, worker and lock constructors.
package config

import "time"

// Lock provider constants
const (
	// LockProviderRedis arbitrates leases on Redis SET NX PX.
	LockProviderRedis = "redis"
	// LockProviderPostgres arbitrates leases on a Postgres table.
	LockProviderPostgres = "postgres"
	// LockProviderMemory keeps leases in process, for tests and single-node runs.
	LockProviderMemory = "memory"
)

// Queue backend constants
const (
	// QueueBackendRedis persists jobs in Redis sorted sets.
	QueueBackendRedis = "redis"
	// QueueBackendMemory keeps jobs in process, for tests and single-node runs.
	QueueBackendMemory = "memory"
)

// Config is the root configuration for the scheduling and queue core.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Lock      LockConfig      `mapstructure:"lock"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Janitor   JanitorConfig   `mapstructure:"janitor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServiceConfig identifies the embedding service instance.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// InstanceID distinguishes fleet members in lock holder IDs and worker
	// IDs. Empty means hostname-pid.
	InstanceID string `mapstructure:"instance_id"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string             `mapstructure:"level"`
	Format string             `mapstructure:"format"`
	Async  AsyncLoggingConfig `mapstructure:"async"`
}

// AsyncLoggingConfig configures the asynchronous logging wrapper.
type AsyncLoggingConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	QueueSize    int  `mapstructure:"queue_size"`
	DropWhenFull bool `mapstructure:"drop_when_full"`
}

// RedisConfig configures the shared Redis connection used by the Redis lock
// manager, queue backend and KV store.
type RedisConfig struct {
	URL              string        `mapstructure:"url"`
	MaxConns         int           `mapstructure:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// PostgresConfig configures the Postgres connection used by the Postgres
// lock manager.
type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// LockConfig configures the distributed lock manager.
type LockConfig struct {
	Provider   string        `mapstructure:"provider"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	Retry      RetryConfig   `mapstructure:"retry"`
}

// RetryConfig bounds retries of transient store failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// QueueConfig configures the job queue backend.
type QueueConfig struct {
	Backend     string        `mapstructure:"backend"`
	Name        string        `mapstructure:"name"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	ClaimTTL    time.Duration `mapstructure:"claim_ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig shapes the retry delay between failed attempts.
type BackoffConfig struct {
	Kind      string        `mapstructure:"kind"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_interval"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
}

// JanitorConfig configures the stalled-job sweeper.
type JanitorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	LockKey  string        `mapstructure:"lock_key"`
}

// SchedulerConfig configures the scheduler engine.
type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	LockKeyPrefix  string        `mapstructure:"lock_key_prefix"`
	MisfireGrace   time.Duration `mapstructure:"misfire_grace"`
	MisfirePolicy  string        `mapstructure:"misfire_policy"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// DefaultConfig returns the defaults every load starts from.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "chronoq",
			Environment: "development",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Async: AsyncLoggingConfig{
				Enabled:      false,
				QueueSize:    1024,
				DropWhenFull: true,
			},
		},
		Redis: RedisConfig{
			MaxConns:         10,
			OperationTimeout: 3 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    3 * time.Second,
		},
		Lock: LockConfig{
			Provider:   LockProviderRedis,
			KeyPrefix:  "chronoq:lock",
			DefaultTTL: 30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   50 * time.Millisecond,
				MaxDelay:    500 * time.Millisecond,
			},
		},
		Queue: QueueConfig{
			Backend:     QueueBackendRedis,
			Name:        "default",
			KeyPrefix:   "chronoq:queue",
			ClaimTTL:    time.Minute,
			MaxAttempts: 3,
			Backoff: BackoffConfig{
				Kind:      "exponential",
				BaseDelay: time.Second,
				MaxDelay:  time.Minute,
			},
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			PollInterval:    100 * time.Millisecond,
			MaxPollInterval: 2 * time.Second,
			AttemptTimeout:  30 * time.Second,
			StopTimeout:     10 * time.Second,
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
			LockKey:  "janitor",
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			TickInterval:   time.Second,
			LockKeyPrefix:  "schedule",
			MisfireGrace:   time.Minute,
			MisfirePolicy:  "skip",
			AttemptTimeout: 30 * time.Second,
			StopTimeout:    10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			SampleRate: 1.0,
		},
	}
}
