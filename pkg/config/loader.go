package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/chronoq/chronoq/pkg/queue"
	"github.com/chronoq/chronoq/pkg/scheduler"
)

// DefaultEnvPrefix is used when NewViperLoader gets an empty prefix.
const DefaultEnvPrefix = "CHRONOQ"

// Loader loads and validates configuration.
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader on viper with precedence ENV > file >
// defaults. Environment variables are bound explicitly per key so nested
// sections resolve without relying on viper's automatic env mapping.
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a loader. configFile may be empty; envPrefix
// defaults to CHRONOQ.
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > file > defaults.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	l.setDefaults(v, defaults)

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))
	v.BindEnv("service.instance_id", l.prefixedEnv("SERVICE_INSTANCE_ID"))

	// Logging
	v.BindEnv("logging.level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("logging.format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("logging.async.enabled", l.prefixedEnv("LOG_ASYNC_ENABLED"))
	v.BindEnv("logging.async.queue_size", l.prefixedEnv("LOG_ASYNC_QUEUE_SIZE"))
	v.BindEnv("logging.async.drop_when_full", l.prefixedEnv("LOG_ASYNC_DROP_WHEN_FULL"))

	// Redis
	v.BindEnv("redis.url", l.prefixedEnv("REDIS_URL"))
	v.BindEnv("redis.max_conns", l.prefixedEnv("REDIS_MAX_CONNS"))
	v.BindEnv("redis.operation_timeout", l.prefixedEnv("REDIS_OPERATION_TIMEOUT"))

	// Postgres
	v.BindEnv("postgres.url", l.prefixedEnv("POSTGRES_URL"))
	v.BindEnv("postgres.max_open_conns", l.prefixedEnv("POSTGRES_MAX_OPEN_CONNS"))
	v.BindEnv("postgres.max_idle_conns", l.prefixedEnv("POSTGRES_MAX_IDLE_CONNS"))
	v.BindEnv("postgres.conn_max_lifetime", l.prefixedEnv("POSTGRES_CONN_MAX_LIFETIME"))
	v.BindEnv("postgres.query_timeout", l.prefixedEnv("POSTGRES_QUERY_TIMEOUT"))

	// Lock
	v.BindEnv("lock.provider", l.prefixedEnv("LOCK_PROVIDER"))
	v.BindEnv("lock.key_prefix", l.prefixedEnv("LOCK_KEY_PREFIX"))
	v.BindEnv("lock.default_ttl", l.prefixedEnv("LOCK_DEFAULT_TTL"))
	v.BindEnv("lock.retry.max_attempts", l.prefixedEnv("LOCK_RETRY_MAX_ATTEMPTS"))
	v.BindEnv("lock.retry.base_delay", l.prefixedEnv("LOCK_RETRY_BASE_DELAY"))
	v.BindEnv("lock.retry.max_delay", l.prefixedEnv("LOCK_RETRY_MAX_DELAY"))

	// Queue
	v.BindEnv("queue.backend", l.prefixedEnv("QUEUE_BACKEND"))
	v.BindEnv("queue.name", l.prefixedEnv("QUEUE_NAME"))
	v.BindEnv("queue.key_prefix", l.prefixedEnv("QUEUE_KEY_PREFIX"))
	v.BindEnv("queue.claim_ttl", l.prefixedEnv("QUEUE_CLAIM_TTL"))
	v.BindEnv("queue.max_attempts", l.prefixedEnv("QUEUE_MAX_ATTEMPTS"))
	v.BindEnv("queue.backoff.kind", l.prefixedEnv("QUEUE_BACKOFF_KIND"))
	v.BindEnv("queue.backoff.base_delay", l.prefixedEnv("QUEUE_BACKOFF_BASE_DELAY"))
	v.BindEnv("queue.backoff.max_delay", l.prefixedEnv("QUEUE_BACKOFF_MAX_DELAY"))

	// Worker
	v.BindEnv("worker.concurrency", l.prefixedEnv("WORKER_CONCURRENCY"))
	v.BindEnv("worker.poll_interval", l.prefixedEnv("WORKER_POLL_INTERVAL"))
	v.BindEnv("worker.max_poll_interval", l.prefixedEnv("WORKER_MAX_POLL_INTERVAL"))
	v.BindEnv("worker.attempt_timeout", l.prefixedEnv("WORKER_ATTEMPT_TIMEOUT"))
	v.BindEnv("worker.stop_timeout", l.prefixedEnv("WORKER_STOP_TIMEOUT"))

	// Janitor
	v.BindEnv("janitor.enabled", l.prefixedEnv("JANITOR_ENABLED"))
	v.BindEnv("janitor.interval", l.prefixedEnv("JANITOR_INTERVAL"))
	v.BindEnv("janitor.lock_key", l.prefixedEnv("JANITOR_LOCK_KEY"))

	// Scheduler
	v.BindEnv("scheduler.enabled", l.prefixedEnv("SCHEDULER_ENABLED"))
	v.BindEnv("scheduler.tick_interval", l.prefixedEnv("SCHEDULER_TICK_INTERVAL"))
	v.BindEnv("scheduler.lock_key_prefix", l.prefixedEnv("SCHEDULER_LOCK_KEY_PREFIX"))
	v.BindEnv("scheduler.misfire_grace", l.prefixedEnv("SCHEDULER_MISFIRE_GRACE"))
	v.BindEnv("scheduler.misfire_policy", l.prefixedEnv("SCHEDULER_MISFIRE_POLICY"))
	v.BindEnv("scheduler.attempt_timeout", l.prefixedEnv("SCHEDULER_ATTEMPT_TIMEOUT"))
	v.BindEnv("scheduler.stop_timeout", l.prefixedEnv("SCHEDULER_STOP_TIMEOUT"))

	// Metrics
	v.BindEnv("metrics.enabled", l.prefixedEnv("METRICS_ENABLED"))
	v.BindEnv("metrics.path", l.prefixedEnv("METRICS_PATH"))

	// Tracing
	v.BindEnv("tracing.enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("tracing.endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("tracing.sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("tracing.insecure", l.prefixedEnv("TRACING_INSECURE"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in viper from the default config.
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	// Service defaults
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)
	v.SetDefault("service.instance_id", cfg.Service.InstanceID)

	// Logging defaults
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.async.enabled", cfg.Logging.Async.Enabled)
	v.SetDefault("logging.async.queue_size", cfg.Logging.Async.QueueSize)
	v.SetDefault("logging.async.drop_when_full", cfg.Logging.Async.DropWhenFull)

	// Redis defaults
	v.SetDefault("redis.max_conns", cfg.Redis.MaxConns)
	v.SetDefault("redis.operation_timeout", cfg.Redis.OperationTimeout)

	// Postgres defaults
	v.SetDefault("postgres.max_open_conns", cfg.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", cfg.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", cfg.Postgres.ConnMaxLifetime)
	v.SetDefault("postgres.query_timeout", cfg.Postgres.QueryTimeout)

	// Lock defaults
	v.SetDefault("lock.provider", cfg.Lock.Provider)
	v.SetDefault("lock.key_prefix", cfg.Lock.KeyPrefix)
	v.SetDefault("lock.default_ttl", cfg.Lock.DefaultTTL)
	v.SetDefault("lock.retry.max_attempts", cfg.Lock.Retry.MaxAttempts)
	v.SetDefault("lock.retry.base_delay", cfg.Lock.Retry.BaseDelay)
	v.SetDefault("lock.retry.max_delay", cfg.Lock.Retry.MaxDelay)

	// Queue defaults
	v.SetDefault("queue.backend", cfg.Queue.Backend)
	v.SetDefault("queue.name", cfg.Queue.Name)
	v.SetDefault("queue.key_prefix", cfg.Queue.KeyPrefix)
	v.SetDefault("queue.claim_ttl", cfg.Queue.ClaimTTL)
	v.SetDefault("queue.max_attempts", cfg.Queue.MaxAttempts)
	v.SetDefault("queue.backoff.kind", cfg.Queue.Backoff.Kind)
	v.SetDefault("queue.backoff.base_delay", cfg.Queue.Backoff.BaseDelay)
	v.SetDefault("queue.backoff.max_delay", cfg.Queue.Backoff.MaxDelay)

	// Worker defaults
	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("worker.poll_interval", cfg.Worker.PollInterval)
	v.SetDefault("worker.max_poll_interval", cfg.Worker.MaxPollInterval)
	v.SetDefault("worker.attempt_timeout", cfg.Worker.AttemptTimeout)
	v.SetDefault("worker.stop_timeout", cfg.Worker.StopTimeout)

	// Janitor defaults
	v.SetDefault("janitor.enabled", cfg.Janitor.Enabled)
	v.SetDefault("janitor.interval", cfg.Janitor.Interval)
	v.SetDefault("janitor.lock_key", cfg.Janitor.LockKey)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval)
	v.SetDefault("scheduler.lock_key_prefix", cfg.Scheduler.LockKeyPrefix)
	v.SetDefault("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace)
	v.SetDefault("scheduler.misfire_policy", cfg.Scheduler.MisfirePolicy)
	v.SetDefault("scheduler.attempt_timeout", cfg.Scheduler.AttemptTimeout)
	v.SetDefault("scheduler.stop_timeout", cfg.Scheduler.StopTimeout)

	// Metrics defaults
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	// Tracing defaults
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", cfg.Tracing.Insecure)
}

// Validate checks every section and returns all problems at once.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, strings.ToLower(cfg.Logging.Level)) {
		errs = append(errs, fmt.Errorf("invalid logging.level: %s (must be one of: %v)", cfg.Logging.Level, validLevels))
	}
	validFormats := []string{"json", "console"}
	if !contains(validFormats, strings.ToLower(cfg.Logging.Format)) {
		errs = append(errs, fmt.Errorf("invalid logging.format: %s (must be one of: %v)", cfg.Logging.Format, validFormats))
	}
	if cfg.Logging.Async.Enabled && cfg.Logging.Async.QueueSize <= 0 {
		errs = append(errs, errors.New("logging.async.queue_size must be > 0 when async logging is enabled"))
	}

	validProviders := []string{LockProviderRedis, LockProviderPostgres, LockProviderMemory}
	if !contains(validProviders, cfg.Lock.Provider) {
		errs = append(errs, fmt.Errorf("invalid lock.provider: %s (must be one of: %v)", cfg.Lock.Provider, validProviders))
	}
	if cfg.Lock.Provider == LockProviderRedis && cfg.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required when lock.provider is redis"))
	}
	if cfg.Lock.Provider == LockProviderPostgres && cfg.Postgres.URL == "" {
		errs = append(errs, errors.New("postgres.url is required when lock.provider is postgres"))
	}
	if cfg.Lock.DefaultTTL <= 0 {
		errs = append(errs, errors.New("lock.default_ttl must be > 0"))
	}
	if cfg.Lock.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("lock.retry.max_attempts must be > 0"))
	}

	validBackends := []string{QueueBackendRedis, QueueBackendMemory}
	if !contains(validBackends, cfg.Queue.Backend) {
		errs = append(errs, fmt.Errorf("invalid queue.backend: %s (must be one of: %v)", cfg.Queue.Backend, validBackends))
	}
	if cfg.Queue.Backend == QueueBackendRedis && cfg.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required when queue.backend is redis"))
	}
	if cfg.Queue.Name == "" {
		errs = append(errs, errors.New("queue.name is required"))
	}
	if cfg.Queue.ClaimTTL <= 0 {
		errs = append(errs, errors.New("queue.claim_ttl must be > 0"))
	}
	if cfg.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_attempts must be > 0"))
	}
	if _, err := queue.ParseBackoffKind(cfg.Queue.Backoff.Kind); err != nil {
		errs = append(errs, fmt.Errorf("invalid queue.backoff.kind: %w", err))
	}
	if cfg.Queue.Backoff.BaseDelay <= 0 {
		errs = append(errs, errors.New("queue.backoff.base_delay must be > 0"))
	}
	if cfg.Queue.Backoff.MaxDelay < cfg.Queue.Backoff.BaseDelay {
		errs = append(errs, errors.New("queue.backoff.max_delay must be >= queue.backoff.base_delay"))
	}

	if cfg.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be > 0"))
	}
	if cfg.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be > 0"))
	}
	if cfg.Worker.MaxPollInterval < cfg.Worker.PollInterval {
		errs = append(errs, errors.New("worker.max_poll_interval must be >= worker.poll_interval"))
	}
	if cfg.Worker.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("worker.attempt_timeout must be > 0"))
	}

	if cfg.Janitor.Enabled && cfg.Janitor.Interval <= 0 {
		errs = append(errs, errors.New("janitor.interval must be > 0 when the janitor is enabled"))
	}

	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.TickInterval <= 0 {
			errs = append(errs, errors.New("scheduler.tick_interval must be > 0"))
		}
		if cfg.Scheduler.MisfireGrace <= 0 {
			errs = append(errs, errors.New("scheduler.misfire_grace must be > 0"))
		}
		if _, err := scheduler.ParseMisfirePolicy(cfg.Scheduler.MisfirePolicy); err != nil {
			errs = append(errs, fmt.Errorf("invalid scheduler.misfire_policy: %w", err))
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Path == "" {
		errs = append(errs, errors.New("metrics.path is required when metrics are enabled"))
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
		}
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			errs = append(errs, errors.New("tracing.sample_rate must be between 0 and 1"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
