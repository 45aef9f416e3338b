package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/chronoq/chronoq/pkg/observability/logger"
	"github.com/chronoq/chronoq/pkg/resilience"
)

const (
	defaultPostgresTable            = "chronoq_locks"
	defaultPostgresOperationTimeout = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresManagerConfig configures distributed leases stored as table rows.
type PostgresManagerConfig struct {
	URL              string
	Table            string
	HolderID         string
	OperationTimeout time.Duration
	Retry            resilience.RetryConfig
}

func (c *PostgresManagerConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresTable
	}
	if strings.TrimSpace(c.HolderID) == "" {
		c.HolderID = defaultHolderID()
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresOperationTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
}

// PostgresManager arbitrates leases with one row per key. Acquisition is a
// single upsert that only succeeds against a missing or expired row and bumps
// the fence column on takeover.
type PostgresManager struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresManagerConfig
}

// NewPostgresManager connects to Postgres and creates the lock table when it
// does not exist yet.
func NewPostgresManager(cfg PostgresManagerConfig, log logger.Logger) (*PostgresManager, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lockError(ErrInvalidArgument, "postgres url is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, lockError(ErrValidation, fmt.Sprintf("invalid lock table name %q", cfg.Table))
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Join(lockError(ErrValidation, "open postgres failed"), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(lockError(ErrRetryable, "ping postgres failed"), err)
	}

	manager := &PostgresManager{
		db:     db,
		log:    log,
		config: cfg,
	}
	if err := manager.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return manager, nil
}

func newPostgresManagerWithDB(db *sql.DB, cfg PostgresManagerConfig, log logger.Logger) (*PostgresManager, error) {
	if db == nil {
		return nil, lockError(ErrInvalidArgument, "db is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, lockError(ErrValidation, fmt.Sprintf("invalid lock table name %q", cfg.Table))
	}
	return &PostgresManager{
		db:     db,
		log:    log,
		config: cfg,
	}, nil
}

// TryAcquire takes the lease when the row is missing or expired.
func (m *PostgresManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if m == nil || m.db == nil {
		return nil, false, lockError(ErrNotInitialized, "postgres lock manager is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, lockError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	token := randomToken()
	expiresAt := time.Now().UTC().Add(ttl)
	query := fmt.Sprintf(`
INSERT INTO %s(lock_key, token, fence, holder_id, acquired_at, expires_at, updated_at)
VALUES ($1, $2, 1, $3, NOW(), $4, NOW())
ON CONFLICT(lock_key) DO UPDATE
SET token = EXCLUDED.token,
    fence = %s.fence + 1,
    holder_id = EXCLUDED.holder_id,
    acquired_at = NOW(),
    expires_at = EXCLUDED.expires_at,
    updated_at = NOW()
WHERE %s.expires_at <= NOW()
RETURNING fence
`, m.config.Table, m.config.Table, m.config.Table)

	var (
		fence    int64
		acquired bool
	)
	err := resilience.Retry(ctx, m.config.Retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		scanErr := m.db.QueryRowContext(opCtx, query, key, token, m.config.HolderID, expiresAt).Scan(&fence)
		if errors.Is(scanErr, sql.ErrNoRows) {
			acquired = false
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		acquired = true
		return nil
	})
	if err != nil {
		recordLockAcquire(key, "error")
		return nil, false, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		recordLockAcquire(key, "denied")
		return nil, false, nil
	}

	recordLockAcquire(key, "acquired")
	return &Lease{
		Key:        key,
		Token:      token,
		Fence:      fence,
		HolderID:   m.config.HolderID,
		AcquiredAt: time.Now().UTC(),
		ExpiresAt:  expiresAt,
	}, true, nil
}

// Renew extends the row expiry while the token still matches.
func (m *PostgresManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if m == nil || m.db == nil {
		return lockError(ErrNotInitialized, "postgres lock manager is not initialized")
	}
	key, token, err := leaseIdentity(lease)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	query := fmt.Sprintf(
		`UPDATE %s SET expires_at=$3, updated_at=NOW() WHERE lock_key=$1 AND token=$2 AND expires_at > NOW()`,
		m.config.Table,
	)
	expiresAt := time.Now().UTC().Add(ttl)

	var renewed bool
	err = resilience.Retry(ctx, m.config.Retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		result, execErr := m.db.ExecContext(opCtx, query, key, token, expiresAt)
		if execErr != nil {
			return execErr
		}
		affected, execErr := result.RowsAffected()
		if execErr != nil {
			return execErr
		}
		renewed = affected > 0
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
	lease.ExpiresAt = expiresAt
	return nil
}

// Release expires the row while the token still matches. The row itself is
// kept so the fence column keeps counting across holders; deleting it would
// restart the next holder at fence 1.
func (m *PostgresManager) Release(ctx context.Context, lease *Lease) error {
	if m == nil || m.db == nil {
		return lockError(ErrNotInitialized, "postgres lock manager is not initialized")
	}
	key, token, err := leaseIdentity(lease)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		`UPDATE %s SET token='', holder_id='', expires_at=NOW(), updated_at=NOW() WHERE lock_key=$1 AND token=$2`,
		m.config.Table,
	)

	var released bool
	err = resilience.Retry(ctx, m.config.Retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, m.config.OperationTimeout)
		defer cancel()
		result, execErr := m.db.ExecContext(opCtx, query, key, token)
		if execErr != nil {
			return execErr
		}
		affected, execErr := result.RowsAffected()
		if execErr != nil {
			return execErr
		}
		released = affected > 0
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

// HealthCheck verifies Postgres connectivity.
func (m *PostgresManager) HealthCheck(ctx context.Context) error {
	if m == nil || m.db == nil {
		return lockError(ErrNotInitialized, "postgres lock manager is not initialized")
	}
	opCtx, cancel := context.WithTimeout(ctx, m.config.OperationTimeout)
	defer cancel()
	if err := m.db.PingContext(opCtx); err != nil {
		return errors.Join(lockError(ErrRetryable, "postgres healthcheck failed"), err)
	}
	return nil
}

// Close closes DB resources.
func (m *PostgresManager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

func (m *PostgresManager) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lock_key TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	fence BIGINT NOT NULL DEFAULT 0,
	holder_id TEXT NOT NULL DEFAULT '',
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, m.config.Table)
	_, err := m.db.ExecContext(ctx, query)
	return err
}
