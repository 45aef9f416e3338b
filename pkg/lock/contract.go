// Package lock implements time-bounded exclusive leases on named resources,
// backed by a shared store. A lease expires on its own, so a crashed holder
// never wedges the resource. Every successful acquisition also carries a
// per-key monotonically increasing fence token that downstream systems can
// use to reject writes from stale holders.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Lease is an exclusive claim on a key, valid until ExpiresAt. The token
// authenticates the holder on renew and release; the fence strictly
// increases across successive holders of the same key.
type Lease struct {
	Key        string
	Token      string
	Fence      int64
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Manager arbitrates leases. Implementations must be safe for concurrent use
// and must guarantee at most one live lease per key.
type Manager interface {
	// TryAcquire attempts to take the lease without blocking. A held key
	// returns ok=false with no error. A store failure also returns ok=false,
	// never a lease: exclusivity requires positive confirmation.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error)

	// Renew extends the lease expiry when the caller still holds it,
	// returning ErrNotHeld otherwise.
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error

	// Release drops the lease early. Best effort: TTL expiry is the real
	// safety net, so callers may ignore the error.
	Release(ctx context.Context, lease *Lease) error
}

func randomToken() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(raw)
}

func defaultHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}
