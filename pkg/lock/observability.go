package lock

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronoq_lock_acquire_total",
			Help: "Total number of lock acquisition attempts",
		},
		[]string{"key", "status"},
	)

	lockRenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronoq_lock_renew_total",
			Help: "Total number of lock renew operations",
		},
		[]string{"key", "status"},
	)

	lockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronoq_lock_release_total",
			Help: "Total number of lock release operations",
		},
		[]string{"key", "status"},
	)
)

func recordLockAcquire(key, status string) {
	lockAcquireTotal.WithLabelValues(normalizeLockLabel(key), normalizeLockLabel(status)).Inc()
}

func recordLockRenew(key, status string) {
	lockRenewTotal.WithLabelValues(normalizeLockLabel(key), normalizeLockLabel(status)).Inc()
}

func recordLockRelease(key, status string) {
	lockReleaseTotal.WithLabelValues(normalizeLockLabel(key), normalizeLockLabel(status)).Inc()
}

func normalizeLockLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
