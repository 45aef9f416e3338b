package queue

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronoq_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue", "job_type"},
	)

	jobsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronoq_jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		},
		[]string{"queue", "job_type"},
	)

	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronoq_jobs_processed_total",
			Help: "Total number of job transitions out of the active state",
		},
		[]string{"queue", "status"},
	)

	jobsReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronoq_jobs_reclaimed_total",
			Help: "Total number of stalled jobs returned to pending by the janitor",
		},
		[]string{"queue"},
	)
)

func recordJobEnqueued(queue, jobType string) {
	jobsEnqueuedTotal.WithLabelValues(
		normalizeQueueLabel(queue),
		normalizeQueueLabel(jobType),
	).Inc()
}

func recordJobClaimed(queue, jobType string) {
	jobsClaimedTotal.WithLabelValues(
		normalizeQueueLabel(queue),
		normalizeQueueLabel(jobType),
	).Inc()
}

func recordJobProcessed(queue, status string) {
	jobsProcessedTotal.WithLabelValues(
		normalizeQueueLabel(queue),
		normalizeQueueLabel(status),
	).Inc()
}

func recordJobReclaimed(queue string) {
	jobsReclaimedTotal.WithLabelValues(normalizeQueueLabel(queue)).Inc()
}

func normalizeQueueLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
