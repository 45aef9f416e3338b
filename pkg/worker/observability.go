package worker

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronoq_worker_executions_total",
			Help: "Total number of job executions by outcome",
		},
		[]string{"queue", "job_type", "outcome"},
	)

	inFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chronoq_worker_inflight",
			Help: "Current number of jobs being executed",
		},
		[]string{"queue"},
	)
)

func recordExecution(queue, jobType, outcome string) {
	executionsTotal.WithLabelValues(
		normalizeWorkerLabel(queue),
		normalizeWorkerLabel(jobType),
		normalizeWorkerLabel(outcome),
	).Inc()
}

func incrementInFlight(queue string) {
	inFlight.WithLabelValues(normalizeWorkerLabel(queue)).Inc()
}

func decrementInFlight(queue string) {
	inFlight.WithLabelValues(normalizeWorkerLabel(queue)).Dec()
}

func normalizeWorkerLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
