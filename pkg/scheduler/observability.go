package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scheduleFiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronoq_schedule_fires_total",
			Help: "Schedule fire attempts by outcome (fired, denied, misfire, lock_error, error).",
		},
		[]string{"schedule", "outcome"},
	)

	schedulesRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronoq_schedules_registered",
			Help: "Number of schedules currently registered with the engine.",
		},
	)
)

func recordScheduleFire(schedule, outcome string) {
	scheduleFiresTotal.WithLabelValues(schedule, outcome).Inc()
}
