package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchDispatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronoq_batch_dispatches_total",
			Help: "Bulk fetches dispatched by batching loaders.",
		},
	)

	batchKeysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronoq_batch_keys_total",
			Help: "Unique keys passed to bulk fetches.",
		},
	)
)

func recordBatchDispatch(keys int) {
	batchDispatchesTotal.Inc()
	batchKeysTotal.Add(float64(keys))
}
