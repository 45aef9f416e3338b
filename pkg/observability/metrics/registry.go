// Package metrics provides Prometheus metrics exposition for the module.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry manages Prometheus metrics registration and exposure.
// It holds its own collector registry with Go runtime metrics and, when
// serving, also gathers the default registry where the scheduler, queue,
// lock and worker packages register their collectors.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a new metrics registry with default collectors.
// Go runtime metrics (goroutines, memory, GC) and process metrics are
// registered automatically.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Registry{
		registry: reg,
	}
}

// Register registers a custom Prometheus collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers custom Prometheus collectors and panics on error.
// Use this for metrics that must be registered at startup.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Unregister removes a collector from the registry.
// This is primarily useful for testing.
func (r *Registry) Unregister(collector prometheus.Collector) bool {
	return r.registry.Unregister(collector)
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
// It serves both this registry and the process-wide default registry, so the
// chronoq_* collectors the packages register through promauto are included.
//
// Example:
//
//	http.Handle("/metrics", registry.Handler())
func (r *Registry) Handler() http.Handler {
	gatherers := prometheus.Gatherers{
		r.registry,
		prometheus.DefaultGatherer,
	}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer returns the underlying prometheus.Gatherer.
// This is useful for advanced use cases like custom metric exposition.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
