// Package metric manages prometheus metric registration for the live-map
// service. Components receive an optional *Registry; a nil registry disables
// their metrics entirely.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the prometheus namespace shared by all service metrics.
const Namespace = "livemap"

// Registry wraps a prometheus registry pre-loaded with Go runtime and
// process collectors.
type Registry struct {
	prometheusRegistry *prometheus.Registry
}

// NewRegistry creates a registry with runtime collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{prometheusRegistry: reg}
}

// PrometheusRegistry returns the underlying prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// MustRegister registers collectors, panicking on duplicates. Components call
// this once at construction, so a duplicate is a programming error.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.prometheusRegistry.MustRegister(cs...)
}

// Handler returns the HTTP handler exposing the registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}
