package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DennisWilmot/weather-updates-sub002/metric"
)

// Metrics are shared across all sessions in a process; create one set and
// pass it to each session via WithMetrics.
type Metrics struct {
	active     prometheus.Gauge
	fallback   prometheus.Counter
	eventsSent *prometheus.CounterVec
}

// NewMetrics creates and registers session metrics.
// Returns nil if no registry provided (nil input = nil feature pattern).
func NewMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Currently streaming sessions",
		}),

		fallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "fallback_total",
			Help:      "Sessions that started in polling mode",
		}),

		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "events_sent_total",
			Help:      "Events delivered to clients",
		}, []string{"type"}),
	}

	registry.MustRegister(m.active, m.fallback, m.eventsSent)
	return m
}
