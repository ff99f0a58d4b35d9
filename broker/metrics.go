package broker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DennisWilmot/weather-updates-sub002/metric"
)

// Metrics holds prometheus metrics for the broker.
type Metrics struct {
	eventsReceived   *prometheus.CounterVec
	eventsDispatched *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	eventsInvalid    prometheus.Counter
	subscribers      prometheus.Gauge
}

// newMetrics creates and registers broker metrics.
// Returns nil if no registry provided (nil input = nil feature pattern).
func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "events_received_total",
			Help:      "Change events received from the upstream channel",
		}, []string{"category"}),

		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "events_dispatched_total",
			Help:      "Change events enqueued to subscribers",
		}, []string{"category"}),

		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "events_dropped_total",
			Help:      "Change events dropped due to subscriber queue overflow",
		}, []string{"category"}),

		eventsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "events_invalid_total",
			Help:      "Malformed change events dropped at decode",
		}),

		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "broker",
			Name:      "subscribers",
			Help:      "Currently registered subscribers",
		}),
	}

	registry.MustRegister(
		m.eventsReceived,
		m.eventsDispatched,
		m.eventsDropped,
		m.eventsInvalid,
		m.subscribers,
	)

	return m
}
