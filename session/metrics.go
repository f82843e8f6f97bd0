package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/studymatch/metric"
)

// Metrics holds Prometheus metrics for the session manager
type Metrics struct {
	sessionsStarted  prometheus.Counter
	sessionsRejected prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	eventsApplied    *prometheus.CounterVec
	eventsDropped    prometheus.Counter
	framesSkipped    prometheus.Counter
}

// newMetrics creates and registers session manager metrics
func newMetrics(registry *metric.MetricsRegistry, componentName string) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "studymatch",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Total sessions admitted and started",
		}),

		sessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "studymatch",
			Subsystem: "session",
			Name:      "rejected_total",
			Help:      "Total session starts rejected at capacity",
		}),

		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studymatch",
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Total sessions reaching a terminal state",
		}, []string{"outcome"}),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "studymatch",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions currently streaming",
		}),

		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studymatch",
			Subsystem: "session",
			Name:      "events_applied_total",
			Help:      "Total stream events applied to the read model",
		}, []string{"node"}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "studymatch",
			Subsystem: "session",
			Name:      "events_dropped_total",
			Help:      "Total stale events dropped after cancellation or restart",
		}),

		framesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "studymatch",
			Subsystem: "session",
			Name:      "frames_skipped_total",
			Help:      "Total malformed stream frames skipped by the decoder",
		}),
	}

	registry.RegisterCounter(componentName, "sessions_started", metrics.sessionsStarted)
	registry.RegisterCounter(componentName, "sessions_rejected", metrics.sessionsRejected)
	registry.RegisterCounterVec(componentName, "sessions_ended", metrics.sessionsEnded)
	registry.RegisterGauge(componentName, "sessions_active", metrics.sessionsActive)
	registry.RegisterCounterVec(componentName, "events_applied", metrics.eventsApplied)
	registry.RegisterCounter(componentName, "events_dropped", metrics.eventsDropped)
	registry.RegisterCounter(componentName, "frames_skipped", metrics.framesSkipped)

	return metrics
}
