// Package metrics defines the Prometheus collectors exposed by the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. Each instance
// carries its own registry so constructing one never collides with
// another.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsConnected prometheus.Gauge
	SessionErrors     prometheus.Counter

	// Message pipeline metrics
	MessagesProcessed   *prometheus.CounterVec
	IngestDuration      prometheus.Histogram
	TranslationFailures prometheus.Counter
	DispatchFailures    prometheus.Counter

	// Scheduled send metrics
	ScheduledFired     prometheus.Counter
	ScheduledFailed    prometheus.Counter
	ScheduledCancelled prometheus.Counter

	// Auto-responder metrics
	ResponderMatches prometheus.Counter

	// Event fan-out metrics
	HubClients      prometheus.Gauge
	EventsBroadcast *prometheus.CounterVec
	EventsDropped   prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all counters and gauges
// registered on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SessionsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lingod_sessions_connected",
			Help: "Current number of connected account sessions",
		}),
		SessionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lingod_session_errors_total",
			Help: "Total number of session connection and receive failures",
		}),

		MessagesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lingod_messages_processed_total",
				Help: "Total number of messages run through the pipeline",
			},
			[]string{"direction"},
		),
		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lingod_ingest_duration_seconds",
			Help:    "Duration of inbound message pipeline runs in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		TranslationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lingod_translation_failures_total",
			Help: "Total number of failed translation attempts",
		}),
		DispatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lingod_dispatch_failures_total",
			Help: "Total number of outbound dispatch failures",
		}),

		ScheduledFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "lingod_scheduled_fired_total",
			Help: "Total number of scheduled messages delivered",
		}),
		ScheduledFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "lingod_scheduled_failed_total",
			Help: "Total number of scheduled message delivery failures",
		}),
		ScheduledCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "lingod_scheduled_cancelled_total",
			Help: "Total number of scheduled messages cancelled",
		}),

		ResponderMatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "lingod_responder_matches_total",
			Help: "Total number of auto-responder rule matches",
		}),

		HubClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lingod_hub_clients",
			Help: "Current number of connected event stream clients",
		}),
		EventsBroadcast: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lingod_events_broadcast_total",
				Help: "Total number of events fanned out to clients",
			},
			[]string{"type"},
		),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "lingod_events_dropped_total",
			Help: "Total number of events dropped due to slow clients",
		}),
	}
}

// Handler returns the HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordIngest records one pipeline run for an inbound message.
func (m *Metrics) RecordIngest(duration float64) {
	m.MessagesProcessed.WithLabelValues("in").Inc()
	m.IngestDuration.Observe(duration)
}

// RecordEgress records one outbound dispatch.
func (m *Metrics) RecordEgress() {
	m.MessagesProcessed.WithLabelValues("out").Inc()
}

// RecordBroadcast records one event fanned out to a user's clients.
func (m *Metrics) RecordBroadcast(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	m.EventsBroadcast.WithLabelValues(eventType).Inc()
}
