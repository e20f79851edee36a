package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskassist/featuredev/internal/events"
)

// Metrics holds the Prometheus collectors fed from the event bus.
type Metrics struct {
	registry *prometheus.Registry

	// OperationsTotal counts remote agent calls by operation and result tag.
	OperationsTotal *prometheus.CounterVec
	// OperationDuration tracks remote agent call latency.
	OperationDuration *prometheus.HistogramVec
	// StateTransitions counts session state replacements.
	StateTransitions *prometheus.CounterVec
	// CodeGenerations counts start/end code generation markers.
	CodeGenerations *prometheus.CounterVec
	// FilesGenerated counts files proposed by the agent at conversation end.
	FilesGenerated prometheus.Counter
	// FilesAccepted counts files accepted by reviewers at conversation end.
	FilesAccepted prometheus.Counter
	// Alerts counts system alerts such as invariant breaches.
	Alerts *prometheus.CounterVec
	// Repairs counts conversations and uploads cleaned up by the doctor.
	Repairs *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "featuredev_operations_total",
				Help: "Total number of remote agent operations",
			},
			[]string{"operation", "result"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "featuredev_operation_duration_seconds",
				Help:    "Remote agent operation duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"operation"},
		),
		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "featuredev_state_transitions_total",
				Help: "Total number of session state transitions",
			},
			[]string{"from", "to"},
		),
		CodeGenerations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "featuredev_code_generations_total",
				Help: "Code generation lifecycle markers",
			},
			[]string{"name", "result"},
		),
		FilesGenerated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "featuredev_files_generated_total",
				Help: "Total number of files generated by the agent",
			},
		),
		FilesAccepted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "featuredev_files_accepted_total",
				Help: "Total number of generated files accepted by reviewers",
			},
		),
		Alerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "featuredev_alerts_total",
				Help: "Total number of system alerts",
			},
			[]string{"source"},
		),
		Repairs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "featuredev_repairs_total",
				Help: "Total number of abandoned conversations and stale uploads cleaned up",
			},
			[]string{"kind"},
		),
	}
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Subscribe feeds every relevant bus event into the collectors.
func (m *Metrics) Subscribe(bus events.Bus) {
	if bus == nil {
		return
	}
	bus.SubscribeAll(m.Observe)
}

// Observe records one event. Unknown event types and payloads are ignored.
func (m *Metrics) Observe(event events.Event) {
	switch payload := event.Payload.(type) {
	case events.OperationResultPayload:
		m.OperationsTotal.WithLabelValues(payload.Operation, payload.Result).Inc()
		m.OperationDuration.WithLabelValues(payload.Operation).Observe(payload.Duration.Seconds())
	case events.StateTransitionPayload:
		m.StateTransitions.WithLabelValues(payload.From, payload.To).Inc()
	case events.CodeGenerationMetricPayload:
		m.CodeGenerations.WithLabelValues(payload.Name, payload.Result).Inc()
	case events.DiffMetricsPayload:
		m.FilesGenerated.Add(float64(payload.Generated))
		m.FilesAccepted.Add(float64(payload.Accepted))
	case events.AlertPayload:
		m.Alerts.WithLabelValues(payload.Source).Inc()
	case events.HealthCheckPayload:
		m.Repairs.WithLabelValues("abandoned_conversation").Add(float64(payload.AbandonedConversations))
		m.Repairs.WithLabelValues("stale_upload").Add(float64(payload.StaleUploads))
	}
}
