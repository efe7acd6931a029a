package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	CarrierErrors      *prometheus.CounterVec
	CircuitTransitions *prometheus.CounterVec
	WebhookEvents      *prometheus.CounterVec
	ReplayedWebhooks   prometheus.Counter
}

// NewMetrics creates and registers metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers metrics on the given registerer. Tests pass a
// fresh prometheus.NewRegistry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipbridge_requests_total",
				Help: "Total number of requests by operation, provider, and status",
			},
			[]string{"operation", "provider", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shipbridge_request_duration_seconds",
				Help:    "Request duration in seconds by operation and provider",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "provider"},
		),
		CarrierErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipbridge_carrier_errors_total",
				Help: "Total carrier API errors by provider and error code",
			},
			[]string{"provider", "error_code"},
		),
		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipbridge_circuit_transitions_total",
				Help: "Circuit breaker transitions by provider, method, and new state",
			},
			[]string{"provider", "method", "state"},
		),
		WebhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipbridge_webhook_events_total",
				Help: "Webhook ingestion outcomes by provider",
			},
			[]string{"provider", "outcome"},
		),
		ReplayedWebhooks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shipbridge_replayed_webhooks_total",
				Help: "Buffered webhook events successfully replayed",
			},
		),
	}
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(operation, provider, status string, duration float64) {
	m.RequestsTotal.WithLabelValues(operation, provider, status).Inc()
	m.RequestDuration.WithLabelValues(operation, provider).Observe(duration)
}

// RecordError records a carrier error metric.
func (m *Metrics) RecordError(provider, errorCode string) {
	m.CarrierErrors.WithLabelValues(provider, errorCode).Inc()
}

// RecordCircuit records a circuit transition.
func (m *Metrics) RecordCircuit(provider, method, state string) {
	m.CircuitTransitions.WithLabelValues(provider, method, state).Inc()
}

// RecordWebhook records a webhook ingestion outcome.
func (m *Metrics) RecordWebhook(provider, outcome string) {
	m.WebhookEvents.WithLabelValues(provider, outcome).Inc()
}
