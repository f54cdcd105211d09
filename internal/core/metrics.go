package core

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"toeicprep/internal/types"
)

// Metrics holds the Prometheus collectors of the API process. It implements
// MetricsCollector for the HTTP middleware and billing.DecisionRecorder for
// the quota enforcer and webhook reconciler.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	QuotaDecisions      *prometheus.CounterVec
	WebhookEvents       *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      types.MetricHTTPRequests,
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      types.MetricHTTPDuration,
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		QuotaDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      types.MetricQuotaDecisions,
				Help:      "Feature gate decisions by resource and outcome",
			},
			[]string{"resource", "outcome"},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      types.MetricWebhookOutcomes,
				Help:      "Provider webhook events by type and reconcile outcome",
			},
			[]string{"event_type", "outcome"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.QuotaDecisions,
		m.WebhookEvents,
	)
	return m
}

// Register adds extra collectors, such as connection pool gauges.
func (m *Metrics) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest implements MetricsCollector.
func (m *Metrics) RecordRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// QuotaDecision implements billing.DecisionRecorder.
func (m *Metrics) QuotaDecision(resource types.ResourceType, outcome string) {
	m.QuotaDecisions.WithLabelValues(string(resource), outcome).Inc()
}

// WebhookOutcome implements billing.DecisionRecorder.
func (m *Metrics) WebhookOutcome(eventType, outcome string) {
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}
