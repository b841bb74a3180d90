// Package metrics holds the Prometheus collectors fleetstream exports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetstream"

// Metrics groups every collector. Build one per process with New and share
// it between components.
type Metrics struct {
	AuthValidations        *prometheus.CounterVec
	AuthValidationDuration *prometheus.HistogramVec

	SSEConnections   prometheus.Gauge
	SSEDeliveries    *prometheus.CounterVec
	SSEIdentityBinds *prometheus.CounterVec

	ActiveSubscriptions prometheus.Gauge
	LogDeliveries       *prometheus.CounterVec
	DroppedDocuments    prometheus.Counter

	RotationBroadcasts *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. Passing a
// *prometheus.Registry also makes Handler serve exactly that registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AuthValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_validations_total",
			Help:      "Token validations by outcome.",
		}, []string{"outcome"}),
		AuthValidationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_validation_duration_seconds",
			Help:      "Time spent validating tokens, by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		SSEConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_connections",
			Help:      "Live SSE connections known to the registry.",
		}),
		SSEDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sse_deliveries_total",
			Help:      "Event deliveries handed to the SSE gateway, by result.",
		}, []string{"event", "result"}),
		SSEIdentityBinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sse_identity_binds_total",
			Help:      "Identity binding attempts on SSE connect, by outcome.",
		}, []string{"outcome"}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_log_active_subscriptions",
			Help:      "Active (connection, device) log subscriptions.",
		}),
		LogDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_log_deliveries_total",
			Help:      "Device log batches sent to subscribers, by result.",
		}, []string{"result"}),
		DroppedDocuments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_log_documents_dropped_total",
			Help:      "Log documents without an entity_id.",
		}),
		RotationBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotation_broadcast_attempts_total",
			Help:      "Rotation nudge broadcasts, by source.",
		}, []string{"source"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.AuthValidations,
		m.AuthValidationDuration,
		m.SSEConnections,
		m.SSEDeliveries,
		m.SSEIdentityBinds,
		m.ActiveSubscriptions,
		m.LogDeliveries,
		m.DroppedDocuments,
		m.RotationBroadcasts,
		m.HTTPRequests,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// NewForTest returns metrics on a private registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
