// ABOUTME: Prometheus metrics for tool invocations, histories, auth and HTTP traffic
// ABOUTME: Uses a private registry; all methods are nil-safe

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agent_runtime"

// Metrics holds every collector exported by the runtime.
type Metrics struct {
	registry *prometheus.Registry

	ToolInvocations        *prometheus.CounterVec
	ToolInvocationDuration *prometheus.HistogramVec
	HistoriesFinalized     *prometheus.CounterVec
	CorrelatorAnomalies    *prometheus.CounterVec
	TokenRefreshes         *prometheus.CounterVec
	HistoryPublishes       *prometheus.CounterVec
	ModelRequests          *prometheus.CounterVec
	HTTPRequests           *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	InflightRequests       prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ToolInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_invocations_total",
				Help:      "Outbound tool adapter invocations by adapter, kind and outcome",
			},
			[]string{"tool", "kind", "status"},
		),
		ToolInvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_invocation_duration_seconds",
				Help:      "Latency of outbound tool adapter invocations",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool", "kind"},
		),
		HistoriesFinalized: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "histories_finalized_total",
				Help:      "Request histories finalized by derived status",
			},
			[]string{"status"},
		),
		CorrelatorAnomalies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "correlator_anomalies_total",
				Help:      "Step events the correlator could not reconcile",
			},
			[]string{"kind"},
		),
		TokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Bearer token exchanges by outcome",
			},
			[]string{"outcome"},
		),
		HistoryPublishes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_publishes_total",
				Help:      "History publication attempts by target and outcome",
			},
			[]string{"target", "outcome"},
		),
		ModelRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_requests_total",
				Help:      "Chat model calls made by the agent loop",
			},
			[]string{"provider", "status"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Inbound HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Inbound HTTP request latency",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "path"},
		),
		InflightRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_requests",
				Help:      "Requests whose history has not been finalized yet",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordToolInvocation records one adapter call.
func (m *Metrics) RecordToolInvocation(tool, kind, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, kind, status).Inc()
	m.ToolInvocationDuration.WithLabelValues(tool, kind).Observe(durationSeconds)
}

// HistoryFinalized counts a finalized history.
func (m *Metrics) HistoryFinalized(status string) {
	if m == nil {
		return
	}
	m.HistoriesFinalized.WithLabelValues(status).Inc()
}

// RecordAnomaly counts a correlator anomaly.
func (m *Metrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.CorrelatorAnomalies.WithLabelValues(kind).Inc()
}

// RecordTokenRefresh counts a token exchange.
func (m *Metrics) RecordTokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

// RecordPublish counts a history publication attempt.
func (m *Metrics) RecordPublish(target, outcome string) {
	if m == nil {
		return
	}
	m.HistoryPublishes.WithLabelValues(target, outcome).Inc()
}

// RecordModelRequest counts a chat model call.
func (m *Metrics) RecordModelRequest(provider, status string) {
	if m == nil {
		return
	}
	m.ModelRequests.WithLabelValues(provider, status).Inc()
}

// RecordHTTPRequest records an inbound request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RequestStarted increments the in-flight gauge.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.InflightRequests.Inc()
}

// RequestFinished decrements the in-flight gauge.
func (m *Metrics) RequestFinished() {
	if m == nil {
		return
	}
	m.InflightRequests.Dec()
}
