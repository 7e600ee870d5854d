// Package observability provides prometheus metrics and slog setup for the
// controller and agent runtime.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central metrics registry for the controller.
//
// Usage:
//
//	m := observability.NewMetrics()
//	m.FramesReceived.WithLabelValues("process_running").Inc()
type Metrics struct {
	// FramesReceived counts inbound frames by event type.
	FramesReceived *prometheus.CounterVec

	// FramesDropped counts frames dropped by reason (parse|mismatch|schema).
	FramesDropped *prometheus.CounterVec

	// EventsRouted counts routed events by type and outcome (handled|builtin|fanout).
	EventsRouted *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls by provider, model and status.
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations by name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// CostTotal is the aggregate cost across all processes in USD.
	CostTotal prometheus.Gauge

	// ActiveConnections tracks live duplex connections.
	ActiveConnections prometheus.Gauge
}

// NewMetrics creates metrics registered on the default prometheus registry.
func NewMetrics() *Metrics {
	return newMetricsWith(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetricsFor creates metrics registered on a caller-supplied registry.
// Tests use this to avoid duplicate registration on the default registry.
func NewMetricsFor(reg prometheus.Registerer) *Metrics {
	return newMetricsWith(promauto.With(reg))
}

func newMetricsWith(factory promauto.Factory) *Metrics {
	return &Metrics{
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_frames_received_total",
			Help: "Inbound frames by event type.",
		}, []string{"event_type"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_frames_dropped_total",
			Help: "Frames dropped by reason.",
		}, []string{"reason"}),
		EventsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_events_routed_total",
			Help: "Routed events by type and outcome.",
		}, []string{"event_type", "outcome"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "magi_llm_request_duration_seconds",
			Help:    "Model call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_llm_requests_total",
			Help: "Model calls by provider, model and status.",
		}, []string{"provider", "model", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "magi_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_tool_executions_total",
			Help: "Tool invocations by name and status.",
		}, []string{"tool_name", "status"}),
		CostTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "magi_cost_total_usd",
			Help: "Aggregate cost across all processes.",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "magi_active_connections",
			Help: "Live duplex connections.",
		}),
	}
}

// ObserveToolExecution records one tool invocation.
func (m *Metrics) ObserveToolExecution(tool string, ok bool, elapsed time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
}

// ObserveLLMRequest records one model call.
func (m *Metrics) ObserveLLMRequest(provider, model string, ok bool, elapsed time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
}
