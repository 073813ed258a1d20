// Package observability holds the Prometheus metrics of the datachat
// server and the HTTP middleware recording them.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LLMBuckets covers model latencies from 100ms to two minutes.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts HTTP requests by method, route and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datachat_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datachat_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// ModelRequestsTotal counts completions by backend, model and outcome.
	ModelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_model_requests_total",
			Help: "Model requests",
		},
		[]string{"backend", "model", "status"},
	)

	ModelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datachat_model_latency_seconds",
			Help:    "Model latency",
			Buckets: LLMBuckets,
		},
		[]string{"backend", "model"},
	)

	// ModelTokensTotal counts tokens by direction (input/output).
	ModelTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_model_tokens_total",
			Help: "Token count",
		},
		[]string{"backend", "model", "direction"},
	)

	AgentTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_agent_turns_total",
			Help: "Agent loop turns",
		},
		[]string{"model"},
	)

	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_tool_calls_total",
			Help: "Tool calls requested by the model",
		},
		[]string{"tool_name", "status"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datachat_sessions_active",
			Help: "Open chat sessions",
		},
	)

	SessionsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "datachat_sessions_reaped_total",
			Help: "Sessions closed by the idle reaper",
		},
	)

	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		ModelRequestsTotal,
		ModelLatency,
		ModelTokensTotal,
		AgentTurnsTotal,
		ToolCallsTotal,
		SessionsActive,
		SessionsReapedTotal,
		RateLimitRejectedTotal,
	)
}

// ObserveModel records one completion call.
func ObserveModel(backend, model string, start time.Time, inputTokens, outputTokens int64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ModelRequestsTotal.WithLabelValues(backend, model, status).Inc()
	ModelLatency.WithLabelValues(backend, model).Observe(time.Since(start).Seconds())
	if inputTokens > 0 {
		ModelTokensTotal.WithLabelValues(backend, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		ModelTokensTotal.WithLabelValues(backend, model, "output").Add(float64(outputTokens))
	}
}
