package mcp

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the MCP surface.
type Metrics struct {
	ToolCallsTotal  *prometheus.CounterVec
	ToolErrorsTotal *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	PromptGetsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics for the MCP
// surface.
//
// This function uses sync.Once to ensure metrics are only registered once
// globally, preventing "duplicate metrics collector registration" panics.
//
// All metrics are prefixed with "mcp_" for namespacing.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ToolCallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mcp_tool_calls_total",
					Help: "Total number of MCP tool invocations",
				},
				[]string{"tool"},
			),

			ToolErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mcp_tool_errors_total",
					Help: "Total number of MCP tool invocations that returned an error",
				},
				[]string{"tool"},
			),

			ToolDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mcp_tool_duration_seconds",
					Help:    "Duration of one MCP tool invocation",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
				},
				[]string{"tool"},
			),

			PromptGetsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mcp_prompt_gets_total",
					Help: "Total number of MCP prompt resolutions",
				},
				[]string{"prompt"},
			),
		}
	})

	return globalMetrics
}

// RecordToolCall records one tool invocation and its outcome.
func (m *Metrics) RecordToolCall(tool string, durationSeconds float64, err error) {
	m.ToolCallsTotal.WithLabelValues(tool).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
	if err != nil {
		m.ToolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

// RecordPromptGet records one prompt resolution.
func (m *Metrics) RecordPromptGet(name string) {
	m.PromptGetsTotal.WithLabelValues(name).Inc()
}
