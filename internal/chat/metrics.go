package chat

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the chat graph.
type Metrics struct {
	TurnsTotal   *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec

	ToolCallsTotal       *prometheus.CounterVec
	CannedRepliesTotal   *prometheus.CounterVec
	GradeRejectionsTotal prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics for the graph.
//
// This function uses sync.Once to ensure metrics are only registered once
// globally, preventing "duplicate metrics collector registration" panics.
//
// All metrics are prefixed with "chat_" for namespacing.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TurnsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chat_turns_total",
					Help: "Total number of completed chat turns",
				},
				[]string{"mode"}, // "unary" or "stream"
			),

			TurnDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "chat_turn_duration_seconds",
					Help:    "Duration of one chat turn end to end",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
				},
				[]string{"mode"},
			),

			ToolCallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chat_tool_calls_total",
					Help: "Total number of executed tool calls",
				},
				[]string{"tool"},
			),

			CannedRepliesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chat_canned_replies_total",
					Help: "Total number of turns answered with a canned reply",
				},
				[]string{"kind"}, // "model_init", "upstream_error" or "no_function_calling"
			),

			GradeRejectionsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "chat_grade_rejections_total",
					Help: "Total number of turns whose retrieved documents were graded not relevant",
				},
			),
		}
	})

	return globalMetrics
}

// RecordTurn records one completed turn.
func (m *Metrics) RecordTurn(mode string, durationSeconds float64) {
	m.TurnsTotal.WithLabelValues(mode).Inc()
	m.TurnDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordToolCall records one executed tool call.
func (m *Metrics) RecordToolCall(tool string) {
	m.ToolCallsTotal.WithLabelValues(tool).Inc()
}

// RecordCannedReply records a turn that fell back to a canned reply.
func (m *Metrics) RecordCannedReply(kind string) {
	m.CannedRepliesTotal.WithLabelValues(kind).Inc()
}

// RecordGradeRejection records one not-relevant grading verdict.
func (m *Metrics) RecordGradeRejection() {
	m.GradeRejectionsTotal.Inc()
}
