package testbed

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the evaluation runner.
type Metrics struct {
	QuestionsGeneratedTotal prometheus.Counter
	EvaluationsTotal        prometheus.Counter
	JudgeVerdictsTotal      *prometheus.CounterVec
	EvaluationDuration      prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics for the runner.
//
// This function uses sync.Once to ensure metrics are only registered once
// globally, preventing "duplicate metrics collector registration" panics.
//
// All metrics are prefixed with "testbed_" for namespacing.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			QuestionsGeneratedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "testbed_questions_generated_total",
					Help: "Total number of generated question/answer pairs",
				},
			),

			EvaluationsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "testbed_evaluations_total",
					Help: "Total number of completed evaluations",
				},
			),

			JudgeVerdictsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "testbed_judge_verdicts_total",
					Help: "Total number of judge verdicts by outcome",
				},
				[]string{"verdict"}, // "correct" or "incorrect"
			),

			EvaluationDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "testbed_evaluation_duration_seconds",
					Help:    "Duration of one evaluation run end to end",
					Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17m
				},
			),
		}
	})

	return globalMetrics
}

// RecordQuestions records generated QA pairs.
func (m *Metrics) RecordQuestions(n int) {
	m.QuestionsGeneratedTotal.Add(float64(n))
}

// RecordEvaluation records one completed evaluation run.
func (m *Metrics) RecordEvaluation(durationSeconds float64) {
	m.EvaluationsTotal.Inc()
	m.EvaluationDuration.Observe(durationSeconds)
}

// RecordVerdict records one judge verdict.
func (m *Metrics) RecordVerdict(correct bool) {
	verdict := "incorrect"
	if correct {
		verdict = "correct"
	}
	m.JudgeVerdictsTotal.WithLabelValues(verdict).Inc()
}
