package vectorstore

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the vector store engine.
type Metrics struct {
	// Ingest pipeline
	IngestsTotal        *prometheus.CounterVec
	RowsInsertedTotal   prometheus.Counter
	ChunksEmbeddedTotal prometheus.Counter
	EmbedBatchDuration  prometheus.Histogram

	// Search
	SearchesTotal  *prometheus.CounterVec
	SearchDuration *prometheus.HistogramVec

	// Refresh and discovery
	RefreshesTotal         prometheus.Counter
	MalformedCommentsTotal prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics for the engine.
//
// This function uses sync.Once to ensure metrics are only registered once
// globally, preventing "duplicate metrics collector registration" panics.
//
// All metrics are prefixed with "vectorstore_" for namespacing.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			IngestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vectorstore_ingests_total",
					Help: "Total number of completed vector store merges",
				},
				[]string{"table"},
			),

			RowsInsertedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "vectorstore_rows_inserted_total",
					Help: "Total number of new rows merged into live tables",
				},
			),

			ChunksEmbeddedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "vectorstore_chunks_embedded_total",
					Help: "Total number of chunks sent to embedding providers",
				},
			),

			EmbedBatchDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "vectorstore_embed_batch_duration_seconds",
					Help:    "Duration of one embedding batch call",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
				},
			),

			SearchesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vectorstore_searches_total",
					Help: "Total number of vector searches served",
				},
				[]string{"type"}, // "similarity", "similarity_score_threshold" or "mmr"
			),

			SearchDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "vectorstore_search_duration_seconds",
					Help:    "Duration of one vector search including query embedding",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
				},
				[]string{"type"},
			),

			RefreshesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "vectorstore_refreshes_total",
					Help: "Total number of bucket refreshes that re-ingested files",
				},
			),

			MalformedCommentsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "vectorstore_malformed_comments_total",
					Help: "Total number of tables skipped at discovery for unparseable comments",
				},
			),
		}
	})

	return globalMetrics
}

// RecordIngest records one completed merge.
func (m *Metrics) RecordIngest(table string, inserted int64) {
	m.IngestsTotal.WithLabelValues(table).Inc()
	m.RowsInsertedTotal.Add(float64(inserted))
}

// RecordEmbedBatch records one embedding batch call.
func (m *Metrics) RecordEmbedBatch(chunks int, durationSeconds float64) {
	m.ChunksEmbeddedTotal.Add(float64(chunks))
	m.EmbedBatchDuration.Observe(durationSeconds)
}

// RecordSearch records one served search.
func (m *Metrics) RecordSearch(searchType string, durationSeconds float64) {
	m.SearchesTotal.WithLabelValues(searchType).Inc()
	m.SearchDuration.WithLabelValues(searchType).Observe(durationSeconds)
}

// RecordRefresh records one refresh that re-ingested files.
func (m *Metrics) RecordRefresh() {
	m.RefreshesTotal.Inc()
}

// RecordMalformedComment records a table skipped at discovery.
func (m *Metrics) RecordMalformedComment() {
	m.MalformedCommentsTotal.Inc()
}
