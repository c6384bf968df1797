package vectorstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/schema"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

func testStore() Store {
	return Store{
		Alias:          "docs",
		Description:    "product documentation",
		Model:          "openai/text-embedding-3-small",
		ChunkSize:      1000,
		ChunkOverlap:   100,
		DistanceMetric: config.MetricCosine,
		IndexType:      config.IndexHNSW,
	}
}

func TestTableNameDerivation(t *testing.T) {
	tests := []struct {
		name  string
		store Store
		want  string
	}{
		{
			name:  "with alias",
			store: testStore(),
			want:  "DOCS_OPENAI_TEXT_EMBEDDING_3_SMALL_1000_100_COSINE_HNSW",
		},
		{
			name: "without alias",
			store: Store{
				Model:          "openai/text-embedding-3-small",
				ChunkSize:      1000,
				ChunkOverlap:   100,
				DistanceMetric: config.MetricCosine,
				IndexType:      config.IndexHNSW,
			},
			want: "OPENAI_TEXT_EMBEDDING_3_SMALL_1000_100_COSINE_HNSW",
		},
		{
			name: "dots and slashes sanitised",
			store: Store{
				Model:          "fastembed/BAAI/bge-small-en-v1.5",
				ChunkSize:      500,
				ChunkOverlap:   50,
				DistanceMetric: config.MetricEuclidean,
				IndexType:      config.IndexIVF,
			},
			want: "FASTEMBED_BAAI_BGE_SMALL_EN_V1_5_500_50_EUCLIDEAN_IVF",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.store.TableName())
		})
	}
}

func TestFromSettingsDerivesTable(t *testing.T) {
	s := FromSettings(config.VectorSearchSettings{
		Alias:          "kb",
		Model:          "openai/text-embedding-3-small",
		ChunkSize:      800,
		ChunkOverlap:   80,
		DistanceMetric: config.MetricDot,
		IndexType:      config.IndexFlat,
	})

	assert.Equal(t, "KB_OPENAI_TEXT_EMBEDDING_3_SMALL_800_80_DOT_FLAT", s.Table)
	assert.Equal(t, "openai/text-embedding-3-small", s.Model)
	assert.Equal(t, config.MetricDot, s.DistanceMetric)
}

func TestCommentRoundTrip(t *testing.T) {
	store := testStore()

	comment, err := store.Comment()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(comment, "GENAI: "))
	assert.NotContains(t, comment, `"table"`)

	parsed, err := ParseComment("DOCS_T", comment)
	require.NoError(t, err)
	assert.Equal(t, "DOCS_T", parsed.Table)
	assert.Equal(t, store.Alias, parsed.Alias)
	assert.Equal(t, store.Description, parsed.Description)
	assert.Equal(t, store.Model, parsed.Model)
	assert.Equal(t, store.ChunkSize, parsed.ChunkSize)
	assert.Equal(t, store.ChunkOverlap, parsed.ChunkOverlap)
	assert.Equal(t, store.DistanceMetric, parsed.DistanceMetric)
	assert.Equal(t, store.IndexType, parsed.IndexType)
}

func TestParseCommentMalformed(t *testing.T) {
	tests := []struct {
		name    string
		comment string
	}{
		{"missing sentinel", `{"model":"m"}`},
		{"invalid json", `GENAI: {nope`},
		{"missing model", `GENAI: {"chunk_size":500,"distance_metric":"cosine","index_type":"hnsw"}`},
		{"unknown metric", `GENAI: {"model":"m","distance_metric":"manhattan","index_type":"hnsw"}`},
		{"unknown index", `GENAI: {"model":"m","distance_metric":"cosine","index_type":"btree"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseComment("T", tt.comment)
			assert.ErrorIs(t, err, ErrMalformedComment)
		})
	}
}

func TestStoreValidate(t *testing.T) {
	valid := testStore()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Store)
	}{
		{"missing model", func(s *Store) { s.Model = "" }},
		{"zero chunk size", func(s *Store) { s.ChunkSize = 0 }},
		{"overlap equals chunk size", func(s *Store) { s.ChunkOverlap = s.ChunkSize }},
		{"negative overlap", func(s *Store) { s.ChunkOverlap = -1 }},
		{"unknown metric", func(s *Store) { s.DistanceMetric = "manhattan" }},
		{"unknown index", func(s *Store) { s.IndexType = "btree" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore()
			tt.mutate(&s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidConfig)
		})
	}
}

func TestSimilarityFromDistance(t *testing.T) {
	tests := []struct {
		metric   config.DistanceMetric
		distance float64
		want     float64
	}{
		{config.MetricCosine, 0, 1},
		{config.MetricCosine, 1, 0.5},
		{config.MetricCosine, 2, 0},
		{config.MetricDot, -7.5, 7.5},
		{config.MetricDot, 3, -3},
		{config.MetricEuclidean, 0, 1},
		{config.MetricEuclidean, 1, 0.5},
		{config.MetricEuclidean, 3, 0.25},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, similarityFromDistance(tt.metric, tt.distance), 1e-9,
			"metric %s distance %v", tt.metric, tt.distance)
	}
}

func TestMetricMappings(t *testing.T) {
	assert.Equal(t, "<=>", distanceOperator(config.MetricCosine))
	assert.Equal(t, "<#>", distanceOperator(config.MetricDot))
	assert.Equal(t, "<->", distanceOperator(config.MetricEuclidean))

	assert.Equal(t, "vector_cosine_ops", operatorClass(config.MetricCosine))
	assert.Equal(t, "vector_ip_ops", operatorClass(config.MetricDot))
	assert.Equal(t, "vector_l2_ops", operatorClass(config.MetricEuclidean))

	assert.Equal(t, "hnsw", indexMethod(config.IndexHNSW))
	assert.Equal(t, "ivfflat", indexMethod(config.IndexIVF))
	assert.Empty(t, indexMethod(config.IndexFlat))

	assert.Equal(t, "T_HNSW_IDX", indexName("T", config.IndexHNSW))
	assert.Equal(t, "T_IVF_IDX", indexName("T", config.IndexIVF))
	assert.Empty(t, indexName("T", config.IndexFlat))
}

func scoredDoc(score float32, table string) schema.Document {
	return schema.Document{
		PageContent: "chunk",
		Metadata:    map[string]any{"searched_table": table},
		Score:       score,
	}
}

func TestFilterByThreshold(t *testing.T) {
	docs := []schema.Document{
		scoredDoc(0.9, "T"),
		scoredDoc(0.5, "T"),
		scoredDoc(0.2, "T"),
	}

	assert.Len(t, filterByThreshold(docs, 0), 3, "zero threshold disables filtering")
	assert.Len(t, filterByThreshold(docs, 0.5), 2, "boundary is inclusive")
	assert.Len(t, filterByThreshold(docs, 0.6), 1)
	assert.Empty(t, filterByThreshold(docs, 0.95))
}

func TestSortResults(t *testing.T) {
	docs := []schema.Document{
		scoredDoc(0.3, "B"),
		scoredDoc(0.9, "A"),
		scoredDoc(0.3, "A"),
	}

	sortResults(docs)

	assert.Equal(t, float32(0.9), docs[0].Score)
	assert.Equal(t, "A", docs[1].Metadata["searched_table"], "ties break on table name")
	assert.Equal(t, "B", docs[2].Metadata["searched_table"])
}

func TestDedupeByContent(t *testing.T) {
	docs := []schema.Document{
		{PageContent: "alpha"},
		{PageContent: "beta"},
		{PageContent: "alpha"},
		{PageContent: "gamma"},
	}

	unique := dedupeByContent(docs)

	require.Len(t, unique, 3)
	assert.Equal(t, "alpha", unique[0].PageContent)
	assert.Equal(t, "beta", unique[1].PageContent)
	assert.Equal(t, "gamma", unique[2].PageContent)
}
