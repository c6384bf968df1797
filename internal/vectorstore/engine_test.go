package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/database"
	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/model"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
)

// testDSN returns the integration database DSN, or skips the test when
// RAGD_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("RAGD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RAGD_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// fixedEmbedder returns hand-assigned vectors so similarity ordering in
// tests is exact, with a deterministic fallback for unmapped texts.
type fixedEmbedder struct {
	vectors map[string][]float32
	dim     int
}

func (f fixedEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = f.embed(text)
	}
	return out, nil
}

func (f fixedEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return f.embed(text), nil
}

func (f fixedEmbedder) embed(text string) []float32 {
	if v, ok := f.vectors[text]; ok {
		return v
	}
	v := make([]float32, f.dim)
	for i, r := range text {
		v[i%f.dim] += float32(r%7) + 1
	}
	return v
}

type fixedSource struct {
	embedder embeddings.Embedder
}

func (s fixedSource) Embedder(string) (embeddings.Embedder, error) {
	return s.embedder, nil
}

func testVectors() map[string][]float32 {
	return map[string][]float32{
		"red apples grow on trees":   {1, 0, 0, 0},
		"blue whales swim in oceans": {0, 1, 0, 0},
		"green turtles walk beaches": {0, 0, 1, 0},
	}
}

func testModels(t *testing.T) *model.Registry {
	t.Helper()
	return model.NewRegistry([]config.ModelConfig{{
		ID:       "text-embedding-3-small",
		Provider: "openai",
		Kind:     config.KindEmbedding,
		Enabled:  true,
	}}, nil)
}

func newTestEngine(t *testing.T, dsn string, objects objstore.Store) *Engine {
	t.Helper()
	databases := database.NewRegistry([]config.DatabaseConfig{
		{Name: database.DefaultHandleName, DSN: dsn},
	}, nil)
	t.Cleanup(databases.Close)

	engine, err := NewEngine(Config{
		Databases:  databases,
		Models:     testModels(t),
		Factory:    fixedSource{embedder: fixedEmbedder{vectors: testVectors(), dim: 4}},
		Objects:    objects,
		ScratchDir: t.TempDir(),
		Logger:     logging.NewTestLogger().Logger,
	})
	require.NoError(t, err)
	return engine
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// uniqueStore gives every test run its own table.
func uniqueStore(prefix string) Store {
	s := Store{
		Alias:          fmt.Sprintf("%s%d", prefix, time.Now().UnixNano()),
		Model:          "openai/text-embedding-3-small",
		ChunkSize:      200,
		ChunkOverlap:   20,
		DistanceMetric: config.MetricCosine,
		IndexType:      config.IndexHNSW,
	}
	s.Table = s.TableName()
	return s
}

func hasTable(stores []Store, table string) bool {
	for _, s := range stores {
		if s.Table == table {
			return true
		}
	}
	return false
}

func TestNewEngineValidatesConfig(t *testing.T) {
	_, err := NewEngine(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	databases := database.NewRegistry(nil, nil)
	t.Cleanup(databases.Close)

	_, err = NewEngine(Config{Databases: databases})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewEngine(Config{Databases: databases, Models: testModels(t)})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewEngine(Config{
		Databases: databases,
		Models:    testModels(t),
		Factory:   fixedSource{},
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestIngestValidatesStore(t *testing.T) {
	engine := newTestEngine(t, "", nil)

	store := uniqueStore("bad")
	store.DistanceMetric = "manhattan"
	_, err := engine.Ingest(context.Background(), IngestRequest{
		Database: database.DefaultHandleName,
		Store:    store,
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestIngestWithoutDocuments(t *testing.T) {
	engine := newTestEngine(t, "", nil)

	_, err := engine.Ingest(context.Background(), IngestRequest{
		Database: database.DefaultHandleName,
		Store:    uniqueStore("empty"),
	})
	assert.ErrorIs(t, err, ErrEmptyDocuments)
}

func TestIngestUnsupportedFile(t *testing.T) {
	engine := newTestEngine(t, "", nil)
	path := writeTestFile(t, t.TempDir(), "report.docx", "binary junk")

	_, err := engine.Ingest(context.Background(), IngestRequest{
		Database: database.DefaultHandleName,
		Store:    uniqueStore("unsupported"),
		Paths:    []string{path},
	})
	assert.ErrorIs(t, err, document.ErrUnsupported)
}

// countingEmbedder records the size of every EmbedDocuments call.
type countingEmbedder struct {
	batches []int
}

func (c *countingEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	c.batches = append(c.batches, len(texts))
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}

func (c *countingEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1}, nil
}

func TestEmbedAllBatchBoundaries(t *testing.T) {
	engine := newTestEngine(t, "", nil)

	texts := make([]string, 501)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk %d", i)
	}

	exact := &countingEmbedder{}
	_, err := engine.embedAll(context.Background(), exact, texts[:500], 0)
	require.NoError(t, err)
	assert.Equal(t, []int{500}, exact.batches)

	spill := &countingEmbedder{}
	vectors, err := engine.embedAll(context.Background(), spill, texts, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{500, 1}, spill.batches)
	assert.Len(t, vectors, 501)
}

func TestEmbedAllHonoursCancellation(t *testing.T) {
	engine := newTestEngine(t, "", nil)

	texts := make([]string, 501)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk %d", i)
	}

	// The second batch never runs: the throttle pause between batches
	// observes the already-cancelled context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	counting := &countingEmbedder{}
	_, err := engine.embedAll(ctx, counting, texts, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{500}, counting.batches)
}

func TestEngineLifecycle(t *testing.T) {
	dsn := testDSN(t)
	engine := newTestEngine(t, dsn, nil)
	ctx := context.Background()

	dir := t.TempDir()
	paths := []string{
		writeTestFile(t, dir, "apples.txt", "red apples grow on trees"),
		writeTestFile(t, dir, "whales.txt", "blue whales swim in oceans"),
		writeTestFile(t, dir, "turtles.txt", "green turtles walk beaches"),
	}

	store := uniqueStore("lifecycle")
	t.Cleanup(func() {
		_ = engine.Drop(context.Background(), database.DefaultHandleName, store.Table)
	})

	result, err := engine.Ingest(ctx, IngestRequest{
		Database: database.DefaultHandleName,
		Store:    store,
		Paths:    paths,
	})
	require.NoError(t, err)
	assert.Equal(t, store.Table, result.Table)
	assert.Equal(t, 3, result.Files)
	assert.Equal(t, 3, result.Chunks)
	assert.EqualValues(t, 3, result.Inserted)
	assert.EqualValues(t, 0, result.Skipped)

	// Repeat ingests merge nothing: existing ids are skipped, never
	// updated.
	again, err := engine.Ingest(ctx, IngestRequest{
		Database: database.DefaultHandleName,
		Store:    store,
		Paths:    paths,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 0, again.Inserted)
	assert.EqualValues(t, 3, again.Skipped)

	docs, err := engine.Search(ctx, store, SearchRequest{
		Database: database.DefaultHandleName,
		Query:    "red apples grow on trees",
		TopK:     2,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "red apples grow on trees", docs[0].PageContent)
	assert.InDelta(t, 1.0, float64(docs[0].Score), 1e-6)
	assert.Equal(t, store.Table, docs[0].Metadata["searched_table"])
	assert.Equal(t, "apples.txt", docs[0].Metadata["filename"])
	assert.InDelta(t, 1.0, docs[0].Metadata["similarity_score"].(float64), 1e-6)

	// Orthogonal chunks sit at similarity 0.5; an inclusive threshold
	// above that keeps only the exact match.
	filtered, err := engine.Search(ctx, store, SearchRequest{
		Database:       database.DefaultHandleName,
		Query:          "red apples grow on trees",
		SearchType:     config.SearchThreshold,
		TopK:           3,
		ScoreThreshold: 0.75,
	})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "red apples grow on trees", filtered[0].PageContent)

	unfiltered, err := engine.Search(ctx, store, SearchRequest{
		Database:       database.DefaultHandleName,
		Query:          "red apples grow on trees",
		SearchType:     config.SearchThreshold,
		TopK:           3,
		ScoreThreshold: 0,
	})
	require.NoError(t, err)
	assert.Len(t, unfiltered, 3, "zero threshold disables filtering")

	diverse, err := engine.Search(ctx, store, SearchRequest{
		Database:   database.DefaultHandleName,
		Query:      "red apples grow on trees",
		SearchType: config.SearchMMR,
		TopK:       2,
		FetchK:     3,
		Lambda:     0.5,
	})
	require.NoError(t, err)
	require.Len(t, diverse, 2)
	assert.Equal(t, "red apples grow on trees", diverse[0].PageContent)

	stores, err := engine.List(ctx, database.DefaultHandleName, false)
	require.NoError(t, err)
	require.True(t, hasTable(stores, store.Table))
	for _, s := range stores {
		if s.Table != store.Table {
			continue
		}
		assert.Equal(t, store.Model, s.Model)
		assert.Equal(t, store.ChunkSize, s.ChunkSize)
		assert.Equal(t, store.DistanceMetric, s.DistanceMetric)
		assert.Equal(t, store.IndexType, s.IndexType)
	}

	files, err := engine.Files(ctx, database.DefaultHandleName, store.Table)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, FileCount{Filename: "apples.txt", Chunks: 1}, files[0])
	assert.Equal(t, FileCount{Filename: "turtles.txt", Chunks: 1}, files[1])
	assert.Equal(t, FileCount{Filename: "whales.txt", Chunks: 1}, files[2])

	require.NoError(t, engine.Drop(ctx, database.DefaultHandleName, store.Table))
	assert.ErrorIs(t, engine.Drop(ctx, database.DefaultHandleName, store.Table), ErrNotFound)

	_, err = engine.Files(ctx, database.DefaultHandleName, store.Table)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = engine.Search(ctx, store, SearchRequest{
		Database: database.DefaultHandleName,
		Query:    "red apples grow on trees",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIngestAndSearchEmitSpans(t *testing.T) {
	dsn := testDSN(t)

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(sdktrace.NewTracerProvider())

	engine := newTestEngine(t, dsn, nil)
	ctx := context.Background()

	store := uniqueStore("spans")
	t.Cleanup(func() {
		_ = engine.Drop(context.Background(), database.DefaultHandleName, store.Table)
	})
	path := writeTestFile(t, t.TempDir(), "apples.txt", "red apples grow on trees")
	_, err := engine.Ingest(ctx, IngestRequest{
		Database: database.DefaultHandleName,
		Store:    store,
		Paths:    []string{path},
	})
	require.NoError(t, err)

	_, err = engine.SearchMany(ctx, []Store{store}, SearchRequest{
		Database: database.DefaultHandleName,
		Query:    "red apples grow on trees",
	})
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "vector.ingest")
	assert.Contains(t, names, "vector.merge")
	assert.Contains(t, names, "vector.search_many")
	assert.Contains(t, names, "vector.search")

	for _, s := range recorder.Ended() {
		if s.Name() != "vector.search" {
			continue
		}
		set := attribute.NewSet(s.Attributes()...)
		table, ok := set.Value("vs.table")
		require.True(t, ok)
		assert.Equal(t, store.Table, table.AsString())
	}
}

func TestListFiltersDisabledModels(t *testing.T) {
	dsn := testDSN(t)
	databases := database.NewRegistry([]config.DatabaseConfig{
		{Name: database.DefaultHandleName, DSN: dsn},
	}, nil)
	t.Cleanup(databases.Close)
	models := testModels(t)

	engine, err := NewEngine(Config{
		Databases: databases,
		Models:    models,
		Factory:   fixedSource{embedder: fixedEmbedder{vectors: testVectors(), dim: 4}},
		Logger:    logging.NewTestLogger().Logger,
	})
	require.NoError(t, err)
	ctx := context.Background()

	store := uniqueStore("filter")
	t.Cleanup(func() {
		_ = engine.Drop(context.Background(), database.DefaultHandleName, store.Table)
	})
	path := writeTestFile(t, t.TempDir(), "apples.txt", "red apples grow on trees")
	_, err = engine.Ingest(ctx, IngestRequest{
		Database: database.DefaultHandleName,
		Store:    store,
		Paths:    []string{path},
	})
	require.NoError(t, err)

	stores, err := engine.List(ctx, database.DefaultHandleName, true)
	require.NoError(t, err)
	assert.True(t, hasTable(stores, store.Table))

	require.NoError(t, models.SetEnabled("openai/text-embedding-3-small", false))

	stores, err = engine.List(ctx, database.DefaultHandleName, true)
	require.NoError(t, err)
	assert.False(t, hasTable(stores, store.Table), "disabled embedding models drop out of filtered listings")

	stores, err = engine.List(ctx, database.DefaultHandleName, false)
	require.NoError(t, err)
	assert.True(t, hasTable(stores, store.Table))
}

func TestListSkipsMalformedComments(t *testing.T) {
	dsn := testDSN(t)
	engine := newTestEngine(t, dsn, nil)
	ctx := context.Background()

	pool, err := engine.databases.Acquire(ctx, database.DefaultHandleName, false)
	require.NoError(t, err)

	table := fmt.Sprintf("BROKEN%d", time.Now().UnixNano())
	_, err = pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE %q (id text, embedding vector(4))`, table))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table))
	})
	_, err = pool.Exec(ctx, fmt.Sprintf(`COMMENT ON TABLE %q IS 'GENAI: {broken'`, table))
	require.NoError(t, err)

	stores, err := engine.List(ctx, database.DefaultHandleName, false)
	require.NoError(t, err)
	assert.False(t, hasTable(stores, table), "tables with unparseable comments are skipped")
}
