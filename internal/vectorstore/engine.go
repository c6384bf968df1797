// Package vectorstore manages pgvector-backed vector stores.
//
// A vector store is one PostgreSQL table named after its embedding
// parameters, created on first ingest and rediscovered later through the
// "GENAI: " metadata comment written on the table. The engine loads and
// splits source files, embeds unique chunks through the model registry,
// merges them into the live table with a staged anti-join so repeat
// ingests stay idempotent, and serves similarity, score-threshold and
// MMR search over the result.
//
// Example usage:
//
//	engine, err := vectorstore.NewEngine(vectorstore.Config{
//	    Databases: databases,
//	    Models:    models,
//	    Factory:   factory,
//	    Logger:    logger,
//	})
//	if err != nil {
//	    // Handle error
//	}
//
//	store := vectorstore.FromSettings(settings.VectorSearch)
//	result, err := engine.Ingest(ctx, vectorstore.IngestRequest{
//	    Database: settings.Database,
//	    Store:    store,
//	    Paths:    []string{"guide.pdf"},
//	})
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/database"
	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/model"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
)

const (
	// embedBatchSize is the number of chunks embedded per provider call.
	embedBatchSize = 500

	// defaultTopK candidates are fetched when a request does not say.
	defaultTopK = 4

	// defaultFetchK candidates feed the MMR re-rank when unset.
	defaultFetchK = 20
)

// EmbedderSource resolves embedding model identities to embedders.
// *model.Factory implements it.
type EmbedderSource interface {
	Embedder(identity string) (embeddings.Embedder, error)
}

// Config holds configuration for the vector store engine.
type Config struct {
	// Databases resolves client database names to live pools.
	Databases *database.Registry

	// Models gates discovery on embedding model enablement.
	Models *model.Registry

	// Factory builds embedders for the models stores were created with.
	Factory EmbedderSource

	// Objects serves bucket listings and downloads for refresh.
	// Optional: refresh fails with ErrNoObjectStore when nil.
	Objects objstore.Store

	// ScratchDir is the base directory for per-client scratch space
	// (default: "scratch").
	ScratchDir string

	// Logger receives engine logs.
	Logger *logging.Logger
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Databases == nil {
		return fmt.Errorf("%w: database registry required", ErrInvalidConfig)
	}
	if c.Models == nil {
		return fmt.Errorf("%w: model registry required", ErrInvalidConfig)
	}
	if c.Factory == nil {
		return fmt.Errorf("%w: model factory required", ErrInvalidConfig)
	}
	if c.Logger == nil {
		return fmt.Errorf("%w: logger required", ErrInvalidConfig)
	}
	return nil
}

// Engine ingests documents into vector stores and searches them.
type Engine struct {
	databases *database.Registry
	models    *model.Registry
	factory   EmbedderSource
	objects   objstore.Store
	scratch   string
	logger    *logging.Logger
	metrics   *Metrics
	tracer    trace.Tracer
}

// NewEngine creates a vector store engine with the given configuration.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = "scratch"
	}
	return &Engine{
		databases: cfg.Databases,
		models:    cfg.Models,
		factory:   cfg.Factory,
		objects:   cfg.Objects,
		scratch:   scratch,
		logger:    cfg.Logger,
		metrics:   NewMetrics(),
		tracer:    otel.Tracer("ragd/vectorstore"),
	}, nil
}

// IngestRequest names the files to load into one store.
type IngestRequest struct {
	// Database is the client's database handle name.
	Database string

	// Store describes the target table and embedding parameters.
	Store Store

	// Paths are local files to load, split and embed.
	Paths []string

	// Meta carries object store metadata per file basename, stamped
	// onto every chunk of that file. Optional.
	Meta map[string]document.ObjectMeta

	// RateLimit is the embedding provider's requests-per-minute budget;
	// 0 means unlimited.
	RateLimit int
}

// IngestResult reports one completed merge.
type IngestResult struct {
	Table    string `json:"table"`
	Files    int    `json:"files"`
	Chunks   int    `json:"chunks"`
	Inserted int64  `json:"inserted"`
	Skipped  int64  `json:"skipped"`
}

// Ingest loads the request's files, embeds their chunks and merges them
// into the store's table, creating the table on first use. Rows whose id
// already exists in the live table are skipped, never updated, so
// ingesting the same files twice is idempotent.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if err := req.Store.Validate(); err != nil {
		return IngestResult{}, err
	}

	ctx, span := e.tracer.Start(ctx, "vector.ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("vs.table", req.Store.resolvedTable()),
		attribute.Int("vs.files", len(req.Paths)),
	)

	params := document.SplitParams{
		ChunkSize:    req.Store.ChunkSize,
		ChunkOverlap: req.Store.ChunkOverlap,
	}
	var docs []schema.Document
	for _, path := range req.Paths {
		loaded, err := document.Load(ctx, path, params)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return IngestResult{}, fmt.Errorf("loading %s: %w", filepath.Base(path), err)
		}
		if meta, ok := req.Meta[filepath.Base(path)]; ok {
			document.ApplyObjectMeta(loaded, meta)
		}
		docs = append(docs, loaded...)
	}
	if len(docs) == 0 {
		return IngestResult{}, ErrEmptyDocuments
	}

	pool, err := e.databases.Acquire(ctx, req.Database, false)
	if err != nil {
		return IngestResult{}, err
	}

	result, err := e.merge(ctx, pool, req.Store, docs, req.RateLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return IngestResult{}, err
	}
	result.Files = len(req.Paths)
	span.SetAttributes(
		attribute.Int("vs.chunks", result.Chunks),
		attribute.Int64("vs.inserted", result.Inserted),
	)
	return result, nil
}

// merge runs the two-phase merge: embed unique chunks, stage them into a
// sibling _TMP table, anti-join them into the live table, rebuild the
// index and rewrite the metadata comment.
func (e *Engine) merge(ctx context.Context, pool *pgxpool.Pool, store Store, docs []schema.Document, rateLimit int) (IngestResult, error) {
	ctx, span := e.tracer.Start(ctx, "vector.merge")
	defer span.End()

	unique := dedupeByContent(docs)
	texts := make([]string, len(unique))
	for i, doc := range unique {
		texts[i] = doc.PageContent
	}

	embedder, err := e.factory.Embedder(store.Model)
	if err != nil {
		return IngestResult{}, err
	}
	vectors, err := e.embedAll(ctx, embedder, texts, rateLimit)
	if err != nil {
		return IngestResult{}, err
	}
	if len(vectors) != len(unique) {
		return IngestResult{}, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(unique))
	}
	dim := len(vectors[0])

	table := store.resolvedTable()
	tmp := table + "_TMP"
	ident := pgx.Identifier{table}.Sanitize()
	tmpIdent := pgx.Identifier{tmp}.Sanitize()

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id text, text text, metadata jsonb, embedding vector(%d))`, ident, dim),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id text, text text, metadata jsonb, embedding vector(%d))`, tmpIdent, dim),
		fmt.Sprintf(`TRUNCATE %s`, tmpIdent),
	}
	for _, q := range ddl {
		if _, err := pool.Exec(ctx, q); err != nil {
			return IngestResult{}, fmt.Errorf("preparing %s: %w", table, err)
		}
	}

	rows := make([][]any, len(unique))
	for i, doc := range unique {
		id, _ := doc.Metadata["id"].(string)
		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return IngestResult{}, fmt.Errorf("encoding chunk metadata: %w", err)
		}
		rows[i] = []any{id, doc.PageContent, meta, pgvector.NewVector(vectors[i])}
	}
	staged, err := pool.CopyFrom(ctx, pgx.Identifier{tmp},
		[]string{"id", "text", "metadata", "embedding"}, pgx.CopyFromRows(rows))
	if err != nil {
		return IngestResult{}, fmt.Errorf("staging chunks: %w", err)
	}

	// HNSW indexes slow bulk inserts down; rebuild from scratch after
	// the merge instead.
	dropIdx := pgx.Identifier{indexName(table, config.IndexHNSW)}.Sanitize()
	if _, err := pool.Exec(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %s`, dropIdx)); err != nil {
		return IngestResult{}, fmt.Errorf("dropping index on %s: %w", table, err)
	}

	tag, err := pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s SELECT tmp.id, tmp.text, tmp.metadata, tmp.embedding FROM %s tmp WHERE NOT EXISTS (SELECT 1 FROM %s live WHERE live.id = tmp.id)`,
		ident, tmpIdent, ident))
	if err != nil {
		return IngestResult{}, fmt.Errorf("merging into %s: %w", table, err)
	}
	inserted := tag.RowsAffected()

	if _, err := pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tmpIdent)); err != nil {
		return IngestResult{}, fmt.Errorf("dropping %s: %w", tmp, err)
	}

	if method := indexMethod(store.IndexType); method != "" {
		idxIdent := pgx.Identifier{indexName(table, store.IndexType)}.Sanitize()
		q := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING %s (embedding %s)`,
			idxIdent, ident, method, operatorClass(store.DistanceMetric))
		if _, err := pool.Exec(ctx, q); err != nil {
			return IngestResult{}, fmt.Errorf("indexing %s: %w", table, err)
		}
	}

	comment, err := store.Comment()
	if err != nil {
		return IngestResult{}, err
	}
	q := fmt.Sprintf(`COMMENT ON TABLE %s IS '%s'`, ident, strings.ReplaceAll(comment, "'", "''"))
	if _, err := pool.Exec(ctx, q); err != nil {
		return IngestResult{}, fmt.Errorf("commenting %s: %w", table, err)
	}

	e.metrics.RecordIngest(table, inserted)
	span.SetAttributes(
		attribute.Int64("vs.staged", staged),
		attribute.Int64("vs.inserted", inserted),
	)
	e.logger.Info(ctx, "vector store merged",
		zap.String("table", table),
		zap.Int64("staged", staged),
		zap.Int64("inserted", inserted),
		zap.Int("dimension", dim))

	return IngestResult{
		Table:    table,
		Chunks:   len(unique),
		Inserted: inserted,
		Skipped:  staged - inserted,
	}, nil
}

// embedAll embeds texts in batches, honouring the provider's
// requests-per-minute budget between batches.
func (e *Engine) embedAll(ctx context.Context, embedder embeddings.Embedder, texts []string, ratePerMinute int) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		if start > 0 {
			if err := sleepBetweenBatches(ctx, ratePerMinute); err != nil {
				return nil, err
			}
		}
		end := min(start+embedBatchSize, len(texts))
		began := time.Now()
		batch, err := embedder.EmbedDocuments(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch at %d: %w", start, err)
		}
		e.metrics.RecordEmbedBatch(len(batch), time.Since(began).Seconds())
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func sleepBetweenBatches(ctx context.Context, ratePerMinute int) error {
	if ratePerMinute <= 0 {
		return nil
	}
	pause := time.Duration(float64(time.Minute) / float64(ratePerMinute))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(pause):
		return nil
	}
}

// dedupeByContent drops chunks whose page content already appeared,
// keeping first occurrences in order.
func dedupeByContent(docs []schema.Document) []schema.Document {
	seen := make(map[string]struct{}, len(docs))
	unique := make([]schema.Document, 0, len(docs))
	for _, doc := range docs {
		if _, ok := seen[doc.PageContent]; ok {
			continue
		}
		seen[doc.PageContent] = struct{}{}
		unique = append(unique, doc)
	}
	return unique
}

// SearchRequest asks for the closest chunks to a query.
type SearchRequest struct {
	// Database is the client's database handle name.
	Database string

	// Query is embedded with the store's model.
	Query string

	// SearchType selects the strategy; empty means plain similarity.
	SearchType config.SearchType

	// TopK is the number of results wanted (default 4).
	TopK int

	// ScoreThreshold drops results below it for threshold searches;
	// 0 disables filtering. The comparison is inclusive.
	ScoreThreshold float64

	// FetchK is the MMR candidate pool size (default 20).
	FetchK int

	// Lambda trades relevance against diversity for MMR, in [0, 1].
	Lambda float64
}

// Search retrieves the chunks closest to the query from one store.
// Results carry their similarity in Score and in the
// "similarity_score" metadata key, with "searched_table" naming the
// source, ordered most similar first.
func (e *Engine) Search(ctx context.Context, store Store, req SearchRequest) ([]schema.Document, error) {
	label := string(req.SearchType)
	if label == "" {
		label = string(config.SearchSimilarity)
	}

	ctx, span := e.tracer.Start(ctx, "vector.search")
	defer span.End()
	span.SetAttributes(
		attribute.String("vs.table", store.resolvedTable()),
		attribute.String("vs.type", label),
	)

	pool, err := e.databases.Acquire(ctx, req.Database, false)
	if err != nil {
		return nil, err
	}
	embedder, err := e.factory.Embedder(store.Model)
	if err != nil {
		return nil, err
	}
	queryVec, err := embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	began := time.Now()

	var docs []schema.Document
	switch req.SearchType {
	case config.SearchMMR:
		docs, err = e.mmrSearch(ctx, pool, store, queryVec, topK, req)
	default:
		docs, err = e.similaritySearch(ctx, pool, store, queryVec, topK)
		if err == nil && req.SearchType == config.SearchThreshold {
			docs = filterByThreshold(docs, req.ScoreThreshold)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	e.metrics.RecordSearch(label, time.Since(began).Seconds())
	span.SetAttributes(attribute.Int("vs.results", len(docs)))
	return docs, nil
}

// SearchMany searches every store independently and returns the combined
// results ordered by similarity descending, breaking ties on table name.
func (e *Engine) SearchMany(ctx context.Context, stores []Store, req SearchRequest) ([]schema.Document, error) {
	ctx, span := e.tracer.Start(ctx, "vector.search_many")
	defer span.End()
	span.SetAttributes(attribute.Int("vs.stores", len(stores)))

	results := make([][]schema.Document, len(stores))
	g, gctx := errgroup.WithContext(ctx)
	for i, store := range stores {
		g.Go(func() error {
			docs, err := e.Search(gctx, store, req)
			if err != nil {
				return fmt.Errorf("searching %s: %w", store.resolvedTable(), err)
			}
			results[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []schema.Document
	for _, docs := range results {
		all = append(all, docs...)
	}
	sortResults(all)
	return all, nil
}

func (e *Engine) similaritySearch(ctx context.Context, pool *pgxpool.Pool, store Store, queryVec []float32, topK int) ([]schema.Document, error) {
	table := store.resolvedTable()
	q := fmt.Sprintf(`
		SELECT text, metadata, embedding %s $1 AS distance
		FROM   %s
		ORDER  BY distance
		LIMIT  %d`,
		distanceOperator(store.DistanceMetric), pgx.Identifier{table}.Sanitize(), topK)

	rows, err := pool.Query(ctx, q, pgvector.NewVector(queryVec))
	if err != nil {
		return nil, mapTableError(err, table)
	}
	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (schema.Document, error) {
		var (
			text string
			raw  []byte
			dist float64
		)
		if err := row.Scan(&text, &raw, &dist); err != nil {
			return schema.Document{}, err
		}
		return resultDocument(store, table, text, raw, dist)
	})
	if err != nil {
		return nil, mapTableError(fmt.Errorf("searching %s: %w", table, err), table)
	}
	return docs, nil
}

// resultDocument decodes one candidate row and enriches its metadata
// with the similarity score and source table.
func resultDocument(store Store, table, text string, rawMeta []byte, distance float64) (schema.Document, error) {
	meta := map[string]any{}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &meta); err != nil {
			return schema.Document{}, fmt.Errorf("decoding chunk metadata: %w", err)
		}
	}
	sim := similarityFromDistance(store.DistanceMetric, distance)
	meta["similarity_score"] = sim
	meta["searched_table"] = table
	return schema.Document{PageContent: text, Metadata: meta, Score: float32(sim)}, nil
}

// filterByThreshold keeps documents whose similarity is at least the
// threshold. A zero threshold keeps everything.
func filterByThreshold(docs []schema.Document, threshold float64) []schema.Document {
	if threshold == 0 {
		return docs
	}
	kept := make([]schema.Document, 0, len(docs))
	for _, doc := range docs {
		if float64(doc.Score) >= threshold {
			kept = append(kept, doc)
		}
	}
	return kept
}

func sortResults(docs []schema.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		ta, _ := docs[i].Metadata["searched_table"].(string)
		tb, _ := docs[j].Metadata["searched_table"].(string)
		return ta < tb
	})
}

// List discovers every vector store in the database: tables with a
// vector column whose comment carries the metadata sentinel. Tables with
// unparseable comments are skipped and logged. With enabledOnly set,
// stores whose embedding model is disabled or gone are dropped from the
// listing.
func (e *Engine) List(ctx context.Context, databaseName string, enabledOnly bool) ([]Store, error) {
	pool, err := e.databases.Acquire(ctx, databaseName, false)
	if err != nil {
		return nil, err
	}

	const q = `
		SELECT c.relname, d.description
		FROM   pg_catalog.pg_class c
		JOIN   pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		JOIN   pg_catalog.pg_description d ON d.objoid = c.oid AND d.objsubid = 0
		WHERE  c.relkind = 'r'
		  AND  n.nspname = current_schema()
		  AND  d.description LIKE $1
		  AND  EXISTS (
		           SELECT 1
		           FROM   pg_catalog.pg_attribute a
		           JOIN   pg_catalog.pg_type t ON t.oid = a.atttypid
		           WHERE  a.attrelid = c.oid
		             AND  a.attnum > 0
		             AND  NOT a.attisdropped
		             AND  t.typname = 'vector'
		       )
		ORDER  BY c.relname`

	rows, err := pool.Query(ctx, q, commentPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("listing vector stores: %w", err)
	}
	type commented struct {
		Name    string
		Comment string
	}
	tables, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (commented, error) {
		var c commented
		err := row.Scan(&c.Name, &c.Comment)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing vector stores: %w", err)
	}

	stores := make([]Store, 0, len(tables))
	for _, t := range tables {
		store, err := ParseComment(t.Name, t.Comment)
		if err != nil {
			e.metrics.RecordMalformedComment()
			e.logger.Warn(ctx, "skipping vector store with malformed comment",
				zap.String("table", t.Name), zap.Error(err))
			continue
		}
		if enabledOnly && !e.models.Enabled(store.Model) {
			continue
		}
		stores = append(stores, store)
	}
	return stores, nil
}

// FileCount is the number of chunks one source file contributed.
type FileCount struct {
	Filename string `json:"filename"`
	Chunks   int    `json:"chunks"`
}

// Files lists the source files stored in a table with their chunk
// counts, ordered by filename.
func (e *Engine) Files(ctx context.Context, databaseName, table string) ([]FileCount, error) {
	pool, err := e.databases.Acquire(ctx, databaseName, false)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT COALESCE(metadata->>'filename', ''), COUNT(*) FROM %s GROUP BY 1 ORDER BY 1`,
		pgx.Identifier{table}.Sanitize())
	rows, err := pool.Query(ctx, q)
	if err != nil {
		return nil, mapTableError(err, table)
	}
	files, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (FileCount, error) {
		var fc FileCount
		err := row.Scan(&fc.Filename, &fc.Chunks)
		return fc, err
	})
	if err != nil {
		return nil, mapTableError(fmt.Errorf("listing files in %s: %w", table, err), table)
	}
	return files, nil
}

// Drop removes a vector store's table. ErrNotFound when no such table
// exists.
func (e *Engine) Drop(ctx context.Context, databaseName, table string) error {
	pool, err := e.databases.Acquire(ctx, databaseName, false)
	if err != nil {
		return err
	}

	exists, err := tableExists(ctx, pool, table)
	if err != nil {
		return fmt.Errorf("checking %s: %w", table, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, table)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pgx.Identifier{table}.Sanitize())); err != nil {
		return fmt.Errorf("dropping %s: %w", table, err)
	}
	e.logger.Info(ctx, "vector store dropped", zap.String("table", table))
	return nil
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, table string) (bool, error) {
	const q = `
		SELECT EXISTS (
		    SELECT 1
		    FROM   pg_catalog.pg_class c
		    JOIN   pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		    WHERE  c.relkind = 'r'
		      AND  n.nspname = current_schema()
		      AND  c.relname = $1
		)`
	var exists bool
	err := pool.QueryRow(ctx, q, table).Scan(&exists)
	return exists, err
}

// mapTableError turns Postgres undefined-table errors into ErrNotFound.
func mapTableError(err error, table string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return fmt.Errorf("%w: %s", ErrNotFound, table)
	}
	return err
}
