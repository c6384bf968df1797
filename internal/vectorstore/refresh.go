package vectorstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
)

// RefreshRequest re-synchronises a store with its source bucket.
type RefreshRequest struct {
	// Database is the client's database handle name.
	Database string

	// Client keys the scratch directory downloads land in.
	Client string

	// Bucket is the object store bucket the store was built from.
	Bucket string

	// Store describes the live table; its original chunking and
	// embedding parameters drive the re-ingest.
	Store Store

	// RateLimit is the embedding provider's requests-per-minute budget.
	RateLimit int
}

// RefreshResult reports how the bucket's current objects partitioned and
// how many chunks the changed ones produced.
type RefreshResult struct {
	Processed    int `json:"processed"`
	NewFiles     int `json:"new_files"`
	UpdatedFiles int `json:"updated_files"`
	TotalChunks  int `json:"total_chunks"`
}

// fileStamp is the per-file change detection state read back from chunk
// metadata.
type fileStamp struct {
	etag         string
	timeModified string
}

// Refresh lists the bucket, detects new and modified files against the
// stamps stored in the live table, downloads the changed ones into the
// client's scratch space and runs them through the ingest pipeline with
// the store's original parameters. The scratch directory is removed on
// every exit path.
func (e *Engine) Refresh(ctx context.Context, req RefreshRequest) (RefreshResult, error) {
	if e.objects == nil {
		return RefreshResult{}, ErrNoObjectStore
	}

	ctx, span := e.tracer.Start(ctx, "vector.refresh")
	defer span.End()
	span.SetAttributes(
		attribute.String("vs.table", req.Store.resolvedTable()),
		attribute.String("vs.bucket", req.Bucket),
	)

	bucket, err := e.objects.Bucket(req.Bucket)
	if err != nil {
		return RefreshResult{}, err
	}
	objects, err := bucket.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RefreshResult{}, fmt.Errorf("listing bucket %s: %w", req.Bucket, err)
	}
	var supported []objstore.ObjectSummary
	for _, obj := range objects {
		if document.IsSupported(obj.Name) {
			supported = append(supported, obj)
		}
	}

	pool, err := e.databases.Acquire(ctx, req.Database, false)
	if err != nil {
		return RefreshResult{}, err
	}
	table := req.Store.resolvedTable()
	stamps, err := e.storedStamps(ctx, pool, table)
	if err != nil {
		return RefreshResult{}, err
	}

	part := partitionObjects(supported, stamps)
	result := RefreshResult{
		Processed:    len(supported),
		NewFiles:     len(part.added),
		UpdatedFiles: len(part.modified),
	}

	changed := make([]objstore.ObjectSummary, 0, len(part.added)+len(part.modified))
	changed = append(changed, part.added...)
	changed = append(changed, part.modified...)
	if len(changed) == 0 {
		e.logger.Info(ctx, "vector store refresh found no changes",
			zap.String("table", table),
			zap.String("bucket", req.Bucket),
			zap.Int("processed", result.Processed))
		return result, nil
	}

	dir, cleanup, err := objstore.Scratch(e.scratch, req.Client, "refresh")
	if err != nil {
		return RefreshResult{}, fmt.Errorf("preparing scratch space: %w", err)
	}
	defer cleanup()

	paths := make([]string, 0, len(changed))
	meta := make(map[string]document.ObjectMeta, len(changed))
	for _, obj := range changed {
		dest := filepath.Join(dir, obj.Name)
		if err := bucket.Download(ctx, obj.Name, dest); err != nil {
			return RefreshResult{}, fmt.Errorf("downloading %s: %w", obj.Name, err)
		}
		paths = append(paths, dest)
		meta[obj.Name] = document.ObjectMeta{
			Size:         obj.Size,
			TimeModified: obj.TimeModified,
			ETag:         obj.ETag,
			Bucket:       req.Bucket,
		}
	}

	ingest, err := e.Ingest(ctx, IngestRequest{
		Database:  req.Database,
		Store:     req.Store,
		Paths:     paths,
		Meta:      meta,
		RateLimit: req.RateLimit,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RefreshResult{}, err
	}
	result.TotalChunks = ingest.Chunks
	span.SetAttributes(
		attribute.Int("vs.new_files", result.NewFiles),
		attribute.Int("vs.updated_files", result.UpdatedFiles),
	)

	e.metrics.RecordRefresh()
	e.logger.Info(ctx, "vector store refreshed",
		zap.String("table", table),
		zap.String("bucket", req.Bucket),
		zap.Int("new_files", result.NewFiles),
		zap.Int("updated_files", result.UpdatedFiles),
		zap.Int("chunks", result.TotalChunks),
		zap.Int("old_format_skipped", len(part.oldFormat)))
	return result, nil
}

// storedStamps reads the distinct per-file etag and modification time
// recorded in the table's chunk metadata.
func (e *Engine) storedStamps(ctx context.Context, pool *pgxpool.Pool, table string) (map[string]fileStamp, error) {
	q := fmt.Sprintf(`
		SELECT DISTINCT metadata->>'filename',
		       COALESCE(metadata->>'etag', ''),
		       COALESCE(metadata->>'time_modified', '')
		FROM   %s
		WHERE  metadata->>'filename' IS NOT NULL`,
		pgx.Identifier{table}.Sanitize())

	rows, err := pool.Query(ctx, q)
	if err != nil {
		return nil, mapTableError(err, table)
	}
	stamps := make(map[string]fileStamp)
	var name, etag, modified string
	_, err = pgx.ForEachRow(rows, []any{&name, &etag, &modified}, func() error {
		stamps[name] = fileStamp{etag: etag, timeModified: modified}
		return nil
	})
	if err != nil {
		return nil, mapTableError(fmt.Errorf("reading file metadata from %s: %w", table, err), table)
	}
	return stamps, nil
}

type refreshPartition struct {
	added     []objstore.ObjectSummary
	modified  []objstore.ObjectSummary
	unchanged []objstore.ObjectSummary
	oldFormat []objstore.ObjectSummary
}

// partitionObjects splits the bucket's current objects by comparing them
// to the stamps stored in the live table. Files stored without either an
// etag or a modification time predate change detection and are left
// alone rather than re-ingested as false duplicates.
func partitionObjects(objects []objstore.ObjectSummary, stored map[string]fileStamp) refreshPartition {
	var part refreshPartition
	for _, obj := range objects {
		stamp, ok := stored[obj.Name]
		switch {
		case !ok:
			part.added = append(part.added, obj)
		case stamp.etag == "" && stamp.timeModified == "":
			part.oldFormat = append(part.oldFormat, obj)
		case stamp.etag != obj.ETag || stamp.timeModified != obj.TimeModified.UTC().Format(time.RFC3339):
			part.modified = append(part.modified, obj)
		default:
			part.unchanged = append(part.unchanged, obj)
		}
	}
	return part
}
