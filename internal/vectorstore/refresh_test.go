package vectorstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/database"
	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
)

func summaryNames(objs []objstore.ObjectSummary) []string {
	names := make([]string, len(objs))
	for i, obj := range objs {
		names[i] = obj.Name
	}
	return names
}

func TestPartitionObjects(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	objects := []objstore.ObjectSummary{
		{Name: "brand-new.txt", ETag: "e1", TimeModified: now},
		{Name: "changed-etag.txt", ETag: "e2", TimeModified: now},
		{Name: "changed-mtime.txt", ETag: "e3", TimeModified: now.Add(time.Hour)},
		{Name: "same.txt", ETag: "e4", TimeModified: now},
		{Name: "legacy.txt", ETag: "e5", TimeModified: now},
	}
	stamp := now.Format(time.RFC3339)
	stored := map[string]fileStamp{
		"changed-etag.txt":  {etag: "old", timeModified: stamp},
		"changed-mtime.txt": {etag: "e3", timeModified: stamp},
		"same.txt":          {etag: "e4", timeModified: stamp},
		"legacy.txt":        {},
	}

	part := partitionObjects(objects, stored)

	assert.Equal(t, []string{"brand-new.txt"}, summaryNames(part.added))
	assert.Equal(t, []string{"changed-etag.txt", "changed-mtime.txt"}, summaryNames(part.modified))
	assert.Equal(t, []string{"same.txt"}, summaryNames(part.unchanged))
	assert.Equal(t, []string{"legacy.txt"}, summaryNames(part.oldFormat),
		"files without stored change stamps are left alone")
}

func TestPartitionObjectsAllNew(t *testing.T) {
	objects := []objstore.ObjectSummary{
		{Name: "a.txt", ETag: "e1"},
		{Name: "b.txt", ETag: "e2"},
	}

	part := partitionObjects(objects, map[string]fileStamp{})

	assert.Len(t, part.added, 2)
	assert.Empty(t, part.modified)
	assert.Empty(t, part.unchanged)
}

func TestRefreshWithoutObjectStore(t *testing.T) {
	engine := newTestEngine(t, "", nil)

	_, err := engine.Refresh(context.Background(), RefreshRequest{
		Database: database.DefaultHandleName,
		Client:   "tester",
		Bucket:   "kb",
		Store:    uniqueStore("noobj"),
	})
	assert.ErrorIs(t, err, ErrNoObjectStore)
}

func TestRefreshLifecycle(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	root := t.TempDir()
	bucketDir := filepath.Join(root, "kb")
	require.NoError(t, os.MkdirAll(bucketDir, 0o755))
	objects, err := objstore.NewFSStore(root)
	require.NoError(t, err)

	engine := newTestEngine(t, dsn, objects)
	writeTestFile(t, bucketDir, "apples.txt", "red apples grow on trees")

	store := uniqueStore("refresh")
	t.Cleanup(func() {
		_ = engine.Drop(context.Background(), database.DefaultHandleName, store.Table)
	})

	// Seed the store the way a first upload does, stamping each chunk
	// with the bucket's change detection metadata.
	bucket, err := objects.Bucket("kb")
	require.NoError(t, err)
	listed, err := bucket.List(ctx)
	require.NoError(t, err)

	seedDir := t.TempDir()
	paths := make([]string, 0, len(listed))
	meta := make(map[string]document.ObjectMeta, len(listed))
	for _, obj := range listed {
		dest := filepath.Join(seedDir, obj.Name)
		require.NoError(t, bucket.Download(ctx, obj.Name, dest))
		paths = append(paths, dest)
		meta[obj.Name] = document.ObjectMeta{
			Size:         obj.Size,
			TimeModified: obj.TimeModified,
			ETag:         obj.ETag,
			Bucket:       "kb",
		}
	}
	_, err = engine.Ingest(ctx, IngestRequest{
		Database: database.DefaultHandleName,
		Store:    store,
		Paths:    paths,
		Meta:     meta,
	})
	require.NoError(t, err)

	req := RefreshRequest{
		Database: database.DefaultHandleName,
		Client:   "tester",
		Bucket:   "kb",
		Store:    store,
	}

	res, err := engine.Refresh(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{Processed: 1}, res, "nothing changed yet")

	writeTestFile(t, bucketDir, "whales.txt", "blue whales swim in oceans")

	res, err = engine.Refresh(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.NewFiles)
	assert.Equal(t, 0, res.UpdatedFiles)
	assert.Equal(t, 1, res.TotalChunks)

	files, err := engine.Files(ctx, database.DefaultHandleName, store.Table)
	require.NoError(t, err)
	require.Len(t, files, 2)

	writeTestFile(t, bucketDir, "apples.txt", "red apples ripen in autumn")

	res, err = engine.Refresh(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 0, res.NewFiles)
	assert.Equal(t, 1, res.UpdatedFiles)
}
