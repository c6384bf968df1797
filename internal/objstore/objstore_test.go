package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()
	root := t.TempDir()
	store, err := NewFSStore(root)
	require.NoError(t, err)
	return store, root
}

func seedObject(t *testing.T, root, bucket, name, content string) {
	t.Helper()
	dir := filepath.Join(root, bucket)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestListBuckets(t *testing.T) {
	store, root := newTestStore(t)
	seedObject(t, root, "papers", "a.txt", "x")
	seedObject(t, root, "archive", "b.txt", "y")

	names, err := store.ListBuckets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"archive", "papers"}, names)
}

func TestBucketNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Bucket("ghost")
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestBucketNameValidation(t *testing.T) {
	store, _ := newTestStore(t)

	for _, bad := range []string{"", "..", "a/b", `a\b`} {
		_, err := store.Bucket(bad)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", bad)
	}
}

func TestListObjectsWithETags(t *testing.T) {
	store, root := newTestStore(t)
	seedObject(t, root, "papers", "rac.txt", "real application clusters")
	seedObject(t, root, "papers", "adb.txt", "autonomous database")

	b, err := store.Bucket("papers")
	require.NoError(t, err)

	objs, err := b.List(context.Background())
	require.NoError(t, err)
	require.Len(t, objs, 2)

	assert.Equal(t, "adb.txt", objs[0].Name)
	assert.Equal(t, "rac.txt", objs[1].Name)

	want := md5.Sum([]byte("real application clusters"))
	assert.Equal(t, hex.EncodeToString(want[:]), objs[1].ETag)
	assert.Equal(t, objs[1].ETag, objs[1].MD5)
	assert.Equal(t, int64(len("real application clusters")), objs[1].Size)
	assert.False(t, objs[1].TimeModified.IsZero())
}

func TestDownload(t *testing.T) {
	store, root := newTestStore(t)
	seedObject(t, root, "papers", "rac.txt", "payload")

	b, err := store.Bucket("papers")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "rac.txt")
	require.NoError(t, b.Download(context.Background(), "rac.txt", dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	err = b.Download(context.Background(), "missing.txt", dest)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestScratchLifecycle(t *testing.T) {
	base := t.TempDir()

	dir, cleanup, err := Scratch(base, "alice", "refresh")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "alice", "refresh"), dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmp.txt"), []byte("x"), 0o644))

	// A second Scratch for the same keys starts empty.
	dir2, cleanup2, err := Scratch(base, "alice", "refresh")
	require.NoError(t, err)
	assert.Equal(t, dir, dir2)
	entries, err := os.ReadDir(dir2)
	require.NoError(t, err)
	assert.Empty(t, entries)

	cleanup2()
	_, err = os.Stat(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)
	cleanup()
}

func TestScratchRejectsTraversal(t *testing.T) {
	base := t.TempDir()

	_, _, err := Scratch(base, "../evil", "refresh")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, _, err = Scratch(base, "alice", "a/b")
	assert.ErrorIs(t, err, ErrInvalidName)
}
