// Package objstore abstracts the object storage that document refresh
// reads from.
//
// The engine only needs two operations per bucket: list object summaries
// (name, size, etag, modification time) and download one object into a
// local file. The filesystem store backs local buckets and tests; cloud
// drivers plug in behind the same interfaces.
package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Errors for store operations.
var (
	ErrBucketNotFound = errors.New("bucket not found")
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidName    = errors.New("invalid name")
)

// ObjectSummary describes one stored object.
type ObjectSummary struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	TimeModified time.Time `json:"time_modified"`
	MD5          string    `json:"md5"`
}

// Bucket reads one named bucket.
type Bucket interface {
	// List returns summaries for every object in the bucket.
	List(ctx context.Context) ([]ObjectSummary, error)
	// Download copies one object into the local file dest.
	Download(ctx context.Context, name, dest string) error
}

// Store resolves bucket names.
type Store interface {
	ListBuckets(ctx context.Context) ([]string, error)
	Bucket(name string) (Bucket, error)
}

// FSStore serves buckets out of subdirectories of a root directory.
// Object ETags are the hex MD5 of the content.
type FSStore struct {
	root string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates the root directory if needed and returns a store
// over it.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty store root", ErrInvalidName)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// ListBuckets returns the bucket directory names, sorted.
func (s *FSStore) ListBuckets(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Bucket resolves one bucket directory.
func (s *FSStore) Bucket(name string) (Bucket, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %q", ErrBucketNotFound, name)
	}
	return &fsBucket{dir: dir}, nil
}

type fsBucket struct {
	dir string
}

func (b *fsBucket) List(ctx context.Context) ([]ObjectSummary, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}

	var out []ObjectSummary
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		sum, err := fileMD5(filepath.Join(b.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, ObjectSummary{
			Name:         e.Name(),
			Size:         info.Size(),
			ETag:         sum,
			TimeModified: info.ModTime().UTC(),
			MD5:          sum,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *fsBucket) Download(ctx context.Context, name, dest string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(filepath.Join(b.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %q", ErrObjectNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("opening object %s: %w", name, err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	return out.Close()
}

// Scratch creates a fresh working directory <base>/<client>/<purpose> and
// returns it with its cleanup. Any leftover from a previous run is
// removed first; callers defer cleanup so the directory never outlives
// the operation.
func Scratch(base, client, purpose string) (string, func(), error) {
	if err := validateName(client); err != nil {
		return "", nil, err
	}
	if err := validateName(purpose); err != nil {
		return "", nil, err
	}

	dir := filepath.Join(base, client, purpose)
	if err := os.RemoveAll(dir); err != nil {
		return "", nil, fmt.Errorf("clearing scratch dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// validateName rejects names that could escape the store root.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
