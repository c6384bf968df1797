// Package document turns source files into enriched text chunks.
//
// A loader is picked by file extension: PDFs load page by page, HTML is
// sectioned on its header tags, markdown/text/CSV go through the plain
// text loaders, and images become a single base64 chunk that is never
// split. Splittable content is chunked with the recursive character
// splitter, then every chunk gets a deterministic id
// "<basename>_<ordinal>" plus filename and source metadata so ingest and
// refresh can track chunks back to their file.
package document

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"
)

// ErrUnsupported marks file extensions no loader handles.
var ErrUnsupported = errors.New("unsupported file extension")

// imageTypes maps image extensions to their MIME type. Images are stored
// as a single unsplit chunk.
var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
}

// SupportedExtensions lists every extension the ingest pipeline accepts.
func SupportedExtensions() []string {
	return []string{".pdf", ".html", ".htm", ".md", ".txt", ".csv", ".png", ".jpg", ".jpeg", ".gif"}
}

// IsSupported reports whether the file's extension has a loader.
func IsSupported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".pdf", ".html", ".htm", ".md", ".txt", ".csv":
		return true
	}
	_, ok := imageTypes[ext]
	return ok
}

// SplitParams parameterise the character splitter.
type SplitParams struct {
	ChunkSize    int
	ChunkOverlap int
}

// TestbedParams derives the QA-generation splitter parameters from a
// nominal size: overlap is ceil(10%) of the size and the chunk shrinks by
// the same amount.
func TestbedParams(size int) SplitParams {
	overlap := int(math.Ceil(float64(size) * 0.10))
	return SplitParams{ChunkSize: size - overlap, ChunkOverlap: overlap}
}

// ObjectMeta carries upstream object-store attributes recorded on every
// chunk of a downloaded file.
type ObjectMeta struct {
	Size         int64
	TimeModified time.Time
	ETag         string
	Bucket       string
}

// Load reads one file, splits it according to its type, and returns the
// enriched chunks.
func Load(ctx context.Context, path string, p SplitParams) ([]schema.Document, error) {
	ext := strings.ToLower(filepath.Ext(path))

	var (
		docs []schema.Document
		err  error
	)
	switch {
	case ext == ".pdf":
		docs, err = loadPDF(ctx, path, p)
	case ext == ".html" || ext == ".htm":
		docs, err = loadHTML(path, p)
	case ext == ".md" || ext == ".txt":
		docs, err = loadText(ctx, path, p)
	case ext == ".csv":
		docs, err = loadCSV(ctx, path, p)
	default:
		if mime, ok := imageTypes[ext]; ok {
			docs, err = loadImage(path, mime)
			break
		}
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	if err != nil {
		return nil, err
	}

	return enrich(docs, path), nil
}

// ApplyObjectMeta stamps object-store attributes onto already-loaded
// chunks. Zero-valued fields are left off.
func ApplyObjectMeta(docs []schema.Document, meta ObjectMeta) {
	for _, d := range docs {
		if meta.Size > 0 {
			d.Metadata["size"] = meta.Size
		}
		if !meta.TimeModified.IsZero() {
			d.Metadata["time_modified"] = meta.TimeModified.UTC().Format(time.RFC3339)
		}
		if meta.ETag != "" {
			d.Metadata["etag"] = meta.ETag
		}
		if meta.Bucket != "" {
			d.Metadata["bucket_name"] = meta.Bucket
		}
	}
}

func splitter(p SplitParams) textsplitter.RecursiveCharacter {
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(p.ChunkSize),
		textsplitter.WithChunkOverlap(p.ChunkOverlap),
	)
}

func loadPDF(ctx context.Context, path string, p SplitParams) ([]schema.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	docs, err := documentloaders.NewPDF(f, info.Size()).LoadAndSplit(ctx, splitter(p))
	if err != nil {
		return nil, fmt.Errorf("loading pdf %s: %w", path, err)
	}
	return docs, nil
}

func loadText(ctx context.Context, path string, p SplitParams) ([]schema.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	docs, err := documentloaders.NewText(f).LoadAndSplit(ctx, splitter(p))
	if err != nil {
		return nil, fmt.Errorf("loading text %s: %w", path, err)
	}
	return docs, nil
}

func loadCSV(ctx context.Context, path string, p SplitParams) ([]schema.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	docs, err := documentloaders.NewCSV(f).LoadAndSplit(ctx, splitter(p))
	if err != nil {
		return nil, fmt.Errorf("loading csv %s: %w", path, err)
	}
	return docs, nil
}

func loadHTML(path string, p SplitParams) ([]schema.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sections, err := splitHTMLSections(f)
	if err != nil {
		return nil, fmt.Errorf("parsing html %s: %w", path, err)
	}

	split := splitter(p)
	var docs []schema.Document
	for _, sec := range sections {
		parts, err := split.SplitText(sec.text)
		if err != nil {
			return nil, fmt.Errorf("splitting html section: %w", err)
		}
		for _, part := range parts {
			md := map[string]any{}
			if sec.title != "" {
				md["heading"] = sec.title
			}
			docs = append(docs, schema.Document{PageContent: part, Metadata: md})
		}
	}
	return docs, nil
}

func loadImage(path, mime string) ([]schema.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	content := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(raw))
	return []schema.Document{{PageContent: content, Metadata: map[string]any{}}}, nil
}

// enrich assigns ids and file provenance. Metadata maps are rebuilt so
// chunks never share state.
func enrich(docs []schema.Document, path string) []schema.Document {
	base := filepath.Base(path)
	out := make([]schema.Document, 0, len(docs))
	for i, d := range docs {
		md := make(map[string]any, len(d.Metadata)+3)
		for k, v := range d.Metadata {
			md[k] = v
		}
		md["id"] = fmt.Sprintf("%s_%d", base, i)
		md["filename"] = base
		md["source"] = path
		out = append(out, schema.Document{PageContent: d.PageContent, Metadata: md, Score: d.Score})
	}
	return out
}
