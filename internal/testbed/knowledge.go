package testbed

import (
	"context"
	"fmt"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
)

// knowledge is the per-file retrieval index QA generation samples from.
// Chunks live in an in-memory chromem collection embedded with the
// client's embedding model; seed chunks are widened with their nearest
// neighbours to give the generator enough surrounding context.
type knowledge struct {
	collection *chromem.Collection
	chunks     []schema.Document
}

func newKnowledge(ctx context.Context, embedder embeddings.Embedder, docs []schema.Document) (*knowledge, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("no chunks to index")
	}

	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection("testbed", nil, chromem.EmbeddingFunc(embedder.EmbedQuery))
	if err != nil {
		return nil, fmt.Errorf("creating knowledge collection: %w", err)
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.PageContent
	}
	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(docs) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(docs))
	}

	records := make([]chromem.Document, len(docs))
	for i, d := range docs {
		records[i] = chromem.Document{
			ID:        fmt.Sprintf("chunk_%d", i),
			Content:   d.PageContent,
			Embedding: vectors[i],
		}
	}
	if err := collection.AddDocuments(ctx, records, 1); err != nil {
		return nil, fmt.Errorf("indexing chunks: %w", err)
	}

	return &knowledge{collection: collection, chunks: docs}, nil
}

// seeds picks up to n chunks spread evenly across the file so the
// generated questions cover the whole document rather than its head.
func (k *knowledge) seeds(n int) []string {
	if n <= 0 {
		return nil
	}
	if n >= len(k.chunks) {
		out := make([]string, len(k.chunks))
		for i, c := range k.chunks {
			out[i] = c.PageContent
		}
		return out
	}

	out := make([]string, 0, n)
	stride := float64(len(k.chunks)) / float64(n)
	for i := 0; i < n; i++ {
		out = append(out, k.chunks[int(float64(i)*stride)].PageContent)
	}
	return out
}

// excerpt widens a seed chunk with its nearest neighbours, preserving
// similarity order and dropping duplicates of the seed itself.
func (k *knowledge) excerpt(ctx context.Context, seed string, neighbours int) (string, error) {
	n := neighbours
	if total := k.collection.Count(); n > total {
		n = total
	}
	if n <= 0 {
		return seed, nil
	}

	results, err := k.collection.Query(ctx, seed, n, nil, nil)
	if err != nil {
		return "", fmt.Errorf("querying knowledge collection: %w", err)
	}

	parts := []string{seed}
	for _, r := range results {
		if r.Content == seed {
			continue
		}
		parts = append(parts, r.Content)
	}
	return strings.Join(parts, "\n\n"), nil
}
