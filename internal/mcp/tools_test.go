package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/database"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

func TestListStoresNeedsConfiguredDatabase(t *testing.T) {
	ts := newTestMCP(t, nil)
	_, err := ts.srv.listStores(context.Background(), storeListInput{})
	assert.ErrorIs(t, err, database.ErrIncomplete)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	ts := newTestMCP(t, nil)
	_, err := ts.srv.searchStore(context.Background(), vectorSearchInput{Query: "   "})
	assert.ErrorContains(t, err, "query is required")
}

func TestSearchRejectsUnknownSearchType(t *testing.T) {
	ts := newTestMCP(t, nil)
	_, err := ts.srv.searchStore(context.Background(), vectorSearchInput{
		Query:      "retry budget",
		SearchType: "fuzzy",
	})
	assert.ErrorContains(t, err, "unknown search type")
}

func TestSearchNeedsConfiguredDatabase(t *testing.T) {
	ts := newTestMCP(t, nil)
	_, err := ts.srv.searchStore(context.Background(), vectorSearchInput{Query: "retry budget"})
	assert.ErrorIs(t, err, database.ErrIncomplete)
}

func TestResolveStoreDerivesFromSettings(t *testing.T) {
	ts := newTestMCP(t, nil)
	cs := ts.srv.clientSettings("")

	st, err := ts.srv.resolveStore(context.Background(), cs, "")
	require.NoError(t, err)
	assert.Equal(t, vectorstore.FromSettings(cs.VectorSearch).Table, st.Table)

	// A named table needs discovery, which needs the database.
	_, err = ts.srv.resolveStore(context.Background(), cs, "SOME_TABLE")
	assert.ErrorIs(t, err, database.ErrIncomplete)
}

func TestRephraseRejectsEmptyQuestion(t *testing.T) {
	ts := newTestMCP(t, nil)
	_, err := ts.srv.rephrase(context.Background(), rephraseInput{})
	assert.ErrorContains(t, err, "question is required")
}

func TestRephraseRewritesWithHistory(t *testing.T) {
	ts := newTestMCP(t, nil)
	ts.llm.replies = []string{`"What is the retry budget for uploads?"`}

	out, err := ts.srv.rephrase(context.Background(), rephraseInput{
		Question: "and for uploads?",
		History: []historyItem{
			{Role: "user", Content: "What is the retry budget?"},
			{Role: "assistant", Content: "Three attempts with backoff."},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "What is the retry budget for uploads?", out.Question)
}

func TestRephraseEmptyAnswerFallsBackToQuestion(t *testing.T) {
	ts := newTestMCP(t, nil)
	ts.llm.replies = []string{""}

	out, err := ts.srv.rephrase(context.Background(), rephraseInput{Question: "plain question"})
	require.NoError(t, err)
	assert.Equal(t, "plain question", out.Question)
}

func TestStorageListBucketsAndObjects(t *testing.T) {
	ts := newTestMCP(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(ts.bucketRoot, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ts.bucketRoot, "docs", "a.txt"), []byte("hello"), 0o644))

	out, err := ts.srv.listStorage(context.Background(), storageListInput{})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, out.Buckets)
	assert.Equal(t, 1, out.Count)

	out, err = ts.srv.listStorage(context.Background(), storageListInput{Bucket: "docs"})
	require.NoError(t, err)
	require.Len(t, out.Objects, 1)
	assert.Equal(t, "a.txt", out.Objects[0].Name)
	assert.Equal(t, int64(5), out.Objects[0].Size)
	assert.Equal(t, 1, out.Count)

	_, err = ts.srv.listStorage(context.Background(), storageListInput{Bucket: "ghost"})
	assert.ErrorIs(t, err, objstore.ErrBucketNotFound)
}

func TestStorageListWithoutStore(t *testing.T) {
	ts := newTestMCP(t, func(c *Config) { c.Objects = nil })
	_, err := ts.srv.listStorage(context.Background(), storageListInput{})
	assert.ErrorIs(t, err, vectorstore.ErrNoObjectStore)
}
