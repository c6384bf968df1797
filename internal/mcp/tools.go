package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

type storeListInput struct {
	Database    string `json:"database,omitempty" jsonschema:"Database handle to discover stores in (default: the client's database)"`
	EnabledOnly bool   `json:"enabled_only,omitempty" jsonschema:"Drop stores whose embedding model is disabled or gone (default: false)"`
	Client      string `json:"client,omitempty" jsonschema:"Client id whose settings supply defaults (default: default)"`
}

type storeListOutput struct {
	Database string              `json:"database" jsonschema:"Database handle that was searched"`
	Stores   []vectorstore.Store `json:"stores" jsonschema:"Discovered store descriptors"`
	Count    int                 `json:"count" jsonschema:"Number of stores returned"`
}

type vectorSearchInput struct {
	Query          string  `json:"query" jsonschema:"required,Text to embed and search for"`
	Table          string  `json:"table,omitempty" jsonschema:"Store table to search (default: the table the client's settings derive)"`
	SearchType     string  `json:"search_type,omitempty" jsonschema:"similarity, similarity_score_threshold or mmr (default: the client's search type)"`
	TopK           int     `json:"top_k,omitempty" jsonschema:"Number of chunks to return (default: the client's top_k)"`
	ScoreThreshold float64 `json:"score_threshold,omitempty" jsonschema:"Minimum similarity for threshold searches, in [0, 1]"`
	FetchK         int     `json:"fetch_k,omitempty" jsonschema:"MMR candidate pool size"`
	Lambda         float64 `json:"lambda,omitempty" jsonschema:"MMR relevance/diversity trade-off in [0, 1]"`
	Client         string  `json:"client,omitempty" jsonschema:"Client id whose settings supply defaults (default: default)"`
}

type searchHit struct {
	Content    string  `json:"content" jsonschema:"Chunk text"`
	Similarity float64 `json:"similarity" jsonschema:"Similarity score in [0, 1], higher is closer"`
	Table      string  `json:"table" jsonschema:"Store table the chunk came from"`
}

type vectorSearchOutput struct {
	Results []searchHit `json:"results" jsonschema:"Matching chunks ordered most similar first"`
	Count   int         `json:"count" jsonschema:"Number of chunks returned"`
}

type rephraseInput struct {
	Question string        `json:"question" jsonschema:"required,Question to rewrite as a standalone retrieval query"`
	History  []historyItem `json:"history,omitempty" jsonschema:"Prior conversation turns, oldest first"`
	Client   string        `json:"client,omitempty" jsonschema:"Client id whose model and context prompt drive the rewrite (default: default)"`
}

type historyItem struct {
	Role    string `json:"role" jsonschema:"user or assistant"`
	Content string `json:"content" jsonschema:"Message text"`
}

type rephraseOutput struct {
	Question string `json:"question" jsonschema:"Standalone form of the input question"`
}

type storageListInput struct {
	Bucket string `json:"bucket,omitempty" jsonschema:"Bucket to list objects in; empty lists bucket names"`
}

type storageObject struct {
	Name string `json:"name" jsonschema:"Object name"`
	Size int64  `json:"size" jsonschema:"Size in bytes"`
}

type storageListOutput struct {
	Buckets []string        `json:"buckets,omitempty" jsonschema:"Bucket names (when no bucket was given)"`
	Objects []storageObject `json:"objects,omitempty" jsonschema:"Objects in the requested bucket"`
	Count   int             `json:"count" jsonschema:"Number of entries returned"`
}

// registerTools publishes the tool set. The closures delegate to the
// handler methods below and collect metrics on the way out.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "vectorstore_list",
		Description: "Discover the vector stores on a database: every table with a vector column and a parseable metadata comment. Use this before vector_search to find which tables exist and which embedding model each one was built with.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args storeListInput) (*mcp.CallToolResult, storeListOutput, error) {
		started := time.Now()
		out, err := s.listStores(ctx, args)
		s.instrument(ctx, "vectorstore_list", err, started)
		if err != nil {
			return nil, storeListOutput{}, err
		}
		return textResult("%d vector stores on %s", out.Count, out.Database), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "vector_search",
		Description: "Embed a query and retrieve the most similar document chunks from a vector store. Supports plain similarity, similarity with a score threshold, and maximal marginal relevance (mmr) for diverse results.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args vectorSearchInput) (*mcp.CallToolResult, vectorSearchOutput, error) {
		started := time.Now()
		out, err := s.searchStore(ctx, args)
		s.instrument(ctx, "vector_search", err, started)
		if err != nil {
			return nil, vectorSearchOutput{}, err
		}
		return textResult("%d chunks", out.Count), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rephrase",
		Description: "Rewrite a conversational question into a standalone retrieval query using the client's context prompt and the supplied history. Use this before vector_search when the question leans on earlier turns.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args rephraseInput) (*mcp.CallToolResult, rephraseOutput, error) {
		started := time.Now()
		out, err := s.rephrase(ctx, args)
		s.instrument(ctx, "rephrase", err, started)
		if err != nil {
			return nil, rephraseOutput{}, err
		}
		return textResult("%s", out.Question), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "storage_list",
		Description: "List object storage buckets, or the objects inside one bucket when a bucket name is given.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args storageListInput) (*mcp.CallToolResult, storageListOutput, error) {
		started := time.Now()
		out, err := s.listStorage(ctx, args)
		s.instrument(ctx, "storage_list", err, started)
		if err != nil {
			return nil, storageListOutput{}, err
		}
		if args.Bucket == "" {
			return textResult("%d buckets", out.Count), out, nil
		}
		return textResult("%d objects in %s", out.Count, args.Bucket), out, nil
	})
}

// instrument records metrics and logs the failure, if any, of one tool
// invocation.
func (s *Server) instrument(ctx context.Context, tool string, err error, started time.Time) {
	s.metrics.RecordToolCall(tool, time.Since(started).Seconds(), err)
	if err != nil {
		s.logger.Warn(ctx, "mcp tool failed", zap.String("tool", tool), zap.Error(err))
	}
}

// textResult renders the human-readable half of a tool result.
func textResult(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, a...)}},
	}
}

func (s *Server) listStores(ctx context.Context, args storeListInput) (storeListOutput, error) {
	cs := s.clientSettings(args.Client)
	db := args.Database
	if db == "" {
		db = cs.Database
	}
	stores, err := s.engine.List(ctx, db, args.EnabledOnly)
	if err != nil {
		return storeListOutput{}, err
	}
	return storeListOutput{Database: db, Stores: stores, Count: len(stores)}, nil
}

func (s *Server) searchStore(ctx context.Context, args vectorSearchInput) (vectorSearchOutput, error) {
	if strings.TrimSpace(args.Query) == "" {
		return vectorSearchOutput{}, fmt.Errorf("query is required")
	}
	cs := s.clientSettings(args.Client)
	vs := cs.VectorSearch

	searchType := vs.SearchType
	if args.SearchType != "" {
		searchType = config.SearchType(args.SearchType)
		if !searchType.Valid() {
			return vectorSearchOutput{}, fmt.Errorf("unknown search type %q", args.SearchType)
		}
	}

	store, err := s.resolveStore(ctx, cs, args.Table)
	if err != nil {
		return vectorSearchOutput{}, err
	}

	req := vectorstore.SearchRequest{
		Database:       cs.Database,
		Query:          args.Query,
		SearchType:     searchType,
		TopK:           vs.TopK,
		ScoreThreshold: vs.ScoreThreshold,
		FetchK:         vs.MMRFetchK,
		Lambda:         vs.MMRLambda,
	}
	if args.TopK > 0 {
		req.TopK = args.TopK
	}
	if args.ScoreThreshold > 0 {
		req.ScoreThreshold = args.ScoreThreshold
	}
	if args.FetchK > 0 {
		req.FetchK = args.FetchK
	}
	if args.Lambda > 0 {
		req.Lambda = args.Lambda
	}

	docs, err := s.engine.Search(ctx, store, req)
	if err != nil {
		return vectorSearchOutput{}, err
	}

	out := vectorSearchOutput{Results: make([]searchHit, 0, len(docs))}
	for _, d := range docs {
		hit := searchHit{Content: d.PageContent, Similarity: float64(d.Score)}
		if table, ok := d.Metadata["searched_table"].(string); ok {
			hit.Table = table
		}
		out.Results = append(out.Results, hit)
	}
	out.Count = len(out.Results)
	return out, nil
}

// resolveStore picks the store a search targets: the discovered store
// whose table matches, or the store the client's settings derive when
// no table was named.
func (s *Server) resolveStore(ctx context.Context, cs config.ClientSettings, table string) (vectorstore.Store, error) {
	if table == "" {
		return vectorstore.FromSettings(cs.VectorSearch), nil
	}
	stores, err := s.engine.List(ctx, cs.Database, false)
	if err != nil {
		return vectorstore.Store{}, err
	}
	for _, st := range stores {
		if strings.EqualFold(st.Table, table) {
			return st, nil
		}
	}
	return vectorstore.Store{}, fmt.Errorf("%w: table %q", vectorstore.ErrNotFound, table)
}

func (s *Server) rephrase(ctx context.Context, args rephraseInput) (rephraseOutput, error) {
	if strings.TrimSpace(args.Question) == "" {
		return rephraseOutput{}, fmt.Errorf("question is required")
	}
	cs := s.clientSettings(args.Client)

	history := make([]chat.Message, 0, len(args.History))
	for _, h := range args.History {
		role := h.Role
		if role != chat.RoleAssistant {
			role = chat.RoleUser
		}
		history = append(history, chat.Message{Role: role, Content: h.Content})
	}

	question, err := s.graph.Rephrase(ctx, cs, args.Question, history)
	if err != nil {
		return rephraseOutput{}, err
	}
	if question == "" {
		question = args.Question
	}
	return rephraseOutput{Question: question}, nil
}

func (s *Server) listStorage(ctx context.Context, args storageListInput) (storageListOutput, error) {
	if s.objects == nil {
		return storageListOutput{}, vectorstore.ErrNoObjectStore
	}
	if args.Bucket == "" {
		buckets, err := s.objects.ListBuckets(ctx)
		if err != nil {
			return storageListOutput{}, err
		}
		return storageListOutput{Buckets: buckets, Count: len(buckets)}, nil
	}

	bucket, err := s.objects.Bucket(args.Bucket)
	if err != nil {
		return storageListOutput{}, err
	}
	objects, err := bucket.List(ctx)
	if err != nil {
		return storageListOutput{}, err
	}
	out := storageListOutput{Objects: make([]storageObject, 0, len(objects))}
	for _, o := range objects {
		out.Objects = append(out.Objects, storageObject{Name: o.Name, Size: o.Size})
	}
	out.Count = len(out.Objects)
	return out, nil
}
