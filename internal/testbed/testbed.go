// Package testbed generates synthetic question/answer testsets from
// documents and scores a client's chat pipeline against them with an
// LLM judge.
//
// Generation splits each uploaded file, indexes the chunks in an
// in-memory knowledge base, and asks the language model for reference
// QA pairs grounded in sampled excerpts. Evaluation replays every
// question through the chat graph with history and grading disabled,
// judges each answer against its reference, and persists the report as
// an opaque blob keyed by evaluation id.
//
// Example usage:
//
//	runner, err := testbed.NewRunner(testbed.Config{
//		Settings:  settingsRegistry,
//		Models:    modelFactory,
//		Databases: databaseRegistry,
//		Graph:     chatGraph,
//		Prompts:   promptStore,
//		Logger:    logger,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	ts, err := runner.Generate(ctx, testbed.GenerateRequest{
//		Client: "default",
//		Name:   "faq-regression",
//		Paths:  []string{"docs/faq.pdf"},
//	})
package testbed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/database"
	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/objstore"
	"github.com/fyrsmithlabs/ragd/internal/prompt"
	"github.com/fyrsmithlabs/ragd/internal/settings"
)

var (
	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoQuestions indicates generation produced no usable QA pairs.
	// Surfaced to clients as a 400 with this exact explanation.
	ErrNoQuestions = errors.New("could not generate any questions")

	// ErrBadVerdict indicates a judge response outside the required
	// {"correctness": bool[, "correctness_reason": "..."]} shape.
	ErrBadVerdict = errors.New("judge verdict is not the expected JSON shape")
)

// Prompt names resolved through the override-aware store.
const (
	promptGenerate = "optimizer-testbed-default"
	promptJudge    = "optimizer-judge-default"
)

const (
	// defaultChunkSize is the nominal testbed split size; the effective
	// chunk shrinks by the ceil(10%) overlap.
	defaultChunkSize = 512

	// defaultQuestions is the number of QA pairs generated per file.
	defaultQuestions = 2

	// excerptNeighbours widens each seed chunk with its nearest
	// neighbours before generation.
	excerptNeighbours = 3

	agentDescription = "An assistant that answers user questions from the configured knowledge base."
)

// QAItem is one question with its reference answer.
type QAItem struct {
	Question        string            `json:"question"`
	ReferenceAnswer string            `json:"reference_answer"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Testset is a stored collection of QA items. Items is populated only
// when a single testset is fetched; listings carry the count.
type Testset struct {
	TID       string    `json:"tid"`
	Name      string    `json:"name"`
	Created   time.Time `json:"created"`
	ItemCount int       `json:"item_count"`
	Items     []QAItem  `json:"items,omitempty"`
}

// Evaluation is the summary row of one stored evaluation run.
type Evaluation struct {
	EID         string    `json:"eid"`
	TID         string    `json:"tid"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	Correctness float64   `json:"correctness"`
}

// ItemResult is one judged answer inside a report.
type ItemResult struct {
	Question          string `json:"question"`
	ReferenceAnswer   string `json:"reference_answer"`
	Answer            string `json:"answer"`
	Correctness       bool   `json:"correctness"`
	CorrectnessReason string `json:"correctness_reason,omitempty"`
}

// Report is the structured view of an evaluation blob.
type Report struct {
	EID         string          `json:"eid"`
	TID         string          `json:"tid"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
	Correctness float64         `json:"correctness"`
	Settings    json.RawMessage `json:"settings"`
	Results     []ItemResult    `json:"results"`
}

// ModelSource yields the adapters generation and judging run on.
type ModelSource interface {
	LanguageModel(identity string) (llms.Model, error)
	Embedder(identity string) (embeddings.Embedder, error)
}

// Config holds the runner's dependencies.
type Config struct {
	Settings  *settings.Registry
	Models    ModelSource
	Databases *database.Registry
	Graph     *chat.Graph
	Prompts   *prompt.Store
	Logger    *logging.Logger

	// ScratchRoot is the base directory for per-client scratch space
	// (default: "scratch").
	ScratchRoot string
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Settings == nil {
		return fmt.Errorf("%w: settings registry is required", ErrInvalidConfig)
	}
	if c.Models == nil {
		return fmt.Errorf("%w: model source is required", ErrInvalidConfig)
	}
	if c.Databases == nil {
		return fmt.Errorf("%w: database registry is required", ErrInvalidConfig)
	}
	if c.Graph == nil {
		return fmt.Errorf("%w: chat graph is required", ErrInvalidConfig)
	}
	if c.Prompts == nil {
		return fmt.Errorf("%w: prompt store is required", ErrInvalidConfig)
	}
	if c.Logger == nil {
		return fmt.Errorf("%w: logger is required", ErrInvalidConfig)
	}
	return nil
}

// Runner generates testsets and runs evaluations.
type Runner struct {
	settings  *settings.Registry
	models    ModelSource
	databases *database.Registry
	graph     *chat.Graph
	prompts   *prompt.Store
	logger    *logging.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	store     *store
	scratch   string
}

// NewRunner creates an evaluation runner.
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	scratch := cfg.ScratchRoot
	if scratch == "" {
		scratch = "scratch"
	}
	return &Runner{
		settings:  cfg.Settings,
		models:    cfg.Models,
		databases: cfg.Databases,
		graph:     cfg.Graph,
		prompts:   cfg.Prompts,
		logger:    cfg.Logger,
		metrics:   NewMetrics(),
		tracer:    otel.Tracer("ragd/testbed"),
		store:     newStore(),
		scratch:   scratch,
	}, nil
}

// GenerateRequest describes one testset generation run.
type GenerateRequest struct {
	// Client selects the settings record whose models drive generation.
	Client string

	// Name labels the testset.
	Name string

	// Paths are the uploaded files to generate questions from.
	Paths []string

	// Questions is the number of QA pairs per file (default 2).
	Questions int

	// ChunkSize is the nominal split size (default 512).
	ChunkSize int

	// TestsetID appends to an existing testset when set.
	TestsetID string
}

// Generate builds QA pairs from the request's files and persists them,
// returning the stored testset with its (new or existing) id.
func (r *Runner) Generate(ctx context.Context, req GenerateRequest) (Testset, error) {
	if len(req.Paths) == 0 {
		return Testset{}, fmt.Errorf("%w: no files provided", ErrNoQuestions)
	}
	if req.Questions <= 0 {
		req.Questions = defaultQuestions
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = defaultChunkSize
	}

	ctx, span := r.tracer.Start(ctx, "testbed.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("testbed.client", req.Client),
		attribute.Int("testbed.files", len(req.Paths)),
	)

	cs, err := r.settingsFor(req.Client)
	if err != nil {
		return Testset{}, err
	}
	embedder, err := r.models.Embedder(cs.VectorSearch.Model)
	if err != nil {
		return Testset{}, fmt.Errorf("resolving embedding model: %w", err)
	}
	llm, err := r.models.LanguageModel(cs.LanguageModel.Model)
	if err != nil {
		return Testset{}, fmt.Errorf("resolving language model: %w", err)
	}
	tmpl, err := r.prompts.Resolve(promptGenerate)
	if err != nil {
		return Testset{}, fmt.Errorf("resolving generation prompt: %w", err)
	}

	scratchDir, cleanup, err := objstore.Scratch(r.scratch, req.Client, "testbed_qa")
	if err != nil {
		return Testset{}, err
	}
	defer cleanup()

	jsonl, err := os.Create(filepath.Join(scratchDir, "testset.jsonl"))
	if err != nil {
		return Testset{}, fmt.Errorf("creating scratch testset: %w", err)
	}
	defer jsonl.Close()
	lines := json.NewEncoder(jsonl)

	var items []QAItem
	for _, path := range req.Paths {
		generated, err := r.generateForFile(ctx, llm, embedder, tmpl.Text, path, req)
		if err != nil {
			if ctx.Err() != nil {
				return Testset{}, ctx.Err()
			}
			r.logger.Warn(ctx, "question generation failed for file",
				zap.String("file", filepath.Base(path)), zap.Error(err))
			continue
		}
		for _, item := range generated {
			if err := lines.Encode(item); err != nil {
				return Testset{}, fmt.Errorf("writing scratch testset: %w", err)
			}
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return Testset{}, ErrNoQuestions
	}
	r.metrics.RecordQuestions(len(items))
	span.SetAttributes(attribute.Int("testbed.questions", len(items)))

	pool, err := r.databases.Acquire(ctx, cs.Database, false)
	if err != nil {
		return Testset{}, err
	}

	created := time.Now().UTC()
	tid, err := r.store.upsertQA(ctx, pool, req.Name, created, items, req.TestsetID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Testset{}, err
	}

	r.logger.Info(ctx, "testset generated",
		zap.String("client.id", req.Client),
		zap.String("tid", tid),
		zap.Int("questions", len(items)))

	return r.store.getTestset(ctx, pool, tid)
}

// generateForFile splits one file, indexes it and asks the model for QA
// pairs grounded in sampled excerpts.
func (r *Runner) generateForFile(ctx context.Context, llm llms.Model, embedder embeddings.Embedder, tmplText, path string, req GenerateRequest) ([]QAItem, error) {
	docs, err := document.Load(ctx, path, document.TestbedParams(req.ChunkSize))
	if err != nil {
		return nil, err
	}
	kb, err := newKnowledge(ctx, embedder, docs)
	if err != nil {
		return nil, err
	}

	seeds := kb.seeds(req.Questions)
	perSeed := (req.Questions + len(seeds) - 1) / len(seeds)
	source := filepath.Base(path)

	var items []QAItem
	for _, seed := range seeds {
		if len(items) >= req.Questions {
			break
		}
		count := perSeed
		if remaining := req.Questions - len(items); count > remaining {
			count = remaining
		}

		excerpt, err := kb.excerpt(ctx, seed, excerptNeighbours)
		if err != nil {
			return nil, err
		}
		system := prompt.Render(tmplText, map[string]string{
			"count":    fmt.Sprintf("%d", count),
			"document": excerpt,
		})

		out, err := generate(ctx, llm, system, "Generate the question and answer pairs.")
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn(ctx, "generation call failed", zap.Error(err))
			continue
		}

		pairs := parseQAPairs(out)
		if len(pairs) == 0 {
			r.logger.Warn(ctx, "generation returned no parseable pairs",
				zap.String("file", source))
			continue
		}
		for _, p := range pairs {
			if len(items) >= req.Questions {
				break
			}
			p.Metadata = map[string]string{"source": source}
			items = append(items, p)
		}
	}
	return items, nil
}

// EvaluateRequest describes one evaluation run.
type EvaluateRequest struct {
	// Client selects the settings record the answers are collected
	// under.
	Client string

	// TestsetID names the stored testset to replay.
	TestsetID string

	// JudgeModel overrides the judge's model identity (default: the
	// client's language model).
	JudgeModel string
}

// Evaluate replays a testset through the chat graph, judges every
// answer and persists the report. The settings snapshot and timestamp
// are captured at the start of the run.
func (r *Runner) Evaluate(ctx context.Context, req EvaluateRequest) (Report, error) {
	start := time.Now().UTC()

	ctx, span := r.tracer.Start(ctx, "testbed.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("testbed.client", req.Client),
		attribute.String("testbed.tid", req.TestsetID),
	)

	cs, err := r.settingsFor(req.Client)
	if err != nil {
		return Report{}, err
	}
	snapshot, err := json.Marshal(cs)
	if err != nil {
		return Report{}, fmt.Errorf("encoding settings snapshot: %w", err)
	}

	pool, err := r.databases.Acquire(ctx, cs.Database, false)
	if err != nil {
		return Report{}, err
	}
	ts, err := r.store.getTestset(ctx, pool, req.TestsetID)
	if err != nil {
		return Report{}, err
	}
	if len(ts.Items) == 0 {
		return Report{}, fmt.Errorf("testset %s has no questions", ts.TID)
	}

	judgeModel := req.JudgeModel
	if judgeModel == "" {
		judgeModel = cs.LanguageModel.Model
	}
	judge, err := r.models.LanguageModel(judgeModel)
	if err != nil {
		return Report{}, fmt.Errorf("resolving judge model: %w", err)
	}
	judgePrompt, err := r.prompts.Resolve(promptJudge)
	if err != nil {
		return Report{}, fmt.Errorf("resolving judge prompt: %w", err)
	}

	// Answers are collected with history and grading pinned off so runs
	// are reproducible. The turns run on a derived thread id: a
	// history-disabled turn resets its thread, and that must not hit
	// the client's live conversation.
	evalCS := cs.Clone()
	evalCS.LanguageModel.History = false
	evalCS.VectorSearch.Grading = false
	evalClient := req.Client + "/testbed"

	results := make([]ItemResult, 0, len(ts.Items))
	var correct int
	for _, item := range ts.Items {
		envelope, err := r.graph.Execute(ctx, chat.TurnRequest{
			Client:   evalClient,
			Messages: []chat.Message{{Role: chat.RoleUser, Content: item.Question}},
			Settings: evalCS,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Report{}, fmt.Errorf("collecting answer for %q: %w", clip(item.Question, 60), err)
		}
		answer := envelope.Answer()

		verdict, reason, err := r.judgeItem(ctx, judge, judgePrompt.Text, item, answer)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Report{}, fmt.Errorf("judging %q: %w", clip(item.Question, 60), err)
		}
		r.metrics.RecordVerdict(verdict)
		if verdict {
			correct++
		}
		results = append(results, ItemResult{
			Question:          item.Question,
			ReferenceAnswer:   item.ReferenceAnswer,
			Answer:            answer,
			Correctness:       verdict,
			CorrectnessReason: reason,
		})
	}

	report := Report{
		EID:         newID(),
		TID:         ts.TID,
		EvaluatedAt: start,
		Correctness: float64(correct) / float64(len(results)),
		Settings:    snapshot,
		Results:     results,
	}
	blob, err := json.Marshal(report)
	if err != nil {
		return Report{}, fmt.Errorf("encoding report: %w", err)
	}

	ev := Evaluation{EID: report.EID, TID: report.TID, EvaluatedAt: start, Correctness: report.Correctness}
	if err := r.store.insertEvaluation(ctx, pool, ev, snapshot, blob); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Report{}, err
	}
	r.metrics.RecordEvaluation(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("testbed.questions", len(results)),
		attribute.Float64("testbed.correctness", report.Correctness),
	)

	r.logger.Info(ctx, "evaluation completed",
		zap.String("client.id", req.Client),
		zap.String("eid", report.EID),
		zap.String("tid", report.TID),
		zap.Float64("correctness", report.Correctness))

	return report, nil
}

// judgeItem makes one judge call and enforces the strict verdict shape.
// The reason is stripped whenever the verdict is correct.
func (r *Runner) judgeItem(ctx context.Context, judge llms.Model, promptText string, item QAItem, answer string) (bool, string, error) {
	ctx, span := r.tracer.Start(ctx, "testbed.judge")
	defer span.End()

	payload, err := json.Marshal(map[string]any{
		"description":      agentDescription,
		"conversation":     []map[string]string{{"role": "user", "content": item.Question}},
		"answer":           answer,
		"reference_answer": item.ReferenceAnswer,
	})
	if err != nil {
		return false, "", fmt.Errorf("encoding judge payload: %w", err)
	}

	out, err := generate(ctx, judge, promptText, string(payload))
	if err != nil {
		if ctx.Err() != nil {
			return false, "", ctx.Err()
		}
		return false, "", fmt.Errorf("judge call failed: %w", err)
	}
	return parseVerdict(out)
}

// Testsets lists the client's stored testsets.
func (r *Runner) Testsets(ctx context.Context, client string) ([]Testset, error) {
	pool, err := r.pool(ctx, client)
	if err != nil {
		return nil, err
	}
	return r.store.listTestsets(ctx, pool)
}

// Testset fetches one testset with its QA items.
func (r *Runner) Testset(ctx context.Context, client, tid string) (Testset, error) {
	pool, err := r.pool(ctx, client)
	if err != nil {
		return Testset{}, err
	}
	return r.store.getTestset(ctx, pool, tid)
}

// DeleteTestset removes a testset with its items and evaluations.
func (r *Runner) DeleteTestset(ctx context.Context, client, tid string) error {
	pool, err := r.pool(ctx, client)
	if err != nil {
		return err
	}
	return r.store.deleteTestset(ctx, pool, tid)
}

// Evaluations lists the stored evaluation summaries of a testset.
func (r *Runner) Evaluations(ctx context.Context, client, tid string) ([]Evaluation, error) {
	pool, err := r.pool(ctx, client)
	if err != nil {
		return nil, err
	}
	return r.store.listEvaluations(ctx, pool, tid)
}

// Report decodes one stored evaluation blob into its structured view.
func (r *Runner) Report(ctx context.Context, client, eid string) (Report, error) {
	pool, err := r.pool(ctx, client)
	if err != nil {
		return Report{}, err
	}
	return r.store.getReport(ctx, pool, eid)
}

func (r *Runner) pool(ctx context.Context, client string) (*pgxpool.Pool, error) {
	cs, err := r.settingsFor(client)
	if err != nil {
		return nil, err
	}
	return r.databases.Acquire(ctx, cs.Database, false)
}

func (r *Runner) settingsFor(client string) (config.ClientSettings, error) {
	cs, err := r.settings.Get(client)
	if err == nil {
		return cs, nil
	}
	if errors.Is(err, settings.ErrNotFound) {
		return r.settings.Get(settings.DefaultClientID)
	}
	return config.ClientSettings{}, err
}

// generate is one internal non-streaming model call at temperature 0.
func generate(ctx context.Context, llm llms.Model, system, human string) (string, error) {
	resp, err := llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, human),
	}, llms.WithTemperature(0))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// parseQAPairs reads the generator's JSON list, tolerating a Markdown
// fence. Unparseable output yields no pairs.
func parseQAPairs(out string) []QAItem {
	var raw []struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(stripFence(out)), &raw); err != nil {
		return nil
	}

	var items []QAItem
	for _, p := range raw {
		q := strings.TrimSpace(p.Question)
		a := strings.TrimSpace(p.Answer)
		if q == "" || a == "" {
			continue
		}
		items = append(items, QAItem{Question: q, ReferenceAnswer: a})
	}
	return items
}

// parseVerdict enforces the strict judge shape: an object with a
// boolean "correctness" and at most a "correctness_reason" string.
func parseVerdict(out string) (bool, string, error) {
	var v struct {
		Correctness       *bool  `json:"correctness"`
		CorrectnessReason string `json:"correctness_reason"`
	}

	dec := json.NewDecoder(strings.NewReader(stripFence(out)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrBadVerdict, err)
	}
	if v.Correctness == nil {
		return false, "", fmt.Errorf("%w: missing correctness", ErrBadVerdict)
	}

	reason := strings.TrimSpace(v.CorrectnessReason)
	if *v.Correctness {
		reason = ""
	}
	return *v.Correctness, reason, nil
}

// stripFence removes a Markdown code fence around model output.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
