// Package chat runs the retrieval-augmented conversation graph.
//
// A turn moves through a fixed node order: initialise, contextualise,
// decide_tools, retrieve, grade, complete and finalise, with the
// complete node looping through tool execution when the model requests
// calls. Per-client state is serialised by a keyed mutex, so two turns
// for the same client never interleave. Completion tokens stream through
// a Sink as raw bytes; internal model calls (rephrase, grading,
// discovery, selectai) never reach the sink, and every finished stream
// ends with the terminal sentinel.
//
// Example usage:
//
//	graph, err := chat.NewGraph(chat.Config{
//	    Settings:  clients,
//	    Models:    factory,
//	    Retriever: engine,
//	    Databases: databases,
//	    Prompts:   prompts,
//	    Logger:    logger,
//	})
//	if err != nil {
//	    // Handle error
//	}
//
//	envelope, err := graph.Execute(ctx, chat.TurnRequest{
//	    Client:   "default",
//	    Messages: []chat.Message{{Role: chat.RoleUser, Content: "What is pgvector?"}},
//	})
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/database"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/prompt"
	"github.com/fyrsmithlabs/ragd/internal/settings"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// Errors returned by the graph.
var (
	// ErrInvalidConfig indicates the graph configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoMessages indicates a turn request without a user message.
	ErrNoMessages = errors.New("request contains no user message")
)

// Prompt names the graph resolves in addition to the client's own refs.
const (
	promptGrading   = "optimizer-grading-default"
	promptDiscovery = "optimizer-discovery-default"
	promptSelectAI  = "optimizer-selectai-default"
)

// Canned assistant replies for failures that still finish the turn.
const (
	replyModelInit = "I'm sorry, I was unable to initialise the Language Model. " +
		"Please refresh the application and try again."
	replyNoFunctionCalling = "This model does not appear to support function calling. " +
		"Disable tools for this client or switch to a model that does."
)

const (
	// defaultIssueURL is appended to upstream-failure apologies.
	defaultIssueURL = "https://github.com/fyrsmithlabs/ragd/issues"

	// defaultMaxDiscoveryTables caps how many tables discovery may pick.
	defaultMaxDiscoveryTables = 3

	// maxToolRounds caps complete/tool_branch iterations per turn.
	maxToolRounds = 5

	// rephraseWindow is how many prior messages feed the rephrase call.
	rephraseWindow = 6
)

// ModelSource resolves language model identities to chat adapters.
// *model.Factory implements it.
type ModelSource interface {
	LanguageModel(identity string) (llms.Model, error)
}

// Retriever lists vector stores and searches them. *vectorstore.Engine
// implements it.
type Retriever interface {
	List(ctx context.Context, databaseName string, enabledOnly bool) ([]vectorstore.Store, error)
	SearchMany(ctx context.Context, stores []vectorstore.Store, req vectorstore.SearchRequest) ([]schema.Document, error)
}

// Config holds configuration for the chat graph.
type Config struct {
	// Settings resolves the per-client record driving every turn.
	Settings *settings.Registry

	// Models builds chat adapters for the client's language model.
	Models ModelSource

	// Retriever serves the retrieve node and the vector_search tool.
	// Optional: retrieval is skipped when nil.
	Retriever Retriever

	// Databases runs selectai queries. Optional: the selectai tool
	// reports itself unavailable when nil.
	Databases *database.Registry

	// Prompts resolves system, context, grading, discovery and selectai
	// templates with overrides applied.
	Prompts *prompt.Store

	// Logger receives graph logs.
	Logger *logging.Logger

	// IssueURL is linked from upstream-failure apologies
	// (default: the project issue tracker).
	IssueURL string

	// MaxDiscoveryTables caps how many tables discovery may pick
	// (default: 3).
	MaxDiscoveryTables int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Settings == nil {
		return fmt.Errorf("%w: settings registry required", ErrInvalidConfig)
	}
	if c.Models == nil {
		return fmt.Errorf("%w: model source required", ErrInvalidConfig)
	}
	if c.Prompts == nil {
		return fmt.Errorf("%w: prompt store required", ErrInvalidConfig)
	}
	if c.Logger == nil {
		return fmt.Errorf("%w: logger required", ErrInvalidConfig)
	}
	return nil
}

// Graph orchestrates chat turns.
type Graph struct {
	settings  *settings.Registry
	models    ModelSource
	retriever Retriever
	databases *database.Registry
	prompts   *prompt.Store
	history   *History
	logger    *logging.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	issueURL  string
	maxTables int
}

// NewGraph creates a chat graph with the given configuration.
func NewGraph(cfg Config) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	issueURL := cfg.IssueURL
	if issueURL == "" {
		issueURL = defaultIssueURL
	}
	maxTables := cfg.MaxDiscoveryTables
	if maxTables <= 0 {
		maxTables = defaultMaxDiscoveryTables
	}
	return &Graph{
		settings:  cfg.Settings,
		models:    cfg.Models,
		retriever: cfg.Retriever,
		databases: cfg.Databases,
		prompts:   cfg.Prompts,
		history:   NewHistory(),
		logger:    cfg.Logger,
		metrics:   NewMetrics(),
		tracer:    otel.Tracer("ragd/chat"),
		issueURL:  issueURL,
		maxTables: maxTables,
	}, nil
}

// TurnRequest is one chat turn.
type TurnRequest struct {
	// Client selects the settings record and conversation thread
	// (default: "server").
	Client string

	// Messages are the incoming role-tagged messages. At least one user
	// message is required.
	Messages []Message

	// Stream receives completion tokens and the terminal sentinel.
	// Nil selects unary mode: tokens are consumed server-side and only
	// the envelope is returned.
	Stream Sink

	// Settings, when set, replaces the registry lookup for this turn.
	// The evaluation runner uses it to pin history and grading off
	// without touching the client's stored record.
	Settings *config.ClientSettings
}

// turn is the working set of one execution.
type turn struct {
	cs           config.ClientSettings
	sink         Sink
	cleaned      []Message
	contextInput string
	documents    string
	tools        []llms.Tool
	meta         *SearchMetadata
	usage        Usage
	finish       string
}

// Execute runs one turn through the graph and returns the completion
// envelope. A context cancellation aborts the turn without touching the
// stored conversation state.
func (g *Graph) Execute(ctx context.Context, req TurnRequest) (*Completion, error) {
	if lastUserIndex(req.Messages) < 0 {
		return nil, ErrNoMessages
	}

	client := req.Client
	if client == "" {
		client = settings.ServerClientID
	}
	unlock := g.history.Lock(client)
	defer unlock()

	start := time.Now()
	mode := "unary"
	sink := req.Stream
	if sink == nil {
		sink = Discard
	} else {
		mode = "stream"
	}

	ctx, span := g.tracer.Start(ctx, "chat.turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.client", client),
		attribute.String("chat.mode", mode),
	)

	cs, err := g.resolveSettings(client)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if req.Settings != nil {
		cs = *req.Settings
	}
	span.SetAttributes(attribute.String("chat.model", cs.LanguageModel.Model))

	st := g.history.state(client)
	t := &turn{cs: cs, sink: sink, finish: "stop"}

	g.initialise(st, t, req.Messages)
	if err := g.contextualise(ctx, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	t.tools = g.toolDefinitions(t.cs)
	if t.cs.VectorSearch.Enabled && g.retriever != nil {
		if err := g.retrieve(ctx, t); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if err := g.grade(ctx, t); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		appendRetrievalStatus(t)
	}

	final, err := g.complete(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	envelope := g.finalise(st, t, final)
	if err := sink.Write(ctx, []byte(StreamTerminator)); err != nil {
		g.logger.Debug(ctx, "stream closed before the terminal sentinel", zap.Error(err))
	}
	g.metrics.RecordTurn(mode, time.Since(start).Seconds())
	return envelope, nil
}

// History returns a copy of the client's stored conversation.
func (g *Graph) History(client string) []Message {
	return g.history.Snapshot(client)
}

// ClearHistory drops the client's conversation state.
func (g *Graph) ClearHistory(client string) {
	g.history.Clear(client)
}

// resolveSettings loads the client's record, falling back to "default"
// for ids that were never patched into existence.
func (g *Graph) resolveSettings(client string) (config.ClientSettings, error) {
	cs, err := g.settings.Get(client)
	if err == nil {
		return cs, nil
	}
	if errors.Is(err, settings.ErrNotFound) {
		return g.settings.Get(settings.DefaultClientID)
	}
	return config.ClientSettings{}, err
}

// initialise merges the incoming messages with stored history. A
// disabled history flag resets the thread and keeps only the latest
// user message for the model.
func (g *Graph) initialise(st *State, t *turn, incoming []Message) {
	if !t.cs.LanguageModel.History {
		st.Messages = nil
		st.Documents = ""
		st.ContextInput = ""
	}
	st.FinalResponse = nil

	working := make([]Message, 0, len(st.Messages)+len(incoming))
	working = append(working, st.Messages...)
	working = append(working, incoming...)

	if t.cs.LanguageModel.History {
		t.cleaned = working
		return
	}
	if i := lastUserIndex(working); i >= 0 {
		t.cleaned = []Message{working[i]}
	}
}

// contextualise sets the retrieval query: the latest user message, or a
// standalone rewrite of it when rephrasing applies. The user-visible
// message is never altered.
func (g *Graph) contextualise(ctx context.Context, t *turn) error {
	latest := lastUserIndex(t.cleaned)
	if latest >= 0 {
		t.contextInput = t.cleaned[latest].Content
	}

	vs := t.cs.VectorSearch
	if !vs.Enabled || !vs.Rephrase || !t.cs.LanguageModel.History || latest < 2 {
		return nil
	}

	out, err := g.Rephrase(ctx, t.cs, t.contextInput, t.cleaned[:latest])
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Warn(ctx, "rephrase failed, searching with the question verbatim", zap.Error(err))
		return nil
	}
	if out != "" {
		t.contextInput = out
	}
	return nil
}

// Rephrase rewrites a conversational question into a standalone
// retrieval query using the client's context prompt and the supplied
// history. Callers fall back to the question itself on empty output.
func (g *Graph) Rephrase(ctx context.Context, cs config.ClientSettings, question string, history []Message) (string, error) {
	ctx, span := g.tracer.Start(ctx, "chat.rephrase")
	defer span.End()

	name := cs.Prompts.Context
	if name == "" {
		name = "optimizer-context-default"
	}
	tmpl, err := g.prompts.Resolve(name)
	if err != nil {
		return "", fmt.Errorf("resolving context prompt %q: %w", name, err)
	}

	msgs := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, tmpl.Text)}
	msgs = append(msgs, toModelMessages(conversationWindow(history, rephraseWindow))...)
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, question))

	out, err := g.generate(ctx, cs, msgs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return strings.Trim(out, `"`), nil
}

// retrieve resolves the candidate stores, searches them concurrently
// and merges the results into the turn's document context.
func (g *Graph) retrieve(ctx context.Context, t *turn) error {
	ctx, span := g.tracer.Start(ctx, "chat.retrieve")
	defer span.End()

	stores, err := g.resolveStores(ctx, t)
	if err != nil {
		return err
	}
	t.meta = &SearchMetadata{
		SearchedTables: []string{},
		ContextInput:   t.contextInput,
	}
	span.SetAttributes(attribute.Int("chat.tables", len(stores)))
	if len(stores) == 0 {
		return nil
	}

	docs, err := g.retriever.SearchMany(ctx, stores, searchRequest(t.cs, t.contextInput))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		g.logger.Warn(ctx, "vector search failed, answering without context", zap.Error(err))
		return nil
	}

	docs = dedupeDocuments(docs)
	if topK := t.cs.VectorSearch.TopK; topK > 0 && len(docs) > topK {
		docs = docs[:topK]
	}

	t.documents = formatDocuments(docs)
	for _, s := range stores {
		t.meta.SearchedTables = append(t.meta.SearchedTables, storeTable(s))
	}
	t.meta.DocumentCount = len(docs)
	span.SetAttributes(attribute.Int("chat.documents", len(docs)))
	return nil
}

// storeTable returns the live table name, deriving it only for stores
// that were never materialised.
func storeTable(s vectorstore.Store) string {
	if s.Table != "" {
		return s.Table
	}
	return s.TableName()
}

// resolveStores picks the tables to search: the configured store, or a
// discovery selection over every parseable table with an enabled model.
func (g *Graph) resolveStores(ctx context.Context, t *turn) ([]vectorstore.Store, error) {
	vs := t.cs.VectorSearch
	if !vs.Discovery {
		store := vectorstore.FromSettings(vs)
		if err := store.Validate(); err != nil {
			g.logger.Warn(ctx, "vector search settings are incomplete", zap.Error(err))
			return nil, nil
		}
		return []vectorstore.Store{store}, nil
	}

	candidates, err := g.retriever.List(ctx, t.cs.Database, true)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn(ctx, "vector store discovery failed", zap.Error(err))
		return nil, nil
	}
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return candidates, nil
	}

	picked, err := g.discoverTables(ctx, t, candidates)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn(ctx, "table selection failed, skipping retrieval", zap.Error(err))
		return nil, nil
	}
	return picked, nil
}

// discoverTables asks the language model to choose up to maxTables
// candidates by alias and description.
func (g *Graph) discoverTables(ctx context.Context, t *turn, candidates []vectorstore.Store) ([]vectorstore.Store, error) {
	type entry struct {
		Table       string `json:"table"`
		Alias       string `json:"alias,omitempty"`
		Description string `json:"description,omitempty"`
	}
	entries := make([]entry, 0, len(candidates))
	byTable := make(map[string]vectorstore.Store, len(candidates))
	for _, c := range candidates {
		name := storeTable(c)
		entries = append(entries, entry{Table: name, Alias: c.Alias, Description: c.Description})
		byTable[name] = c
	}
	tables, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}

	tmpl, err := g.prompts.Resolve(promptDiscovery)
	if err != nil {
		return nil, err
	}
	system := prompt.Render(tmpl.Text, map[string]string{
		"max_tables": fmt.Sprintf("%d", g.maxTables),
		"question":   t.contextInput,
		"tables":     string(tables),
	})

	out, err := g.generate(ctx, t.cs, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, t.contextInput),
	})
	if err != nil {
		return nil, err
	}

	var names []string
	if err := json.Unmarshal([]byte(stripFences(out)), &names); err != nil {
		return nil, fmt.Errorf("parsing table selection: %w", err)
	}

	picked := make([]vectorstore.Store, 0, g.maxTables)
	for _, name := range names {
		store, ok := byTable[name]
		if !ok {
			continue
		}
		picked = append(picked, store)
		if len(picked) == g.maxTables {
			break
		}
	}
	if len(picked) == 0 {
		return nil, fmt.Errorf("selection %q matched no candidate table", stripFences(out))
	}
	return picked, nil
}

// grade asks the language model whether the retrieved documents are
// relevant to the question. An unparseable verdict counts as not
// relevant; a transport failure keeps the documents.
func (g *Graph) grade(ctx context.Context, t *turn) error {
	if !t.cs.VectorSearch.Grading || t.documents == "" {
		return nil
	}

	ctx, span := g.tracer.Start(ctx, "chat.grade")
	defer span.End()

	tmpl, err := g.prompts.Resolve(promptGrading)
	if err != nil {
		g.logger.Warn(ctx, "grading prompt unavailable", zap.Error(err))
		return nil
	}
	system := prompt.Render(tmpl.Text, map[string]string{
		"question":  t.contextInput,
		"documents": t.documents,
	})

	out, err := g.generate(ctx, t.cs, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, t.contextInput),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		g.logger.Warn(ctx, "grading failed, keeping the retrieved documents", zap.Error(err))
		return nil
	}

	relevant, ok := parseGradeVerdict(out)
	if !ok {
		g.logger.Warn(ctx, "grader returned an unexpected verdict", zap.String("verdict", clip(out, 120)))
		relevant = false
	}
	span.SetAttributes(attribute.Bool("chat.relevant", relevant))
	if !relevant {
		t.documents = ""
		if t.meta != nil {
			t.meta.DocumentCount = 0
		}
		g.metrics.RecordGradeRejection()
	}
	return nil
}

// appendRetrievalStatus records the internal retrieval step as a tool
// exchange. The result message carries only a status line; the document
// text reaches the model through the system prompt instead.
func appendRetrievalStatus(t *turn) {
	query, _ := json.Marshal(t.contextInput)
	id := "call_" + uuid.NewString()
	status := fmt.Sprintf("No relevant documents found for: '%s'", t.contextInput)
	if t.documents != "" {
		status = fmt.Sprintf("Relevant documents found for: '%s'", t.contextInput)
	}
	t.cleaned = append(t.cleaned,
		Message{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{{
				ID:       id,
				Type:     "function",
				Function: FunctionCall{Name: ToolVectorSearch, Arguments: fmt.Sprintf(`{"query":%s}`, query)},
			}},
		},
		Message{Role: RoleTool, ToolCallID: id, Name: ToolVectorSearch, Content: status},
	)
}

// complete invokes the language model, executing requested tool calls
// until the model answers with content. Failures that can be explained
// to the user become canned replies on a normally finished turn.
func (g *Graph) complete(ctx context.Context, t *turn) (Message, error) {
	ctx, span := g.tracer.Start(ctx, "chat.complete")
	defer span.End()

	llm, err := g.models.LanguageModel(t.cs.LanguageModel.Model)
	if err != nil {
		span.RecordError(err)
		g.logger.Error(ctx, "language model unavailable",
			zap.String("model", t.cs.LanguageModel.Model), zap.Error(err))
		g.metrics.RecordCannedReply("model_init")
		return g.cannedReply(ctx, t, replyModelInit)
	}

	for round := 0; round < maxToolRounds; round++ {
		payload := make([]llms.MessageContent, 0, len(t.cleaned)+1)
		payload = append(payload, llms.TextParts(llms.ChatMessageTypeSystem, g.systemPrompt(ctx, t)))
		payload = append(payload, toModelMessages(t.cleaned)...)

		resp, err := llm.GenerateContent(ctx, payload, g.callOptions(t)...)
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			span.RecordError(err)
			g.logger.Error(ctx, "completion failed", zap.Error(err))
			g.metrics.RecordCannedReply("upstream_error")
			apology := fmt.Sprintf(
				"I'm sorry, something went wrong while generating a response: %v. "+
					"Please try again shortly, or report the problem at %s.", err, g.issueURL)
			return g.cannedReply(ctx, t, apology)
		}
		if len(resp.Choices) == 0 {
			g.metrics.RecordCannedReply("upstream_error")
			apology := fmt.Sprintf(
				"I'm sorry, the language model returned an empty response. "+
					"Please try again shortly, or report the problem at %s.", g.issueURL)
			return g.cannedReply(ctx, t, apology)
		}

		choice := resp.Choices[0]
		t.usage = addUsage(t.usage, usageFromInfo(choice.GenerationInfo))

		calls := toolCallsFromChoice(choice)
		if len(calls) == 0 {
			if len(t.tools) > 0 && looksLikeToolJSON(choice.Content) {
				g.logger.Warn(ctx, "model answered tool definitions with plain JSON",
					zap.String("model", t.cs.LanguageModel.Model))
				g.metrics.RecordCannedReply("no_function_calling")
				return g.cannedReply(ctx, t, replyNoFunctionCalling)
			}
			if choice.StopReason != "" {
				t.finish = choice.StopReason
			}
			span.SetAttributes(attribute.Int("chat.tool_rounds", round))
			return Message{Role: RoleAssistant, Content: choice.Content}, nil
		}

		t.cleaned = append(t.cleaned, Message{Role: RoleAssistant, Content: choice.Content, ToolCalls: calls})
		for _, call := range calls {
			result, tables, err := g.executeTool(ctx, t.cs, call)
			if err != nil {
				return Message{}, err
			}
			if len(tables) > 0 {
				if t.meta == nil {
					t.meta = &SearchMetadata{ContextInput: t.contextInput}
				}
				t.meta.SearchedTables = appendMissing(t.meta.SearchedTables, tables)
			}
			t.cleaned = append(t.cleaned, result)
		}
	}

	g.logger.Warn(ctx, "tool loop hit the round limit", zap.Int("rounds", maxToolRounds))
	return g.cannedReply(ctx, t,
		"I could not finish the requested tool calls. Please try rephrasing the question.")
}

// cannedReply streams the text and returns it as the assistant message
// of a normally finished turn.
func (g *Graph) cannedReply(ctx context.Context, t *turn, text string) (Message, error) {
	if err := t.sink.Write(ctx, []byte(text)); err != nil {
		return Message{}, err
	}
	t.finish = "stop"
	return Message{Role: RoleAssistant, Content: text}, nil
}

// systemPrompt resolves the client's system prompt and appends the
// retrieved context when any survived grading.
func (g *Graph) systemPrompt(ctx context.Context, t *turn) string {
	name := t.cs.Prompts.System
	if name == "" {
		name = "optimizer-basic-default"
	}
	text := "You are a helpful assistant."
	if msg, err := g.prompts.Resolve(name); err == nil {
		text = msg.Text
	} else {
		g.logger.Warn(ctx, "system prompt unavailable", zap.String("prompt", name), zap.Error(err))
	}
	if t.documents != "" {
		text += "\n\nRelevant Context:\n" + t.documents
	}
	return text
}

// callOptions maps the client's generation settings onto the provider
// call. The streaming func is attached on every completion call; unary
// turns point it at the discard sink.
func (g *Graph) callOptions(t *turn) []llms.CallOption {
	lm := t.cs.LanguageModel
	opts := []llms.CallOption{
		llms.WithTemperature(lm.Temperature),
		llms.WithTopP(lm.TopP),
	}
	if lm.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(lm.MaxTokens))
	}
	if lm.FrequencyPenalty != 0 {
		opts = append(opts, llms.WithFrequencyPenalty(lm.FrequencyPenalty))
	}
	if lm.PresencePenalty != 0 {
		opts = append(opts, llms.WithPresencePenalty(lm.PresencePenalty))
	}
	if len(t.tools) > 0 {
		opts = append(opts, llms.WithTools(t.tools))
	}
	sink := t.sink
	opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		return sink.Write(ctx, chunk)
	}))
	return opts
}

// generate runs one internal, non-streaming model call at temperature
// zero. Rephrase, grading, discovery and selectai all go through here.
func (g *Graph) generate(ctx context.Context, cs config.ClientSettings, msgs []llms.MessageContent) (string, error) {
	llm, err := g.models.LanguageModel(cs.LanguageModel.Model)
	if err != nil {
		return "", err
	}
	resp, err := llm.GenerateContent(ctx, msgs, llms.WithTemperature(0))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// finalise builds the envelope and persists the thread when the
// client's history flag allows it.
func (g *Graph) finalise(st *State, t *turn, final Message) *Completion {
	envelope := &Completion{
		ID:         "chatcmpl-" + uuid.NewString(),
		Object:     "chat.completion",
		Created:    time.Now().Unix(),
		Model:      t.cs.LanguageModel.Model,
		Choices:    []Choice{{Index: 0, Message: final, FinishReason: t.finish}},
		Usage:      t.usage,
		VSMetadata: t.meta,
	}

	st.FinalResponse = envelope
	st.VSMetadata = t.meta
	st.ContextInput = t.contextInput
	st.Documents = t.documents
	if t.cs.LanguageModel.History {
		st.Messages = append(t.cleaned, final)
	} else {
		st.Messages = nil
	}
	return envelope
}

// searchRequest maps client settings onto one search call.
func searchRequest(cs config.ClientSettings, query string) vectorstore.SearchRequest {
	vs := cs.VectorSearch
	return vectorstore.SearchRequest{
		Database:       cs.Database,
		Query:          query,
		SearchType:     vs.SearchType,
		TopK:           vs.TopK,
		ScoreThreshold: vs.ScoreThreshold,
		FetchK:         vs.MMRFetchK,
		Lambda:         vs.MMRLambda,
	}
}

// formatDocuments joins page contents into the context block injected
// through the system prompt.
func formatDocuments(docs []schema.Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if text := strings.TrimSpace(d.PageContent); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// dedupeDocuments drops documents with identical page content, keeping
// the first (highest scored) occurrence.
func dedupeDocuments(docs []schema.Document) []schema.Document {
	seen := make(map[string]struct{}, len(docs))
	out := make([]schema.Document, 0, len(docs))
	for _, d := range docs {
		if _, dup := seen[d.PageContent]; dup {
			continue
		}
		seen[d.PageContent] = struct{}{}
		out = append(out, d)
	}
	return out
}

// conversationWindow returns the last n user and assistant messages
// with content, dropping tool plumbing.
func conversationWindow(msgs []Message, n int) []Message {
	filtered := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if (m.Role == RoleUser || m.Role == RoleAssistant) && m.Content != "" {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > n {
		filtered = filtered[len(filtered)-n:]
	}
	return filtered
}

// parseGradeVerdict interprets a grader response. It accepts the plain
// yes/no the prompt asks for plus the JSON shapes weaker models emit.
func parseGradeVerdict(out string) (relevant, ok bool) {
	norm := strings.ToLower(strings.Trim(strings.TrimSpace(stripFences(out)), `."'`))
	switch norm {
	case "yes":
		return true, true
	case "no":
		return false, true
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(stripFences(out)), &obj); err == nil {
		for _, key := range []string{"relevant", "score", "grade"} {
			switch v := obj[key].(type) {
			case bool:
				return v, true
			case string:
				switch strings.ToLower(strings.TrimSpace(v)) {
				case "yes", "true":
					return true, true
				case "no", "false":
					return false, true
				}
			}
		}
	}
	return false, false
}

// toolCallsFromChoice normalises requested calls, covering providers
// that still populate the single legacy function call field.
func toolCallsFromChoice(choice *llms.ContentChoice) []ToolCall {
	out := make([]ToolCall, 0, len(choice.ToolCalls))
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		typ := tc.Type
		if typ == "" {
			typ = "function"
		}
		out = append(out, ToolCall{
			ID:   id,
			Type: typ,
			Function: FunctionCall{
				Name:      tc.FunctionCall.Name,
				Arguments: tc.FunctionCall.Arguments,
			},
		})
	}
	if len(out) == 0 && choice.FuncCall != nil {
		out = append(out, ToolCall{
			ID:   "call_" + uuid.NewString(),
			Type: "function",
			Function: FunctionCall{
				Name:      choice.FuncCall.Name,
				Arguments: choice.FuncCall.Arguments,
			},
		})
	}
	return out
}

// usageFromInfo extracts provider token counts from generation info.
func usageFromInfo(info map[string]any) Usage {
	u := Usage{
		PromptTokens:     intFromInfo(info, "PromptTokens", "prompt_tokens"),
		CompletionTokens: intFromInfo(info, "CompletionTokens", "completion_tokens"),
		TotalTokens:      intFromInfo(info, "TotalTokens", "total_tokens"),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func intFromInfo(info map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

func addUsage(a, b Usage) Usage {
	return Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}

func appendMissing(have, add []string) []string {
	for _, name := range add {
		found := false
		for _, existing := range have {
			if existing == name {
				found = true
				break
			}
		}
		if !found {
			have = append(have, name)
		}
	}
	return have
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
