package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/prompt"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

// Tool names callable by the model.
const (
	ToolVectorSearch = "vector_search"
	ToolSelectAI     = "selectai"
)

// maxQueryRows caps how many result rows a selectai query feeds back to
// the model.
const maxQueryRows = 50

// ErrUnsafeSQL indicates a generated statement was not a plain SELECT.
var ErrUnsafeSQL = errors.New("only SELECT statements are allowed")

// toolArgs is the union of every tool's argument object.
type toolArgs struct {
	Query    string `json:"query"`
	Question string `json:"question"`
}

// toolDefinitions builds the definitions offered to the model for this
// client. Names come from tools_enabled; an enabled selectai block
// implies the selectai tool even when the list omits it.
func (g *Graph) toolDefinitions(cs config.ClientSettings) []llms.Tool {
	enabled := make(map[string]bool, len(cs.ToolsEnabled))
	for _, name := range cs.ToolsEnabled {
		enabled[name] = true
	}
	if cs.SelectAI.Enabled {
		enabled[ToolSelectAI] = true
	}

	var tools []llms.Tool
	if enabled[ToolVectorSearch] {
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        ToolVectorSearch,
				Description: "Search the vector store for documents relevant to a free-form query.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "The search query.",
						},
					},
					"required": []string{"query"},
				},
			},
		})
	}
	if enabled[ToolSelectAI] {
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        ToolSelectAI,
				Description: "Answer a question about structured data by querying the configured database profile.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"question": map[string]any{
							"type":        "string",
							"description": "The question to answer from the database.",
						},
					},
					"required": []string{"question"},
				},
			},
		})
	}
	return tools
}

// executeTool runs one model-requested call and returns the tool-result
// message plus any tables it searched. Failures become the message
// content so the model can explain them; only context cancellation
// aborts the turn.
func (g *Graph) executeTool(ctx context.Context, cs config.ClientSettings, call ToolCall) (Message, []string, error) {
	var args toolArgs
	if raw := call.Function.Arguments; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			g.logger.Warn(ctx, "tool arguments did not parse",
				zap.String("tool", call.Function.Name), zap.Error(err))
		}
	}

	msg := Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Function.Name}
	switch call.Function.Name {
	case ToolVectorSearch:
		query := args.Query
		if query == "" {
			query = args.Question
		}
		content, tables, err := g.runVectorSearchTool(ctx, cs, query)
		if err != nil {
			return Message{}, nil, err
		}
		g.metrics.RecordToolCall(ToolVectorSearch)
		msg.Content = content
		return msg, tables, nil

	case ToolSelectAI:
		question := args.Question
		if question == "" {
			question = args.Query
		}
		content, err := g.runSelectAITool(ctx, cs, question)
		if err != nil {
			return Message{}, nil, err
		}
		g.metrics.RecordToolCall(ToolSelectAI)
		msg.Content = content
		return msg, nil, nil

	default:
		msg.Content = fmt.Sprintf("unknown tool: %s", call.Function.Name)
		return msg, nil, nil
	}
}

// runVectorSearchTool searches the client's configured store. The result
// text goes back to the model verbatim.
func (g *Graph) runVectorSearchTool(ctx context.Context, cs config.ClientSettings, query string) (string, []string, error) {
	if query == "" {
		return "vector_search requires a query argument", nil, nil
	}

	store := vectorstore.FromSettings(cs.VectorSearch)
	if err := store.Validate(); err != nil {
		return fmt.Sprintf("vector search is not configured: %v", err), nil, nil
	}

	docs, err := g.retriever.SearchMany(ctx, []vectorstore.Store{store}, searchRequest(cs, query))
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		g.logger.Warn(ctx, "vector search tool failed", zap.Error(err))
		return fmt.Sprintf("vector search failed: %v", err), nil, nil
	}
	if len(docs) == 0 {
		return fmt.Sprintf("No documents found for: '%s'", query), []string{storeTable(store)}, nil
	}
	return formatDocuments(docs), []string{storeTable(store)}, nil
}

// runSelectAITool asks the language model for SQL, guards it, runs it
// against the client's database and returns the rows as JSON.
func (g *Graph) runSelectAITool(ctx context.Context, cs config.ClientSettings, question string) (string, error) {
	if !cs.SelectAI.Enabled {
		return "the selectai tool is disabled for this client", nil
	}
	if question == "" {
		return "selectai requires a question argument", nil
	}

	tmpl, err := g.prompts.Resolve(promptSelectAI)
	if err != nil {
		return fmt.Sprintf("selectai prompt unavailable: %v", err), nil
	}
	system := prompt.Render(tmpl.Text, map[string]string{
		"profile":  cs.SelectAI.Profile,
		"question": question,
	})

	sqlText, err := g.generate(ctx, cs, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, question),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		g.logger.Warn(ctx, "selectai generation failed", zap.Error(err))
		return fmt.Sprintf("could not generate a query: %v", err), nil
	}

	sqlText = stripFences(sqlText)
	if err := guardSelectOnly(sqlText); err != nil {
		g.logger.Warn(ctx, "selectai produced a non-SELECT statement",
			zap.String("client.id", cs.ClientID))
		return fmt.Sprintf("refused to run generated statement: %v", err), nil
	}

	rows, err := g.runQuery(ctx, cs.Database, sqlText)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		g.logger.Warn(ctx, "selectai query failed", zap.Error(err))
		return fmt.Sprintf("query failed: %v", err), nil
	}

	payload, err := json.Marshal(map[string]any{
		"sql":       sqlText,
		"row_count": len(rows),
		"rows":      rows,
	})
	if err != nil {
		return fmt.Sprintf("could not encode query results: %v", err), nil
	}
	return string(payload), nil
}

// runQuery executes a read-only statement and collects at most
// maxQueryRows rows as column-name keyed maps.
func (g *Graph) runQuery(ctx context.Context, databaseName, sqlText string) ([]map[string]any, error) {
	if g.databases == nil {
		return nil, errors.New("no database registry configured")
	}
	pool, err := g.databases.Acquire(ctx, databaseName, false)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := make([]map[string]any, 0, 8)
	for rows.Next() && len(out) < maxQueryRows {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GuardSelectOnly rejects any statement that is not a single plain
// SELECT (or WITH ... SELECT) query. The SQL extract route shares the
// selectai tool's read-only policy through it.
func GuardSelectOnly(sqlText string) error {
	return guardSelectOnly(sqlText)
}

// guardSelectOnly rejects any statement that is not a single plain
// SELECT (or WITH ... SELECT) query.
func guardSelectOnly(sqlText string) error {
	t := strings.TrimSpace(sqlText)
	if t == "" {
		return fmt.Errorf("%w: empty statement", ErrUnsafeSQL)
	}
	if strings.Contains(strings.TrimSuffix(t, ";"), ";") {
		return fmt.Errorf("%w: multiple statements", ErrUnsafeSQL)
	}
	upper := strings.ToUpper(t)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("%w: got %q", ErrUnsafeSQL, firstWord(t))
	}
	return nil
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// stripFences removes a Markdown code fence around model output.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```sql")
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
