package chat

import (
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// Chat roles on the wire. These follow the OpenAI chat-completions
// vocabulary so existing client SDKs can talk to the server unchanged.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FunctionCall is the name and serialised arguments of one requested
// tool invocation.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a model-requested tool invocation attached to an
// assistant message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one role-tagged conversation entry. Tool fields are only
// populated on assistant messages that request calls (ToolCalls) and on
// the tool-result messages answering them (ToolCallID, Name).
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Request is the body of a completion or stream call. Model, if set, is
// ignored: the client's settings select the model.
type Request struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model,omitempty"`
}

// Usage reports provider token counts for one turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative. The graph always produces
// exactly one, at index 0.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// SearchMetadata records retrieval provenance for one turn.
type SearchMetadata struct {
	SearchedTables []string `json:"searched_tables"`
	DocumentCount  int      `json:"document_count"`
	ContextInput   string   `json:"context_input,omitempty"`
}

// Completion is the final envelope returned by a turn.
type Completion struct {
	ID         string          `json:"id"`
	Object     string          `json:"object"`
	Created    int64           `json:"created"`
	Model      string          `json:"model"`
	Choices    []Choice        `json:"choices"`
	Usage      Usage           `json:"usage"`
	VSMetadata *SearchMetadata `json:"vs_metadata,omitempty"`
}

// Answer returns the assistant content of the first choice, or "" when
// the envelope is empty.
func (c *Completion) Answer() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Message.Content
}

// lastUserIndex returns the index of the final user message, or -1.
func lastUserIndex(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// toModelMessages converts conversation entries into langchaingo message
// contents. Assistant tool requests and tool results keep their call ids
// so the provider sees a well-formed tool exchange.
func toModelMessages(msgs []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		case RoleAssistant:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if m.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   tc.ID,
					Type: tc.Type,
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			out = append(out, mc)
		case RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: m.ToolCallID,
					Name:       m.Name,
					Content:    m.Content,
				}},
			})
		default:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		}
	}
	return out
}

// looksLikeToolJSON reports whether assistant content is a JSON object,
// the shape unreliable providers emit instead of structured tool calls.
func looksLikeToolJSON(content string) bool {
	t := strings.TrimSpace(content)
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	t = strings.TrimSpace(t)
	return strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") &&
		(strings.Contains(t, `"name"`) || strings.Contains(t, `"arguments"`) || strings.Contains(t, `"function"`))
}
