package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/ragd/internal/prompt"
)

// registerPrompts publishes every catalog template as an MCP prompt.
// The handlers read the store on each call, so override text stored
// after registration is served without re-listing.
func (s *Server) registerPrompts() {
	for _, t := range s.prompts.List() {
		name := t.Name
		s.mcp.AddPrompt(&mcp.Prompt{
			Name:        name,
			Title:       t.Title,
			Description: t.Description,
		}, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return s.getPrompt(name)
		})
	}
}

// getPrompt resolves one catalog prompt with any active override
// applied.
func (s *Server) getPrompt(name string) (*mcp.GetPromptResult, error) {
	cur, err := s.prompts.Get(name)
	if err != nil {
		return nil, fmt.Errorf("resolving prompt %q: %w", name, err)
	}
	s.metrics.RecordPromptGet(name)
	return &mcp.GetPromptResult{
		Description: cur.Description,
		Messages: []*mcp.PromptMessage{{
			Role:    promptRole(cur.Role),
			Content: &mcp.TextContent{Text: cur.Effective()},
		}},
	}, nil
}

// promptRole maps catalog roles onto the two roles the protocol
// defines. System prompts are delivered as user messages.
func promptRole(r prompt.Role) mcp.Role {
	if r == prompt.RoleAssistant {
		return "assistant"
	}
	return "user"
}
