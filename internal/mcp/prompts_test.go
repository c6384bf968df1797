package mcp

import (
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/prompt"
)

func TestPromptRoleMapping(t *testing.T) {
	assert.Equal(t, mcp.Role("assistant"), promptRole(prompt.RoleAssistant))
	assert.Equal(t, mcp.Role("user"), promptRole(prompt.RoleUser))
	assert.Equal(t, mcp.Role("user"), promptRole(prompt.RoleSystem))
}

func TestGetPromptServesOverride(t *testing.T) {
	ts := newTestMCP(t, nil)
	const name = "optimizer-context-default"

	res, err := ts.srv.getPrompt(name)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	text, ok := res.Messages[0].Content.(*mcp.TextContent)
	require.True(t, ok)
	defaultText := text.Text
	assert.NotEmpty(t, defaultText)
	assert.Equal(t, mcp.Role("user"), res.Messages[0].Role)

	// An override stored after registration is served on the next get.
	require.NoError(t, ts.prompts.SetOverride(name, "Use only the provided context."))
	res, err = ts.srv.getPrompt(name)
	require.NoError(t, err)
	assert.Equal(t, "Use only the provided context.", res.Messages[0].Content.(*mcp.TextContent).Text)

	// Clearing the override restores the default.
	require.NoError(t, ts.prompts.SetOverride(name, ""))
	res, err = ts.srv.getPrompt(name)
	require.NoError(t, err)
	assert.Equal(t, defaultText, res.Messages[0].Content.(*mcp.TextContent).Text)
}

func TestGetPromptUnknown(t *testing.T) {
	ts := newTestMCP(t, nil)
	_, err := ts.srv.getPrompt("ghost")
	assert.ErrorIs(t, err, prompt.ErrNotFound)
}
