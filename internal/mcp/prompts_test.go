package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptRequest(args map[string]string) mcplib.GetPromptRequest {
	var req mcplib.GetPromptRequest
	req.Params.Name = "run-skill"
	req.Params.Arguments = args
	return req
}

func TestRunSkillPrompt(t *testing.T) {
	result, err := testServer.handleRunSkillPrompt(context.Background(), promptRequest(map[string]string{
		"skill_name": "stream-demo",
	}))
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, mcplib.RoleUser, result.Messages[0].Role)

	text, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"stream-demo"`)
	assert.Contains(t, text.Text, "- topic (string, required)")
	assert.Contains(t, text.Text, "- repeat (number), default 3")
	assert.Contains(t, text.Text, "refly_invoke_skill")
}

func TestRunSkillPromptErrors(t *testing.T) {
	_, err := testServer.handleRunSkillPrompt(context.Background(), promptRequest(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skill_name argument is required")

	_, err = testServer.handleRunSkillPrompt(context.Background(), promptRequest(map[string]string{
		"skill_name": "does-not-exist",
	}))
	assert.Error(t, err)
}
