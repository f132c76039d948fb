package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refly-ai/refly/internal/auth"
	"github.com/refly-ai/refly/internal/ctxutil"
	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/service/invocation"
	"github.com/refly-ai/refly/internal/skill"
	"github.com/refly-ai/refly/internal/storage/sqlite"
	"github.com/refly-ai/refly/internal/testutil"
)

var testServer *Server

func TestMain(m *testing.M) {
	os.Exit(setupAndRun(m))
}

func setupAndRun(m *testing.M) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	store, err := sqlite.Open(ctx, sqlite.Memory, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: open store: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	reg, err := skill.NewBuiltinRegistry(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: registry: %v\n", err)
		return 1
	}
	svc := invocation.New(reg, skill.NewExecutor(skill.ExecutorConfig{}, logger), store, nil,
		invocation.Config{PollInterval: 10 * time.Millisecond}, logger)
	defer func() {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = svc.Drain(dctx)
	}()

	testServer = New(svc, nil, logger, "test")
	return m.Run()
}

// callerCtx returns a context carrying claims for uid.
func callerCtx(uid string) context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: uid},
		UID:              uid,
	})
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func invokePlanner(t *testing.T, uid string) map[string]any {
	t.Helper()
	result, err := testServer.handleInvokeSkill(callerCtx(uid), toolRequest("refly_invoke_skill", map[string]any{
		"skill_name": "planner",
		"input":      map[string]any{"query": "hello"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "invoke should succeed: %s", parseToolText(t, result))

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	return resp
}

func TestHandleListSkills(t *testing.T) {
	result, err := testServer.handleListSkills(callerCtx("u1"), toolRequest("refly_list_skills", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var templates []model.SkillTemplate
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &templates))
	names := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		names = append(names, tmpl.Name)
	}
	assert.Equal(t, []string{"planner", "stream-demo"}, names)
}

func TestHandleInvokeSkill(t *testing.T) {
	resp := invokePlanner(t, "mcp-invoke")
	assert.Equal(t, "succeeded", resp["status"])
	assert.Equal(t, skill.PlannerGreeting, resp["text"])
	assert.NotEmpty(t, resp["job_id"])
}

func TestHandleInvokeSkillErrors(t *testing.T) {
	ctx := callerCtx("mcp-errors")

	tests := []struct {
		name     string
		args     map[string]any
		wantText string
	}{
		{
			name:     "missing skill name",
			args:     map[string]any{"input": map[string]any{}},
			wantText: "skill_name is required",
		},
		{
			name:     "input not an object",
			args:     map[string]any{"skill_name": "planner", "input": "hello"},
			wantText: "input must be an object",
		},
		{
			name:     "unknown skill",
			args:     map[string]any{"skill_name": "does-not-exist", "input": map[string]any{}},
			wantText: `"kind": "unknown_skill"`,
		},
		{
			name:     "missing required field",
			args:     map[string]any{"skill_name": "planner", "input": map[string]any{}},
			wantText: `"kind": "invalid_input"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := testServer.handleInvokeSkill(ctx, toolRequest("refly_invoke_skill", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.wantText)
		})
	}
}

func TestHandleInvokeSkillRequiresCaller(t *testing.T) {
	result, err := testServer.handleInvokeSkill(context.Background(), toolRequest("refly_invoke_skill", map[string]any{
		"skill_name": "planner",
		"input":      map[string]any{"query": "hello"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "no authenticated caller")
}

func TestHandleGetSkillLog(t *testing.T) {
	uid := "mcp-get-" + uuid.NewString()[:8]
	jobID := invokePlanner(t, uid)["job_id"].(string)

	t.Run("compact", func(t *testing.T) {
		result, err := testServer.handleGetSkillLog(callerCtx(uid), toolRequest("refly_get_skill_log", map[string]any{
			"job_id": jobID,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
		text := parseToolText(t, result)
		assert.Contains(t, text, `"status": "succeeded"`)
		assert.NotContains(t, text, `"events"`)
	})

	t.Run("with events", func(t *testing.T) {
		result, err := testServer.handleGetSkillLog(callerCtx(uid), toolRequest("refly_get_skill_log", map[string]any{
			"job_id":         jobID,
			"include_events": true,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)

		var log model.SkillLog
		require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &log))
		require.NotEmpty(t, log.Events)
		assert.Equal(t, model.EventDone, log.Events[len(log.Events)-1].Type)
	})

	t.Run("other caller", func(t *testing.T) {
		result, err := testServer.handleGetSkillLog(callerCtx("someone-else"), toolRequest("refly_get_skill_log", map[string]any{
			"job_id": jobID,
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, parseToolText(t, result), "no skill log")
	})

	t.Run("bad id", func(t *testing.T) {
		result, err := testServer.handleGetSkillLog(callerCtx(uid), toolRequest("refly_get_skill_log", map[string]any{
			"job_id": "nope",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestHandleCancelSkillFinished(t *testing.T) {
	uid := "mcp-cancel"
	jobID := invokePlanner(t, uid)["job_id"].(string)

	result, err := testServer.handleCancelSkill(callerCtx(uid), toolRequest("refly_cancel_skill", map[string]any{
		"job_id": jobID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))
	assert.Contains(t, parseToolText(t, result), `"status": "succeeded"`)
}
