package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/service/invocation"
	"github.com/refly-ai/refly/internal/skill"
)

func (s *Server) registerTools() {
	// refly_list_skills: discovery over the registry.
	s.mcpServer.AddTool(
		mcplib.NewTool("refly_list_skills",
			mcplib.WithDescription(`List the skills this server can run.

Each entry names the skill, describes it, and declares its input fields
(with types and which are required) and its configuration options.
Call this before refly_invoke_skill to learn what input a skill expects.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListSkills,
	)

	// refly_invoke_skill: buffered invocation.
	s.mcpServer.AddTool(
		mcplib.NewTool("refly_invoke_skill",
			mcplib.WithDescription(`Run a skill and wait for its result.

The invocation is recorded as a skill log whose job_id is returned with the
result, so it can be looked up later with refly_get_skill_log. If the skill
fails, the error kind (invalid_input, execution, timeout, cancelled) is
reported together with the job_id.

EXAMPLE: skill_name="planner", input={"query": "hello"}`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("skill_name",
				mcplib.Description("Name of a registered skill, as returned by refly_list_skills"),
				mcplib.Required(),
			),
			mcplib.WithObject("input",
				mcplib.Description("Input payload matching the skill's declared input fields"),
				mcplib.Required(),
			),
			mcplib.WithObject("config",
				mcplib.Description("Optional skill configuration overrides"),
			),
			mcplib.WithNumber("timeout_ms",
				mcplib.Description("Optional whole-invocation timeout in milliseconds"),
				mcplib.Min(0),
			),
		),
		s.handleInvokeSkill,
	)

	// refly_get_skill_log: one of the caller's logs.
	s.mcpServer.AddTool(
		mcplib.NewTool("refly_get_skill_log",
			mcplib.WithDescription(`Fetch a recorded skill invocation by job_id.

Returns its status (pending, running, succeeded, failed), result or error,
and optionally the full event sequence.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("job_id",
				mcplib.Description("The job id returned by refly_invoke_skill or the HTTP API"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("include_events",
				mcplib.Description("Include every recorded event (default false)"),
			),
		),
		s.handleGetSkillLog,
	)

	// refly_cancel_skill: cooperative cancel.
	s.mcpServer.AddTool(
		mcplib.NewTool("refly_cancel_skill",
			mcplib.WithDescription(`Cancel a running skill invocation. Cancelling one that already finished
changes nothing and returns its log.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("job_id",
				mcplib.Description("The job id of the invocation to cancel"),
				mcplib.Required(),
			),
		),
		s.handleCancelSkill,
	)

	if s.search != nil {
		// refly_search: semantic search over indexed results.
		s.mcpServer.AddTool(
			mcplib.NewTool("refly_search",
				mcplib.WithDescription(`Search the results of past skill invocations by meaning.`),
				mcplib.WithReadOnlyHintAnnotation(true),
				mcplib.WithIdempotentHintAnnotation(true),
				mcplib.WithOpenWorldHintAnnotation(false),
				mcplib.WithString("query",
					mcplib.Description("Natural language query"),
					mcplib.Required(),
				),
				mcplib.WithNumber("limit",
					mcplib.Description("Maximum results to return"),
					mcplib.Min(1),
					mcplib.Max(50),
					mcplib.DefaultNumber(5),
				),
			),
			s.handleSearch,
		)
	}
}

func (s *Server) handleListSkills(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	registry := s.invocations.Registry()
	templates := make([]model.SkillTemplate, 0, registry.Len())
	for def := range registry.All() {
		templates = append(templates, def.Template())
	}
	data, _ := json.MarshalIndent(templates, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleInvokeSkill(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	uid, err := callerUID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	skillName := request.GetString("skill_name", "")
	if skillName == "" {
		return errorResult("skill_name is required"), nil
	}
	args := request.GetArguments()
	input, ok := args["input"].(map[string]any)
	if !ok {
		return errorResult("input must be an object"), nil
	}
	var cfg map[string]any
	if raw, present := args["config"]; present && raw != nil {
		if cfg, ok = raw.(map[string]any); !ok {
			return errorResult("config must be an object"), nil
		}
	}
	timeoutMS := request.GetInt("timeout_ms", 0)
	if timeoutMS < 0 {
		return errorResult("timeout_ms must not be negative"), nil
	}

	log, err := s.invocations.Invoke(ctx, invocation.Request{
		UID:       uid,
		SkillName: skillName,
		Input:     input,
		Config:    cfg,
		Timeout:   time.Duration(timeoutMS) * time.Millisecond,
	})
	if err != nil {
		return invokeErrorResult(log, err), nil
	}

	data, _ := json.MarshalIndent(compactLog(log), "", "  ")
	return textResult(string(data)), nil
}

// invokeErrorResult reports a failed invocation with its error kind and,
// once a log exists, its job id.
func invokeErrorResult(log model.SkillLog, err error) *mcplib.CallToolResult {
	resp := map[string]any{"error": err.Error()}
	switch {
	case errors.Is(err, invocation.ErrBusy), errors.Is(err, invocation.ErrDraining):
		resp["retryable"] = true
	case errors.Is(err, invocation.ErrConflict):
	default:
		resp["kind"] = skill.KindOf(err)
	}
	if log.JobID != uuid.Nil {
		resp["job_id"] = log.JobID
	}
	data, _ := json.MarshalIndent(resp, "", "  ")
	return errorResult(string(data))
}

func (s *Server) handleGetSkillLog(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	uid, err := callerUID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	jobID, err := uuid.Parse(request.GetString("job_id", ""))
	if err != nil {
		return errorResult("job_id must be a UUID"), nil
	}

	log, err := s.invocations.GetLog(ctx, uid, jobID)
	if errors.Is(err, invocation.ErrNotFound) {
		return errorResult(fmt.Sprintf("no skill log %s", jobID)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("get skill log failed: %v", err)), nil
	}

	var out any = compactLog(log)
	if request.GetBool("include_events", false) {
		out = log
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleCancelSkill(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	uid, err := callerUID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	jobID, err := uuid.Parse(request.GetString("job_id", ""))
	if err != nil {
		return errorResult("job_id must be a UUID"), nil
	}

	log, err := s.invocations.Cancel(ctx, uid, jobID)
	switch {
	case errors.Is(err, invocation.ErrNotFound):
		return errorResult(fmt.Sprintf("no skill log %s", jobID)), nil
	case errors.Is(err, invocation.ErrNotLocal):
		return errorResult(fmt.Sprintf("skill log %s is running on another instance", jobID)), nil
	case err != nil:
		return errorResult(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	data, _ := json.MarshalIndent(compactLog(log), "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	uid, err := callerUID(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	hits, err := s.search.Search(ctx, uid, model.SearchRequest{
		Query: query,
		Limit: request.GetInt("limit", 5),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(hits) == 0 {
		return textResult("No results found."), nil
	}
	data, _ := json.MarshalIndent(hits, "", "  ")
	return textResult(string(data)), nil
}
