package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/refly-ai/refly/internal/model"
)

const (
	skillsURI    = "refly://skills"
	logURIPrefix = "refly://log/"
)

func (s *Server) registerResources() {
	// refly://skills: the registered skill templates.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			skillsURI,
			"Skills",
			mcplib.WithResourceDescription("Registered skills with their input and config schemas"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSkills,
	)

	// refly://log/{job_id}: one of the caller's skill logs, with events.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			logURIPrefix+"{job_id}",
			"Skill Log",
			mcplib.WithTemplateDescription("A recorded skill invocation and its event sequence"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSkillLog,
	)
}

func (s *Server) handleSkills(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	registry := s.invocations.Registry()
	templates := make([]model.SkillTemplate, 0, registry.Len())
	for def := range registry.All() {
		templates = append(templates, def.Template())
	}

	data, err := json.MarshalIndent(templates, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal skills: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      skillsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSkillLog(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	jobID, err := parseLogURI(uri)
	if err != nil {
		return nil, err
	}
	uid, err := callerUID(ctx)
	if err != nil {
		return nil, err
	}

	log, err := s.invocations.GetLog(ctx, uid, jobID)
	if err != nil {
		return nil, fmt.Errorf("mcp: skill log %s: %w", jobID, err)
	}
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal skill log: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseLogURI extracts the job id from refly://log/{job_id}.
func parseLogURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, logURIPrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid skill log URI: %s", uri)
	}
	if raw == "" {
		return uuid.Nil, fmt.Errorf("mcp: invalid skill log URI: empty job_id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid skill log URI: job_id %q is not a UUID", raw)
	}
	return id, nil
}
