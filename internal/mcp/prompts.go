package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// run-skill: walks the agent through invoking one skill correctly.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("run-skill",
			mcplib.WithPromptDescription("Explain a skill's inputs and how to invoke it"),
			mcplib.WithArgument("skill_name",
				mcplib.ArgumentDescription("The skill to run, as listed by refly_list_skills"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRunSkillPrompt,
	)
}

func (s *Server) handleRunSkillPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	name := request.Params.Arguments["skill_name"]
	if name == "" {
		return nil, fmt.Errorf("skill_name argument is required")
	}
	def, err := s.invocations.Registry().Resolve(name)
	if err != nil {
		return nil, err
	}
	tmpl := def.Template()

	var b strings.Builder
	fmt.Fprintf(&b, "You are about to run the Refly skill %q: %s\n\n", tmpl.Name, tmpl.Description)
	if len(tmpl.Input) > 0 {
		b.WriteString("Input fields:\n")
		for _, f := range tmpl.Input {
			req := "optional"
			if f.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "- %s (%s, %s)", f.Name, f.Type, req)
			if f.Description != "" {
				fmt.Fprintf(&b, ": %s", f.Description)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(tmpl.Config) > 0 {
		b.WriteString("Config options:\n")
		for _, c := range tmpl.Config {
			fmt.Fprintf(&b, "- %s (%s)", c.Key, c.Type)
			if c.Default != nil {
				fmt.Fprintf(&b, ", default %v", c.Default)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Call refly_invoke_skill with skill_name=%q and an input object holding every required field. "+
		"Keep the returned job_id; refly_get_skill_log retrieves the full record later.", tmpl.Name)

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("How to run the %s skill", tmpl.Name),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: b.String(),
				},
			},
		},
	}, nil
}
