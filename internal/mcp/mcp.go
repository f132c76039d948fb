// Package mcp implements the Model Context Protocol server for Refly.
//
// The MCP server exposes skill discovery, invocation and log lookup as MCP
// tools and resources, so MCP-compatible agents can run skills without
// speaking the HTTP API. Callers are identified by the claims the HTTP
// auth middleware puts on the request context.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/refly-ai/refly/internal/ctxutil"
	"github.com/refly-ai/refly/internal/search"
	"github.com/refly-ai/refly/internal/service/invocation"
)

// Server wraps the MCP server with Refly's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	invocations *invocation.Service
	search      *search.Service // nil when no index is configured
	logger      *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts. searchSvc may be nil.
func New(invocations *invocation.Service, searchSvc *search.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		invocations: invocations,
		search:      searchSvc,
		logger:      logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"refly",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

var errNoCaller = errors.New("mcp: no authenticated caller")

// callerUID returns the uid of the authenticated caller.
func callerUID(ctx context.Context) (string, error) {
	uid := ctxutil.UIDFromContext(ctx)
	if uid == "" {
		return "", errNoCaller
	}
	return uid, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}
