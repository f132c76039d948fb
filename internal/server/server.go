// Package server implements the Refly HTTP API.
//
// Skill invocations are served buffered (POST /skill/invoke) or as
// server-sent events (POST /skill/streamInvoke), and any invocation can be
// re-attached by job id. Everything except /health and /openapi.yaml
// requires a bearer token whose subject is the caller's uid.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/refly-ai/refly/internal/auth"
	"github.com/refly-ai/refly/internal/ctxutil"
	"github.com/refly-ai/refly/internal/ratelimit"
	"github.com/refly-ai/refly/internal/search"
	"github.com/refly-ai/refly/internal/service/instance"
	"github.com/refly-ai/refly/internal/service/invocation"
)

// Server is the Refly HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Instances, Search, Limiter, MCPServer, StorePing, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Invocations *invocation.Service
	JWTMgr      *auth.JWTManager
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Instances *instance.Service
	Search    *search.Service
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	StoreName string
	StorePing func(ctx context.Context) error

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	SSEKeepalive        time.Duration

	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Invocations:  cfg.Invocations,
		Instances:    cfg.Instances,
		Search:       cfg.Search,
		Logger:       cfg.Logger,
		StoreName:    cfg.StoreName,
		StorePing:    cfg.StorePing,
		Version:      cfg.Version,
		SSEKeepalive: cfg.SSEKeepalive,
		OpenAPISpec:  cfg.OpenAPISpec,
	})

	invokeRL := ratelimit.Middleware(cfg.Limiter, uidKeyFunc, func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}, cfg.Logger)

	mux := http.NewServeMux()

	// Skills.
	mux.HandleFunc("GET /skill/template/list", h.HandleListTemplates)
	mux.Handle("POST /skill/invoke", invokeRL(http.HandlerFunc(h.HandleInvoke)))
	mux.Handle("POST /skill/streamInvoke", invokeRL(http.HandlerFunc(h.HandleStreamInvoke)))
	mux.HandleFunc("POST /skill/cancel", h.HandleCancel)

	// Invocation logs.
	mux.HandleFunc("GET /skill/log/list", h.HandleListLogs)
	mux.HandleFunc("GET /skill/log/{job_id}", h.HandleGetLog)
	mux.HandleFunc("GET /skill/log/{job_id}/stream", h.HandleAttach)

	// Saved instances and their triggers.
	if cfg.Instances != nil {
		mux.HandleFunc("GET /skill/instance/list", h.HandleListInstances)
		mux.HandleFunc("POST /skill/instance/new", h.HandleCreateInstances)
		mux.HandleFunc("POST /skill/instance/update", h.HandleUpdateInstances)
		mux.HandleFunc("POST /skill/instance/delete", h.HandleDeleteInstance)
		mux.HandleFunc("GET /skill/trigger/list", h.HandleListTriggers)
		mux.HandleFunc("POST /skill/trigger/new", h.HandleCreateTrigger)
		mux.HandleFunc("POST /skill/trigger/update", h.HandleUpdateTrigger)
		mux.HandleFunc("POST /skill/trigger/delete", h.HandleDeleteTrigger)
	}

	mux.HandleFunc("POST /search", h.HandleSearch)

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		// Tool handlers run on the request context, so they see the caller's claims.
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// No auth, no rate limit.
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → body limit → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// uidKeyFunc keys the rate limiter by the authenticated caller.
func uidKeyFunc(r *http.Request) string {
	if uid := ctxutil.UIDFromContext(r.Context()); uid != "" {
		return "uid:" + uid
	}
	return ""
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
