package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/search"
	"github.com/refly-ai/refly/internal/service/instance"
	"github.com/refly-ai/refly/internal/service/invocation"
)

// defaultSSEKeepalive is the comment interval on idle event streams.
const defaultSSEKeepalive = 15 * time.Second

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	invocations  *invocation.Service
	instances    *instance.Service
	search       *search.Service
	logger       *slog.Logger
	storeName    string
	storePing    func(ctx context.Context) error
	startedAt    time.Time
	version      string
	sseKeepalive time.Duration
	openapiSpec  []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Instances, Search, StorePing, OpenAPISpec.
type HandlersDeps struct {
	Invocations  *invocation.Service
	Instances    *instance.Service
	Search       *search.Service
	Logger       *slog.Logger
	StoreName    string
	StorePing    func(ctx context.Context) error
	Version      string
	SSEKeepalive time.Duration
	OpenAPISpec  []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	keepalive := d.SSEKeepalive
	if keepalive <= 0 {
		keepalive = defaultSSEKeepalive
	}
	return &Handlers{
		invocations:  d.Invocations,
		instances:    d.Instances,
		search:       d.Search,
		logger:       d.Logger,
		storeName:    d.StoreName,
		storePing:    d.StorePing,
		startedAt:    time.Now(),
		version:      d.Version,
		sseKeepalive: keepalive,
		openapiSpec:  d.OpenAPISpec,
	}
}

// HandleListTemplates handles GET /skill/template/list.
func (h *Handlers) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	registry := h.invocations.Registry()
	templates := make([]model.SkillTemplate, 0, registry.Len())
	for def := range registry.All() {
		templates = append(templates, def.Template())
	}
	writeJSON(w, r, http.StatusOK, templates)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.storePing != nil {
		if err := h.storePing(r.Context()); err != nil {
			storeStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Store:    h.storeName + ":" + storeStatus,
		InFlight: h.invocations.InFlight(),
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	// Search is auxiliary: an unreachable index degrades, never fails, health.
	if h.search != nil {
		if err := h.search.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

func parseJobID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("job_id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("job_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job_id: %s", raw)
	}
	return id, nil
}

// queryInt parses an optional integer query parameter. A present but
// malformed value is an error.
func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q is not an integer", key, v)
	}
	return n, nil
}

// pageParams reads the page and page_size query parameters.
func pageParams(r *http.Request, defaultSize, maxSize int) (page, pageSize int, err error) {
	page, err = queryInt(r, "page", 1)
	if err == nil && page < 1 {
		err = errors.New("invalid page: must be at least 1")
	}
	if err != nil {
		return 0, 0, err
	}
	pageSize, err = queryInt(r, "page_size", defaultSize)
	if err == nil && (pageSize < 1 || pageSize > maxSize) {
		err = fmt.Errorf("invalid page_size: must be between 1 and %d", maxSize)
	}
	if err != nil {
		return 0, 0, err
	}
	return page, pageSize, nil
}

// millis converts a request's millisecond field; zero means unset.
func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
