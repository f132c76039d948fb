// Package search indexes skill outputs and user content for semantic search.
//
// A Service embeds text with an embedding.Provider and stores it in an
// Index: Qdrant when a cluster is configured, otherwise the pgvector table
// in Postgres. Results are always scoped to the caller's uid.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/service/embedding"
)

const (
	defaultLimit = 10
	maxLimit     = 50
)

// ErrInvalidRequest marks search requests rejected before reaching the index.
var ErrInvalidRequest = errors.New("search: invalid request")

// Index stores embedded documents. Implementations must be safe for concurrent use.
type Index interface {
	UpsertDocument(ctx context.Context, doc model.Document, vec pgvector.Vector) error
	DeleteDocument(ctx context.Context, kind model.DocumentKind, id string) error
	// SearchDocuments returns the uid's documents nearest to vec. An empty
	// kinds slice means every kind.
	SearchDocuments(ctx context.Context, uid string, kinds []model.DocumentKind, vec pgvector.Vector, limit int) ([]model.SearchHit, error)
	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Service embeds and indexes documents and answers queries.
type Service struct {
	index    Index
	embedder embedding.Provider
	logger   *slog.Logger
}

// NewService creates a search service.
func NewService(index Index, embedder embedding.Provider, logger *slog.Logger) *Service {
	return &Service{index: index, embedder: embedder, logger: logger}
}

// Put embeds a document and stores it.
func (s *Service) Put(ctx context.Context, doc model.Document) error {
	vec, err := s.embedder.Embed(ctx, doc.Text())
	if err != nil {
		return fmt.Errorf("search: embed %s/%s: %w", doc.Kind, doc.ID, err)
	}
	return s.index.UpsertDocument(ctx, doc, vec)
}

// Delete removes a document from the index.
func (s *Service) Delete(ctx context.Context, kind model.DocumentKind, id string) error {
	return s.index.DeleteDocument(ctx, kind, id)
}

// Search runs a semantic query over the caller's documents.
func (s *Service) Search(ctx context.Context, uid string, req model.SearchRequest) ([]model.SearchHit, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	kinds, err := parseDomains(req.Domains)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultLimit
	case limit > maxLimit:
		limit = maxLimit
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	hits, err := s.index.SearchDocuments(ctx, uid, kinds, vec, limit)
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []model.SearchHit{}
	}
	return hits, nil
}

// Healthy reports the index health.
func (s *Service) Healthy(ctx context.Context) error {
	return s.index.Healthy(ctx)
}

func parseDomains(domains []string) ([]model.DocumentKind, error) {
	kinds := make([]model.DocumentKind, 0, len(domains))
	for _, d := range domains {
		k, err := model.ParseDocumentKind(d)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
