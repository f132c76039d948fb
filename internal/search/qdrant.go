package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/refly-ai/refly/internal/model"
)

// pointNamespace derives stable Qdrant point ids from "kind:id".
var pointNamespace = uuid.MustParse("6f1c3a52-9d0e-4c1b-8b7e-2a4d5f6e7c80")

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements Index backed by Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Pointer[error]
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// The REST port 6333 is mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// PointID is the Qdrant point id of a document.
func PointID(kind model.DocumentKind, id string) uuid.UUID {
	return uuid.NewSHA1(pointNamespace, []byte(string(kind)+":"+id))
}

// NewQdrantIndex creates a new QdrantIndex and connects to the Qdrant server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if needed and makes sure the
// keyword payload indexes used for filtering exist.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:       q.dims,
				Distance:   qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{M: &m, EfConstruct: &efConstruct},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	// CreateFieldIndex is idempotent.
	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"uid", "kind"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// UpsertDocument inserts or replaces one document's point.
func (q *QdrantIndex) UpsertDocument(ctx context.Context, doc model.Document, vec pgvector.Vector) error {
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(PointID(doc.Kind, doc.ID).String()),
			Vectors: qdrant.NewVectorsDense(vec.Slice()),
			Payload: qdrant.NewValueMap(documentPayload(doc)),
		}},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %s/%s: %w", doc.Kind, doc.ID, err)
	}
	return nil
}

func documentPayload(doc model.Document) map[string]any {
	return map[string]any{
		"kind":            string(doc.Kind),
		"id":              doc.ID,
		"uid":             doc.UID,
		"title":           doc.Title,
		"snippet":         model.Snippet(doc.Content, 200),
		"updated_at_unix": float64(doc.UpdatedAt.Unix()),
	}
}

// DeleteDocument removes a document's point. Missing points are ignored.
func (q *QdrantIndex) DeleteDocument(ctx context.Context, kind model.DocumentKind, id string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{qdrant.NewID(PointID(kind, id).String())}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %s/%s: %w", kind, id, err)
	}
	return nil
}

// searchFilter scopes a query to one user and, optionally, some kinds.
func searchFilter(uid string, kinds []model.DocumentKind) *qdrant.Filter {
	must := []*qdrant.Condition{qdrant.NewMatch("uid", uid)}
	switch len(kinds) {
	case 0:
	case 1:
		must = append(must, qdrant.NewMatch("kind", string(kinds[0])))
	default:
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		must = append(must, qdrant.NewMatchKeywords("kind", names...))
	}
	return &qdrant.Filter{Must: must}
}

// SearchDocuments queries Qdrant for the uid's nearest documents.
func (q *QdrantIndex) SearchDocuments(ctx context.Context, uid string, kinds []model.DocumentKind, vec pgvector.Vector, limit int) ([]model.SearchHit, error) {
	fetchLimit := uint64(max(limit, 1)) //nolint:gosec // bounded by the service
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec.Slice()),
		Filter:         searchFilter(uid, kinds),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	hits := make([]model.SearchHit, 0, len(scored))
	for _, sp := range scored {
		p := sp.GetPayload()
		id := p["id"].GetStringValue()
		if id == "" {
			q.logger.Warn("qdrant: point without document id", "point", sp.GetId().GetUuid())
			continue
		}
		hits = append(hits, model.SearchHit{
			Kind:    model.DocumentKind(p["kind"].GetStringValue()),
			ID:      id,
			Title:   p["title"].GetStringValue(),
			Snippet: p["snippet"].GetStringValue(),
			Score:   sp.GetScore(),
		})
	}
	return hits, nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds and concurrent checks share one gRPC call.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Detached from ctx: singleflight hands the first caller's result to everyone.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()

		var herr error
		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			herr = fmt.Errorf("search: qdrant unhealthy: %w", err)
		}
		q.healthErr.Store(&herr)
		q.healthAt.Store(time.Now().UnixNano())
		return herr, nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (q *QdrantIndex) loadHealthErr() error {
	if p := q.healthErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
