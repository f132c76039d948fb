package storage

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/refly-ai/refly/internal/model"
)

// snippetRunes is how much of a document's content a search hit carries.
const snippetRunes = 200

// UpsertDocument stores or replaces a document together with its embedding.
func (db *DB) UpsertDocument(ctx context.Context, doc model.Document, vec pgvector.Vector) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO search_documents (kind, id, uid, title, content, embedding, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (kind, id) DO UPDATE
		 SET uid = EXCLUDED.uid, title = EXCLUDED.title, content = EXCLUDED.content,
		     embedding = EXCLUDED.embedding, updated_at = EXCLUDED.updated_at`,
		string(doc.Kind), doc.ID, doc.UID, doc.Title, doc.Content, vec, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert document %s/%s: %w", doc.Kind, doc.ID, err)
	}
	return nil
}

// DeleteDocument removes a document. Deleting a missing document is not an error.
func (db *DB) DeleteDocument(ctx context.Context, kind model.DocumentKind, id string) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM search_documents WHERE kind = $1 AND id = $2`, string(kind), id); err != nil {
		return fmt.Errorf("storage: delete document %s/%s: %w", kind, id, err)
	}
	return nil
}

// SearchDocuments ranks a user's documents by cosine similarity to vec.
// An empty kinds slice searches every kind.
func (db *DB) SearchDocuments(ctx context.Context, uid string, kinds []model.DocumentKind, vec pgvector.Vector, limit int) ([]model.SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT kind, id, title, content, 1 - (embedding <=> $2) AS score
		 FROM search_documents
		 WHERE uid = $1 AND embedding IS NOT NULL
		   AND (cardinality($3::text[]) = 0 OR kind = ANY($3))
		 ORDER BY embedding <=> $2
		 LIMIT $4`,
		uid, vec, kindStrs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search documents: %w", err)
	}
	defer rows.Close()

	var hits []model.SearchHit
	for rows.Next() {
		var (
			hit     model.SearchHit
			kind    string
			content string
			score   float64
		)
		if err := rows.Scan(&kind, &hit.ID, &hit.Title, &content, &score); err != nil {
			return nil, fmt.Errorf("storage: scan search hit: %w", err)
		}
		hit.Kind = model.DocumentKind(kind)
		hit.Snippet = model.Snippet(content, snippetRunes)
		hit.Score = float32(score)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: search documents: %w", err)
	}
	return hits, nil
}

// Healthy reports whether the database answers a ping.
func (db *DB) Healthy(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("storage: unhealthy: %w", err)
	}
	return nil
}
