package model

import (
	"fmt"
	"time"
)

// DocumentKind is the search domain a document belongs to.
type DocumentKind string

const (
	KindResource DocumentKind = "resource"
	KindDocument DocumentKind = "document"
	KindCanvas   DocumentKind = "canvas"
)

// AllDocumentKinds lists every searchable domain.
var AllDocumentKinds = []DocumentKind{KindResource, KindDocument, KindCanvas}

// ParseDocumentKind validates a domain name.
func ParseDocumentKind(s string) (DocumentKind, error) {
	switch k := DocumentKind(s); k {
	case KindResource, KindDocument, KindCanvas:
		return k, nil
	}
	return "", fmt.Errorf("unknown search domain %q", s)
}

// Document is one indexed item owned by a user.
type Document struct {
	Kind      DocumentKind `json:"kind"`
	ID        string       `json:"id"`
	UID       string       `json:"uid"`
	Title     string       `json:"title"`
	Content   string       `json:"content"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Text is what gets embedded for a document.
func (d Document) Text() string {
	if d.Title == "" {
		return d.Content
	}
	return d.Title + "\n\n" + d.Content
}

// SearchHit is one ranked search result.
type SearchHit struct {
	Kind    DocumentKind `json:"kind"`
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Snippet string       `json:"snippet"`
	Score   float32      `json:"score"`
}

// Snippet returns the leading runes of content, cut at max.
func Snippet(content string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	n := 0
	for i := range content {
		if n == maxRunes {
			return content[:i] + "…"
		}
		n++
	}
	return content
}
