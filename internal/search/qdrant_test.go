package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refly-ai/refly/internal/model"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{name: "https cloud URL with REST port", rawURL: "https://xyz.cloud.qdrant.io:6333", host: "xyz.cloud.qdrant.io", port: 6334, tls: true},
		{name: "https cloud URL with gRPC port", rawURL: "https://xyz.cloud.qdrant.io:6334", host: "xyz.cloud.qdrant.io", port: 6334, tls: true},
		{name: "http local URL", rawURL: "http://localhost:6333", host: "localhost", port: 6334},
		{name: "no port defaults to 6334", rawURL: "http://qdrant.internal", host: "qdrant.internal", port: 6334},
		{name: "custom port preserved", rawURL: "https://qdrant.example.com:9334", host: "qdrant.example.com", port: 9334, tls: true},
		{name: "missing scheme", rawURL: "localhost:6333", wantErr: true},
		{name: "empty", rawURL: "", wantErr: true},
		{name: "bad port", rawURL: "http://localhost:abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestPointIDStable(t *testing.T) {
	a := PointID(model.KindDocument, "job-1")
	assert.Equal(t, a, PointID(model.KindDocument, "job-1"))
	assert.NotEqual(t, a, PointID(model.KindResource, "job-1"), "kind is part of the id")
	assert.Equal(t, uint8(5), uint8(a.Version()))
}

func TestSearchFilter(t *testing.T) {
	f := searchFilter("u1", nil)
	require.Len(t, f.Must, 1)
	assert.Equal(t, "uid", f.Must[0].GetField().GetKey())
	assert.Equal(t, "u1", f.Must[0].GetField().GetMatch().GetKeyword())

	f = searchFilter("u1", []model.DocumentKind{model.KindCanvas})
	require.Len(t, f.Must, 2)
	assert.Equal(t, "canvas", f.Must[1].GetField().GetMatch().GetKeyword())

	f = searchFilter("u1", []model.DocumentKind{model.KindCanvas, model.KindResource})
	require.Len(t, f.Must, 2)
	assert.Equal(t, []string{"canvas", "resource"}, f.Must[1].GetField().GetMatch().GetKeywords().GetStrings())
}

func TestDocumentPayload(t *testing.T) {
	p := documentPayload(model.Document{Kind: model.KindResource, ID: "r1", UID: "u1", Title: "T", Content: "body"})
	assert.Equal(t, "resource", p["kind"])
	assert.Equal(t, "r1", p["id"])
	assert.Equal(t, "u1", p["uid"])
	assert.Equal(t, "body", p["snippet"])
}
