package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &NoopProvider{}, p)

	p, err = New(Config{Provider: "Ollama", Model: "nomic-embed-text", Dimensions: 768})
	require.NoError(t, err)
	assert.Equal(t, 768, p.Dimensions())

	_, err = New(Config{Provider: "ollama"})
	assert.ErrorContains(t, err, "requires a model")
	_, err = New(Config{Provider: "openai"})
	assert.ErrorContains(t, err, "requires an API key")
	_, err = New(Config{Provider: "cohere"})
	assert.ErrorContains(t, err, "unknown provider")
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(3)
	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, vec.Slice())

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}

func TestOpenAIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2, req.Dimensions)

		// Answer out of order; the provider must reorder by index.
		resp := map[string]any{"data": []map[string]any{}}
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp["data"] = append(resp["data"].([]map[string]any), map[string]any{
				"index": i, "embedding": []float32{float32(i), 1},
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/v1", "sk-test", "", 2)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v.Slice()[0])
	}
}

func TestOpenAIProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad key"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "sk-bad", "m", 2).Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "bad key")
}
