package embedding

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[]}`))
		case "/api/embeddings":
			var req ollamaEmbedRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			assert.Equal(t, "all-minilm", req.Model)
			vec := make([]float32, dims)
			for i := range vec {
				vec[i] = float32(i) * 0.001
			}
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaProvider(t *testing.T) {
	srv := ollamaServer(t, 384)

	p := NewOllamaProvider(srv.URL, "", 384)
	assert.Equal(t, 384, p.Dimensions())
	vec, err := p.Embed(context.Background(), "artificial intelligence and machine learning")
	require.NoError(t, err)
	require.Len(t, vec.Slice(), 384)
	assert.InDelta(t, 0.1, vec.Slice()[100], 1e-6)

	_, err = NewOllamaProvider(srv.URL, "", 768).Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "returned 384 dimensions, want 768")
}

func TestOllamaProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "", 384).Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "status 404")
}

func TestHashProvider(t *testing.T) {
	p := NewHashProvider(384)
	a, err := p.Embed(context.Background(), "machine learning")
	require.NoError(t, err)
	b, err := p.Embed(context.Background(), "machine learning")
	require.NoError(t, err)
	c, err := p.Embed(context.Background(), "databases")
	require.NoError(t, err)

	assert.Equal(t, a.Slice(), b.Slice())
	assert.NotEqual(t, a.Slice(), c.Slice())

	var norm float64
	for _, x := range a.Slice() {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)

	_, err = NewHashProvider(0).Embed(context.Background(), "x")
	assert.Error(t, err)
}

func TestSelect(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := ollamaServer(t, 384)

	p, err := Select(context.Background(), KindAuto, srv.URL, "all-minilm", 384, logger)
	require.NoError(t, err)
	assert.IsType(t, &OllamaProvider{}, p)

	p, err = Select(context.Background(), KindAuto, "http://127.0.0.1:1", "all-minilm", 384, logger)
	require.NoError(t, err)
	assert.IsType(t, &HashProvider{}, p)

	p, err = Select(context.Background(), KindHash, "", "", 8, logger)
	require.NoError(t, err)
	assert.Equal(t, 8, p.Dimensions())

	_, err = Select(context.Background(), "word2vec", "", "", 8, logger)
	assert.Error(t, err)
}
