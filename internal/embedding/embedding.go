// Package embedding turns a target's probe text into a query vector.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// HashProvider derives a deterministic unit vector from the text. It keeps
// the probe stable across cycles when no embedding model is reachable; the
// planner only needs a vector of the right width, not a meaningful one.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a provider that returns hash-seeded vectors.
func NewHashProvider(dims int) *HashProvider {
	return &HashProvider{dims: dims}
}

func (p *HashProvider) Dimensions() int { return p.dims }

func (p *HashProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	if p.dims <= 0 {
		return pgvector.Vector{}, fmt.Errorf("embedding: hash provider needs positive dimensions, got %d", p.dims)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	vec := make([]float32, p.dims)
	var norm float64
	for i := range vec {
		x := rng.NormFloat64()
		vec[i] = float32(x)
		norm += x * x
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return pgvector.NewVector(vec), nil
}

// Kind selects a provider.
type Kind string

const (
	KindAuto   Kind = "auto"
	KindOllama Kind = "ollama"
	KindHash   Kind = "hash"
)

// Select builds the provider named by kind. KindAuto uses Ollama when its
// tags endpoint answers and falls back to HashProvider otherwise.
func Select(ctx context.Context, kind Kind, ollamaURL, model string, dims int, logger *slog.Logger) (Provider, error) {
	switch kind {
	case KindHash:
		return NewHashProvider(dims), nil
	case KindOllama:
		return NewOllamaProvider(ollamaURL, model, dims), nil
	case KindAuto, "":
		if ollamaReachable(ctx, ollamaURL) {
			logger.Info("embedding: using ollama", "url", ollamaURL, "model", model, "dimensions", dims)
			return NewOllamaProvider(ollamaURL, model, dims), nil
		}
		logger.Warn("embedding: ollama unreachable, using hash provider", "url", ollamaURL, "dimensions", dims)
		return NewHashProvider(dims), nil
	}
	return nil, fmt.Errorf("embedding: unknown provider %q", kind)
}

func ollamaReachable(ctx context.Context, baseURL string) bool {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
