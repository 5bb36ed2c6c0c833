package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/chosei/internal/embedding"
	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/planparse"
)

// Explainer runs a target's probe under EXPLAIN ANALYZE.
type Explainer interface {
	Explain(ctx context.Context, t model.Target, probe pgvector.Vector) ([]byte, error)
}

// ProbeSampler measures targets with a fixed probe vector per target. The
// vector is embedded once and reused, so before and after samples run the
// same query shape.
type ProbeSampler struct {
	store    Explainer
	embedder embedding.Provider
	now      func() time.Time

	mu     sync.Mutex
	probes map[string]pgvector.Vector
}

// NewProbeSampler returns a sampler over store.
func NewProbeSampler(store Explainer, embedder embedding.Provider) *ProbeSampler {
	return &ProbeSampler{
		store:    store,
		embedder: embedder,
		now:      time.Now,
		probes:   make(map[string]pgvector.Vector),
	}
}

// Sample runs the probe and parses the plan.
func (p *ProbeSampler) Sample(ctx context.Context, t model.Target) (model.PerformanceSample, error) {
	vec, err := p.probe(ctx, t)
	if err != nil {
		return model.PerformanceSample{}, err
	}
	raw, err := p.store.Explain(ctx, t, vec)
	if err != nil {
		return model.PerformanceSample{}, err
	}
	return planparse.ParseJSON(t.ID, raw, p.now())
}

func (p *ProbeSampler) probe(ctx context.Context, t model.Target) (pgvector.Vector, error) {
	key := t.ID + "\x00" + t.QueryText
	p.mu.Lock()
	vec, ok := p.probes[key]
	p.mu.Unlock()
	if ok {
		return vec, nil
	}

	vec, err := p.embedder.Embed(ctx, t.QueryText)
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embed probe for %s: %w", t.ID, err)
	}
	p.mu.Lock()
	p.probes[key] = vec
	p.mu.Unlock()
	return vec, nil
}
