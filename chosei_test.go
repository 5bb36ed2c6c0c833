package chosei

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/chosei/internal/config"
	"github.com/ashita-ai/chosei/internal/decide"
	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/ratelimit"
)

type countingBackend struct {
	calls atomic.Int32
}

func (b *countingBackend) Complete(context.Context, string, string) (string, error) {
	b.calls.Add(1)
	return "ACTION: no_action\nREASONING: leave it", nil
}

func engineConfig() config.Config {
	return config.Config{
		LatencyThresholdMs: 10,
		MinRowsExamined:    500,
		IVFFlatMaxRows:     100_000,
		IVFFlatLists:       100,
		HNSWM:              16,
		HNSWEfConstruction: 64,
		Cooldown:           30 * time.Minute,
		DecisionInterval:   time.Hour,
		DecisionBurst:      1,
	}
}

func slowInput() decide.Input {
	return decide.Input{
		Target: model.Target{
			ID:        "docs",
			Schema:    "public",
			Table:     "documents",
			Column:    "embedding",
			Operator:  model.OperatorCosine,
			QueryText: "machine learning",
			Limit:     5,
		},
		Sample: model.PerformanceSample{
			TargetID:        "docs",
			ExecutionTimeMs: 10.99,
			ScanKind:        model.ScanSequential,
			RowsExamined:    1000,
		},
		Profile: model.DatasetProfile{TargetID: "docs", RowCount: 1000, Dimensions: 384},
		Now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewLimiter(t *testing.T) {
	cfg := engineConfig()
	cfg.DecisionInterval = 0
	_, ok := newLimiter(cfg).(ratelimit.NoopLimiter)
	assert.True(t, ok, "zero interval disables pacing")

	l := newLimiter(engineConfig())
	_, ok = l.(*ratelimit.MemoryLimiter)
	assert.True(t, ok)
	require.NoError(t, l.Close())
}

func TestNewEnginePacesBackend(t *testing.T) {
	cfg := engineConfig()
	backend := &countingBackend{}
	limiter := newLimiter(cfg)
	t.Cleanup(func() { _ = limiter.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine := newEngine(cfg, resolvedOptions{backend: backend}, limiter, logger)

	first, err := engine.Decide(t.Context(), slowInput())
	require.NoError(t, err)
	assert.Equal(t, model.ActionNoOp, first.Kind)

	// The second call within the interval is decided by the rules.
	second, err := engine.Decide(t.Context(), slowInput())
	require.NoError(t, err)
	assert.Equal(t, model.ActionCreateIndex, second.Kind)
	assert.Equal(t, model.IndexIVFFlat, second.IndexType)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestNewEngineDefaultsToRules(t *testing.T) {
	cfg := engineConfig()
	cfg.DecisionStrategy = "rules"
	engine := newEngine(cfg, resolvedOptions{}, ratelimit.NoopLimiter{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	a, err := engine.Decide(t.Context(), slowInput())
	require.NoError(t, err)
	assert.Equal(t, model.ActionCreateIndex, a.Kind)
	assert.Equal(t, 100, a.Parameters["lists"])
}
