// Package decide maps an observed sample, the target's dataset profile and
// its action history onto a tuning action.
//
// Strategies implement Engine and are interchangeable: Rules is
// deterministic, Inference asks a text-generation backend and parses a
// constrained response. WithCooldown wraps either to suppress repeated work.
package decide

import (
	"context"
	"time"

	"github.com/ashita-ai/chosei/internal/model"
)

// Input is everything a strategy may look at. History is ascending by
// applied_at and holds only records committed before the cycle started.
type Input struct {
	Target  model.Target
	Sample  model.PerformanceSample
	Profile model.DatasetProfile
	History []model.ActionRecord
	Indexes []model.IndexRegistryEntry
	Now     time.Time
}

func (in Input) now() time.Time {
	if in.Now.IsZero() {
		return time.Now()
	}
	return in.Now
}

// datasetRows prefers the profile's row count and falls back to what the
// probe query scanned.
func (in Input) datasetRows() int64 {
	if in.Profile.RowCount > 0 {
		return in.Profile.RowCount
	}
	return in.Sample.RowsExamined
}

// Engine produces a tuning action. Implementations must not mutate Input.
type Engine interface {
	Decide(ctx context.Context, in Input) (model.TuningAction, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, in Input) (model.TuningAction, error)

func (f EngineFunc) Decide(ctx context.Context, in Input) (model.TuningAction, error) {
	return f(ctx, in)
}
