package decide

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/registry"
)

// Guard suppresses repeated work. It returns NO_OP without consulting the
// wrapped engine while a successful, non-regressive change is younger than
// the window, and vetoes proposals whose kind and type failed or regressed
// within it.
type Guard struct {
	next   Engine
	window time.Duration
}

// WithCooldown wraps next with a Guard.
func WithCooldown(next Engine, window time.Duration) *Guard {
	return &Guard{next: next, window: window}
}

func (g *Guard) Decide(ctx context.Context, in Input) (model.TuningAction, error) {
	since := in.now().Add(-g.window)
	if rec, ok := registry.EffectiveSince(in.History, since); ok {
		return model.NoOp(in.Target.ID, fmt.Sprintf(
			"cooldown: %s %s applied at %s", rec.Action.Kind, rec.Action.IndexType,
			rec.AppliedAt.Format(time.RFC3339))), nil
	}

	action, err := g.next.Decide(ctx, in)
	if err != nil || action.Kind == model.ActionNoOp {
		return action, err
	}
	if registry.TriedAndFailed(in.History, action.Kind, action.IndexType, since) {
		return model.NoOp(in.Target.ID, fmt.Sprintf(
			"cooldown: %s %s failed or regressed within %s", action.Kind, action.IndexType, g.window)), nil
	}
	return action, nil
}
