package decide

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/planparse"
)

// Inference asks a Backend for a decision. Transport failures fall back to
// another engine (usually Rules); responses outside the grammar never do,
// they yield NO_OP with a *DecisionParseError.
type Inference struct {
	backend    Backend
	fallback   Engine
	cfg        Config
	thresholds planparse.Thresholds
	limiter    Limiter
	logger     *slog.Logger
}

// Limiter paces backend calls per target. A denied call decides with the
// fallback engine; a limiter error lets the call through.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// NewInference returns an inference engine. fallback may be nil, in which
// case backend errors are returned to the caller alongside a NO_OP.
func NewInference(backend Backend, fallback Engine, cfg Config, th planparse.Thresholds, logger *slog.Logger) *Inference {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inference{backend: backend, fallback: fallback, cfg: cfg, thresholds: th, logger: logger}
}

// WithLimiter sets the limiter consulted before each backend call.
func (e *Inference) WithLimiter(l Limiter) *Inference {
	e.limiter = l
	return e
}

func (e *Inference) Decide(ctx context.Context, in Input) (model.TuningAction, error) {
	if e.limiter != nil && e.fallback != nil {
		ok, err := e.limiter.Allow(ctx, in.Target.ID)
		if err != nil {
			e.logger.Warn("decide: limiter failed, allowing call", "target", in.Target.ID, "error", err)
		} else if !ok {
			e.logger.Debug("decide: backend call paced, using fallback", "target", in.Target.ID)
			return e.fallback.Decide(ctx, in)
		}
	}

	text, err := e.backend.Complete(ctx, systemPrompt, BuildPrompt(in, e.thresholds))
	if err != nil {
		if ctx.Err() != nil || e.fallback == nil {
			return model.NoOp(in.Target.ID, "decision backend unavailable"), fmt.Errorf("decide: %w", err)
		}
		e.logger.Warn("decide: backend failed, using fallback", "target", in.Target.ID, "error", err)
		return e.fallback.Decide(ctx, in)
	}

	reply, err := ParseResponse(text)
	if err != nil {
		var perr *DecisionParseError
		if errors.As(err, &perr) {
			return model.NoOp(in.Target.ID, perr.Error()), err
		}
		return model.NoOp(in.Target.ID, "unparseable response"), err
	}
	return e.toAction(in, reply), nil
}

func (e *Inference) toAction(in Input, r Reply) model.TuningAction {
	rationale := r.Reasoning
	if rationale == "" {
		rationale = "backend chose " + r.Action
	}
	if r.ExpectedImprovement != "" {
		rationale += " (expected improvement " + r.ExpectedImprovement + ")"
	}

	switch r.Action {
	case ReplyCreateHNSW:
		return createAction(in, e.cfg, model.IndexHNSW, rationale)
	case ReplyCreateIVFFlat:
		return createAction(in, e.cfg, model.IndexIVFFlat, rationale)
	case ReplyDropIndex:
		// Only indexes the tuner built and that no longer serve are candidates.
		if e, _, ok := staleIndex(in); ok {
			return dropAction(in, e, rationale)
		}
		return model.NoOp(in.Target.ID, "drop_index proposed but no stale agent index exists")
	}
	return model.NoOp(in.Target.ID, rationale)
}
