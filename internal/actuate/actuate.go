// Package actuate applies tuning actions to the database. Every change is
// online (CONCURRENTLY), bounded by a timeout, and cleaned up on failure so
// no invalid index is left behind.
package actuate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/registry"
)

// IndexSpec describes an index to build.
type IndexSpec struct {
	Name       string
	Target     model.Target
	Type       model.IndexType
	Parameters map[string]int
}

// Store executes index DDL.
type Store interface {
	CreateIndex(ctx context.Context, spec IndexSpec) error
	DropIndex(ctx context.Context, t model.Target, name string) error
	IndexValid(ctx context.Context, t model.Target, name string) (bool, error)
}

// Registry is the subset of registry.Registry the actuator writes to.
type Registry interface {
	NextAttempt(ctx context.Context, targetID string) (int64, error)
	RegisterIndex(ctx context.Context, e model.IndexRegistryEntry) error
	GetIndex(ctx context.Context, name string) (model.IndexRegistryEntry, error)
	MarkDropped(ctx context.Context, name string, at time.Time) error
}

// Config bounds DDL.
type Config struct {
	BuildTimeout   time.Duration
	CleanupTimeout time.Duration
}

// Actuator applies actions through a Store and keeps the index registry in
// step with what exists in the database.
type Actuator struct {
	store  Store
	reg    Registry
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New returns an Actuator.
func New(store Store, reg Registry, cfg Config, logger *slog.Logger) *Actuator {
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 30 * time.Minute
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Actuator{store: store, reg: reg, cfg: cfg, logger: logger, now: time.Now}
}

// Apply executes action against target and returns the action as applied
// (for creates, with the generated index name). Errors are one of the typed
// errors in this package, a *ParameterError, or a registry error.
func (a *Actuator) Apply(ctx context.Context, t model.Target, action model.TuningAction) (model.TuningAction, error) {
	action = action.Clone()
	switch action.Kind {
	case model.ActionNoOp:
		return action, nil
	case model.ActionCreateIndex:
		return a.create(ctx, t, action)
	case model.ActionDropIndex:
		return action, a.drop(ctx, t, action.IndexName, false)
	}
	return action, fmt.Errorf("actuate: unknown action kind %q", action.Kind)
}

// Clean drops an agent-created index even when it is the active one. Manual
// indexes are still refused.
func (a *Actuator) Clean(ctx context.Context, t model.Target, name string) error {
	return a.drop(ctx, t, name, true)
}

func (a *Actuator) create(ctx context.Context, t model.Target, action model.TuningAction) (model.TuningAction, error) {
	if err := ValidateParameters(action.IndexType, action.Parameters); err != nil {
		return action, err
	}
	if action.Operator == "" {
		action.Operator = t.Operator
	}
	attempt, err := a.reg.NextAttempt(ctx, t.ID)
	if err != nil {
		return action, fmt.Errorf("actuate: next attempt: %w", err)
	}
	action.IndexName = IndexName(t, action.IndexType, attempt)
	spec := IndexSpec{Name: action.IndexName, Target: t, Type: action.IndexType, Parameters: action.Parameters}
	spec.Target.Operator = action.Operator

	log := a.logger.With("target_id", t.ID, "index", spec.Name)
	log.Info("actuate: building index", "type", spec.Type, "parameters", spec.Parameters)

	if err := a.withTimeout(ctx, spec.Name, func(ctx context.Context) error {
		return a.store.CreateIndex(ctx, spec)
	}); err != nil {
		a.cleanup(ctx, t, spec.Name)
		return action, err
	}

	valid, err := a.store.IndexValid(ctx, t, spec.Name)
	if err != nil || !valid {
		a.cleanup(ctx, t, spec.Name)
		if err != nil {
			return action, &DDLExecutionError{Index: spec.Name, Err: err}
		}
		return action, &ValidationError{Index: spec.Name}
	}

	err = a.reg.RegisterIndex(ctx, model.IndexRegistryEntry{
		IndexName:  spec.Name,
		TargetID:   t.ID,
		Operator:   action.Operator,
		IndexType:  spec.Type,
		Parameters: spec.Parameters,
		CreatedAt:  a.now().UTC(),
		CreatedBy:  model.CreatedByAgent,
	})
	if err != nil {
		// An unregistered index would be invisible to housekeeping.
		a.cleanup(ctx, t, spec.Name)
		return action, fmt.Errorf("actuate: register %s: %w", spec.Name, err)
	}
	log.Info("actuate: index built")
	return action, nil
}

func (a *Actuator) drop(ctx context.Context, t model.Target, name string, allowActive bool) error {
	if name == "" {
		return &RefusedError{Index: name, Why: "no index named"}
	}
	e, err := a.reg.GetIndex(ctx, name)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return &RefusedError{Index: name, Why: "not in registry"}
	case err != nil:
		return fmt.Errorf("actuate: lookup %s: %w", name, err)
	case e.CreatedBy != model.CreatedByAgent:
		return &RefusedError{Index: name, Why: "not created by the tuner"}
	case e.TargetID != t.ID:
		return &RefusedError{Index: name, Why: "belongs to target " + e.TargetID}
	case !e.Live():
		return &RefusedError{Index: name, Why: "already dropped"}
	case e.Active && !allowActive:
		return &RefusedError{Index: name, Why: "index is active"}
	}

	a.logger.Info("actuate: dropping index", "target_id", t.ID, "index", name)
	if err := a.withTimeout(ctx, name, func(ctx context.Context) error {
		return a.store.DropIndex(ctx, t, name)
	}); err != nil {
		return err
	}
	if err := a.reg.MarkDropped(ctx, name, a.now().UTC()); err != nil {
		return fmt.Errorf("actuate: mark dropped %s: %w", name, err)
	}
	return nil
}

// withTimeout runs fn under the build timeout and maps its failure onto the
// typed errors.
func (a *Actuator) withTimeout(ctx context.Context, name string, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, a.cfg.BuildTimeout)
	defer cancel()
	err := fn(opCtx)
	if err == nil {
		return nil
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Index: name, After: a.cfg.BuildTimeout}
	}
	return &DDLExecutionError{Index: name, Err: err}
}

// cleanup drops a partially built index. It runs on a fresh context because
// the caller's may already be cancelled.
func (a *Actuator) cleanup(ctx context.Context, t model.Target, name string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.CleanupTimeout)
	defer cancel()
	if err := a.store.DropIndex(cctx, t, name); err != nil {
		a.logger.Error("actuate: cleanup failed, index may need a manual drop",
			"target_id", t.ID, "index", name, "error", err)
	}
}

// ValidateParameters checks build parameters for typ.
func ValidateParameters(typ model.IndexType, params map[string]int) error {
	var allowed []string
	switch typ {
	case model.IndexIVFFlat:
		allowed = []string{"lists"}
	case model.IndexHNSW:
		allowed = []string{"m", "ef_construction"}
	default:
		return &ParameterError{Name: "index_type", Reason: fmt.Sprintf("unsupported %q", typ)}
	}
	for k, v := range params {
		if !slices.Contains(allowed, k) {
			return &ParameterError{Name: k, Reason: "not valid for " + string(typ)}
		}
		if v <= 0 {
			return &ParameterError{Name: k, Reason: "must be positive"}
		}
	}
	if m, ok := params["m"]; ok && m < 2 {
		return &ParameterError{Name: "m", Reason: "must be at least 2"}
	}
	if ef, ok := params["ef_construction"]; ok && ef < 2*params["m"] {
		return &ParameterError{Name: "ef_construction", Reason: "must be at least 2*m"}
	}
	return nil
}
