// Package loop runs the observe, decide, act, verify cycle for every target.
//
// Each cycle produces exactly one ActionRecord. Targets cycle independently;
// only the acting and verifying phases are serialized, per target by a lock
// and across targets by a weighted semaphore.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/chosei/internal/actuate"
	"github.com/ashita-ai/chosei/internal/decide"
	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/planparse"
	"github.com/ashita-ai/chosei/internal/registry"
	"github.com/ashita-ai/chosei/internal/telemetry"
	"github.com/ashita-ai/chosei/internal/verify"
)

// Sampler measures a target once.
type Sampler interface {
	Sample(ctx context.Context, t model.Target) (model.PerformanceSample, error)
}

// Profiles returns a (possibly cached) dataset profile.
type Profiles interface {
	Get(ctx context.Context, t model.Target) (model.DatasetProfile, error)
	Invalidate(targetID string)
}

// Actuator applies actions.
type Actuator interface {
	Apply(ctx context.Context, t model.Target, action model.TuningAction) (model.TuningAction, error)
}

// Verifier re-measures after an action.
type Verifier interface {
	Verify(ctx context.Context, t model.Target, before model.PerformanceSample) (verify.Result, error)
}

// Config controls scheduling and the acting phase.
type Config struct {
	CycleInterval        time.Duration
	MinCycleGap          time.Duration
	HistoryWindow        time.Duration
	HistoryLimit         int
	MaxConcurrentActions int
	// ActionTimeout bounds acting and verifying together.
	ActionTimeout time.Duration
	// RollbackOnRegression drops a new index that made the probe slower.
	RollbackOnRegression bool
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Registry registry.Registry
	Sampler  Sampler
	Profiles Profiles
	Engine   decide.Engine
	Actuator Actuator
	Verifier Verifier
	Sinks    []Sink
	Logger   *slog.Logger
}

// Controller drives cycles for a fixed set of targets.
type Controller struct {
	targets []model.Target
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	sem    *semaphore.Weighted
	lockMu sync.Mutex
	locks  map[string]chan struct{}
	states stateTable

	tracer   trace.Tracer
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// New validates the configuration and returns a Controller.
func New(targets []model.Target, deps Deps, cfg Config) (*Controller, error) {
	if deps.Registry == nil || deps.Sampler == nil || deps.Engine == nil || deps.Actuator == nil || deps.Verifier == nil {
		return nil, errors.New("loop: registry, sampler, engine, actuator and verifier are required")
	}
	if cfg.MaxConcurrentActions <= 0 {
		cfg.MaxConcurrentActions = 1
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 45 * time.Minute
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = time.Minute
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 7 * 24 * time.Hour
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if seen[t.ID] {
			return nil, fmt.Errorf("loop: duplicate target %q", t.ID)
		}
		seen[t.ID] = true
	}

	meter := telemetry.Meter()
	duration, err := meter.Float64Histogram("chosei.action.duration",
		metric.WithDescription("Time spent acting and verifying"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("loop: create duration histogram: %w", err)
	}
	inflight, err := meter.Int64UpDownCounter("chosei.actions.inflight",
		metric.WithDescription("Actions currently holding an action slot"))
	if err != nil {
		return nil, fmt.Errorf("loop: create inflight counter: %w", err)
	}

	return &Controller{
		targets:  targets,
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentActions)),
		locks:    make(map[string]chan struct{}),
		tracer:   telemetry.Tracer(),
		duration: duration,
		inflight: inflight,
	}, nil
}

// Targets returns the controller's targets.
func (c *Controller) Targets() []model.Target { return c.targets }

// State reports where targetID's cycle is. Unknown targets are IDLE.
func (c *Controller) State(targetID string) State { return c.states.get(targetID) }

// Run cycles every target until ctx is cancelled. A failing cycle is logged
// and never stops other targets.
func (c *Controller) Run(ctx context.Context) error {
	gap := max(c.cfg.CycleInterval, c.cfg.MinCycleGap)
	c.logger.Info("loop: starting", "targets", len(c.targets), "interval", gap,
		"max_concurrent_actions", c.cfg.MaxConcurrentActions)

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range c.targets {
		g.Go(func() error {
			timer := time.NewTimer(0)
			defer timer.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-timer.C:
				}
				if _, err := c.RunCycle(gctx, t); err != nil {
					c.logger.Error("loop: cycle failed", "target_id", t.ID, "error", err)
				}
				timer.Reset(gap)
			}
		})
	}
	err := g.Wait()
	c.logger.Info("loop: stopped")
	return err
}

// RunOnce runs one cycle for every target concurrently and returns the
// records in target order.
func (c *Controller) RunOnce(ctx context.Context) ([]model.ActionRecord, error) {
	records := make([]model.ActionRecord, len(c.targets))
	errs := make([]error, len(c.targets))
	var g errgroup.Group
	for i, t := range c.targets {
		g.Go(func() error {
			records[i], errs[i] = c.RunCycle(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return records, errors.Join(errs...)
}

// RunCycle runs one cycle for t and returns its record. The error is
// non-nil only when the record could not be persisted; tuning failures are
// reported in the record itself.
func (c *Controller) RunCycle(ctx context.Context, t model.Target) (model.ActionRecord, error) {
	ctx, span := c.tracer.Start(ctx, "chosei.cycle", trace.WithAttributes(attribute.String("target_id", t.ID)))
	defer span.End()
	defer c.states.set(t.ID, StateIdle)

	log := c.logger.With("target_id", t.ID)
	rec := model.ActionRecord{TargetID: t.ID}

	c.states.set(t.ID, StateSampling)
	before, err := c.sample(ctx, t)
	if err != nil {
		log.Warn("loop: observation failed", "error", err)
		rec.Action = model.NoOp(t.ID, "observation failed")
		rec.Fail(observeReason(err))
		return c.record(ctx, t, rec)
	}
	rec.Before = &before

	c.states.set(t.ID, StateDeciding)
	decidedAt := c.now().UTC().Truncate(time.Microsecond)
	action, err := c.decide(ctx, t, before)
	var perr *decide.DecisionParseError
	switch {
	case errors.As(err, &perr):
		log.Warn("loop: decision response rejected", "error", err, "response", perr.Response)
		action = model.NoOp(t.ID, action.Rationale)
	case err != nil:
		log.Warn("loop: decision failed", "error", err)
		rec.Action = model.NoOp(t.ID, "decision failed")
		rec.Fail("decide: " + err.Error())
		return c.record(ctx, t, rec)
	}
	action.TargetID = t.ID
	rec.Action = action
	if action.Kind == model.ActionNoOp {
		rec.Succeed()
		return c.record(ctx, t, rec)
	}

	// The lock is held through recording so the next cycle for this target
	// sees this one's record.
	release, err := c.acquire(ctx, t.ID)
	if err != nil {
		rec.Fail("acquire: " + err.Error())
		return c.record(ctx, t, rec)
	}
	defer release()

	if other, ok, err := c.changedSince(ctx, t.ID, decidedAt); err != nil {
		rec.Fail("acquire: " + err.Error())
		return c.record(ctx, t, rec)
	} else if ok {
		log.Info("loop: decision overtaken by a concurrent cycle", "other_action", other.Action.Kind,
			"other_index", other.Action.IndexName)
		rec.Action = model.NoOp(t.ID, fmt.Sprintf("superseded: concurrent %s %s recorded at %s",
			other.Action.Kind, other.Action.IndexName, other.AppliedAt.Format(time.RFC3339)))
		rec.Succeed()
		return c.record(ctx, t, rec)
	}

	rec = c.act(ctx, t, rec, log)
	return c.record(ctx, t, rec)
}

// changedSince reports the first non-NO_OP record another cycle appended for
// targetID at or after since. A decision made before it is stale.
func (c *Controller) changedSince(ctx context.Context, targetID string, since time.Time) (model.ActionRecord, bool, error) {
	recs, err := c.deps.Registry.History(ctx, targetID, since, 0)
	if err != nil {
		return model.ActionRecord{}, false, fmt.Errorf("history: %w", err)
	}
	for _, r := range recs {
		if r.Action.Kind != model.ActionNoOp {
			return r, true, nil
		}
	}
	return model.ActionRecord{}, false, nil
}

func (c *Controller) sample(ctx context.Context, t model.Target) (model.PerformanceSample, error) {
	ctx, span := c.tracer.Start(ctx, "chosei.observe")
	defer span.End()
	s, err := c.deps.Sampler.Sample(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "observe failed")
	}
	return s, err
}

func (c *Controller) decide(ctx context.Context, t model.Target, before model.PerformanceSample) (model.TuningAction, error) {
	ctx, span := c.tracer.Start(ctx, "chosei.decide")
	defer span.End()

	now := c.now()
	history, err := c.deps.Registry.History(ctx, t.ID, now.Add(-c.cfg.HistoryWindow), c.cfg.HistoryLimit)
	if err != nil {
		return model.TuningAction{}, fmt.Errorf("history: %w", err)
	}
	indexes, err := c.deps.Registry.ListIndexes(ctx, t.ID)
	if err != nil {
		return model.TuningAction{}, fmt.Errorf("indexes: %w", err)
	}
	var profile model.DatasetProfile
	if c.deps.Profiles != nil {
		if profile, err = c.deps.Profiles.Get(ctx, t); err != nil {
			// Rules fall back to the scanned row count.
			c.logger.Warn("loop: profile unavailable", "target_id", t.ID, "error", err)
		}
	}

	action, err := c.deps.Engine.Decide(ctx, decide.Input{
		Target:  t,
		Sample:  before,
		Profile: profile,
		History: history,
		Indexes: indexes,
		Now:     now,
	})
	span.SetAttributes(attribute.String("action_kind", string(action.Kind)))
	return action, err
}

// act runs the acting and verifying phases. The caller holds the target
// lock and an action slot.
func (c *Controller) act(ctx context.Context, t model.Target, rec model.ActionRecord, log *slog.Logger) model.ActionRecord {
	start := c.now()
	defer func() {
		c.duration.Record(ctx, c.now().Sub(start).Seconds(), metric.WithAttributes(
			attribute.String("target_id", t.ID), attribute.String("kind", string(rec.Action.Kind))))
	}()

	actx, cancel := context.WithTimeout(ctx, c.cfg.ActionTimeout)
	defer cancel()

	c.states.set(t.ID, StateActing)
	spanCtx, span := c.tracer.Start(actx, "chosei.act", trace.WithAttributes(
		attribute.String("kind", string(rec.Action.Kind)), attribute.String("index_type", string(rec.Action.IndexType))))
	applied, err := c.deps.Actuator.Apply(spanCtx, t, rec.Action)
	span.End()
	rec.Action = applied
	if err != nil {
		log.Warn("loop: action failed", "kind", applied.Kind, "index", applied.IndexName, "error", err)
		rec.Fail(actuate.Reason(err))
		return rec
	}
	if c.deps.Profiles != nil {
		c.deps.Profiles.Invalidate(t.ID)
	}

	c.states.set(t.ID, StateVerifying)
	spanCtx, span = c.tracer.Start(actx, "chosei.verify")
	res, err := c.deps.Verifier.Verify(spanCtx, t, *rec.Before)
	span.End()
	if err != nil {
		log.Warn("loop: verification failed", "index", applied.IndexName, "error", err)
		rec.Fail("verify: " + err.Error())
		// An unverified index is never activated, so it must not stay live.
		if applied.Kind == model.ActionCreateIndex {
			rec.RolledBack = c.discard(ctx, t, applied, "discard after failed verification", log)
		}
		return rec
	}
	rec.After = &res.After
	rec.ImprovementRatio = res.Ratio
	rec.Outcome = res.Outcome
	rec.Succeed()

	if applied.Kind != model.ActionCreateIndex {
		return rec
	}
	if !rec.Regressed() {
		if err := c.deps.Registry.ActivateIndex(ctx, applied.IndexName); err != nil {
			log.Error("loop: activate index", "index", applied.IndexName, "error", err)
		}
		return rec
	}
	if c.cfg.RollbackOnRegression {
		rec.RolledBack = c.discard(ctx, t, applied, "rollback after regression", log)
	}
	return rec
}

// discard drops an index this cycle created and reports whether it is gone.
// It runs detached from ctx, which may already have expired.
func (c *Controller) discard(ctx context.Context, t model.Target, created model.TuningAction, why string, log *slog.Logger) bool {
	drop := model.TuningAction{
		Kind:      model.ActionDropIndex,
		IndexType: created.IndexType,
		IndexName: created.IndexName,
		Operator:  created.Operator,
		TargetID:  t.ID,
		Rationale: why,
	}
	if _, err := c.deps.Actuator.Apply(context.WithoutCancel(ctx), t, drop); err != nil {
		log.Error("loop: drop failed", "index", created.IndexName, "reason", why, "error", err)
		return false
	}
	log.Info("loop: dropped index", "index", created.IndexName, "reason", why)
	return true
}

func (c *Controller) acquire(ctx context.Context, targetID string) (func(), error) {
	lock := c.lockFor(targetID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		<-lock
		return nil, err
	}
	c.inflight.Add(ctx, 1)
	return func() {
		c.inflight.Add(context.WithoutCancel(ctx), -1)
		c.sem.Release(1)
		<-lock
	}, nil
}

func (c *Controller) lockFor(targetID string) chan struct{} {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	l, ok := c.locks[targetID]
	if !ok {
		l = make(chan struct{}, 1)
		c.locks[targetID] = l
	}
	return l
}

// record persists rec and fans it out to the sinks. It uses a context that
// survives cancellation so a shutdown mid-cycle still leaves a record.
func (c *Controller) record(ctx context.Context, t model.Target, rec model.ActionRecord) (model.ActionRecord, error) {
	c.states.set(t.ID, StateRecording)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	stored, err := c.deps.Registry.AppendRecord(wctx, rec)
	if err != nil {
		return rec, fmt.Errorf("loop: record %s: %w", t.ID, err)
	}
	for _, s := range c.deps.Sinks {
		s.OnRecord(wctx, t, stored)
	}
	return stored, nil
}

func observeReason(err error) string {
	var merr *planparse.MalformedPlanError
	if errors.As(err, &merr) {
		return "malformed_plan: " + merr.Detail()
	}
	return "observe: " + err.Error()
}
