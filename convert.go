package chosei

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashita-ai/chosei/internal/decide"
	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/registry"
)

// Conversion helpers between internal/model and the public types. This is
// the only place that sees both sides of the boundary.

func toModelTarget(t Target) model.Target {
	return model.Target{
		ID:               t.ID,
		Schema:           t.Schema,
		Table:            t.Table,
		Column:           t.Column,
		Operator:         model.Operator(t.Operator),
		TenantColumn:     t.TenantColumn,
		Tenant:           t.Tenant,
		QueryText:        t.QueryText,
		Limit:            t.Limit,
		LatencySensitive: t.LatencySensitive,
	}
}

func toPublicTarget(t model.Target) Target {
	return Target{
		ID:               t.ID,
		Schema:           t.Schema,
		Table:            t.Table,
		Column:           t.Column,
		Operator:         Operator(t.Operator),
		TenantColumn:     t.TenantColumn,
		Tenant:           t.Tenant,
		QueryText:        t.QueryText,
		Limit:            t.Limit,
		LatencySensitive: t.LatencySensitive,
	}
}

func toPublicSample(s model.PerformanceSample) Sample {
	out := Sample{
		ID:              s.ID,
		TargetID:        s.TargetID,
		MeasuredAt:      s.MeasuredAt,
		ExecutionTimeMs: s.ExecutionTimeMs,
		PlanningTimeMs:  s.PlanningTimeMs,
		ScanKind:        string(s.ScanKind),
		RowsExamined:    s.RowsExamined,
		RowsReturned:    s.RowsReturned,
	}
	if s.UsesIndex() {
		out.IndexUsed = *s.IndexUsed
	}
	return out
}

func toPublicAction(a model.TuningAction) Action {
	a = a.Clone()
	return Action{
		Kind:       string(a.Kind),
		IndexType:  string(a.IndexType),
		IndexName:  a.IndexName,
		Parameters: a.Parameters,
		Rationale:  a.Rationale,
	}
}

func toPublicRecord(r model.ActionRecord) Record {
	out := Record{
		ID:               r.ID,
		TargetID:         r.TargetID,
		Action:           toPublicAction(r.Action),
		Success:          r.Success,
		Outcome:          string(r.Outcome),
		ImprovementRatio: r.ImprovementRatio,
		AppliedAt:        r.AppliedAt,
		RolledBack:       r.RolledBack,
	}
	if r.Before != nil {
		s := toPublicSample(*r.Before)
		out.Before = &s
	}
	if r.After != nil {
		s := toPublicSample(*r.After)
		out.After = &s
	}
	if r.FailureReason != nil {
		out.FailureReason = *r.FailureReason
	}
	return out
}

func toPublicRecords(in []model.ActionRecord) []Record {
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = toPublicRecord(r)
	}
	return out
}

func toPublicIndex(e model.IndexRegistryEntry) IndexEntry {
	out := IndexEntry{
		Name:       e.IndexName,
		TargetID:   e.TargetID,
		Operator:   Operator(e.Operator),
		IndexType:  string(e.IndexType),
		Parameters: e.Parameters,
		CreatedAt:  e.CreatedAt,
		CreatedBy:  string(e.CreatedBy),
		Active:     e.Active,
		DroppedAt:  e.DroppedAt,
	}
	if e.SupersededBy != nil {
		out.SupersededBy = *e.SupersededBy
	}
	return out
}

func toPublicIndexes(in []model.IndexRegistryEntry) []IndexEntry {
	out := make([]IndexEntry, len(in))
	for i, e := range in {
		out[i] = toPublicIndex(e)
	}
	return out
}

func toPublicSummary(s registry.Summary) Summary {
	out := Summary{
		Records:     s.Records,
		Samples:     s.Samples,
		MeanTimeMs:  s.MeanTimeMs,
		MinTimeMs:   s.MinTimeMs,
		MaxTimeMs:   s.MaxTimeMs,
		LiveIndexes: s.LiveIndexes,
		AgentLive:   s.AgentLive,
		Recent:      toPublicRecords(s.Recent),
	}
	for _, k := range s.Kinds {
		out.Kinds = append(out.Kinds, KindSummary{
			Kind:            string(k.Kind),
			Total:           k.Total,
			Succeeded:       k.Succeeded,
			Improved:        k.Improved,
			Regressed:       k.Regressed,
			SuccessRate:     k.SuccessRate(),
			MeanImprovement: k.MeanImprovement,
		})
	}
	return out
}

// strategyAdapter lets a public Strategy act as a decide.Engine.
type strategyAdapter struct {
	s Strategy
}

func (a strategyAdapter) Decide(ctx context.Context, in decide.Input) (model.TuningAction, error) {
	pub := DecisionInput{
		Target: toPublicTarget(in.Target),
		Sample: toPublicSample(in.Sample),
		Profile: Profile{
			RowCount:        in.Profile.RowCount,
			Dimensions:      in.Profile.Dimensions,
			DistinctTenants: in.Profile.DistinctTenants,
			Skew:            in.Profile.Skew,
		},
		History: toPublicRecords(in.History),
		Indexes: toPublicIndexes(in.Indexes),
		Now:     in.Now,
	}
	act, err := a.s.Decide(ctx, pub)
	if err != nil {
		return model.NoOp(in.Target.ID, "strategy failed"), err
	}
	return model.TuningAction{
		Kind:       model.ActionKind(act.Kind),
		IndexType:  model.IndexType(act.IndexType),
		IndexName:  act.IndexName,
		Operator:   in.Target.Operator,
		Parameters: act.Parameters,
		Rationale:  act.Rationale,
		TargetID:   in.Target.ID,
	}, nil
}

// eventSinkAdapter fans records out to public EventSinks without blocking
// the loop. Wait blocks until in-flight deliveries finish.
type eventSinkAdapter struct {
	sinks  []EventSink
	logger *slog.Logger
	wg     sync.WaitGroup
}

func (a *eventSinkAdapter) OnRecord(ctx context.Context, _ model.Target, rec model.ActionRecord) {
	ev := Event{
		TargetID:         rec.TargetID,
		Kind:             string(rec.Action.Kind),
		IndexType:        string(rec.Action.IndexType),
		Success:          rec.Success,
		Outcome:          string(rec.Outcome),
		ImprovementRatio: rec.ImprovementRatio,
		Timestamp:        rec.AppliedAt,
	}
	ctx = context.WithoutCancel(ctx)
	for _, s := range a.sinks {
		a.wg.Go(func() {
			if err := s.OnEvent(ctx, ev); err != nil {
				a.logger.Warn("event sink failed", "target_id", ev.TargetID, "error", err)
			}
		})
	}
}

func (a *eventSinkAdapter) Wait() { a.wg.Wait() }
