package decide

import (
	"context"
	"fmt"

	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/registry"
)

// Rules is the deterministic strategy.
type Rules struct {
	cfg Config
}

// NewRules returns a rule-based engine.
func NewRules(cfg Config) *Rules {
	return &Rules{cfg: cfg}
}

func (r *Rules) Decide(_ context.Context, in Input) (model.TuningAction, error) {
	if e, why, ok := staleIndex(in); ok {
		return dropAction(in, e, why), nil
	}

	s := in.Sample
	if s.ExecutionTimeMs <= r.cfg.LatencyThresholdMs {
		return model.NoOp(in.Target.ID, fmt.Sprintf(
			"execution time %.2f ms within threshold %.2f ms", s.ExecutionTimeMs, r.cfg.LatencyThresholdMs)), nil
	}

	rows := in.datasetRows()
	since := in.now().Add(-r.cfg.Cooldown)

	if s.ScanKind != model.ScanIndex {
		if s.RowsExamined < r.cfg.MinRowsExamined {
			return model.NoOp(in.Target.ID, fmt.Sprintf(
				"%s scan over %d rows is below the %d row minimum", s.ScanKind, s.RowsExamined, r.cfg.MinRowsExamined)), nil
		}
		typ := r.cfg.preferredType(in.Target, rows)
		if registry.TriedAndFailed(in.History, model.ActionCreateIndex, typ, since) {
			alt := otherType(typ)
			if registry.TriedAndFailed(in.History, model.ActionCreateIndex, alt, since) {
				return model.NoOp(in.Target.ID, "both index types failed or regressed recently"), nil
			}
			return createAction(in, r.cfg, alt, fmt.Sprintf(
				"%s scan at %.2f ms over %d rows; %s failed or regressed recently, trying %s",
				s.ScanKind, s.ExecutionTimeMs, s.RowsExamined, typ, alt)), nil
		}
		return createAction(in, r.cfg, typ, fmt.Sprintf(
			"%s scan at %.2f ms over %d rows; dataset of %d rows favors %s",
			s.ScanKind, s.ExecutionTimeMs, s.RowsExamined, rows, typ)), nil
	}

	if used := usedIndex(in); used != nil && used.IndexType == model.IndexIVFFlat && rows > r.cfg.IVFFlatMaxRows {
		if !registry.TriedAndFailed(in.History, model.ActionCreateIndex, model.IndexHNSW, since) {
			return createAction(in, r.cfg, model.IndexHNSW, fmt.Sprintf(
				"IVFFLAT index %s at %.2f ms on %d rows; upgrading to HNSW", used.IndexName, s.ExecutionTimeMs, rows)), nil
		}
	}

	return model.NoOp(in.Target.ID, fmt.Sprintf(
		"index scan at %.2f ms; no better index type applies", s.ExecutionTimeMs)), nil
}

func usedIndex(in Input) *model.IndexRegistryEntry {
	if !in.Sample.UsesIndex() {
		return nil
	}
	for i := range in.Indexes {
		if in.Indexes[i].IndexName == *in.Sample.IndexUsed {
			return &in.Indexes[i]
		}
	}
	return nil
}
