package decide

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/registry"
)

// Config holds the thresholds shared by the strategies.
type Config struct {
	// LatencyThresholdMs is the execution time above which an index is considered.
	LatencyThresholdMs float64
	// MinRowsExamined guards against indexing tiny scans.
	MinRowsExamined int64
	// IVFFlatMaxRows is the dataset size above which HNSW is preferred.
	IVFFlatMaxRows int64

	IVFFlatLists       int
	HNSWM              int
	HNSWEfConstruction int

	// Cooldown bounds how far back failed or regressed attempts steer the
	// choice of index type.
	Cooldown time.Duration
}

// DefaultConfig returns the shipped thresholds.
func DefaultConfig() Config {
	return Config{
		LatencyThresholdMs: 10,
		MinRowsExamined:    500,
		IVFFlatMaxRows:     100_000,
		IVFFlatLists:       100,
		HNSWM:              16,
		HNSWEfConstruction: 64,
		Cooldown:           30 * time.Minute,
	}
}

// Parameters returns build parameters for typ on a dataset of rows rows.
// IVFFLAT follows pgvector's guidance of rows/1000 lists up to a million rows
// and sqrt(rows) beyond, never fewer than IVFFlatLists.
func (c Config) Parameters(typ model.IndexType, rows int64) map[string]int {
	switch typ {
	case model.IndexIVFFlat:
		lists := int(rows / 1000)
		if rows > 1_000_000 {
			lists = int(math.Sqrt(float64(rows)))
		}
		return map[string]int{"lists": max(c.IVFFlatLists, lists)}
	case model.IndexHNSW:
		return map[string]int{"m": c.HNSWM, "ef_construction": c.HNSWEfConstruction}
	}
	return nil
}

// preferredType applies the size heuristic: small and medium datasets get
// IVFFLAT, large or latency-sensitive ones HNSW.
func (c Config) preferredType(t model.Target, rows int64) model.IndexType {
	if t.LatencySensitive || rows > c.IVFFlatMaxRows {
		return model.IndexHNSW
	}
	return model.IndexIVFFlat
}

func otherType(t model.IndexType) model.IndexType {
	if t == model.IndexHNSW {
		return model.IndexIVFFlat
	}
	return model.IndexHNSW
}

func createAction(in Input, cfg Config, typ model.IndexType, rationale string) model.TuningAction {
	return model.TuningAction{
		Kind:       model.ActionCreateIndex,
		IndexType:  typ,
		Operator:   in.Target.Operator,
		Parameters: cfg.Parameters(typ, in.datasetRows()),
		Rationale:  rationale,
		TargetID:   in.Target.ID,
	}
}

func dropAction(in Input, e model.IndexRegistryEntry, rationale string) model.TuningAction {
	return model.TuningAction{
		Kind:      model.ActionDropIndex,
		IndexType: e.IndexType,
		IndexName: e.IndexName,
		Operator:  e.Operator,
		Rationale: rationale,
		TargetID:  in.Target.ID,
	}
}

// staleIndex returns the oldest live agent index that no longer serves the
// target: superseded by a newer index, or built by a regressed action that
// was not rolled back.
func staleIndex(in Input) (model.IndexRegistryEntry, string, bool) {
	stale := registry.Superseded(in.Indexes)
	regressed := make(map[string]bool)
	for _, r := range in.History {
		if r.Action.Kind == model.ActionCreateIndex && r.Regressed() && !r.RolledBack && r.Action.IndexName != "" {
			regressed[r.Action.IndexName] = true
		}
	}
	for _, e := range in.Indexes {
		if regressed[e.IndexName] && e.CreatedBy == model.CreatedByAgent && e.Live() && !e.Active && e.SupersededBy == nil {
			stale = append(stale, e)
		}
	}
	if len(stale) == 0 {
		return model.IndexRegistryEntry{}, "", false
	}
	slices.SortStableFunc(stale, func(a, b model.IndexRegistryEntry) int {
		return cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	})
	e := stale[0]
	if e.SupersededBy != nil {
		return e, fmt.Sprintf("index %s was superseded by %s", e.IndexName, *e.SupersededBy), true
	}
	return e, fmt.Sprintf("index %s regressed the query and was never activated", e.IndexName), true
}
