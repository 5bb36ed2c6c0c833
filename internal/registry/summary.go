package registry

import (
	"cmp"
	"slices"

	"github.com/ashita-ai/chosei/internal/model"
)

// KindStats aggregates records of one action kind.
type KindStats struct {
	Kind      model.ActionKind
	Total     int
	Succeeded int
	Improved  int
	Regressed int
	// MeanImprovement averages the ratio over verified, successful records.
	MeanImprovement float64
}

// SuccessRate is Succeeded/Total, or 0 for an empty bucket.
func (k KindStats) SuccessRate() float64 {
	if k.Total == 0 {
		return 0
	}
	return float64(k.Succeeded) / float64(k.Total)
}

// Summary is an overview of a registry's contents.
type Summary struct {
	Records     int
	Kinds       []KindStats
	Samples     int
	MeanTimeMs  float64
	MinTimeMs   float64
	MaxTimeMs   float64
	LiveIndexes int
	AgentLive   int
	Recent      []model.ActionRecord
}

// Summarize aggregates records, samples and index entries. recent bounds the
// number of latest records kept in Summary.Recent.
func Summarize(records []model.ActionRecord, samples []model.PerformanceSample, indexes []model.IndexRegistryEntry, recent int) Summary {
	var sum Summary
	sum.Records = len(records)

	byKind := map[model.ActionKind]*KindStats{}
	ratioSums := map[model.ActionKind]float64{}
	ratioCounts := map[model.ActionKind]int{}
	for _, r := range records {
		ks, ok := byKind[r.Action.Kind]
		if !ok {
			ks = &KindStats{Kind: r.Action.Kind}
			byKind[r.Action.Kind] = ks
		}
		ks.Total++
		if r.Success {
			ks.Succeeded++
		}
		switch r.Outcome {
		case model.OutcomeImproved:
			ks.Improved++
		case model.OutcomeRegressed:
			ks.Regressed++
		}
		if r.Success && r.After != nil {
			ratioSums[r.Action.Kind] += r.ImprovementRatio
			ratioCounts[r.Action.Kind]++
		}
	}
	for kind, ks := range byKind {
		if n := ratioCounts[kind]; n > 0 {
			ks.MeanImprovement = ratioSums[kind] / float64(n)
		}
		sum.Kinds = append(sum.Kinds, *ks)
	}
	slices.SortFunc(sum.Kinds, func(a, b KindStats) int { return cmp.Compare(a.Kind, b.Kind) })

	sum.Samples = len(samples)
	for i, s := range samples {
		sum.MeanTimeMs += s.ExecutionTimeMs
		if i == 0 || s.ExecutionTimeMs < sum.MinTimeMs {
			sum.MinTimeMs = s.ExecutionTimeMs
		}
		if s.ExecutionTimeMs > sum.MaxTimeMs {
			sum.MaxTimeMs = s.ExecutionTimeMs
		}
	}
	if len(samples) > 0 {
		sum.MeanTimeMs /= float64(len(samples))
	}

	for _, e := range indexes {
		if !e.Live() {
			continue
		}
		sum.LiveIndexes++
		if e.CreatedBy == model.CreatedByAgent {
			sum.AgentLive++
		}
	}

	if recent > 0 {
		sorted := slices.Clone(records)
		slices.SortStableFunc(sorted, func(a, b model.ActionRecord) int {
			return b.AppliedAt.Compare(a.AppliedAt)
		})
		sum.Recent = sorted[:min(recent, len(sorted))]
	}
	return sum
}
