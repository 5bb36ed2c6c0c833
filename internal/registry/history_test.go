package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/chosei/internal/model"
)

func rec(kind model.ActionKind, typ model.IndexType, at time.Time, success bool, outcome model.Outcome) model.ActionRecord {
	r := model.ActionRecord{
		Action:    model.TuningAction{Kind: kind, IndexType: typ},
		AppliedAt: at,
		Outcome:   outcome,
	}
	if success {
		r.Succeed()
	} else {
		r.Fail("ddl_error: rejected")
	}
	return r
}

func TestLastEffective(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	hist := []model.ActionRecord{
		rec(model.ActionCreateIndex, model.IndexIVFFlat, t0, true, model.OutcomeImproved),
		rec(model.ActionCreateIndex, model.IndexHNSW, t0.Add(time.Hour), true, model.OutcomeRegressed),
		rec(model.ActionNoOp, "", t0.Add(2*time.Hour), true, ""),
	}
	got, ok := LastEffective(hist)
	require.True(t, ok)
	assert.Equal(t, model.IndexIVFFlat, got.Action.IndexType)

	_, ok = EffectiveSince(hist, t0.Add(time.Minute))
	assert.False(t, ok)
	_, ok = EffectiveSince(hist, t0)
	assert.True(t, ok)

	_, ok = LastEffective(nil)
	assert.False(t, ok)
}

func TestTriedAndFailed(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	hist := []model.ActionRecord{
		rec(model.ActionCreateIndex, model.IndexIVFFlat, t0, false, ""),
		rec(model.ActionCreateIndex, model.IndexHNSW, t0.Add(time.Hour), true, model.OutcomeRegressed),
		rec(model.ActionCreateIndex, model.IndexIVFFlat, t0.Add(2*time.Hour), true, model.OutcomeNeutral),
	}
	assert.True(t, TriedAndFailed(hist, model.ActionCreateIndex, model.IndexHNSW, t0))
	assert.True(t, TriedAndFailed(hist, model.ActionCreateIndex, model.IndexIVFFlat, t0))
	assert.False(t, TriedAndFailed(hist, model.ActionCreateIndex, model.IndexIVFFlat, t0.Add(30*time.Minute)),
		"the failed IVFFLAT attempt is outside the window")
	assert.False(t, TriedAndFailed(hist, model.ActionDropIndex, "", t0))
}

func TestSuperseded(t *testing.T) {
	newer := "b"
	dropped := time.Now()
	entries := []model.IndexRegistryEntry{
		{IndexName: "a", CreatedBy: model.CreatedByAgent, SupersededBy: &newer},
		{IndexName: "b", CreatedBy: model.CreatedByAgent, Active: true},
		{IndexName: "c", CreatedBy: model.CreatedByAgent, SupersededBy: &newer, DroppedAt: &dropped},
		{IndexName: "m", CreatedBy: model.CreatedByManual, SupersededBy: &newer},
		{IndexName: "r", CreatedBy: model.CreatedByAgent},
	}
	got := Superseded(entries)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].IndexName)
}

func TestSummarize(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	improved := rec(model.ActionCreateIndex, model.IndexIVFFlat, t0, true, model.OutcomeImproved)
	improved.ImprovementRatio = 0.8
	improved.After = &model.PerformanceSample{ExecutionTimeMs: 2}
	regressed := rec(model.ActionCreateIndex, model.IndexHNSW, t0.Add(time.Hour), true, model.OutcomeRegressed)
	regressed.ImprovementRatio = -0.2
	regressed.After = &model.PerformanceSample{ExecutionTimeMs: 12}
	failed := rec(model.ActionCreateIndex, model.IndexHNSW, t0.Add(2*time.Hour), false, "")
	noop := rec(model.ActionNoOp, "", t0.Add(3*time.Hour), true, "")

	samples := []model.PerformanceSample{{ExecutionTimeMs: 10}, {ExecutionTimeMs: 2}, {ExecutionTimeMs: 12}}
	indexes := []model.IndexRegistryEntry{
		{IndexName: "a", CreatedBy: model.CreatedByAgent},
		{IndexName: "m", CreatedBy: model.CreatedByManual},
		{IndexName: "d", CreatedBy: model.CreatedByAgent, DroppedAt: &t0},
	}

	sum := Summarize([]model.ActionRecord{improved, regressed, failed, noop}, samples, indexes, 2)
	assert.Equal(t, 4, sum.Records)
	require.Len(t, sum.Kinds, 2)
	create := sum.Kinds[0]
	assert.Equal(t, model.ActionCreateIndex, create.Kind)
	assert.Equal(t, 3, create.Total)
	assert.Equal(t, 2, create.Succeeded)
	assert.Equal(t, 1, create.Improved)
	assert.Equal(t, 1, create.Regressed)
	assert.InDelta(t, 0.3, create.MeanImprovement, 1e-9)
	assert.InDelta(t, 2.0/3.0, create.SuccessRate(), 1e-9)
	assert.Equal(t, model.ActionNoOp, sum.Kinds[1].Kind)

	assert.Equal(t, 3, sum.Samples)
	assert.InDelta(t, 8.0, sum.MeanTimeMs, 1e-9)
	assert.InDelta(t, 2.0, sum.MinTimeMs, 1e-9)
	assert.InDelta(t, 12.0, sum.MaxTimeMs, 1e-9)
	assert.Equal(t, 2, sum.LiveIndexes)
	assert.Equal(t, 1, sum.AgentLive)

	require.Len(t, sum.Recent, 2)
	assert.Equal(t, model.ActionNoOp, sum.Recent[0].Action.Kind, "most recent first")
}
