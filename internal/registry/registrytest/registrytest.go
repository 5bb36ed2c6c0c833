// Package registrytest is a conformance suite run against every registry
// backend.
package registrytest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/registry"
)

// Factory returns an empty registry. It is called once per subtest.
type Factory func(t *testing.T) registry.Registry

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// Run executes the suite.
func Run(t *testing.T, newRegistry Factory) {
	t.Run("AppendAndHistory", func(t *testing.T) { testAppendAndHistory(t, newRegistry(t)) })
	t.Run("HistoryWindow", func(t *testing.T) { testHistoryWindow(t, newRegistry(t)) })
	t.Run("RejectsInconsistentRecord", func(t *testing.T) { testRejectsInconsistent(t, newRegistry(t)) })
	t.Run("Samples", func(t *testing.T) { testSamples(t, newRegistry(t)) })
	t.Run("NextAttempt", func(t *testing.T) { testNextAttempt(t, newRegistry(t)) })
	t.Run("IndexLifecycle", func(t *testing.T) { testIndexLifecycle(t, newRegistry(t)) })
	t.Run("SingleActivePerOperator", func(t *testing.T) { testSingleActive(t, newRegistry(t)) })
	t.Run("ConcurrentTargets", func(t *testing.T) { testConcurrentTargets(t, newRegistry(t)) })
}

func sample(target string, at time.Time, ms float64) model.PerformanceSample {
	return model.PerformanceSample{
		TargetID:        target,
		MeasuredAt:      at,
		ExecutionTimeMs: ms,
		ScanKind:        model.ScanSequential,
		RowsExamined:    1000,
		RowsReturned:    5,
		RawPlan:         map[string]any{"Execution Time": ms, "Plan": map[string]any{"Node Type": "Seq Scan"}},
	}
}

func createRecord(target string, at time.Time) model.ActionRecord {
	before := sample(target, at.Add(-time.Second), 10.99)
	after := sample(target, at.Add(time.Second), 2.07)
	idx := "chosei_docs_ivfflat_1"
	after.ScanKind = model.ScanIndex
	after.IndexUsed = &idx
	rec := model.ActionRecord{
		TargetID: target,
		Action: model.TuningAction{
			Kind:       model.ActionCreateIndex,
			IndexType:  model.IndexIVFFlat,
			IndexName:  idx,
			Operator:   model.OperatorCosine,
			Parameters: map[string]int{"lists": 100},
			Rationale:  "sequential scan over 1000 rows",
			TargetID:   target,
		},
		Before:           &before,
		After:            &after,
		Outcome:          model.OutcomeImproved,
		ImprovementRatio: model.ImprovementRatio(before.ExecutionTimeMs, after.ExecutionTimeMs),
		AppliedAt:        at,
	}
	rec.Succeed()
	return rec
}

func noopRecord(target string, at time.Time) model.ActionRecord {
	rec := model.ActionRecord{TargetID: target, Action: model.NoOp(target, "acceptable"), AppliedAt: at}
	rec.Succeed()
	return rec
}

func testAppendAndHistory(t *testing.T, reg registry.Registry) {
	ctx := context.Background()

	stored, err := reg.AppendRecord(ctx, createRecord("docs", base))
	require.NoError(t, err)
	assert.NotZero(t, stored.ID)

	failed := model.ActionRecord{
		TargetID:  "docs",
		Action:    model.TuningAction{Kind: model.ActionCreateIndex, IndexType: model.IndexHNSW, TargetID: "docs"},
		AppliedAt: base.Add(time.Minute),
	}
	failed.Fail("timeout")
	_, err = reg.AppendRecord(ctx, failed)
	require.NoError(t, err)

	_, err = reg.AppendRecord(ctx, noopRecord("docs", base.Add(2*time.Minute)))
	require.NoError(t, err)
	_, err = reg.AppendRecord(ctx, noopRecord("other", base.Add(3*time.Minute)))
	require.NoError(t, err)

	hist, err := reg.History(ctx, "docs", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)

	assert.Equal(t, model.ActionCreateIndex, hist[0].Action.Kind)
	assert.Equal(t, model.ActionCreateIndex, hist[1].Action.Kind)
	assert.Equal(t, model.ActionNoOp, hist[2].Action.Kind)
	for i := 1; i < len(hist); i++ {
		assert.False(t, hist[i].AppliedAt.Before(hist[i-1].AppliedAt), "history must be ascending")
	}

	first := hist[0]
	assert.Equal(t, stored.ID, first.ID)
	assert.True(t, first.Success)
	assert.Nil(t, first.FailureReason)
	assert.Equal(t, model.OutcomeImproved, first.Outcome)
	assert.InDelta(t, 0.8116, first.ImprovementRatio, 0.0001)
	assert.Equal(t, model.IndexIVFFlat, first.Action.IndexType)
	assert.Equal(t, map[string]int{"lists": 100}, first.Action.Parameters)
	assert.Equal(t, model.OperatorCosine, first.Action.Operator)
	assert.WithinDuration(t, base, first.AppliedAt, time.Microsecond)
	require.NotNil(t, first.Before)
	require.NotNil(t, first.After)
	assert.InDelta(t, 10.99, first.Before.ExecutionTimeMs, 1e-9)
	assert.InDelta(t, 2.07, first.After.ExecutionTimeMs, 1e-9)
	assert.Equal(t, model.ScanIndex, first.After.ScanKind)
	require.NotNil(t, first.After.IndexUsed)
	assert.Equal(t, "chosei_docs_ivfflat_1", *first.After.IndexUsed)
	assert.Contains(t, first.Before.RawPlan, "Plan")

	second := hist[1]
	assert.False(t, second.Success)
	require.NotNil(t, second.FailureReason)
	assert.Equal(t, "timeout", *second.FailureReason)
	assert.Nil(t, second.Before)
}

func testHistoryWindow(t *testing.T, reg registry.Registry) {
	ctx := context.Background()
	for i := range 5 {
		_, err := reg.AppendRecord(ctx, noopRecord("docs", base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	hist, err := reg.History(ctx, "docs", base.Add(2*time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, hist, 3)

	hist, err = reg.History(ctx, "docs", time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.WithinDuration(t, base.Add(3*time.Hour), hist[0].AppliedAt, time.Microsecond, "limit keeps the newest records")
	assert.WithinDuration(t, base.Add(4*time.Hour), hist[1].AppliedAt, time.Microsecond)

	hist, err = reg.History(ctx, "unknown", time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func testRejectsInconsistent(t *testing.T, reg registry.Registry) {
	ctx := context.Background()
	reason := "ddl_error: boom"
	bad := model.ActionRecord{TargetID: "docs", Action: model.NoOp("docs", ""), Success: true, FailureReason: &reason}
	_, err := reg.AppendRecord(ctx, bad)
	assert.Error(t, err)

	bad = model.ActionRecord{TargetID: "docs", Action: model.NoOp("docs", "")}
	_, err = reg.AppendRecord(ctx, bad)
	assert.Error(t, err, "failed record without reason")
}

func testSamples(t *testing.T, reg registry.Registry) {
	ctx := context.Background()
	s := sample("docs", base, 4.2)
	s = registry.NormalizeSample(s)
	require.NoError(t, reg.AppendSample(ctx, s))
	require.NoError(t, reg.AppendSample(ctx, s), "appending the same sample twice is a no-op")
	require.NoError(t, reg.AppendSample(ctx, sample("other", base.Add(time.Minute), 1)))

	got, err := reg.Samples(ctx, "docs", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, s.ID, got[0].ID)
	assert.InDelta(t, 4.2, got[0].ExecutionTimeMs, 1e-9)
	assert.EqualValues(t, 1000, got[0].RowsExamined)

	all, err := reg.Samples(ctx, "", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testNextAttempt(t *testing.T, reg registry.Registry) {
	ctx := context.Background()
	var prev int64
	for range 5 {
		n, err := reg.NextAttempt(ctx, "docs")
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
	n, err := reg.NextAttempt(ctx, "other")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func testIndexLifecycle(t *testing.T, reg registry.Registry) {
	ctx := context.Background()

	_, err := reg.GetIndex(ctx, "missing")
	require.ErrorIs(t, err, registry.ErrNotFound)

	entry := model.IndexRegistryEntry{
		IndexName:  "chosei_docs_ivfflat_1",
		TargetID:   "docs",
		Operator:   model.OperatorCosine,
		IndexType:  model.IndexIVFFlat,
		Parameters: map[string]int{"lists": 100},
		CreatedAt:  base,
		CreatedBy:  model.CreatedByAgent,
	}
	require.NoError(t, reg.RegisterIndex(ctx, entry))
	require.ErrorIs(t, reg.RegisterIndex(ctx, entry), registry.ErrDuplicate)

	manual := model.IndexRegistryEntry{
		IndexName: "documents_embedding_idx",
		TargetID:  "docs",
		Operator:  model.OperatorCosine,
		IndexType: model.IndexHNSW,
		CreatedAt: base.Add(-time.Hour),
		CreatedBy: model.CreatedByManual,
	}
	require.NoError(t, reg.RegisterIndex(ctx, manual))
	require.ErrorIs(t, reg.ActivateIndex(ctx, manual.IndexName), registry.ErrNotAgentIndex)

	got, err := reg.GetIndex(ctx, entry.IndexName)
	require.NoError(t, err)
	assert.Equal(t, model.CreatedByAgent, got.CreatedBy)
	assert.Equal(t, map[string]int{"lists": 100}, got.Parameters)
	assert.False(t, got.Active)
	assert.True(t, got.Live())

	list, err := reg.ListIndexes(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, manual.IndexName, list[0].IndexName, "ordered by creation time")

	require.NoError(t, reg.MarkDropped(ctx, entry.IndexName, base.Add(time.Hour)))
	got, err = reg.GetIndex(ctx, entry.IndexName)
	require.NoError(t, err)
	require.NotNil(t, got.DroppedAt)
	assert.False(t, got.Live())
	require.ErrorIs(t, reg.MarkDropped(ctx, "missing", base), registry.ErrNotFound)
}

func testSingleActive(t *testing.T, reg registry.Registry) {
	ctx := context.Background()
	names := []string{"chosei_docs_ivfflat_1", "chosei_docs_hnsw_2"}
	for i, name := range names {
		require.NoError(t, reg.RegisterIndex(ctx, model.IndexRegistryEntry{
			IndexName: name, TargetID: "docs", Operator: model.OperatorCosine,
			IndexType: model.IndexIVFFlat, CreatedAt: base.Add(time.Duration(i) * time.Minute),
			CreatedBy: model.CreatedByAgent,
		}))
	}
	require.NoError(t, reg.RegisterIndex(ctx, model.IndexRegistryEntry{
		IndexName: "chosei_docs_l2_hnsw_3", TargetID: "docs", Operator: model.OperatorL2,
		IndexType: model.IndexHNSW, CreatedAt: base, CreatedBy: model.CreatedByAgent,
	}))

	_, err := reg.ActiveIndex(ctx, "docs", model.OperatorCosine)
	require.ErrorIs(t, err, registry.ErrNotFound)

	require.NoError(t, reg.ActivateIndex(ctx, names[0]))
	require.NoError(t, reg.ActivateIndex(ctx, "chosei_docs_l2_hnsw_3"))
	require.NoError(t, reg.ActivateIndex(ctx, names[1]))

	active, err := reg.ActiveIndex(ctx, "docs", model.OperatorCosine)
	require.NoError(t, err)
	assert.Equal(t, names[1], active.IndexName)

	old, err := reg.GetIndex(ctx, names[0])
	require.NoError(t, err)
	assert.False(t, old.Active)
	require.NotNil(t, old.SupersededBy)
	assert.Equal(t, names[1], *old.SupersededBy)
	assert.True(t, old.Live(), "superseding never drops")

	other, err := reg.ActiveIndex(ctx, "docs", model.OperatorL2)
	require.NoError(t, err)
	assert.Equal(t, "chosei_docs_l2_hnsw_3", other.IndexName, "operators are independent")

	list, err := reg.ListIndexes(ctx, "docs")
	require.NoError(t, err)
	assert.Len(t, registry.Superseded(list), 1)

	require.NoError(t, reg.ActivateIndex(ctx, names[1]), "activation is idempotent")
	require.NoError(t, reg.MarkDropped(ctx, names[1], base.Add(time.Hour)))
	_, err = reg.ActiveIndex(ctx, "docs", model.OperatorCosine)
	require.ErrorIs(t, err, registry.ErrNotFound, "a dropped index is never active")
	require.ErrorIs(t, reg.ActivateIndex(ctx, names[1]), registry.ErrNotFound)
}

func testConcurrentTargets(t *testing.T, reg registry.Registry) {
	ctx := context.Background()
	const targets, perTarget = 4, 10

	var wg sync.WaitGroup
	errs := make(chan error, targets*perTarget)
	for i := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			for j := range perTarget {
				if _, err := reg.AppendRecord(ctx, noopRecord(target, base.Add(time.Duration(j)*time.Second))); err != nil {
					errs <- err
				}
			}
		}(fmt.Sprintf("t%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := range targets {
		hist, err := reg.History(ctx, fmt.Sprintf("t%d", i), time.Time{}, 0)
		require.NoError(t, err)
		assert.Len(t, hist, perTarget)
	}
}
