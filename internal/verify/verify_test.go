package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/chosei/internal/model"
)

type seqSampler struct {
	times []float64
	calls int
	err   error
}

func (s *seqSampler) Sample(_ context.Context, t model.Target) (model.PerformanceSample, error) {
	if s.err != nil {
		return model.PerformanceSample{}, s.err
	}
	ms := s.times[s.calls%len(s.times)]
	s.calls++
	return model.PerformanceSample{TargetID: t.ID, ExecutionTimeMs: ms, ScanKind: model.ScanIndex}, nil
}

var docs = model.Target{ID: "docs"}

func TestVerifyImproved(t *testing.T) {
	v := New(&seqSampler{times: []float64{2.07}}, Config{})
	res, err := v.Verify(context.Background(), docs, model.PerformanceSample{ExecutionTimeMs: 10.99})
	require.NoError(t, err)
	assert.InDelta(t, 0.8117, res.Ratio, 1e-3)
	assert.Equal(t, model.OutcomeImproved, res.Outcome)
	assert.Len(t, res.Trials, 1)
}

func TestVerifyMedianOfTrials(t *testing.T) {
	s := &seqSampler{times: []float64{9, 4, 40}}
	res, err := New(s, Config{Trials: 3}).Verify(context.Background(), docs, model.PerformanceSample{ExecutionTimeMs: 8})
	require.NoError(t, err)
	assert.Equal(t, 3, s.calls)
	assert.InDelta(t, 9.0, res.After.ExecutionTimeMs, 1e-9)
	assert.Equal(t, model.OutcomeRegressed, res.Outcome)
}

func TestVerifyEpsilon(t *testing.T) {
	v := New(&seqSampler{times: []float64{9.8}}, Config{Epsilon: 0.05})
	res, err := v.Verify(context.Background(), docs, model.PerformanceSample{ExecutionTimeMs: 10})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNeutral, res.Outcome)
}

func TestVerifyZeroBaseline(t *testing.T) {
	v := New(&seqSampler{times: []float64{1}}, Config{})
	res, err := v.Verify(context.Background(), docs, model.PerformanceSample{})
	require.NoError(t, err)
	assert.Zero(t, res.Ratio)
	assert.Equal(t, model.OutcomeNeutral, res.Outcome)
}

func TestVerifyErrors(t *testing.T) {
	_, err := New(&seqSampler{err: errors.New("connection reset")}, Config{}).
		Verify(context.Background(), docs, model.PerformanceSample{ExecutionTimeMs: 1})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(&seqSampler{times: []float64{1}}, Config{Settle: 1}).
		Verify(ctx, docs, model.PerformanceSample{ExecutionTimeMs: 1})
	require.ErrorIs(t, err, context.Canceled)
}

func TestMedian(t *testing.T) {
	mk := func(ms ...float64) []model.PerformanceSample {
		out := make([]model.PerformanceSample, len(ms))
		for i, m := range ms {
			out[i] = model.PerformanceSample{ExecutionTimeMs: m}
		}
		return out
	}
	assert.InDelta(t, 2.0, Median(mk(3, 1, 2)).ExecutionTimeMs, 1e-9)
	assert.InDelta(t, 2.0, Median(mk(4, 1, 2, 3)).ExecutionTimeMs, 1e-9)
	assert.Zero(t, Median(nil).ExecutionTimeMs)
}
