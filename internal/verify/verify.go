// Package verify re-measures a target after an action and classifies the
// change.
//
// Measurements reuse the probe that produced the before sample, so the
// after sample runs with a warmer cache. That bias favors the new index
// slightly and is accepted rather than corrected for.
package verify

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ashita-ai/chosei/internal/model"
)

// Sampler measures a target's probe query once.
type Sampler interface {
	Sample(ctx context.Context, t model.Target) (model.PerformanceSample, error)
}

// Config controls how the after measurement is taken.
type Config struct {
	// Trials is the number of re-measurements; the median is reported.
	Trials int
	// Settle is waited before each trial.
	Settle time.Duration
	// Epsilon is the ratio band classified as NEUTRAL.
	Epsilon float64
}

// Result is the verifier's finding.
type Result struct {
	After   model.PerformanceSample
	Trials  []model.PerformanceSample
	Ratio   float64
	Outcome model.Outcome
}

// Verifier measures and classifies.
type Verifier struct {
	sampler Sampler
	cfg     Config
}

// New returns a Verifier.
func New(sampler Sampler, cfg Config) *Verifier {
	if cfg.Trials < 1 {
		cfg.Trials = 1
	}
	return &Verifier{sampler: sampler, cfg: cfg}
}

// Verify measures t Trials times and compares the median against before.
func (v *Verifier) Verify(ctx context.Context, t model.Target, before model.PerformanceSample) (Result, error) {
	trials := make([]model.PerformanceSample, 0, v.cfg.Trials)
	for i := range v.cfg.Trials {
		if err := sleep(ctx, v.cfg.Settle); err != nil {
			return Result{}, fmt.Errorf("verify: %w", err)
		}
		s, err := v.sampler.Sample(ctx, t)
		if err != nil {
			return Result{}, fmt.Errorf("verify: trial %d: %w", i+1, err)
		}
		trials = append(trials, s)
	}

	after := Median(trials)
	ratio := model.ImprovementRatio(before.ExecutionTimeMs, after.ExecutionTimeMs)
	return Result{
		After:   after,
		Trials:  trials,
		Ratio:   ratio,
		Outcome: model.Classify(ratio, v.cfg.Epsilon),
	}, nil
}

// Median returns the sample with the median execution time. For an even
// count the lower middle is returned so the result is a real measurement.
func Median(samples []model.PerformanceSample) model.PerformanceSample {
	if len(samples) == 0 {
		return model.PerformanceSample{}
	}
	sorted := slices.Clone(samples)
	slices.SortStableFunc(sorted, func(a, b model.PerformanceSample) int {
		return cmp.Compare(a.ExecutionTimeMs, b.ExecutionTimeMs)
	})
	return sorted[(len(sorted)-1)/2]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 || ctx.Err() != nil {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
