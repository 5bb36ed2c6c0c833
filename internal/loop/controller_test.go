package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/chosei/internal/actuate"
	"github.com/ashita-ai/chosei/internal/decide"
	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/planparse"
	"github.com/ashita-ai/chosei/internal/registry"
	"github.com/ashita-ai/chosei/internal/verify"
)

var (
	docs = model.Target{
		ID:        "docs",
		Schema:    "rag_system",
		Table:     "documents",
		Column:    "embedding",
		Operator:  model.OperatorCosine,
		QueryText: "artificial intelligence and machine learning",
		Limit:     5,
	}
	faqs = model.Target{
		ID:        "faqs",
		Schema:    "rag_system",
		Table:     "faqs",
		Column:    "embedding",
		Operator:  model.OperatorCosine,
		QueryText: "refund policy",
		Limit:     5,
	}
)

func seqSample(ms float64, rows int64) model.PerformanceSample {
	return model.PerformanceSample{ExecutionTimeMs: ms, ScanKind: model.ScanSequential, RowsExamined: rows, RowsReturned: 5}
}

func idxSample(ms float64, index string) model.PerformanceSample {
	return model.PerformanceSample{ExecutionTimeMs: ms, ScanKind: model.ScanIndex, IndexUsed: &index, RowsExamined: 40, RowsReturned: 5}
}

type step struct {
	sample model.PerformanceSample
	err    error
}

// scriptSampler replays per-target steps and repeats the last one.
type scriptSampler struct {
	mu    sync.Mutex
	steps map[string][]step
}

func (s *scriptSampler) push(targetID string, steps ...step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps == nil {
		s.steps = make(map[string][]step)
	}
	s.steps[targetID] = append(s.steps[targetID], steps...)
}

func (s *scriptSampler) Sample(_ context.Context, t model.Target) (model.PerformanceSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.steps[t.ID]
	if len(q) == 0 {
		return model.PerformanceSample{}, errors.New("no scripted sample")
	}
	st := q[0]
	if len(q) > 1 {
		s.steps[t.ID] = q[1:]
	}
	st.sample.TargetID = t.ID
	st.sample.MeasuredAt = time.Now()
	return st.sample, st.err
}

type fakeStore struct {
	mu      sync.Mutex
	exists  map[string]bool
	created []string
	dropped []string

	hang  bool
	gate  chan struct{}
	delay time.Duration

	cur, peak atomic.Int32
}

func newFakeStore() *fakeStore { return &fakeStore{exists: map[string]bool{}} }

func (s *fakeStore) CreateIndex(ctx context.Context, spec actuate.IndexSpec) error {
	n := s.cur.Add(1)
	defer s.cur.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	s.mu.Lock()
	s.created = append(s.created, spec.Name)
	s.exists[spec.Name] = true
	hang, gate, delay := s.hang, s.gate, s.delay
	s.mu.Unlock()

	switch {
	case hang:
		<-ctx.Done()
		return ctx.Err()
	case gate != nil:
		<-gate
	case delay > 0:
		time.Sleep(delay)
	}
	return nil
}

func (s *fakeStore) DropIndex(_ context.Context, _ model.Target, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, name)
	delete(s.exists, name)
	return nil
}

func (s *fakeStore) IndexValid(_ context.Context, _ model.Target, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists[name], nil
}

func (s *fakeStore) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

type staticProfiles struct{ rows int64 }

func (p staticProfiles) Get(_ context.Context, t model.Target) (model.DatasetProfile, error) {
	return model.DatasetProfile{TargetID: t.ID, RowCount: p.rows, Dimensions: 384}, nil
}

func (staticProfiles) Invalidate(string) {}

type harness struct {
	reg     *registry.Memory
	store   *fakeStore
	sampler *scriptSampler
	ctrl    *Controller

	mu      sync.Mutex
	records []model.ActionRecord
}

type harnessOpts struct {
	targets      []model.Target
	engine       decide.Engine
	buildTimeout time.Duration
	loop         Config
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	h := &harness{reg: registry.NewMemory(), store: newFakeStore(), sampler: &scriptSampler{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.targets == nil {
		opts.targets = []model.Target{docs}
	}
	if opts.engine == nil {
		opts.engine = decide.WithCooldown(decide.NewRules(decide.DefaultConfig()), 30*time.Minute)
	}
	ctrl, err := New(opts.targets, Deps{
		Registry: h.reg,
		Sampler:  h.sampler,
		Profiles: staticProfiles{rows: 1000},
		Engine:   opts.engine,
		Actuator: actuate.New(h.store, h.reg, actuate.Config{BuildTimeout: opts.buildTimeout}, logger),
		Verifier: verify.New(h.sampler, verify.Config{}),
		Sinks: []Sink{
			LogSink{Logger: logger},
			SinkFunc(func(_ context.Context, _ model.Target, rec model.ActionRecord) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.records = append(h.records, rec)
			}),
		},
		Logger: logger,
	}, opts.loop)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) sunk() []model.ActionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.ActionRecord(nil), h.records...)
}

func TestCycleCreatesAndActivatesIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	name := actuate.IndexName(docs, model.IndexIVFFlat, 1)
	h.sampler.push(docs.ID, step{sample: seqSample(10.99, 1000)}, step{sample: idxSample(2.07, name)})

	rec, err := h.ctrl.RunCycle(ctx, docs)
	require.NoError(t, err)

	assert.Equal(t, model.ActionCreateIndex, rec.Action.Kind)
	assert.Equal(t, model.IndexIVFFlat, rec.Action.IndexType)
	assert.Equal(t, map[string]int{"lists": 100}, rec.Action.Parameters)
	assert.Equal(t, name, rec.Action.IndexName)
	assert.True(t, rec.Success)
	assert.Nil(t, rec.FailureReason)
	assert.Equal(t, model.OutcomeImproved, rec.Outcome)
	assert.InDelta(t, 0.8117, rec.ImprovementRatio, 1e-3)
	require.NotNil(t, rec.Before)
	require.NotNil(t, rec.After)
	assert.InDelta(t, 10.99, rec.Before.ExecutionTimeMs, 1e-9)
	assert.InDelta(t, 2.07, rec.After.ExecutionTimeMs, 1e-9)
	assert.Equal(t, StateIdle, h.ctrl.State(docs.ID))

	active, err := h.reg.ActiveIndex(ctx, docs.ID, model.OperatorCosine)
	require.NoError(t, err)
	assert.Equal(t, name, active.IndexName)

	hist, err := h.reg.History(ctx, docs.ID, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, rec.ID, hist[0].ID)
	assert.Len(t, h.sunk(), 1)
}

func TestCycleCooldownBlocksRepeat(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	name := actuate.IndexName(docs, model.IndexIVFFlat, 1)
	h.sampler.push(docs.ID,
		step{sample: seqSample(10.99, 1000)},
		step{sample: idxSample(2.07, name)},
		step{sample: seqSample(10.99, 1000)},
	)

	_, err := h.ctrl.RunCycle(ctx, docs)
	require.NoError(t, err)
	rec, err := h.ctrl.RunCycle(ctx, docs)
	require.NoError(t, err)

	assert.Equal(t, model.ActionNoOp, rec.Action.Kind)
	assert.True(t, rec.Success)
	assert.Contains(t, rec.Action.Rationale, "cooldown")
	assert.Equal(t, 1, h.store.createdCount())
}

type proseBackend struct{}

func (proseBackend) Complete(context.Context, string, string) (string, error) {
	return "I think maybe an index would help", nil
}

func TestCycleUnparseableDecisionIsNoOp(t *testing.T) {
	engine := decide.NewInference(proseBackend{}, decide.NewRules(decide.DefaultConfig()),
		decide.DefaultConfig(), planparse.DefaultThresholds, nil)
	h := newHarness(t, harnessOpts{engine: engine})
	h.sampler.push(docs.ID, step{sample: seqSample(10.99, 1000)})

	rec, err := h.ctrl.RunCycle(context.Background(), docs)
	require.NoError(t, err)
	assert.Equal(t, model.ActionNoOp, rec.Action.Kind)
	assert.True(t, rec.Success)
	assert.Zero(t, h.store.createdCount())
	assert.Len(t, h.sunk(), 1)
}

func TestCycleBuildTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{buildTimeout: 20 * time.Millisecond})
	h.store.hang = true
	h.sampler.push(docs.ID, step{sample: seqSample(10.99, 1000)})

	rec, err := h.ctrl.RunCycle(ctx, docs)
	require.NoError(t, err)
	assert.False(t, rec.Success)
	require.NotNil(t, rec.FailureReason)
	assert.Equal(t, "timeout", *rec.FailureReason)
	assert.Nil(t, rec.After)

	entries, err := h.reg.ListIndexes(ctx, docs.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []string{rec.Action.IndexName}, h.store.dropped)
}

func TestCycleActionsSerializedAcrossTargets(t *testing.T) {
	h := newHarness(t, harnessOpts{
		targets: []model.Target{docs, faqs},
		loop:    Config{MaxConcurrentActions: 1},
	})
	h.store.delay = 50 * time.Millisecond
	for _, tgt := range []model.Target{docs, faqs} {
		h.sampler.push(tgt.ID,
			step{sample: seqSample(10.99, 1000)},
			step{sample: idxSample(2.07, actuate.IndexName(tgt, model.IndexIVFFlat, 1))},
		)
	}

	records, err := h.ctrl.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	for i, rec := range records {
		assert.Equal(t, h.ctrl.Targets()[i].ID, rec.TargetID)
		assert.Equal(t, model.ActionCreateIndex, rec.Action.Kind)
		assert.True(t, rec.Success)
	}
	assert.Equal(t, int32(1), h.store.peak.Load())
}

func TestCycleOneActionPerTargetWithSpareSlots(t *testing.T) {
	var decisions atomic.Int32
	rules := decide.WithCooldown(decide.NewRules(decide.DefaultConfig()), 30*time.Minute)
	h := newHarness(t, harnessOpts{
		engine: decide.EngineFunc(func(ctx context.Context, in decide.Input) (model.TuningAction, error) {
			defer decisions.Add(1)
			return rules.Decide(ctx, in)
		}),
		loop: Config{MaxConcurrentActions: 4},
	})
	h.store.gate = make(chan struct{})
	name := actuate.IndexName(docs, model.IndexIVFFlat, 1)
	h.sampler.push(docs.ID,
		step{sample: seqSample(10.99, 1000)},
		step{sample: seqSample(10.99, 1000)},
		step{sample: idxSample(2.07, name)},
	)

	var wg sync.WaitGroup
	records := make([]model.ActionRecord, 2)
	wg.Go(func() { records[0], _ = h.ctrl.RunCycle(context.Background(), docs) })
	require.Eventually(t, func() bool { return h.store.cur.Load() == 1 }, time.Second, 5*time.Millisecond)

	// The second cycle decides while the first is building, then must wait.
	wg.Go(func() { records[1], _ = h.ctrl.RunCycle(context.Background(), docs) })
	require.Eventually(t, func() bool { return decisions.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), h.store.cur.Load())

	close(h.store.gate)
	wg.Wait()

	assert.Equal(t, int32(1), h.store.peak.Load())
	assert.Equal(t, 1, h.store.createdCount())
	assert.Equal(t, model.ActionCreateIndex, records[0].Action.Kind)
	assert.True(t, records[0].Success)
	assert.Equal(t, model.ActionNoOp, records[1].Action.Kind)
	assert.True(t, records[1].Success)
}

func TestCycleStaleDecisionIsSuperseded(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var calls atomic.Int32
	rules := decide.NewRules(decide.DefaultConfig())
	h := newHarness(t, harnessOpts{
		engine: decide.EngineFunc(func(ctx context.Context, in decide.Input) (model.TuningAction, error) {
			if calls.Add(1) == 1 {
				close(entered)
				<-proceed
			}
			return rules.Decide(ctx, in)
		}),
		loop: Config{MaxConcurrentActions: 4},
	})
	name := actuate.IndexName(docs, model.IndexIVFFlat, 1)
	h.sampler.push(docs.ID,
		step{sample: seqSample(10.99, 1000)},
		step{sample: seqSample(10.99, 1000)},
		step{sample: idxSample(2.07, name)},
	)

	// The slow cycle reads an empty history, then another cycle for the same
	// target builds and records an index before it gets the lock.
	var stale model.ActionRecord
	done := make(chan struct{})
	go func() {
		defer close(done)
		stale, _ = h.ctrl.RunCycle(ctx, docs)
	}()
	<-entered

	fresh, err := h.ctrl.RunCycle(ctx, docs)
	require.NoError(t, err)
	require.Equal(t, model.ActionCreateIndex, fresh.Action.Kind)
	require.True(t, fresh.Success)

	close(proceed)
	<-done

	assert.Equal(t, model.ActionNoOp, stale.Action.Kind)
	assert.True(t, stale.Success)
	assert.Contains(t, stale.Action.Rationale, "superseded: concurrent CREATE_INDEX "+name)
	assert.Equal(t, 1, h.store.createdCount())
}

func TestCycleMalformedPlan(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.sampler.push(docs.ID, step{err: &planparse.MalformedPlanError{Field: "Execution Time"}})

	rec, err := h.ctrl.RunCycle(context.Background(), docs)
	require.NoError(t, err)
	assert.Equal(t, model.ActionNoOp, rec.Action.Kind)
	assert.False(t, rec.Success)
	require.NotNil(t, rec.FailureReason)
	assert.Equal(t, `malformed_plan: "Execution Time" missing`, *rec.FailureReason)
	assert.Nil(t, rec.Before)
	assert.Zero(t, h.store.createdCount())
}

func TestCycleObservationError(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.sampler.push(docs.ID, step{err: errors.New("connection refused")})

	rec, err := h.ctrl.RunCycle(context.Background(), docs)
	require.NoError(t, err)
	require.NotNil(t, rec.FailureReason)
	assert.Equal(t, "observe: connection refused", *rec.FailureReason)
}

func TestCycleVerificationError(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.sampler.push(docs.ID, step{sample: seqSample(10.99, 1000)}, step{err: errors.New("connection reset")})

	rec, err := h.ctrl.RunCycle(context.Background(), docs)
	require.NoError(t, err)
	assert.False(t, rec.Success)
	require.NotNil(t, rec.FailureReason)
	assert.Contains(t, *rec.FailureReason, "verify: ")

	_, err = h.reg.ActiveIndex(context.Background(), docs.ID, model.OperatorCosine)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	// The unverified index is not left behind.
	assert.True(t, rec.RolledBack)
	e, err := h.reg.GetIndex(context.Background(), rec.Action.IndexName)
	require.NoError(t, err)
	assert.False(t, e.Live())
	assert.Equal(t, []string{rec.Action.IndexName}, h.store.dropped)
}

func TestCycleVerificationErrorThenRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	first := actuate.IndexName(docs, model.IndexIVFFlat, 1)
	h.sampler.push(docs.ID,
		step{sample: seqSample(10.99, 1000)},
		step{err: errors.New("connection reset")},
		step{sample: seqSample(10.99, 1000)},
		step{sample: idxSample(2.07, actuate.IndexName(docs, model.IndexHNSW, 2))},
	)

	rec, err := h.ctrl.RunCycle(ctx, docs)
	require.NoError(t, err)
	require.False(t, rec.Success)

	// The table is back to a sequential scan, so the tuner tries again with
	// the other type instead of idling behind an orphaned index.
	rec, err = h.ctrl.RunCycle(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, model.ActionCreateIndex, rec.Action.Kind)
	assert.True(t, rec.Success)

	entries, err := h.reg.ListIndexes(ctx, docs.ID)
	require.NoError(t, err)
	live := 0
	for _, e := range entries {
		if e.Live() {
			live++
			assert.NotEqual(t, first, e.IndexName)
		}
	}
	assert.Equal(t, 1, live)
}

func TestCycleRegressionRollback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{loop: Config{RollbackOnRegression: true}})
	name := actuate.IndexName(docs, model.IndexIVFFlat, 1)
	h.sampler.push(docs.ID, step{sample: seqSample(10.99, 1000)}, step{sample: idxSample(20, name)})

	rec, err := h.ctrl.RunCycle(ctx, docs)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, model.OutcomeRegressed, rec.Outcome)
	assert.True(t, rec.RolledBack)

	e, err := h.reg.GetIndex(ctx, name)
	require.NoError(t, err)
	assert.False(t, e.Live())
	assert.False(t, e.Active)
}

func TestCycleRegressedIndexDroppedNextCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	name := actuate.IndexName(docs, model.IndexIVFFlat, 1)
	h.sampler.push(docs.ID,
		step{sample: seqSample(10.99, 1000)},
		step{sample: idxSample(20, name)},
		step{sample: idxSample(20, name)},
		step{sample: seqSample(10.5, 1000)},
	)

	first, err := h.ctrl.RunCycle(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRegressed, first.Outcome)
	assert.False(t, first.RolledBack)

	e, err := h.reg.GetIndex(ctx, name)
	require.NoError(t, err)
	assert.True(t, e.Live())
	assert.False(t, e.Active)

	second, err := h.ctrl.RunCycle(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, model.ActionDropIndex, second.Action.Kind)
	assert.Equal(t, name, second.Action.IndexName)
	assert.True(t, second.Success)

	e, err = h.reg.GetIndex(ctx, name)
	require.NoError(t, err)
	assert.False(t, e.Live())
}

func TestStateDuringAction(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.store.gate = make(chan struct{})
	name := actuate.IndexName(docs, model.IndexIVFFlat, 1)
	h.sampler.push(docs.ID, step{sample: seqSample(10.99, 1000)}, step{sample: idxSample(2.07, name)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.ctrl.RunCycle(context.Background(), docs)
	}()

	require.Eventually(t, func() bool { return h.ctrl.State(docs.ID) == StateActing },
		time.Second, 5*time.Millisecond)
	close(h.store.gate)
	<-done
	assert.Equal(t, StateIdle, h.ctrl.State(docs.ID))
	assert.Equal(t, StateIdle, h.ctrl.State("unknown"))
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, harnessOpts{loop: Config{CycleInterval: 10 * time.Millisecond}})
	h.sampler.push(docs.ID, step{sample: model.PerformanceSample{ExecutionTimeMs: 1, ScanKind: model.ScanSequential}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, h.ctrl.Run(ctx))

	recs := h.sunk()
	require.NotEmpty(t, recs)
	for _, r := range recs {
		assert.Equal(t, model.ActionNoOp, r.Action.Kind)
	}
}

func TestNewRejectsDuplicateTargets(t *testing.T) {
	_, err := New([]model.Target{docs, docs}, Deps{
		Registry: registry.NewMemory(),
		Sampler:  &scriptSampler{},
		Engine:   decide.NewRules(decide.DefaultConfig()),
		Actuator: actuate.New(newFakeStore(), registry.NewMemory(), actuate.Config{}, nil),
		Verifier: verify.New(&scriptSampler{}, verify.Config{}),
	}, Config{})
	require.Error(t, err)

	_, err = New([]model.Target{docs}, Deps{}, Config{})
	require.Error(t, err)
}
