package actuate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/registry"
)

type fakeStore struct {
	mu      sync.Mutex
	created []IndexSpec
	dropped []string
	exists  map[string]bool

	createErr error
	hang      bool
	invalid   bool
}

func newFakeStore() *fakeStore { return &fakeStore{exists: map[string]bool{}} }

func (s *fakeStore) CreateIndex(ctx context.Context, spec IndexSpec) error {
	s.mu.Lock()
	s.created = append(s.created, spec)
	s.exists[spec.Name] = true
	hang, err := s.hang, s.createErr
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *fakeStore) DropIndex(ctx context.Context, _ model.Target, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, name)
	delete(s.exists, name)
	return nil
}

func (s *fakeStore) IndexValid(_ context.Context, _ model.Target, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists[name] && !s.invalid, nil
}

func target() model.Target {
	return model.Target{
		ID: "docs", Schema: "rag_system", Table: "documents", Column: "embedding",
		Operator: model.OperatorCosine, QueryText: "q", Limit: 5,
	}
}

func ivfflat() model.TuningAction {
	return model.TuningAction{
		Kind: model.ActionCreateIndex, IndexType: model.IndexIVFFlat,
		Operator: model.OperatorCosine, Parameters: map[string]int{"lists": 100}, TargetID: "docs",
	}
}

func TestCreateRegistersInactiveAgentIndex(t *testing.T) {
	store, reg := newFakeStore(), registry.NewMemory()
	a := New(store, reg, Config{}, nil)

	applied, err := a.Apply(context.Background(), target(), ivfflat())
	require.NoError(t, err)
	assert.Equal(t, IndexName(target(), model.IndexIVFFlat, 1), applied.IndexName)
	require.Len(t, store.created, 1)
	assert.Equal(t, model.IndexIVFFlat, store.created[0].Type)
	assert.Equal(t, 100, store.created[0].Parameters["lists"])

	e, err := reg.GetIndex(context.Background(), applied.IndexName)
	require.NoError(t, err)
	assert.Equal(t, model.CreatedByAgent, e.CreatedBy)
	assert.False(t, e.Active)
	assert.True(t, e.Live())

	second, err := a.Apply(context.Background(), target(), ivfflat())
	require.NoError(t, err)
	assert.NotEqual(t, applied.IndexName, second.IndexName)
}

func TestCreateTimeoutCleansUp(t *testing.T) {
	store, reg := newFakeStore(), registry.NewMemory()
	store.hang = true
	a := New(store, reg, Config{BuildTimeout: 20 * time.Millisecond}, nil)

	applied, err := a.Apply(context.Background(), target(), ivfflat())
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "timeout", Reason(err))
	assert.Equal(t, []string{applied.IndexName}, store.dropped)

	_, err = reg.GetIndex(context.Background(), applied.IndexName)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestCreateCleanupSurvivesCancelledCaller(t *testing.T) {
	store, reg := newFakeStore(), registry.NewMemory()
	store.hang = true
	a := New(store, reg, Config{BuildTimeout: time.Minute}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	applied, err := a.Apply(ctx, target(), ivfflat())
	require.Error(t, err)
	assert.Equal(t, []string{applied.IndexName}, store.dropped)
}

func TestCreateDDLError(t *testing.T) {
	store, reg := newFakeStore(), registry.NewMemory()
	store.createErr = errors.New(`relation "documents" does not exist`)
	a := New(store, reg, Config{}, nil)

	_, err := a.Apply(context.Background(), target(), ivfflat())
	var derr *DDLExecutionError
	require.ErrorAs(t, err, &derr)
	assert.True(t, strings.HasPrefix(Reason(err), "ddl_error: "))
	assert.Len(t, store.dropped, 1)
}

func TestCreateInvalidIndex(t *testing.T) {
	store, reg := newFakeStore(), registry.NewMemory()
	store.invalid = true
	a := New(store, reg, Config{}, nil)

	applied, err := a.Apply(context.Background(), target(), ivfflat())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "invalid_index", Reason(err))
	assert.Equal(t, []string{applied.IndexName}, store.dropped)
}

func TestCreateRejectsBadParameters(t *testing.T) {
	store, reg := newFakeStore(), registry.NewMemory()
	a := New(store, reg, Config{}, nil)

	action := ivfflat()
	action.Parameters = map[string]int{"m": 16}
	_, err := a.Apply(context.Background(), target(), action)
	var perr *ParameterError
	require.ErrorAs(t, err, &perr)
	assert.Empty(t, store.created)
}

func TestValidateParameters(t *testing.T) {
	assert.NoError(t, ValidateParameters(model.IndexHNSW, map[string]int{"m": 16, "ef_construction": 64}))
	assert.NoError(t, ValidateParameters(model.IndexIVFFlat, nil))
	assert.Error(t, ValidateParameters(model.IndexIVFFlat, map[string]int{"lists": 0}))
	assert.Error(t, ValidateParameters(model.IndexHNSW, map[string]int{"m": 16, "ef_construction": 20}))
	assert.Error(t, ValidateParameters("BTREE", nil))
}

func TestDrop(t *testing.T) {
	ctx := context.Background()
	store, reg := newFakeStore(), registry.NewMemory()
	a := New(store, reg, Config{}, nil)
	require.NoError(t, reg.RegisterIndex(ctx, model.IndexRegistryEntry{
		IndexName: "docs_manual_hnsw", TargetID: "docs", IndexType: model.IndexHNSW,
		Operator: model.OperatorCosine, CreatedBy: model.CreatedByManual, Active: true,
	}))

	drop := func(name string) error {
		_, err := a.Apply(ctx, target(), model.TuningAction{Kind: model.ActionDropIndex, IndexName: name, TargetID: "docs"})
		return err
	}

	var rerr *RefusedError
	require.ErrorAs(t, drop("docs_manual_hnsw"), &rerr)
	require.ErrorAs(t, drop("never_registered"), &rerr)
	assert.Empty(t, store.dropped)

	applied, err := a.Apply(ctx, target(), ivfflat())
	require.NoError(t, err)
	require.NoError(t, reg.ActivateIndex(ctx, applied.IndexName))
	require.ErrorAs(t, drop(applied.IndexName), &rerr, "active index")

	require.NoError(t, a.Clean(ctx, target(), applied.IndexName))
	e, err := reg.GetIndex(ctx, applied.IndexName)
	require.NoError(t, err)
	assert.False(t, e.Live())
	require.ErrorAs(t, drop(applied.IndexName), &rerr, "already dropped")
	assert.Equal(t, []string{applied.IndexName}, store.dropped)

	require.ErrorAs(t, a.Clean(ctx, target(), "docs_manual_hnsw"), &rerr)
}

func TestNoOp(t *testing.T) {
	store := newFakeStore()
	a := New(store, registry.NewMemory(), Config{}, nil)
	applied, err := a.Apply(context.Background(), target(), model.NoOp("docs", "fine"))
	require.NoError(t, err)
	assert.Equal(t, model.ActionNoOp, applied.Kind)
	assert.Empty(t, store.created)
}

func TestIndexName(t *testing.T) {
	n := IndexName(target(), model.IndexHNSW, 3)
	assert.Regexp(t, `^chosei_documents_[0-9a-f]{8}_hnsw_3$`, n)
	assert.Equal(t, n, IndexName(target(), model.IndexHNSW, 3))

	other := target()
	other.ID = "docs-tenant-7"
	assert.NotEqual(t, n, IndexName(other, model.IndexHNSW, 3))

	long := target()
	long.Table = "Very_Long-Table Name " + strings.Repeat("x", 80)
	n = IndexName(long, model.IndexIVFFlat, 123456)
	assert.LessOrEqual(t, len(n), 63)
	assert.Equal(t, strings.ToLower(n), n)
	assert.True(t, strings.HasSuffix(n, "_ivfflat_123456"))
	assert.NotContains(t, n, " ")
}
