package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/registry"
	"github.com/ashita-ai/chosei/internal/registry/registrytest"
	"github.com/ashita-ai/chosei/internal/storage/sqlitestore"
)

func open(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteConformance(t *testing.T) {
	registrytest.Run(t, func(t *testing.T) registry.Registry { return open(t) })
}

func TestReopenKeepsAttemptCounter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	s, err := sqlitestore.Open(ctx, path)
	require.NoError(t, err)
	n, err := s.NextAttempt(ctx, "docs")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, s.Close())

	s, err = sqlitestore.Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	n, err = s.NextAttempt(ctx, "docs")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "attempt numbers survive restarts")
}

func TestHistoryRoundTripsAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	s, err := sqlitestore.Open(ctx, path)
	require.NoError(t, err)
	rec := model.ActionRecord{TargetID: "docs", Action: model.NoOp("docs", "performance acceptable")}
	rec.Succeed()
	stored, err := s.AppendRecord(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlitestore.Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	hist, err := s.History(ctx, "docs", stored.AppliedAt, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, stored.ID, hist[0].ID)
	assert.Equal(t, "performance acceptable", hist[0].Action.Rationale)
	assert.True(t, hist[0].AppliedAt.Equal(stored.AppliedAt))
}
