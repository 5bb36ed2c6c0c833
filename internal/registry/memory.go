package registry

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/chosei/internal/model"
)

// Memory is an in-process Registry. State is lost on exit.
type Memory struct {
	mu       sync.RWMutex
	now      func() time.Time
	samples  []model.PerformanceSample
	seen     map[uuid.UUID]struct{}
	records  map[string][]model.ActionRecord
	attempts map[string]int64
	indexes  map[string]model.IndexRegistryEntry
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		seen:     make(map[uuid.UUID]struct{}),
		records:  make(map[string][]model.ActionRecord),
		attempts: make(map[string]int64),
		indexes:  make(map[string]model.IndexRegistryEntry),
	}
}

func (m *Memory) AppendSample(_ context.Context, s model.PerformanceSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendSampleLocked(NormalizeSample(s))
	return nil
}

func (m *Memory) appendSampleLocked(s model.PerformanceSample) {
	if _, ok := m.seen[s.ID]; ok {
		return
	}
	m.seen[s.ID] = struct{}{}
	m.samples = append(m.samples, s)
}

func (m *Memory) AppendRecord(_ context.Context, rec model.ActionRecord) (model.ActionRecord, error) {
	if rec.Success == (rec.FailureReason != nil) {
		return model.ActionRecord{}, fmt.Errorf("registry: record success=%t inconsistent with failure reason", rec.Success)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec = Normalize(rec, m.now())
	if rec.Before != nil {
		m.appendSampleLocked(*rec.Before)
	}
	if rec.After != nil {
		m.appendSampleLocked(*rec.After)
	}
	m.records[rec.TargetID] = append(m.records[rec.TargetID], rec)
	return rec, nil
}

func (m *Memory) History(_ context.Context, targetID string, since time.Time, limit int) ([]model.ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ActionRecord
	for _, r := range m.records[targetID] {
		if !r.AppliedAt.Before(since) {
			out = append(out, r)
		}
	}
	// Stable: equal timestamps keep insertion order.
	slices.SortStableFunc(out, func(a, b model.ActionRecord) int { return a.AppliedAt.Compare(b.AppliedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return slices.Clone(out), nil
}

func (m *Memory) Samples(_ context.Context, targetID string, since time.Time, limit int) ([]model.PerformanceSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.PerformanceSample
	for _, s := range m.samples {
		if (targetID == "" || s.TargetID == targetID) && !s.MeasuredAt.Before(since) {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, func(a, b model.PerformanceSample) int { return a.MeasuredAt.Compare(b.MeasuredAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) NextAttempt(_ context.Context, targetID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[targetID]++
	return m.attempts[targetID], nil
}

func (m *Memory) RegisterIndex(_ context.Context, e model.IndexRegistryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[e.IndexName]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.IndexName)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	e.Parameters = maps.Clone(e.Parameters)
	if e.Active && e.CreatedBy == model.CreatedByAgent {
		m.deactivateLocked(e.TargetID, e.Operator, e.IndexName)
	}
	m.indexes[e.IndexName] = e
	return nil
}

func (m *Memory) GetIndex(_ context.Context, name string) (model.IndexRegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.indexes[name]
	if !ok {
		return model.IndexRegistryEntry{}, fmt.Errorf("%w: index %s", ErrNotFound, name)
	}
	return e, nil
}

func (m *Memory) ListIndexes(_ context.Context, targetID string) ([]model.IndexRegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.IndexRegistryEntry
	for _, e := range m.indexes {
		if targetID == "" || e.TargetID == targetID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b model.IndexRegistryEntry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.IndexName, b.IndexName)
	})
	return out, nil
}

func (m *Memory) ActiveIndex(_ context.Context, targetID string, op model.Operator) (model.IndexRegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.indexes {
		if e.TargetID == targetID && e.Operator == op && e.Active && e.CreatedBy == model.CreatedByAgent && e.Live() {
			return e, nil
		}
	}
	return model.IndexRegistryEntry{}, fmt.Errorf("%w: no active index for %s", ErrNotFound, targetID)
}

func (m *Memory) ActivateIndex(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.indexes[name]
	if !ok || !e.Live() {
		return fmt.Errorf("%w: index %s", ErrNotFound, name)
	}
	if e.CreatedBy != model.CreatedByAgent {
		return fmt.Errorf("%w: %s", ErrNotAgentIndex, name)
	}
	m.deactivateLocked(e.TargetID, e.Operator, name)
	e.Active = true
	m.indexes[name] = e
	return nil
}

// deactivateLocked supersedes the current active index of (target, op) with
// replacement. The caller holds mu.
func (m *Memory) deactivateLocked(targetID string, op model.Operator, replacement string) {
	for name, e := range m.indexes {
		if name == replacement || !e.Active || e.TargetID != targetID || e.Operator != op {
			continue
		}
		e.Active = false
		r := replacement
		e.SupersededBy = &r
		m.indexes[name] = e
	}
}

func (m *Memory) MarkDropped(_ context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.indexes[name]
	if !ok {
		return fmt.Errorf("%w: index %s", ErrNotFound, name)
	}
	at = at.UTC().Truncate(time.Microsecond)
	e.DroppedAt = &at
	e.Active = false
	m.indexes[name] = e
	return nil
}

func (m *Memory) Close() error { return nil }
