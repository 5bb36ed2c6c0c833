// Package registry defines the action registry: the durable, append-only
// owner of samples, action records and index entries.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/chosei/internal/model"
)

var (
	// ErrNotFound is returned when a requested index entry does not exist.
	ErrNotFound = errors.New("registry: not found")
	// ErrDuplicate is returned when registering an index name twice.
	ErrDuplicate = errors.New("registry: duplicate index name")
	// ErrNotAgentIndex is returned when activating an index the tuner did not build.
	ErrNotAgentIndex = errors.New("registry: index not created by agent")
)

// Registry is implemented by every registry backend. Implementations must be
// safe for concurrent use across targets.
type Registry interface {
	// AppendSample retains a measured sample. Appending the same sample ID
	// twice is a no-op.
	AppendSample(ctx context.Context, s model.PerformanceSample) error

	// AppendRecord persists rec together with its before/after samples and
	// returns it as stored, with ID and AppliedAt assigned.
	AppendRecord(ctx context.Context, rec model.ActionRecord) (model.ActionRecord, error)

	// History returns the most recent limit records for targetID applied at
	// or after since, in ascending applied_at order. limit <= 0 means all.
	History(ctx context.Context, targetID string, since time.Time, limit int) ([]model.ActionRecord, error)

	// Samples returns samples for targetID measured at or after since, in
	// ascending order. An empty targetID returns samples for all targets.
	Samples(ctx context.Context, targetID string, since time.Time, limit int) ([]model.PerformanceSample, error)

	// NextAttempt returns a per-target counter that never repeats.
	NextAttempt(ctx context.Context, targetID string) (int64, error)

	RegisterIndex(ctx context.Context, e model.IndexRegistryEntry) error
	GetIndex(ctx context.Context, name string) (model.IndexRegistryEntry, error)
	// ListIndexes returns entries for targetID, or all entries when empty,
	// ordered by creation time.
	ListIndexes(ctx context.Context, targetID string) ([]model.IndexRegistryEntry, error)
	ActiveIndex(ctx context.Context, targetID string, op model.Operator) (model.IndexRegistryEntry, error)
	// ActivateIndex makes name the authoritative agent index for its target
	// and operator, superseding the previous one without dropping it.
	ActivateIndex(ctx context.Context, name string) error
	MarkDropped(ctx context.Context, name string, at time.Time) error

	Close() error
}

// Normalize fills in identity and timestamps and truncates times to the
// microsecond precision every backend can store.
func Normalize(rec model.ActionRecord, now time.Time) model.ActionRecord {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = now
	}
	rec.AppliedAt = rec.AppliedAt.UTC().Truncate(time.Microsecond)
	if rec.TargetID == "" {
		rec.TargetID = rec.Action.TargetID
	}
	rec.Action = rec.Action.Clone()
	if rec.Before != nil {
		b := NormalizeSample(*rec.Before)
		rec.Before = &b
	}
	if rec.After != nil {
		a := NormalizeSample(*rec.After)
		rec.After = &a
	}
	return rec
}

// NormalizeSample is the sample counterpart of Normalize.
func NormalizeSample(s model.PerformanceSample) model.PerformanceSample {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.MeasuredAt = s.MeasuredAt.UTC().Truncate(time.Microsecond)
	return s
}
