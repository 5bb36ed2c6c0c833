package registry

import (
	"time"

	"github.com/ashita-ai/chosei/internal/model"
)

// The helpers below are pure queries over an ascending history slice. The
// decision engine uses them instead of keeping its own state.

// LastEffective returns the most recent successful, non-regressive change.
func LastEffective(history []model.ActionRecord) (model.ActionRecord, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Effective() {
			return history[i], true
		}
	}
	return model.ActionRecord{}, false
}

// EffectiveSince reports whether any successful, non-regressive change was
// applied at or after since.
func EffectiveSince(history []model.ActionRecord, since time.Time) (model.ActionRecord, bool) {
	rec, ok := LastEffective(history)
	if !ok || rec.AppliedAt.Before(since) {
		return model.ActionRecord{}, false
	}
	return rec, true
}

// TriedAndFailed reports whether an action of the given kind and index type
// failed or regressed at or after since.
func TriedAndFailed(history []model.ActionRecord, kind model.ActionKind, typ model.IndexType, since time.Time) bool {
	for i := len(history) - 1; i >= 0; i-- {
		r := history[i]
		if r.AppliedAt.Before(since) {
			return false
		}
		if r.Action.Kind != kind || r.Action.IndexType != typ {
			continue
		}
		if !r.Success || r.Regressed() {
			return true
		}
	}
	return false
}

// Superseded returns live agent indexes that a newer index replaced, oldest
// first. These are safe to drop.
func Superseded(entries []model.IndexRegistryEntry) []model.IndexRegistryEntry {
	var out []model.IndexRegistryEntry
	for _, e := range entries {
		if e.CreatedBy == model.CreatedByAgent && e.Live() && !e.Active && e.SupersededBy != nil {
			out = append(out, e)
		}
	}
	return out
}
