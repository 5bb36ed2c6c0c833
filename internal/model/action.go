package model

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// ActionKind enumerates what a tuning action does.
type ActionKind string

const (
	ActionCreateIndex ActionKind = "CREATE_INDEX"
	ActionDropIndex   ActionKind = "DROP_INDEX"
	ActionNoOp        ActionKind = "NO_OP"
)

// IndexType enumerates the vector index access methods the tuner builds.
type IndexType string

const (
	IndexHNSW    IndexType = "HNSW"
	IndexIVFFlat IndexType = "IVFFLAT"
)

// AccessMethod returns the Postgres access method name.
func (t IndexType) AccessMethod() string {
	switch t {
	case IndexHNSW:
		return "hnsw"
	case IndexIVFFlat:
		return "ivfflat"
	}
	return ""
}

// IndexTypeFromAccessMethod is the inverse of AccessMethod.
func IndexTypeFromAccessMethod(am string) (IndexType, bool) {
	switch am {
	case "hnsw":
		return IndexHNSW, true
	case "ivfflat":
		return IndexIVFFlat, true
	}
	return "", false
}

// TuningAction is a proposed or applied change. Treat it as immutable once
// handed to the actuator; use Clone to derive a modified copy.
type TuningAction struct {
	Kind       ActionKind     `json:"action_kind"`
	IndexType  IndexType      `json:"index_type,omitempty"`
	IndexName  string         `json:"index_name,omitempty"`
	Operator   Operator       `json:"operator,omitempty"`
	Parameters map[string]int `json:"parameters,omitempty"`
	Rationale  string         `json:"rationale"`
	TargetID   string         `json:"target_id"`
}

// Clone returns a deep copy of a.
func (a TuningAction) Clone() TuningAction {
	a.Parameters = maps.Clone(a.Parameters)
	return a
}

// NoOp builds a NO_OP action for a target.
func NoOp(targetID, rationale string) TuningAction {
	return TuningAction{Kind: ActionNoOp, TargetID: targetID, Rationale: rationale}
}

// Outcome is the verifier's classification of an applied action.
type Outcome string

const (
	OutcomeImproved  Outcome = "IMPROVED"
	OutcomeNeutral   Outcome = "NEUTRAL"
	OutcomeRegressed Outcome = "REGRESSED"
)

// Classify maps an improvement ratio onto an Outcome. Ratios within epsilon of
// zero are neutral.
func Classify(ratio, epsilon float64) Outcome {
	switch {
	case ratio > epsilon:
		return OutcomeImproved
	case ratio < -epsilon:
		return OutcomeRegressed
	default:
		return OutcomeNeutral
	}
}

// ImprovementRatio is (before-after)/before. Negative means slower. A zero
// baseline yields 0 rather than an infinity.
func ImprovementRatio(beforeMs, afterMs float64) float64 {
	if beforeMs <= 0 {
		return 0
	}
	return (beforeMs - afterMs) / beforeMs
}

// ActionRecord is the append-only outcome of one loop cycle.
// FailureReason is set iff Success is false.
type ActionRecord struct {
	ID               uuid.UUID          `json:"id"`
	TargetID         string             `json:"target_id"`
	Action           TuningAction       `json:"action"`
	Before           *PerformanceSample `json:"before,omitempty"`
	After            *PerformanceSample `json:"after,omitempty"`
	Success          bool               `json:"success"`
	Outcome          Outcome            `json:"outcome,omitempty"`
	ImprovementRatio float64            `json:"improvement_ratio"`
	AppliedAt        time.Time          `json:"applied_at"`
	FailureReason    *string            `json:"failure_reason,omitempty"`
	RolledBack       bool               `json:"rolled_back,omitempty"`
}

// Fail marks r failed with reason.
func (r *ActionRecord) Fail(reason string) {
	r.Success = false
	r.FailureReason = &reason
}

// Succeed marks r successful and clears any failure reason.
func (r *ActionRecord) Succeed() {
	r.Success = true
	r.FailureReason = nil
}

// Regressed reports whether verification classified the action as slower.
func (r ActionRecord) Regressed() bool {
	return r.Outcome == OutcomeRegressed
}

// Effective reports whether r is a successful, non-regressive change (NO_OP
// records are never effective).
func (r ActionRecord) Effective() bool {
	return r.Success && !r.Regressed() && r.Action.Kind != ActionNoOp
}
