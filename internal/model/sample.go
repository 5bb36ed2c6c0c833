package model

import (
	"time"

	"github.com/google/uuid"
)

// ScanKind classifies how a query reached its rows.
type ScanKind string

const (
	ScanSequential ScanKind = "SEQUENTIAL"
	ScanIndex      ScanKind = "INDEX"
	ScanHybrid     ScanKind = "HYBRID"
)

// PerformanceSample is one parsed observation of a target's probe query.
// Immutable once produced by the plan parser.
type PerformanceSample struct {
	ID              uuid.UUID      `json:"id"`
	TargetID        string         `json:"target_id"`
	MeasuredAt      time.Time      `json:"measured_at"`
	ExecutionTimeMs float64        `json:"execution_time_ms"`
	PlanningTimeMs  float64        `json:"planning_time_ms"`
	ScanKind        ScanKind       `json:"scan_kind"`
	IndexUsed       *string        `json:"index_used,omitempty"`
	RowsExamined    int64          `json:"rows_examined"`
	RowsReturned    int64          `json:"rows_returned"`
	RawPlan         map[string]any `json:"raw_plan"`
}

// UsesIndex reports whether the plan touched a secondary index.
func (s PerformanceSample) UsesIndex() bool {
	return s.IndexUsed != nil && *s.IndexUsed != ""
}

// DatasetProfile holds cheap-to-recompute facts about a target. It is cached,
// never persisted as authoritative state.
type DatasetProfile struct {
	TargetID        string    `json:"target_id"`
	RowCount        int64     `json:"row_count"`
	Dimensions      int       `json:"dimensions"`
	DistinctTenants int64     `json:"distinct_tenants"`
	// Skew is the most common tenant's share relative to a uniform split;
	// 1.0 means uniform, 0 means unknown.
	Skew       float64   `json:"skew"`
	ComputedAt time.Time `json:"computed_at"`
}
