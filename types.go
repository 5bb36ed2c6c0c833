package chosei

import (
	"time"

	"github.com/google/uuid"
)

// Operator is the distance a target's queries order by.
type Operator string

const (
	OperatorCosine       Operator = "cosine"
	OperatorL2           Operator = "l2"
	OperatorInnerProduct Operator = "ip"
)

// Target is the public representation of a tuned vector column.
// No internal package imports; safe to use from outside the module.
type Target struct {
	ID               string
	Schema           string
	Table            string
	Column           string
	Operator         Operator
	TenantColumn     string
	Tenant           string
	QueryText        string
	Limit            int
	LatencySensitive bool
}

// Sample is one measurement of a target's probe query.
type Sample struct {
	ID              uuid.UUID
	TargetID        string
	MeasuredAt      time.Time
	ExecutionTimeMs float64
	PlanningTimeMs  float64
	// ScanKind is SEQUENTIAL, INDEX or HYBRID.
	ScanKind     string
	IndexUsed    string
	RowsExamined int64
	RowsReturned int64
}

// Profile holds dataset facts for a target.
type Profile struct {
	RowCount        int64
	Dimensions      int
	DistinctTenants int64
	Skew            float64
}

// Action is a tuning action. Kind is CREATE_INDEX, DROP_INDEX or NO_OP;
// IndexType is HNSW or IVFFLAT.
type Action struct {
	Kind       string
	IndexType  string
	IndexName  string
	Parameters map[string]int
	Rationale  string
}

// Record is the outcome of one tuning cycle.
type Record struct {
	ID               uuid.UUID
	TargetID         string
	Action           Action
	Before           *Sample
	After            *Sample
	Success          bool
	Outcome          string
	ImprovementRatio float64
	AppliedAt        time.Time
	FailureReason    string
	RolledBack       bool
}

// IndexEntry is the registry's view of a vector index.
type IndexEntry struct {
	Name         string
	TargetID     string
	Operator     Operator
	IndexType    string
	Parameters   map[string]int
	CreatedAt    time.Time
	CreatedBy    string
	Active       bool
	SupersededBy string
	DroppedAt    *time.Time
}

// Event is delivered to every EventSink once per cycle.
type Event struct {
	TargetID         string
	Kind             string
	IndexType        string
	Success          bool
	Outcome          string
	ImprovementRatio float64
	Timestamp        time.Time
}

// DecisionInput is what a Strategy sees. History is ascending by AppliedAt.
type DecisionInput struct {
	Target  Target
	Sample  Sample
	Profile Profile
	History []Record
	Indexes []IndexEntry
	Now     time.Time
}

// KindSummary aggregates records of one action kind.
type KindSummary struct {
	Kind            string
	Total           int
	Succeeded       int
	Improved        int
	Regressed       int
	SuccessRate     float64
	MeanImprovement float64
}

// Summary is an overview of everything the registry holds.
type Summary struct {
	Records     int
	Kinds       []KindSummary
	Samples     int
	MeanTimeMs  float64
	MinTimeMs   float64
	MaxTimeMs   float64
	LiveIndexes int
	AgentLive   int
	Recent      []Record
}
