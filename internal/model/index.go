package model

import "time"

// CreatedBy records who built an index. Only AGENT indexes may be dropped
// by the tuner.
type CreatedBy string

const (
	CreatedByAgent  CreatedBy = "AGENT"
	CreatedByManual CreatedBy = "MANUAL"
)

// IndexRegistryEntry is the registry's view of one physical index.
type IndexRegistryEntry struct {
	IndexName  string         `json:"index_name"`
	TargetID   string         `json:"target_id"`
	Operator   Operator       `json:"operator"`
	IndexType  IndexType      `json:"index_type"`
	Parameters map[string]int `json:"parameters,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	CreatedBy  CreatedBy      `json:"created_by"`

	// Active marks the authoritative agent index for (TargetID, Operator).
	Active       bool       `json:"active"`
	SupersededBy *string    `json:"superseded_by,omitempty"`
	DroppedAt    *time.Time `json:"dropped_at,omitempty"`
}

// Live reports whether the index still exists physically.
func (e IndexRegistryEntry) Live() bool { return e.DroppedAt == nil }
