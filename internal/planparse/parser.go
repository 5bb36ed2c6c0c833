// Package planparse turns Postgres EXPLAIN (ANALYZE, FORMAT JSON) documents
// into typed performance samples.
package planparse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/chosei/internal/model"
)

const (
	keyExecutionTime = "Execution Time"
	keyPlanningTime  = "Planning Time"
	keyPlan          = "Plan"
	keyPlans         = "Plans"
	keyNodeType      = "Node Type"
	keyIndexName     = "Index Name"
	keyActualRows    = "Actual Rows"
	keyActualLoops   = "Actual Loops"
	keyRowsRemoved   = "Rows Removed by Filter"
)

// ParseJSON decodes raw EXPLAIN output and parses it. Postgres wraps the
// document in a single-element array; both forms are accepted.
func ParseJSON(targetID string, raw []byte, measuredAt time.Time) (model.PerformanceSample, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return model.PerformanceSample{}, invalid("document", fmt.Sprintf("is not JSON: %v", err))
	}
	return Parse(targetID, doc, measuredAt)
}

// Parse converts a decoded EXPLAIN document into a PerformanceSample.
func Parse(targetID string, doc any, measuredAt time.Time) (model.PerformanceSample, error) {
	top, err := unwrap(doc)
	if err != nil {
		return model.PerformanceSample{}, err
	}

	execRaw, ok := top[keyExecutionTime]
	if !ok || execRaw == nil {
		return model.PerformanceSample{}, missing(keyExecutionTime)
	}
	execMs, ok := number(execRaw)
	if !ok {
		return model.PerformanceSample{}, invalid(keyExecutionTime, "is not a number")
	}
	if execMs < 0 || math.IsNaN(execMs) || math.IsInf(execMs, 0) {
		return model.PerformanceSample{}, invalid(keyExecutionTime, "is out of range")
	}
	planningMs, _ := number(top[keyPlanningTime])

	root, ok := top[keyPlan].(map[string]any)
	if !ok {
		return model.PerformanceSample{}, missing(keyPlan)
	}

	var w walker
	if err := w.walk(root); err != nil {
		return model.PerformanceSample{}, err
	}
	if !w.sawSequential && !w.sawIndex {
		return model.PerformanceSample{}, invalid(keyNodeType, "has no scan node")
	}

	returned, _ := number(root[keyActualRows])

	s := model.PerformanceSample{
		ID:              uuid.New(),
		TargetID:        targetID,
		MeasuredAt:      measuredAt,
		ExecutionTimeMs: execMs,
		PlanningTimeMs:  planningMs,
		ScanKind:        w.kind(),
		RowsExamined:    w.rowsExamined,
		RowsReturned:    int64(returned),
		RawPlan:         top,
	}
	if w.indexName != "" {
		name := w.indexName
		s.IndexUsed = &name
	}
	return s, nil
}

func unwrap(doc any) (map[string]any, error) {
	switch v := doc.(type) {
	case map[string]any:
		return v, nil
	case []any:
		if len(v) == 0 {
			return nil, invalid("document", "is an empty list")
		}
		m, ok := v[0].(map[string]any)
		if !ok {
			return nil, invalid("document", "is not an object")
		}
		return m, nil
	case []map[string]any:
		if len(v) == 0 {
			return nil, invalid("document", "is an empty list")
		}
		return v[0], nil
	case nil:
		return nil, missing("document")
	}
	return nil, invalid("document", fmt.Sprintf("has unexpected type %T", doc))
}

type walker struct {
	sawSequential bool
	sawIndex      bool
	indexName     string
	rowsExamined  int64
}

func (w *walker) kind() model.ScanKind {
	switch {
	case w.sawSequential && w.sawIndex:
		return model.ScanHybrid
	case w.sawIndex:
		return model.ScanIndex
	default:
		return model.ScanSequential
	}
}

func (w *walker) walk(node map[string]any) error {
	_, err := w.visit(node)
	return err
}

// visit records node and its children, reporting whether the subtree
// contains a scan node.
func (w *walker) visit(node map[string]any) (bool, error) {
	nodeType, ok := node[keyNodeType].(string)
	if !ok || nodeType == "" {
		return false, missing(keyNodeType)
	}

	childHasScan := false
	if rawChildren, ok := node[keyPlans]; ok {
		children, ok := rawChildren.([]any)
		if !ok {
			return false, invalid(keyPlans, "is not a list")
		}
		for _, c := range children {
			child, ok := c.(map[string]any)
			if !ok {
				return false, invalid(keyPlans, "contains a non-object node")
			}
			has, err := w.visit(child)
			if err != nil {
				return false, err
			}
			childHasScan = childHasScan || has
		}
	}

	if !strings.HasSuffix(nodeType, "Scan") {
		return childHasScan, nil
	}

	switch {
	case strings.Contains(nodeType, "Index"):
		w.sawIndex = true
		if name, ok := node[keyIndexName].(string); ok && w.indexName == "" {
			w.indexName = name
		}
	case nodeType == "Bitmap Heap Scan":
		// Its Bitmap Index Scan child carries the index name.
		w.sawIndex = true
	}

	// Subquery Scan, CTE Scan and friends only relay their children.
	if childHasScan {
		return true, nil
	}
	if !isIndexScan(nodeType) {
		w.sawSequential = true
	}

	// Leaf scan: count what it had to look at, not what it emitted.
	rows, ok := number(node[keyActualRows])
	if !ok {
		return false, invalid(keyActualRows, fmt.Sprintf("missing on %s node", nodeType))
	}
	removed, _ := number(node[keyRowsRemoved])
	loops, ok := number(node[keyActualLoops])
	if !ok || loops < 1 {
		loops = 1
	}
	w.rowsExamined += int64(math.Round((rows + removed) * loops))
	return true, nil
}

func isIndexScan(nodeType string) bool {
	return strings.Contains(nodeType, "Index") || nodeType == "Bitmap Heap Scan"
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
