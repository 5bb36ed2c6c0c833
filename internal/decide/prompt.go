package decide

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/planparse"
)

const systemPrompt = "You are a PostgreSQL database optimization expert. " +
	"Analyze query performance and recommend specific index strategies."

// historyLines caps how many prior records the prompt shows.
const historyLines = 5

// BuildPrompt renders the user prompt for in.
func BuildPrompt(in Input, th planparse.Thresholds) string {
	s := in.Sample
	var b strings.Builder

	fmt.Fprintf(&b, "Vector similarity query on %s (column %s, operator %s", in.Target.QualifiedTable(), in.Target.Column, in.Target.Operator.DistanceOp())
	if in.Target.TenantColumn != "" {
		fmt.Fprintf(&b, ", filtered by %s", in.Target.TenantColumn)
	}
	b.WriteString(").\n\nPerformance metrics:\n")
	fmt.Fprintf(&b, "- Execution time: %.2f ms\n", s.ExecutionTimeMs)
	fmt.Fprintf(&b, "- Planning time: %.2f ms\n", s.PlanningTimeMs)
	fmt.Fprintf(&b, "- Scan kind: %s\n", s.ScanKind)
	fmt.Fprintf(&b, "- Rows examined: %d\n", s.RowsExamined)
	fmt.Fprintf(&b, "- Rows returned: %d\n", s.RowsReturned)
	if s.UsesIndex() {
		fmt.Fprintf(&b, "- Index used: %s\n", *s.IndexUsed)
	}
	if p := in.Profile; p.RowCount > 0 {
		fmt.Fprintf(&b, "- Table rows: %d\n", p.RowCount)
		if p.Dimensions > 0 {
			fmt.Fprintf(&b, "- Vector dimensions: %d\n", p.Dimensions)
		}
		if p.DistinctTenants > 0 {
			fmt.Fprintf(&b, "- Distinct tenants: %d (skew %.2f)\n", p.DistinctTenants, p.Skew)
		}
	}

	if issues := planparse.Diagnose(s, th); len(issues) > 0 {
		b.WriteString("\nIssues detected:\n")
		for _, is := range issues {
			fmt.Fprintf(&b, "- %s\n", is)
		}
	}

	if live := liveIndexes(in.Indexes); len(live) > 0 {
		b.WriteString("\nExisting vector indexes:\n")
		for _, e := range live {
			state := "inactive"
			if e.Active {
				state = "active"
			}
			fmt.Fprintf(&b, "- %s (%s, %s, %s)\n", e.IndexName, e.IndexType, e.CreatedBy, state)
		}
	}

	if hist := in.History; len(hist) > 0 {
		b.WriteString("\nRecent tuning actions:\n")
		for _, r := range hist[max(0, len(hist)-historyLines):] {
			fmt.Fprintf(&b, "- %s %s %s", r.AppliedAt.Format(time.RFC3339), r.Action.Kind, r.Action.IndexType)
			switch {
			case !r.Success && r.FailureReason != nil:
				fmt.Fprintf(&b, ": failed (%s)", *r.FailureReason)
			case r.Outcome != "":
				fmt.Fprintf(&b, ": %s (%+.0f%%)", r.Outcome, r.ImprovementRatio*100)
			}
			b.WriteByte('\n')
		}
	}

	b.WriteString(`
Index options:
- HNSW: graph-based, fast queries, slower to build, higher memory. Best for latency-sensitive workloads and large datasets.
- IVFFLAT: cluster-based, fast to build, lower memory. Best for small and medium datasets.

What single action should be taken to improve this query?

Respond with exactly these lines and nothing else:
ACTION: one of create_hnsw_index, create_ivfflat_index, drop_index, no_action
REASONING: one sentence
EXPECTED_IMPROVEMENT: a percentage
`)
	return b.String()
}

func liveIndexes(entries []model.IndexRegistryEntry) []model.IndexRegistryEntry {
	out := make([]model.IndexRegistryEntry, 0, len(entries))
	for _, e := range entries {
		if e.Live() {
			out = append(out, e)
		}
	}
	return out
}
