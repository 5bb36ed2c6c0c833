package vectorstore

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/chosei/internal/actuate"
	"github.com/ashita-ai/chosei/internal/model"
)

func quote(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}

// explainSQL renders the probe for t. $1 is the query vector and $2, when
// the target has a tenant, the tenant value. The distance operator must match
// the index operator class or the planner ignores the index.
func explainSQL(t model.Target) string {
	var b strings.Builder
	b.WriteString("EXPLAIN (ANALYZE, BUFFERS, FORMAT JSON) SELECT 1 FROM ")
	b.WriteString(quote(t.Schema, t.Table))
	if t.TenantColumn != "" {
		fmt.Fprintf(&b, " WHERE %s = $2", quote(t.TenantColumn))
	}
	limit := t.Limit
	if limit <= 0 {
		limit = model.DefaultLimit
	}
	fmt.Fprintf(&b, " ORDER BY %s %s $1 LIMIT %d", quote(t.Column), t.Operator.DistanceOp(), limit)
	return b.String()
}

func createIndexSQL(spec actuate.IndexSpec) string {
	t := spec.Target
	sql := fmt.Sprintf("CREATE INDEX CONCURRENTLY %s ON %s USING %s (%s %s)",
		quote(spec.Name), quote(t.Schema, t.Table), spec.Type.AccessMethod(),
		quote(t.Column), t.Operator.OpClass())
	if len(spec.Parameters) == 0 {
		return sql
	}
	keys := make([]string, 0, len(spec.Parameters))
	for k := range spec.Parameters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	opts := make([]string, len(keys))
	for i, k := range keys {
		opts[i] = fmt.Sprintf("%s = %d", k, spec.Parameters[k])
	}
	return sql + " WITH (" + strings.Join(opts, ", ") + ")"
}

func dropIndexSQL(t model.Target, name string) string {
	return "DROP INDEX CONCURRENTLY IF EXISTS " + quote(t.Schema, name)
}

// parseReloptions turns pg_class.reloptions ("m=16", "lists=100") into build
// parameters. Non-integer options are ignored.
func parseReloptions(opts []string) map[string]int {
	out := make(map[string]int, len(opts))
	for _, o := range opts {
		k, v, ok := strings.Cut(o, "=")
		if !ok {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			out[k] = n
		}
	}
	return out
}

func operatorFromOpClass(opclass string) (model.Operator, bool) {
	for _, op := range []model.Operator{model.OperatorCosine, model.OperatorL2, model.OperatorIP} {
		if op.OpClass() == opclass {
			return op, true
		}
	}
	return "", false
}
