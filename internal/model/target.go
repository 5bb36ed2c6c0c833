package model

import (
	"fmt"
	"regexp"
	"strings"
)

// Operator is the similarity operator a target's queries use. Index and query
// must agree on it or the planner will never pick the index.
type Operator string

const (
	OperatorCosine Operator = "cosine"
	OperatorL2     Operator = "l2"
	OperatorIP     Operator = "ip"
)

// DistanceOp returns the pgvector distance operator for o.
func (o Operator) DistanceOp() string {
	switch o {
	case OperatorL2:
		return "<->"
	case OperatorIP:
		return "<#>"
	default:
		return "<=>"
	}
}

// OpClass returns the pgvector operator class for o.
func (o Operator) OpClass() string {
	switch o {
	case OperatorL2:
		return "vector_l2_ops"
	case OperatorIP:
		return "vector_ip_ops"
	default:
		return "vector_cosine_ops"
	}
}

// ParseOperator maps a configured operator name to an Operator.
func ParseOperator(s string) (Operator, error) {
	switch Operator(strings.ToLower(strings.TrimSpace(s))) {
	case OperatorCosine, "":
		return OperatorCosine, nil
	case OperatorL2:
		return OperatorL2, nil
	case OperatorIP:
		return OperatorIP, nil
	}
	return "", fmt.Errorf("unknown operator %q (want cosine, l2 or ip)", s)
}

// DefaultLimit is k for the k-NN probe query when a target does not set one.
const DefaultLimit = 5

// Target is the unit the loop tunes independently: one vector column, an
// optional tenant filter, and the query shape used to probe it.
type Target struct {
	ID               string   `json:"id" yaml:"id"`
	Schema           string   `json:"schema" yaml:"schema"`
	Table            string   `json:"table" yaml:"table"`
	Column           string   `json:"column" yaml:"column"`
	Operator         Operator `json:"operator" yaml:"operator"`
	TenantColumn     string   `json:"tenant_column,omitempty" yaml:"tenant_column"`
	Tenant           string   `json:"tenant,omitempty" yaml:"tenant"`
	QueryText        string   `json:"query_text" yaml:"query_text"`
	Limit            int      `json:"limit,omitempty" yaml:"limit"`
	LatencySensitive bool     `json:"latency_sensitive,omitempty" yaml:"latency_sensitive"`
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// Validate checks that t names a usable column. Identifiers are still quoted
// when rendered; the pattern only rejects obvious configuration mistakes.
func (t Target) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("target: id is required")
	}
	for name, v := range map[string]string{"schema": t.Schema, "table": t.Table, "column": t.Column} {
		if !identPattern.MatchString(v) {
			return fmt.Errorf("target %s: invalid %s %q", t.ID, name, v)
		}
	}
	if t.TenantColumn != "" && !identPattern.MatchString(t.TenantColumn) {
		return fmt.Errorf("target %s: invalid tenant_column %q", t.ID, t.TenantColumn)
	}
	if t.Tenant != "" && t.TenantColumn == "" {
		return fmt.Errorf("target %s: tenant set without tenant_column", t.ID)
	}
	if _, err := ParseOperator(string(t.Operator)); err != nil {
		return fmt.Errorf("target %s: %w", t.ID, err)
	}
	if t.Limit < 0 {
		return fmt.Errorf("target %s: limit must be positive", t.ID)
	}
	if strings.TrimSpace(t.QueryText) == "" {
		return fmt.Errorf("target %s: query_text is required", t.ID)
	}
	return nil
}

// Normalized returns t with defaults applied.
func (t Target) Normalized() Target {
	if op, err := ParseOperator(string(t.Operator)); err == nil {
		t.Operator = op
	}
	if t.Limit == 0 {
		t.Limit = DefaultLimit
	}
	if t.Schema == "" {
		t.Schema = "public"
	}
	return t
}

// QualifiedTable returns schema.table, unquoted, for display.
func (t Target) QualifiedTable() string {
	if t.Schema == "" {
		return t.Table
	}
	return t.Schema + "." + t.Table
}
