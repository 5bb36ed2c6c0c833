package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImprovementRatio(t *testing.T) {
	assert.InDelta(t, 0.8116, ImprovementRatio(10.99, 2.07), 0.0001)
	assert.InDelta(t, -0.5, ImprovementRatio(2, 3), 1e-9)
	assert.Zero(t, ImprovementRatio(0, 5), "zero baseline must not divide")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeImproved, Classify(0.8, 0))
	assert.Equal(t, OutcomeNeutral, Classify(0, 0))
	assert.Equal(t, OutcomeRegressed, Classify(-0.01, 0))
	assert.Equal(t, OutcomeNeutral, Classify(0.04, 0.05))
	assert.Equal(t, OutcomeNeutral, Classify(-0.05, 0.05))
	assert.Equal(t, OutcomeRegressed, Classify(-0.06, 0.05))
}

func TestTuningActionClone(t *testing.T) {
	a := TuningAction{Kind: ActionCreateIndex, Parameters: map[string]int{"lists": 100}}
	b := a.Clone()
	b.Parameters["lists"] = 7
	assert.Equal(t, 100, a.Parameters["lists"])
}

func TestActionRecordEffective(t *testing.T) {
	r := ActionRecord{Action: TuningAction{Kind: ActionCreateIndex}}
	r.Succeed()
	assert.True(t, r.Effective())

	r.Outcome = OutcomeRegressed
	assert.False(t, r.Effective())

	noop := ActionRecord{Action: NoOp("t", "fine")}
	noop.Succeed()
	assert.False(t, noop.Effective())

	failed := ActionRecord{Action: TuningAction{Kind: ActionCreateIndex}}
	failed.Fail("timeout")
	require.NotNil(t, failed.FailureReason)
	assert.Equal(t, "timeout", *failed.FailureReason)
	assert.False(t, failed.Effective())
}

func TestOperatorMapping(t *testing.T) {
	assert.Equal(t, "<=>", OperatorCosine.DistanceOp())
	assert.Equal(t, "vector_cosine_ops", OperatorCosine.OpClass())
	assert.Equal(t, "<->", OperatorL2.DistanceOp())
	assert.Equal(t, "vector_l2_ops", OperatorL2.OpClass())
	assert.Equal(t, "<#>", OperatorIP.DistanceOp())
	assert.Equal(t, "vector_ip_ops", OperatorIP.OpClass())

	op, err := ParseOperator("")
	require.NoError(t, err)
	assert.Equal(t, OperatorCosine, op)
	_, err = ParseOperator("hamming")
	assert.Error(t, err)
}

func TestTargetValidate(t *testing.T) {
	valid := Target{
		ID: "docs", Schema: "rag_system", Table: "documents", Column: "embedding",
		Operator: OperatorCosine, QueryText: "machine learning",
	}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.Table = "documents; DROP TABLE x"
	assert.Error(t, bad.Validate())

	bad = valid
	bad.Tenant = "wikipedia"
	assert.ErrorContains(t, bad.Validate(), "tenant_column")

	bad = valid
	bad.ID = " "
	assert.Error(t, bad.Validate())

	bad = valid
	bad.QueryText = ""
	assert.ErrorContains(t, bad.Validate(), "query_text")
}

func TestTargetNormalized(t *testing.T) {
	n := Target{ID: "a", Operator: "COSINE"}.Normalized()
	assert.Equal(t, OperatorCosine, n.Operator)
	assert.Equal(t, DefaultLimit, n.Limit)
	assert.Equal(t, "public", n.Schema)
	assert.Equal(t, "public.", n.QualifiedTable())
}

func TestIndexTypeAccessMethod(t *testing.T) {
	assert.Equal(t, "hnsw", IndexHNSW.AccessMethod())
	typ, ok := IndexTypeFromAccessMethod("ivfflat")
	assert.True(t, ok)
	assert.Equal(t, IndexIVFFlat, typ)
	_, ok = IndexTypeFromAccessMethod("btree")
	assert.False(t, ok)
}
