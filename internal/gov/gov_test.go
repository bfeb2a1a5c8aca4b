package gov

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func chainDAG() DAG {
	return DAG{
		Nodes: []Node{
			{ID: "p1", Type: "premise", PCN: "tok-1"},
			{ID: "calc", Type: "calculation", PCN: "tok-2"},
			{ID: "c1", Type: "claim"},
		},
		Edges: []Edge{
			{From: "p1", To: "calc"},
			{From: "calc", To: "c1"},
		},
	}
}

func TestValidateDAGOK(t *testing.T) {
	ok, failures := ValidateDAG(chainDAG())
	assert.True(t, ok)
	assert.Empty(t, failures)
}

func TestValidateDAGStructuralFailures(t *testing.T) {
	dag := DAG{
		Nodes: []Node{
			{ID: "a", Type: "premise"},
			{ID: "b", Type: "wishful"},
			{ID: "lonely", Type: "claim"},
		},
		Edges: []Edge{
			{From: "a", To: "ghost"},
		},
	}
	ok, failures := ValidateDAG(dag)
	assert.False(t, ok)
	assert.Contains(t, failures, "missing_node:ghost")
	assert.Contains(t, failures, "invalid_type:b")
	assert.Contains(t, failures, "unsupported_claim:lonely")
}

func TestValidateDAGCycle(t *testing.T) {
	dag := DAG{
		Nodes: []Node{
			{ID: "a", Type: "premise"},
			{ID: "b", Type: "calculation"},
		},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "b", To: "a"},
		},
	}
	ok, failures := ValidateDAG(dag)
	assert.False(t, ok)
	found := false
	for _, f := range failures {
		if f == "cycle:a" || f == "cycle:b" {
			found = true
		}
	}
	assert.True(t, found, "expected a cycle failure, got %v", failures)
}

func TestEvaluateDAGAllVerified(t *testing.T) {
	status := map[string]string{"tok-1": "verified", "tok-2": "verified"}
	ok, failures := EvaluateDAG(chainDAG(), func(tok string) string { return status[tok] }, nil)
	assert.True(t, ok)
	assert.Empty(t, failures)
}

func TestEvaluateDAGFailurePropagates(t *testing.T) {
	status := map[string]string{"tok-1": "verified", "tok-2": "failed"}
	ok, failures := EvaluateDAG(chainDAG(), func(tok string) string { return status[tok] }, nil)
	assert.False(t, ok)
	assert.Contains(t, failures, "pcn_failure:calc")
	assert.Contains(t, failures, "dependency_failure:c1")
}

func TestEvaluateDAGNilStatusFailsClosed(t *testing.T) {
	ok, failures := EvaluateDAG(chainDAG(), nil, nil)
	assert.False(t, ok)
	assert.Contains(t, failures, "pcn_failure:p1")
}

func TestEvaluateDAGAssertions(t *testing.T) {
	dag := DAG{
		Nodes: []Node{
			{ID: "obs", Type: "observation", Assert: "rows_nonempty"},
			{ID: "c1", Type: "claim"},
		},
		Edges: []Edge{{From: "obs", To: "c1"}},
	}
	ok, _ := EvaluateDAG(dag, nil, func(name string) bool { return name == "rows_nonempty" })
	assert.True(t, ok)

	ok, failures := EvaluateDAG(dag, nil, func(string) bool { return false })
	assert.False(t, ok)
	assert.Contains(t, failures, "assert_failure:obs")
	assert.Contains(t, failures, "dependency_failure:c1")
}

func TestEvaluateDAGInvalidStructureShortCircuits(t *testing.T) {
	dag := DAG{
		Nodes: []Node{{ID: "c1", Type: "claim"}},
	}
	ok, failures := EvaluateDAG(dag, nil, nil)
	assert.False(t, ok)
	assert.Contains(t, failures, "unsupported_claim:c1")
}
