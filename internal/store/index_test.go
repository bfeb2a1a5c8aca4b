package store

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *IndexStore {
	t.Helper()
	idx, err := NewIndexStore(filepath.Join(t.TempDir(), "index.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestWorkspaceLifecycle(t *testing.T) {
	idx := newTestIndex(t)

	ws, err := idx.EnsureWorkspace("acme", "Acme Inc", "")
	require.NoError(t, err)
	assert.Equal(t, "acme", ws.Slug)
	assert.Equal(t, "Acme Inc", ws.Name)

	// Idempotent: second call returns the same record.
	again, err := idx.EnsureWorkspace("acme", "other name", "")
	require.NoError(t, err)
	assert.Equal(t, ws.ID, again.ID)

	all, err := idx.ListWorkspaces()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = idx.GetWorkspace("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAPIKeyIssueLookupRevoke(t *testing.T) {
	idx := newTestIndex(t)

	token, err := idx.IssueAPIKey("acme", "editor", "ci", "wk_")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "wk_"))

	rec, err := idx.LookupKey(token)
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.Workspace)
	assert.Equal(t, "editor", rec.Role)
	assert.True(t, rec.Active)

	_, err = idx.LookupKey("wk_definitely-not-a-key")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, idx.RevokeKey(rec.ID))
	_, err = idx.LookupKey(token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPolicyOverlayRoundTrip(t *testing.T) {
	idx := newTestIndex(t)

	_, err := idx.PolicyOverlay("acme")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, idx.SetPolicyOverlay("acme", `{"accept_threshold":0.9}`))
	overlay, err := idx.PolicyOverlay("acme")
	require.NoError(t, err)
	assert.JSONEq(t, `{"accept_threshold":0.9}`, overlay)

	// Upsert replaces.
	require.NoError(t, idx.SetPolicyOverlay("acme", `{"accept_threshold":0.8}`))
	overlay, err = idx.PolicyOverlay("acme")
	require.NoError(t, err)
	assert.JSONEq(t, `{"accept_threshold":0.8}`, overlay)
}

func TestCPThresholdComputation(t *testing.T) {
	idx := newTestIndex(t)
	cp := NewCPStore(idx.DB())

	// 12 artifacts: scores 0.5..0.94, the two lowest are incorrect.
	var items []CPArtifact
	for i := 0; i < 12; i++ {
		s := 0.5 + float64(i)*0.04
		items = append(items, CPArtifact{
			S:        s,
			Accepted: true,
			Correct:  s >= 0.55,
		})
	}
	n, err := cp.AddArtifacts("run-1", "science", items)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	tau, err := cp.ComputeThreshold("science", 0.05, 10)
	require.NoError(t, err)
	require.NotNil(t, tau)
	// The lowest threshold keeping >=10 accepts with no false accepts is 0.58.
	assert.InDelta(t, 0.58, *tau, 1e-9)

	// Unreachable target with the min-accepts constraint.
	tau, err = cp.ComputeThreshold("science", 0.0, 12)
	require.NoError(t, err)
	assert.Nil(t, tau)

	// Unknown domain has no data.
	tau, err = cp.ComputeThreshold("geo", 0.05, 10)
	require.NoError(t, err)
	assert.Nil(t, tau)
}

func TestCPDomainStats(t *testing.T) {
	idx := newTestIndex(t)
	cp := NewCPStore(idx.DB())

	_, err := cp.AddArtifacts("run-1", "science", []CPArtifact{
		{S: 0.9, Accepted: true, Correct: true},
		{S: 0.8, Accepted: true, Correct: false},
		{S: 0.4, Accepted: false, Correct: false},
	})
	require.NoError(t, err)

	stats, err := cp.DomainStats("science")
	require.NoError(t, err)
	st := stats["science"]
	assert.Equal(t, 3, st.N)
	assert.Equal(t, 2, st.Accepted)
	assert.Equal(t, 1, st.FalseAccept)
	assert.InDelta(t, 2.0/3.0, st.RateAccept, 1e-9)
	assert.InDelta(t, 0.5, st.RateFalseAccept, 1e-9)
}

func TestCPReferenceRoundTrip(t *testing.T) {
	idx := newTestIndex(t)
	cp := NewCPStore(idx.DB())

	tau := 0.82
	err := cp.UpsertReference(CPReference{
		Domain:    "science",
		RunID:     "run-9",
		TargetMis: 0.05,
		Tau:       &tau,
		Stats:     CPDomainStats{N: 40, Accepted: 30, FalseAccept: 1},
		Quantiles: map[string]float64{"0.50": 0.3, "0.90": 0.7},
	})
	require.NoError(t, err)

	ref, err := cp.Reference("science")
	require.NoError(t, err)
	require.NotNil(t, ref.Tau)
	assert.InDelta(t, 0.82, *ref.Tau, 1e-9)
	assert.Equal(t, 40, ref.Stats.N)
	assert.InDelta(t, 0.7, ref.Quantiles["0.90"], 1e-9)

	_, err = cp.Reference("geo")
	assert.ErrorIs(t, err, ErrNotFound)
}
