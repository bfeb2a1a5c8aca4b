package policy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritor/internal/config"
	"veritor/internal/store"
)

func TestFinalScoreFusion(t *testing.T) {
	cfg := config.DefaultDecisionConfig()
	assert.InDelta(t, 0.55*0.8+0.45*0.6, FinalScore(0.8, 0.6, cfg), 1e-9)
	assert.Equal(t, 0.0, FinalScore(-1, -1, cfg))
	assert.Equal(t, 1.0, FinalScore(2, 2, cfg))
}

func TestDecide(t *testing.T) {
	cfg := config.DefaultDecisionConfig() // threshold 0.85, delta 0.05

	assert.Equal(t, ActionAccept, Decide(0.90, true, cfg))
	assert.Equal(t, ActionAccept, Decide(0.85, true, cfg))
	assert.Equal(t, ActionIterate, Decide(0.82, true, cfg))
	assert.Equal(t, ActionIterate, Decide(0.80, true, cfg))
	assert.Equal(t, ActionAbstain, Decide(0.79, true, cfg))

	// A rejecting gate downgrades a passing score to the borderline rules.
	assert.Equal(t, ActionAbstain, Decide(0.90, false, cfg))
	assert.Equal(t, ActionIterate, Decide(0.82, false, cfg))
}

func TestConformalGateDisabled(t *testing.T) {
	g := NewConformalGate(false, nil)
	res := g.Evaluate(0.1)
	assert.True(t, res.Accept)
	assert.Equal(t, GateReasonDisabled, res.Reason)
}

func TestConformalGateMissingThreshold(t *testing.T) {
	g := NewConformalGate(true, func() *float64 { return nil })
	res := g.Evaluate(0.99)
	assert.False(t, res.Accept)
	assert.Equal(t, GateReasonMissingTau, res.Reason)
}

func TestConformalGateThreshold(t *testing.T) {
	tau := 0.7
	g := NewConformalGate(true, func() *float64 { return &tau })

	res := g.Evaluate(0.75)
	assert.True(t, res.Accept)
	assert.Equal(t, GateReasonAboveTau, res.Reason)
	require.NotNil(t, res.Tau)
	assert.Equal(t, 0.7, *res.Tau)

	res = g.Evaluate(0.65)
	assert.False(t, res.Accept)
	assert.Equal(t, GateReasonBelowTau, res.Reason)
}

func TestThresholdCacheAndAutoEnable(t *testing.T) {
	idx, err := store.NewIndexStore(filepath.Join(t.TempDir(), "index.sqlite"))
	require.NoError(t, err)
	defer idx.Close()
	cp := store.NewCPStore(idx.DB())

	items := make([]store.CPArtifact, 0, 20)
	for i := 0; i < 20; i++ {
		s := 0.5 + float64(i)*0.02
		items = append(items, store.CPArtifact{S: s, Accepted: true, Correct: s >= 0.55})
	}
	_, err = cp.AddArtifacts("run-1", "science", items)
	require.NoError(t, err)

	cache := NewThresholdCache(cp, 0.05, 10, time.Minute)

	tau, cached := cache.Threshold("science")
	require.NotNil(t, tau)
	assert.False(t, cached)

	again, cached := cache.Threshold("science")
	require.NotNil(t, again)
	assert.True(t, cached)
	assert.Equal(t, *tau, *again)

	// No calibration data for this domain.
	missing, _ := cache.Threshold("geo")
	assert.Nil(t, missing)

	// Auto-enable activates the gate only where a threshold exists.
	assert.True(t, cache.GateFor("science", false, true).Enabled())
	assert.False(t, cache.GateFor("geo", false, true).Enabled())
	assert.False(t, cache.GateFor("geo", false, false).Enabled())
	assert.True(t, cache.GateFor("geo", true, false).Enabled())

	cache.Invalidate("science")
	_, cached = cache.Threshold("science")
	assert.False(t, cached)
}

func TestParseOverlayRejectsUnknownKey(t *testing.T) {
	_, err := ParseOverlay([]byte(`{"accept_threshold": 0.9, "bogus": 1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestParseOverlayValidatesRanges(t *testing.T) {
	_, err := ParseOverlay([]byte(`{"accept_threshold": 1.5}`))
	assert.Error(t, err)
	_, err = ParseOverlay([]byte(`{"tool_budget_per_turn": -1}`))
	assert.Error(t, err)
	_, err = ParseOverlay([]byte(`{"vector_backend": "lancedb"}`))
	assert.Error(t, err)

	o, err := ParseOverlay(nil)
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestOverlayApply(t *testing.T) {
	o, err := ParseOverlay([]byte(`{
		"accept_threshold": 0.9,
		"borderline_delta": 0.03,
		"tool_budget_per_turn": 2,
		"tools_requiring_approval": ["WEB_FETCH"],
		"table_allowed": ["sales"],
		"weight_sparse": 0.7,
		"weight_dense": 0.3,
		"egress_enforce_tls": false
	}`))
	require.NoError(t, err)

	base := config.DefaultConfig()
	cfg := o.Apply(*base)

	assert.Equal(t, 0.9, cfg.Decision.AcceptThreshold)
	assert.Equal(t, 0.03, cfg.Decision.BorderlineDelta)
	assert.Equal(t, 2, cfg.Refine.ToolBudgetPerTurn)
	assert.Equal(t, []string{"WEB_FETCH"}, cfg.Approvals.RequiredTools)
	assert.Equal(t, []string{"sales"}, cfg.Tools.Table.Allowed)
	assert.Equal(t, 0.7, cfg.Retrieval.WeightSparse)
	assert.False(t, cfg.Tools.Egress.EnforceTLS)

	// Untouched sections keep their defaults.
	assert.Equal(t, base.Decision.W1, cfg.Decision.W1)
	assert.Equal(t, base.Refine.MaxRefinements, cfg.Refine.MaxRefinements)
}

func TestOverlayToolAllowed(t *testing.T) {
	var o *Overlay
	assert.True(t, o.ToolAllowed("WEB_FETCH"))

	parsed, err := ParseOverlay([]byte(`{"tools_allowed": ["MATH_EVAL"]}`))
	require.NoError(t, err)
	assert.True(t, parsed.ToolAllowed("MATH_EVAL"))
	assert.False(t, parsed.ToolAllowed("WEB_FETCH"))
}
