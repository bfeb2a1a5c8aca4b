package uq

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritor/internal/embedding"
	"veritor/internal/store"
)

func TestSNNEConsistentVsScattered(t *testing.T) {
	engine := embedding.NewHashEngine(128)
	ctx := context.Background()

	consistent := []string{
		"water boils at 100 degrees Celsius",
		"water boils at 100 degrees Celsius at sea level",
		"the boiling point of water is 100 degrees Celsius",
	}
	scattered := []string{
		"water boils at 100 degrees Celsius",
		"the Eiffel Tower is in Paris",
		"quarterly revenue grew twelve percent",
	}

	rawConsistent, err := SNNE(ctx, consistent, 0.3, engine)
	require.NoError(t, err)
	rawScattered, err := SNNE(ctx, scattered, 0.3, engine)
	require.NoError(t, err)

	// Tighter clusters drive the raw entropy lower, which the logistic
	// normalization maps to higher confidence.
	assert.Less(t, rawConsistent, rawScattered)
	assert.Greater(t, Normalize(rawConsistent), Normalize(rawScattered))
}

func TestSNNEEmpty(t *testing.T) {
	raw, err := SNNE(context.Background(), nil, 0.3, embedding.NewHashEngine(16))
	require.NoError(t, err)
	assert.Zero(t, raw)
}

func TestNormalizeBounds(t *testing.T) {
	assert.InDelta(t, 0.5, Normalize(0), 1e-9)
	assert.Greater(t, Normalize(-5.0), Normalize(-1.0))
	assert.LessOrEqual(t, Normalize(10), 1.0)
	assert.GreaterOrEqual(t, Normalize(-100), 0.0)
}

func TestAnswerVariants(t *testing.T) {
	variants := AnswerVariants("Paris", "what is the capital of France", []string{"France's capital is Paris"}, 5)
	require.Len(t, variants, 5)
	assert.Equal(t, "Paris", variants[0])

	seen := map[string]bool{}
	for _, v := range variants {
		assert.False(t, seen[v], "duplicate variant %q", v)
		seen[v] = true
	}
}

func TestAnswerVariantsEmptyInputs(t *testing.T) {
	variants := AnswerVariants("", "", nil, 3)
	require.Len(t, variants, 3)
	assert.Equal(t, "No grounded answer yet.", variants[0])
}

func TestCalibratorLogisticFallback(t *testing.T) {
	c := NewCalibrator(nil, time.Minute)
	assert.InDelta(t, Normalize(-1.2), c.Calibrate("science", -1.2), 1e-9)
	assert.Equal(t, 1.0, c.Calibrate("science", vNaN()))
}

func TestCalibratorUsesReferenceQuantiles(t *testing.T) {
	idx, err := store.NewIndexStore(filepath.Join(t.TempDir(), "index.sqlite"))
	require.NoError(t, err)
	defer idx.Close()
	cp := store.NewCPStore(idx.DB())

	require.NoError(t, cp.UpsertReference(store.CPReference{
		Domain:    "science",
		Quantiles: map[string]float64{"0.10": -3.0, "0.50": -2.0, "0.90": -1.0},
	}))

	c := NewCalibrator(cp, time.Minute)
	// Confidence is one minus the percentile of the raw value.
	assert.InDelta(t, 0.5, c.Calibrate("science", -2.0), 1e-9)
	assert.InDelta(t, 0.7, c.Calibrate("science", -2.5), 1e-9)
	assert.Equal(t, 1.0, c.Calibrate("science", -5.0))
	assert.Equal(t, 0.0, c.Calibrate("science", 0.0))

	// Unknown domain falls back to logistic.
	assert.InDelta(t, Normalize(-2.0), c.Calibrate("geo", -2.0), 1e-9)
}

func TestQuantilesFromScores(t *testing.T) {
	scores := []float64{0.1, 0.2, 0.3, 0.4, 0.5}
	q := QuantilesFromScores(scores, []float64{0.0, 0.5, 1.0})
	assert.InDelta(t, 0.1, q["0.00"], 1e-9)
	assert.InDelta(t, 0.3, q["0.50"], 1e-9)
	assert.InDelta(t, 0.5, q["1.00"], 1e-9)

	assert.Empty(t, QuantilesFromScores(nil, []float64{0.5}))
}

func TestQuantileDrift(t *testing.T) {
	baseline := map[string]float64{"0.50": 0.3, "0.90": 0.7}
	observed := map[string]float64{"0.50": 0.35, "0.90": 0.55}

	drift := ComputeQuantileDrift(baseline, observed, 100)
	assert.InDelta(t, 0.05, drift.Deltas["0.50"], 1e-9)
	assert.InDelta(t, -0.15, drift.Deltas["0.90"], 1e-9)
	assert.InDelta(t, 0.15, drift.MaxAbsDelta, 1e-9)

	assert.True(t, NeedsAttention(drift, 0.08, 50))
	assert.False(t, NeedsAttention(drift, 0.2, 50))
	// Too few samples never alerts.
	drift.SampleSize = 10
	assert.False(t, NeedsAttention(drift, 0.08, 50))
}

func TestRollingFalseAcceptAlerts(t *testing.T) {
	stats := map[string]store.CPDomainStats{
		"science": {RateFalseAccept: 0.10},
		"geo":     {RateFalseAccept: 0.05},
	}
	alerts := RollingFalseAcceptAlerts(stats, 0.05, 0.02)
	require.Contains(t, alerts, "science")
	assert.NotContains(t, alerts, "geo")
	assert.InDelta(t, 0.10, alerts["science"].FalseAcceptRate, 1e-9)
}

func vNaN() float64 {
	var zero float64
	return zero / zero
}
