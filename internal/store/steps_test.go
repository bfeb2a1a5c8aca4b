package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T) *WorkspaceStore {
	t.Helper()
	ws, err := OpenWorkspace(filepath.Join(t.TempDir(), "ws.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestStepInsertAndGet(t *testing.T) {
	ws := newTestWorkspace(t)
	steps := NewStepStore(ws)

	id, err := steps.Insert(&StepRecord{
		Question:   "what is the boiling point of water",
		Answer:     "100 degrees Celsius at sea level [m1]",
		Domain:     "science",
		S1:         0.8,
		S2:         0.9,
		FinalScore: 0.845,
		CPAccept:   true,
		Action:     "accept",
		Reason:     "score>=tau",
		LatencyMS:  42,
		PackIDs:    []string{"m1", "c2"},
		Issues:     []string{},
		ToolsUsed:  []string{"MATH_EVAL"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := steps.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "accept", rec.Action)
	assert.Equal(t, "science", rec.Domain)
	assert.True(t, rec.CPAccept)
	assert.Equal(t, []string{"m1", "c2"}, rec.PackIDs)
	assert.Equal(t, []string{"MATH_EVAL"}, rec.ToolsUsed)
	assert.Equal(t, StepStatusOK, rec.Status)
	assert.InDelta(t, 0.845, rec.FinalScore, 1e-9)
}

func TestStepGetMissing(t *testing.T) {
	ws := newTestWorkspace(t)
	steps := NewStepStore(ws)

	_, err := steps.Get("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStepRecentOrder(t *testing.T) {
	ws := newTestWorkspace(t)
	steps := NewStepStore(ws)

	for i, ts := range []float64{100, 300, 200} {
		_, err := steps.Insert(&StepRecord{
			TS:       ts,
			Question: "q",
			Answer:   "a",
			Action:   "accept",
			Step:     i,
		})
		require.NoError(t, err)
	}

	recent, err := steps.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, float64(300), recent[0].TS)
	assert.Equal(t, float64(200), recent[1].TS)
}

func TestSchemaVersionRecorded(t *testing.T) {
	ws := newTestWorkspace(t)
	assert.Equal(t, WorkspaceSchemaVersion, SchemaVersion(ws.DB(), "workspace"))
}

func TestSweeperRemovesExpired(t *testing.T) {
	ws := newTestWorkspace(t)
	steps := NewStepStore(ws)

	_, err := steps.Insert(&StepRecord{TS: 1000, Question: "old", Answer: "old", Action: "accept"})
	require.NoError(t, err)
	_, err = steps.Insert(&StepRecord{Question: "fresh", Answer: "fresh", Action: "accept"})
	require.NoError(t, err)

	sweeper := NewSweeper(ws, 1, 1, 0)
	removed := sweeper.SweepOnce()
	assert.Equal(t, int64(1), removed)

	recent, err := steps.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "fresh", recent[0].Question)
}
