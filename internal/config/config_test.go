package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 0.55, cfg.Decision.W1)
	assert.Equal(t, 0.45, cfg.Decision.W2)
	assert.Equal(t, 0.85, cfg.Decision.AcceptThreshold)
	assert.Equal(t, 0.05, cfg.Decision.BorderlineDelta)
	assert.Equal(t, 5, cfg.UQ.SNNESamples)
	assert.Equal(t, 0.3, cfg.UQ.SNNETau)
	assert.Equal(t, 2, cfg.Refine.MaxRefinements)
	assert.Equal(t, 4, cfg.Refine.ToolBudgetPerTurn)
	assert.Equal(t, 2, cfg.Refine.ToolBudgetPerRefinement)
	assert.Equal(t, 1800, cfg.Approvals.TTLSeconds)
	assert.Equal(t, 90, cfg.Retention.StepsTTLDays)
	assert.Equal(t, 60, cfg.Retention.MemoryTTLDays)
	assert.Equal(t, int64(5*1024*1024), cfg.Tools.Egress.MaxPayloadBytes)
	assert.Equal(t, "X-API-Key", cfg.Auth.APIKeyHeader)
	assert.Equal(t, "wk_", cfg.Auth.APIKeyPrefix)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Decision, cfg.Decision)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	body := []byte(`
decision:
  accept_threshold: 0.9
uq:
  snne_samples: 7
retrieval:
  weight_sparse: 0.7
  weight_dense: 0.3
`)
	require.NoError(t, os.WriteFile(path, body, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.9, cfg.Decision.AcceptThreshold)
	assert.Equal(t, 7, cfg.UQ.SNNESamples)
	assert.Equal(t, 0.7, cfg.Retrieval.WeightSparse)
	// Untouched fields keep defaults.
	assert.Equal(t, 0.05, cfg.Decision.BorderlineDelta)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VERITOR_ACCEPT_THRESHOLD", "0.8")
	t.Setenv("VERITOR_SNNE_SAMPLES", "9")
	t.Setenv("VERITOR_AUTH_REQUIRED", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.Decision.AcceptThreshold)
	assert.Equal(t, 9, cfg.UQ.SNNESamples)
	assert.True(t, cfg.Auth.Required)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Decision.AcceptThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Decision.BorderlineDelta = 0.9
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.UQ.SNNESamples = 1
	assert.Error(t, cfg.Validate())
}

func TestWorkspaceDBPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/veritor"
	assert.Equal(t, "/tmp/veritor/index.sqlite", cfg.IndexDBPath())
	assert.Equal(t, "/tmp/veritor/workspaces/acme.sqlite", cfg.WorkspaceDBPath("acme"))
}

func TestRequiresApproval(t *testing.T) {
	a := ApprovalsConfig{RequiredTools: []string{"WEB_FETCH"}}
	assert.True(t, a.RequiresApproval("WEB_FETCH"))
	assert.False(t, a.RequiresApproval("MATH_EVAL"))
}
