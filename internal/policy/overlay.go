package policy

import (
	"encoding/json"
	"fmt"
	"math"

	"veritor/internal/config"
)

// Overlay is a per-workspace policy adjustment stored as JSON in the index
// database. The key set is closed; unknown keys are a validation error so a
// typo cannot silently weaken a guard.
type Overlay struct {
	AcceptThreshold         *float64 `json:"accept_threshold,omitempty"`
	BorderlineDelta         *float64 `json:"borderline_delta,omitempty"`
	ToolBudgetPerTurn       *int     `json:"tool_budget_per_turn,omitempty"`
	ToolBudgetPerRefinement *int     `json:"tool_budget_per_refinement,omitempty"`
	ToolsRequiringApproval  []string `json:"tools_requiring_approval,omitempty"`
	ToolsAllowed            []string `json:"tools_allowed,omitempty"`
	TableAllowed            []string `json:"table_allowed,omitempty"`
	WeightSparse            *float64 `json:"weight_sparse,omitempty"`
	WeightDense             *float64 `json:"weight_dense,omitempty"`
	KGBoost                 *float64 `json:"kg_boost,omitempty"`
	VectorBackend           *string  `json:"vector_backend,omitempty"`
	EgressEnforceTLS        *bool    `json:"egress_enforce_tls,omitempty"`
	EgressBlockPrivateIP    *bool    `json:"egress_block_private_ip,omitempty"`
	EgressAllowRedirects    *int     `json:"egress_allow_redirects,omitempty"`
	EgressMaxPayloadBytes   *int64   `json:"egress_max_payload_bytes,omitempty"`
	EgressTimeoutSeconds    *int     `json:"egress_timeout_seconds,omitempty"`
	EgressAllowlistHosts    []string `json:"egress_allowlist_hosts,omitempty"`
	EgressDenylistHosts     []string `json:"egress_denylist_hosts,omitempty"`
}

var overlayKeys = map[string]bool{
	"accept_threshold":           true,
	"borderline_delta":           true,
	"tool_budget_per_turn":       true,
	"tool_budget_per_refinement": true,
	"tools_requiring_approval":   true,
	"tools_allowed":              true,
	"table_allowed":              true,
	"weight_sparse":              true,
	"weight_dense":               true,
	"kg_boost":                   true,
	"vector_backend":             true,
	"egress_enforce_tls":         true,
	"egress_block_private_ip":    true,
	"egress_allow_redirects":     true,
	"egress_max_payload_bytes":   true,
	"egress_timeout_seconds":     true,
	"egress_allowlist_hosts":     true,
	"egress_denylist_hosts":      true,
}

// ParseOverlay decodes and validates a stored overlay. Empty input yields a
// nil overlay and no error.
func ParseOverlay(raw []byte) (*Overlay, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("policy overlay: %w", err)
	}
	for key := range keys {
		if !overlayKeys[key] {
			return nil, fmt.Errorf("policy overlay: unknown key %q", key)
		}
	}
	var o Overlay
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("policy overlay: %w", err)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (o *Overlay) validate() error {
	checkUnit := func(name string, v *float64) error {
		if v == nil {
			return nil
		}
		if math.IsNaN(*v) || *v < 0 || *v > 1 {
			return fmt.Errorf("policy overlay: %s must be in [0,1]", name)
		}
		return nil
	}
	if err := checkUnit("accept_threshold", o.AcceptThreshold); err != nil {
		return err
	}
	if err := checkUnit("borderline_delta", o.BorderlineDelta); err != nil {
		return err
	}
	if err := checkUnit("weight_sparse", o.WeightSparse); err != nil {
		return err
	}
	if err := checkUnit("weight_dense", o.WeightDense); err != nil {
		return err
	}
	if err := checkUnit("kg_boost", o.KGBoost); err != nil {
		return err
	}
	checkNonNeg := func(name string, v *int) error {
		if v != nil && *v < 0 {
			return fmt.Errorf("policy overlay: %s must be >= 0", name)
		}
		return nil
	}
	if err := checkNonNeg("tool_budget_per_turn", o.ToolBudgetPerTurn); err != nil {
		return err
	}
	if err := checkNonNeg("tool_budget_per_refinement", o.ToolBudgetPerRefinement); err != nil {
		return err
	}
	if err := checkNonNeg("egress_allow_redirects", o.EgressAllowRedirects); err != nil {
		return err
	}
	if err := checkNonNeg("egress_timeout_seconds", o.EgressTimeoutSeconds); err != nil {
		return err
	}
	if o.EgressMaxPayloadBytes != nil && *o.EgressMaxPayloadBytes <= 0 {
		return fmt.Errorf("policy overlay: egress_max_payload_bytes must be > 0")
	}
	if o.VectorBackend != nil {
		switch *o.VectorBackend {
		case "genai", "ollama", "hash":
		default:
			return fmt.Errorf("policy overlay: unknown vector_backend %q", *o.VectorBackend)
		}
	}
	return nil
}

// Apply layers the overlay onto a config snapshot and returns the adjusted
// copy. The receiver may be nil, in which case cfg passes through
// unchanged.
func (o *Overlay) Apply(cfg config.Config) config.Config {
	if o == nil {
		return cfg
	}
	if o.AcceptThreshold != nil {
		cfg.Decision.AcceptThreshold = *o.AcceptThreshold
	}
	if o.BorderlineDelta != nil {
		cfg.Decision.BorderlineDelta = *o.BorderlineDelta
	}
	if o.ToolBudgetPerTurn != nil {
		cfg.Refine.ToolBudgetPerTurn = *o.ToolBudgetPerTurn
	}
	if o.ToolBudgetPerRefinement != nil {
		cfg.Refine.ToolBudgetPerRefinement = *o.ToolBudgetPerRefinement
	}
	if o.ToolsRequiringApproval != nil {
		cfg.Approvals.RequiredTools = append([]string(nil), o.ToolsRequiringApproval...)
	}
	if o.TableAllowed != nil {
		cfg.Tools.Table.Allowed = append([]string(nil), o.TableAllowed...)
	}
	if o.WeightSparse != nil {
		cfg.Retrieval.WeightSparse = *o.WeightSparse
	}
	if o.WeightDense != nil {
		cfg.Retrieval.WeightDense = *o.WeightDense
	}
	if o.KGBoost != nil {
		cfg.Retrieval.KGBoost = *o.KGBoost
	}
	if o.VectorBackend != nil {
		cfg.Embedding.Backend = *o.VectorBackend
	}
	if o.EgressEnforceTLS != nil {
		cfg.Tools.Egress.EnforceTLS = *o.EgressEnforceTLS
	}
	if o.EgressBlockPrivateIP != nil {
		cfg.Tools.Egress.BlockPrivateIP = *o.EgressBlockPrivateIP
	}
	if o.EgressAllowRedirects != nil {
		cfg.Tools.Egress.AllowRedirects = *o.EgressAllowRedirects
	}
	if o.EgressMaxPayloadBytes != nil {
		cfg.Tools.Egress.MaxPayloadBytes = *o.EgressMaxPayloadBytes
	}
	if o.EgressTimeoutSeconds != nil {
		cfg.Tools.Egress.TimeoutSeconds = *o.EgressTimeoutSeconds
	}
	if o.EgressAllowlistHosts != nil {
		cfg.Tools.Egress.AllowlistHosts = append([]string(nil), o.EgressAllowlistHosts...)
	}
	if o.EgressDenylistHosts != nil {
		cfg.Tools.Egress.DenylistHosts = append([]string(nil), o.EgressDenylistHosts...)
	}
	return cfg
}

// ToolAllowed reports whether the overlay permits a tool. A nil overlay or
// an absent tools_allowed key permits everything.
func (o *Overlay) ToolAllowed(tool string) bool {
	if o == nil || o.ToolsAllowed == nil {
		return true
	}
	for _, t := range o.ToolsAllowed {
		if t == tool {
			return true
		}
	}
	return false
}
