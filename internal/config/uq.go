package config

// UQConfig configures the SNNE uncertainty estimator.
type UQConfig struct {
	Mode        string  `yaml:"mode"` // snne
	SNNESamples int     `yaml:"snne_samples"`
	SNNETau     float64 `yaml:"snne_tau"`
}

// DefaultUQConfig returns the default uncertainty settings.
func DefaultUQConfig() UQConfig {
	return UQConfig{
		Mode:        "snne",
		SNNESamples: 5,
		SNNETau:     0.3,
	}
}

// DecisionConfig configures the accept/iterate/abstain decision head.
type DecisionConfig struct {
	W1              float64 `yaml:"w1"`
	W2              float64 `yaml:"w2"`
	AcceptThreshold float64 `yaml:"accept_threshold"`
	BorderlineDelta float64 `yaml:"borderline_delta"`
	CPEnabled       bool    `yaml:"cp_enabled"`
	CPAutoEnable    bool    `yaml:"cp_auto_enable"`
	CPTargetMis     float64 `yaml:"cp_target_mis"`
	CPMinAccepts    int     `yaml:"cp_min_accepts"`
}

// DefaultDecisionConfig returns the default decision weights and gates.
func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		W1:              0.55,
		W2:              0.45,
		AcceptThreshold: 0.85,
		BorderlineDelta: 0.05,
		CPEnabled:       false,
		CPAutoEnable:    true,
		CPTargetMis:     0.05,
		CPMinAccepts:    10,
	}
}

// RefineConfig configures the refinement loop budgets.
type RefineConfig struct {
	MaxRefinements          int     `yaml:"max_refinements"`
	ToolBudgetPerTurn       int     `yaml:"tool_budget_per_turn"`
	ToolBudgetPerRefinement int     `yaml:"tool_budget_per_refinement"`
	LatencyBudgetSeconds    float64 `yaml:"latency_budget_seconds"`
}

// DefaultRefineConfig returns the default refinement budgets.
func DefaultRefineConfig() RefineConfig {
	return RefineConfig{
		MaxRefinements:          2,
		ToolBudgetPerTurn:       4,
		ToolBudgetPerRefinement: 2,
		LatencyBudgetSeconds:    20,
	}
}
