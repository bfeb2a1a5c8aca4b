// Package policy holds the decision head: final-score fusion, the
// accept/iterate/abstain decision, the conformal gate, and per-workspace
// policy overlays.
package policy

import "veritor/internal/config"

// Action is the decision taken on a candidate answer.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionIterate Action = "iterate"
	ActionAbstain Action = "abstain"
)

// FinalScore fuses the consistency confidence s1 and the verifier score s2
// into a single score in [0,1].
func FinalScore(s1, s2 float64, cfg config.DecisionConfig) float64 {
	return clamp01(cfg.W1*clamp01(s1) + cfg.W2*clamp01(s2))
}

// Decide maps a final score and the conformal gate outcome onto an action.
// Acceptance requires both the gate and the threshold; scores within the
// borderline band below the threshold trigger another refinement round.
func Decide(score float64, cpAccept bool, cfg config.DecisionConfig) Action {
	if cpAccept && score >= cfg.AcceptThreshold {
		return ActionAccept
	}
	if score >= cfg.AcceptThreshold-cfg.BorderlineDelta && score < cfg.AcceptThreshold {
		return ActionIterate
	}
	return ActionAbstain
}

// Borderline reports whether a score sits in the iterate band just below
// the accept threshold.
func Borderline(score float64, cfg config.DecisionConfig) bool {
	return score >= cfg.AcceptThreshold-cfg.BorderlineDelta && score < cfg.AcceptThreshold
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
