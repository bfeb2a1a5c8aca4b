package policy

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"veritor/internal/logging"
	"veritor/internal/store"
)

// Gate reasons surfaced in traces and step records.
const (
	GateReasonDisabled   = "disabled"
	GateReasonMissingTau = "missing_tau"
	GateReasonBelowTau   = "below_tau"
	GateReasonAboveTau   = "above_tau"
)

// GateResult is one conformal gate evaluation.
type GateResult struct {
	Accept bool     `json:"accept"`
	Reason string   `json:"reason,omitempty"`
	Tau    *float64 `json:"tau,omitempty"`
}

// ConformalGate compares a final score against a calibrated per-domain
// threshold. Disabled gates always accept; enabled gates with no
// calibration for the domain reject, so an uncalibrated domain cannot
// silently accept.
type ConformalGate struct {
	enabled bool
	tau     func() *float64
}

// NewConformalGate builds a gate from an enabled flag and a threshold
// supplier. supplier may be nil.
func NewConformalGate(enabled bool, supplier func() *float64) *ConformalGate {
	return &ConformalGate{enabled: enabled, tau: supplier}
}

// Enabled reports whether the gate is active.
func (g *ConformalGate) Enabled() bool { return g.enabled }

// Evaluate gates a final score.
func (g *ConformalGate) Evaluate(score float64) GateResult {
	if !g.enabled {
		return GateResult{Accept: true, Reason: GateReasonDisabled}
	}
	var tau *float64
	if g.tau != nil {
		tau = g.tau()
	}
	if tau == nil {
		logging.Named("cp").Warn("cp_gate_missing_threshold")
		return GateResult{Accept: false, Reason: GateReasonMissingTau}
	}
	if score >= *tau {
		return GateResult{Accept: true, Reason: GateReasonAboveTau, Tau: tau}
	}
	return GateResult{Accept: false, Reason: GateReasonBelowTau, Tau: tau}
}

// ThresholdCache memoizes per-domain conformal thresholds so the request
// path avoids recomputing the quantile scan on every call.
type ThresholdCache struct {
	cp      *store.CPStore
	cfg     thresholdParams
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]thresholdEntry
}

type thresholdParams struct {
	targetMis  float64
	minAccepts int
}

type thresholdEntry struct {
	tau *float64
	ts  time.Time
}

// NewThresholdCache builds a cache over the CP store.
func NewThresholdCache(cp *store.CPStore, targetMis float64, minAccepts int, ttl time.Duration) *ThresholdCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ThresholdCache{
		cp:      cp,
		cfg:     thresholdParams{targetMis: targetMis, minAccepts: minAccepts},
		ttl:     ttl,
		entries: make(map[string]thresholdEntry),
	}
}

// Threshold returns the cached threshold for a domain, recomputing from
// calibration artifacts when the entry is stale. Cached reports whether the
// value was served without a recompute.
func (c *ThresholdCache) Threshold(domain string) (tau *float64, cached bool) {
	if c == nil || c.cp == nil {
		return nil, false
	}
	c.mu.Lock()
	entry, ok := c.entries[domain]
	c.mu.Unlock()
	if ok && time.Since(entry.ts) < c.ttl {
		return entry.tau, true
	}

	tau, err := c.cp.ComputeThreshold(domain, c.cfg.targetMis, c.cfg.minAccepts)
	if err != nil {
		logging.Named("cp").Warn("cp_threshold_compute_failed",
			zap.String("domain", domain), zap.Error(err))
		return nil, false
	}
	c.mu.Lock()
	c.entries[domain] = thresholdEntry{tau: tau, ts: time.Now()}
	c.mu.Unlock()
	return tau, false
}

// Invalidate drops the cached entry for a domain, forcing a recompute on
// the next lookup. Called after new calibration artifacts are ingested.
func (c *ThresholdCache) Invalidate(domain string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, domain)
	c.mu.Unlock()
}

// Supplier adapts the cache into a gate threshold supplier for one domain.
func (c *ThresholdCache) Supplier(domain string) func() *float64 {
	return func() *float64 {
		tau, _ := c.Threshold(domain)
		return tau
	}
}

// GateFor resolves the gate for one request. When the gate is not enabled
// in config but auto-enable is on, the gate activates for domains that
// already have a calibrated threshold.
func (c *ThresholdCache) GateFor(domain string, enabled, autoEnable bool) *ConformalGate {
	if !enabled && autoEnable {
		if tau, _ := c.Threshold(domain); tau != nil {
			enabled = true
		}
	}
	return NewConformalGate(enabled, c.Supplier(domain))
}
