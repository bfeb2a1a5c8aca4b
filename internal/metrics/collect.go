package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"veritor/internal/approval"
	"veritor/internal/config"
	"veritor/internal/store"
	"veritor/internal/uq"
)

// Report is the JSON payload served by the metrics endpoint.
type Report struct {
	Requests int64 `json:"requests"`
	Answers  int64 `json:"answers"`
	Accept   int64 `json:"accept"`
	Iterate  int64 `json:"iterate"`
	Abstain  int64 `json:"abstain"`

	Rates         *DecisionRates           `json:"rates,omitempty"`
	ByDomain      map[string]DecisionCounts `json:"by_domain,omitempty"`
	RatesByDomain map[string]DecisionRates `json:"rates_by_domain,omitempty"`

	Latency                 *LatencySummary           `json:"latency,omitempty"`
	FirstTokenLatency       *LatencySummary           `json:"first_token_latency,omitempty"`
	LatencyByDomain         map[string]LatencySummary `json:"latency_by_domain,omitempty"`
	FirstTokenLatencyByDomain map[string]LatencySummary `json:"first_token_latency_by_domain,omitempty"`

	UQ         *UQSummary           `json:"uq,omitempty"`
	UQByDomain map[string]UQSummary `json:"uq_by_domain,omitempty"`

	CPStats map[string]store.CPDomainStats `json:"cp_stats,omitempty"`
	CPDrift map[string]uq.QuantileDrift    `json:"cp_quantile_drift,omitempty"`

	Approvals *approval.Stats `json:"approvals,omitempty"`
	Alerts    *Alerts         `json:"alerts,omitempty"`
}

// LatencyAlert flags a scope whose p95 exceeds the threshold. P95 is nil
// when the estimate falls in the unbounded bucket.
type LatencyAlert struct {
	P95       *float64 `json:"p95"`
	Threshold float64  `json:"threshold"`
}

// AbstainAlert flags a scope abstaining too often.
type AbstainAlert struct {
	Rate      float64 `json:"rate"`
	Threshold float64 `json:"threshold"`
	Answers   int64   `json:"answers"`
}

// ThresholdAlert flags a gauge over its configured limit.
type ThresholdAlert struct {
	Current   float64 `json:"current"`
	Threshold float64 `json:"threshold"`
}

// ApprovalAlerts carry queue-depth and queue-age alarms.
type ApprovalAlerts struct {
	Pending    *ThresholdAlert `json:"pending,omitempty"`
	PendingAge *ThresholdAlert `json:"pending_age,omitempty"`
}

// Alerts groups every active operational alert.
type Alerts struct {
	CP        map[string]uq.FalseAcceptAlert `json:"cp,omitempty"`
	Drift     map[string]float64             `json:"drift,omitempty"`
	Latency   map[string]LatencyAlert        `json:"latency,omitempty"`
	Abstain   map[string]AbstainAlert        `json:"abstain,omitempty"`
	Approvals *ApprovalAlerts                `json:"approvals,omitempty"`
}

func (a *Alerts) empty() bool {
	return len(a.CP) == 0 && len(a.Drift) == 0 && len(a.Latency) == 0 &&
		len(a.Abstain) == 0 && a.Approvals == nil
}

// Collector joins the live registry with calibration and approval state
// to produce reports. CP store and approvals may be nil.
type Collector struct {
	reg       *Registry
	cp        *store.CPStore
	approvals *approval.Store
	alerts    config.AlertsConfig
	targetMis float64
}

// NewCollector wires report production over its data sources.
func NewCollector(reg *Registry, cp *store.CPStore, approvals *approval.Store, alerts config.AlertsConfig, targetMis float64) *Collector {
	return &Collector{reg: reg, cp: cp, approvals: approvals, alerts: alerts, targetMis: targetMis}
}

// Report assembles the full JSON payload with rates, summaries, and
// alerts.
func (c *Collector) Report() Report {
	r := c.reg
	r.mu.Lock()

	out := Report{
		Requests: r.requests,
		Answers:  r.global.Answers,
		Accept:   r.global.Accept,
		Iterate:  r.global.Iterate,
		Abstain:  r.global.Abstain,
		Rates:    r.global.rates(),
	}
	if len(r.byDomain) > 0 {
		out.ByDomain = make(map[string]DecisionCounts, len(r.byDomain))
		out.RatesByDomain = make(map[string]DecisionRates, len(r.byDomain))
		for dom, counts := range r.byDomain {
			out.ByDomain[dom] = *counts
			if rates := counts.rates(); rates != nil {
				out.RatesByDomain[dom] = *rates
			}
		}
	}
	if s := r.answerLatency.Summary(); s.Count > 0 {
		out.Latency = &s
	}
	if s := r.firstToken.Summary(); s.Count > 0 {
		out.FirstTokenLatency = &s
	}
	out.LatencyByDomain = histogramSummaries(r.latencyByDomain)
	out.FirstTokenLatencyByDomain = histogramSummaries(r.firstTokenByDomain)
	if r.uq.Events > 0 {
		s := r.uq.summary()
		out.UQ = &s
	}
	if len(r.uqByDomain) > 0 {
		out.UQByDomain = make(map[string]UQSummary, len(r.uqByDomain))
		for dom, stats := range r.uqByDomain {
			out.UQByDomain[dom] = stats.summary()
		}
	}
	r.mu.Unlock()

	alerts := &Alerts{}
	if c.cp != nil {
		if stats, err := c.cp.DomainStats(""); err == nil && len(stats) > 0 {
			out.CPStats = stats
			if cpAlerts := uq.RollingFalseAcceptAlerts(stats, c.targetMis, c.alerts.CPAlertTolerance); len(cpAlerts) > 0 {
				alerts.CP = cpAlerts
			}
			drift := make(map[string]uq.QuantileDrift)
			for dom := range stats {
				d, ok := uq.DomainDrift(c.cp, dom, c.alerts.DriftWindow, uq.DefaultQuantileBuckets)
				if !ok {
					continue
				}
				drift[dom] = d
				if uq.NeedsAttention(d, c.alerts.DriftQuantileTolerance, c.alerts.DriftMinSamples) {
					if alerts.Drift == nil {
						alerts.Drift = make(map[string]float64)
					}
					alerts.Drift[dom] = d.MaxAbsDelta
				}
			}
			if len(drift) > 0 {
				out.CPDrift = drift
			}
		}
	}
	alerts.Latency = c.latencyAlerts(out)
	alerts.Abstain = c.abstainAlerts(out)
	if c.approvals != nil {
		snapshot := c.approvals.Snapshot()
		out.Approvals = &snapshot
		alerts.Approvals = c.approvalAlerts(snapshot)
	}
	if !alerts.empty() {
		out.Alerts = alerts
	}
	return out
}

func (c *Collector) latencyAlerts(out Report) map[string]LatencyAlert {
	threshold := c.alerts.LatencyP95AlertSeconds
	minRequests := c.alerts.LatencyAlertMinRequests
	if minRequests < 1 {
		minRequests = 1
	}
	alerts := make(map[string]LatencyAlert)
	check := func(scope string, s *LatencySummary) {
		if s == nil || s.Count < minRequests {
			return
		}
		// A nil p95 with samples present means the estimate escaped the
		// last finite bucket, which always exceeds the threshold.
		if s.P95 == nil || *s.P95 > threshold {
			alerts[scope] = LatencyAlert{P95: s.P95, Threshold: threshold}
		}
	}
	check("global", out.Latency)
	for dom := range out.LatencyByDomain {
		s := out.LatencyByDomain[dom]
		check(dom, &s)
	}
	if len(alerts) == 0 {
		return nil
	}
	return alerts
}

func (c *Collector) abstainAlerts(out Report) map[string]AbstainAlert {
	threshold := c.alerts.AbstainAlertRate
	minAnswers := int64(c.alerts.AbstainAlertMinAnswers)
	if minAnswers < 1 {
		minAnswers = 1
	}
	alerts := make(map[string]AbstainAlert)
	if out.Answers >= minAnswers && out.Rates != nil && out.Rates.Abstain > threshold {
		alerts["global"] = AbstainAlert{Rate: out.Rates.Abstain, Threshold: threshold, Answers: out.Answers}
	}
	for dom, counts := range out.ByDomain {
		if counts.Answers < minAnswers {
			continue
		}
		rate := float64(counts.Abstain) / float64(counts.Answers)
		if rate > threshold {
			alerts[dom] = AbstainAlert{Rate: rate, Threshold: threshold, Answers: counts.Answers}
		}
	}
	if len(alerts) == 0 {
		return nil
	}
	return alerts
}

func (c *Collector) approvalAlerts(snapshot approval.Stats) *ApprovalAlerts {
	var out ApprovalAlerts
	if snapshot.Pending > c.alerts.ApprovalsPendingThreshold {
		out.Pending = &ThresholdAlert{
			Current:   float64(snapshot.Pending),
			Threshold: float64(c.alerts.ApprovalsPendingThreshold),
		}
	}
	if snapshot.MaxPendingAge > float64(c.alerts.ApprovalsPendingAgeSeconds) {
		out.PendingAge = &ThresholdAlert{
			Current:   snapshot.MaxPendingAge,
			Threshold: float64(c.alerts.ApprovalsPendingAgeSeconds),
		}
	}
	if out.Pending == nil && out.PendingAge == nil {
		return nil
	}
	return &out
}

func histogramSummaries(hists map[string]*Histogram) map[string]LatencySummary {
	if len(hists) == 0 {
		return nil
	}
	out := make(map[string]LatencySummary, len(hists))
	for dom, h := range hists {
		if s := h.Summary(); s.Count > 0 {
			out[dom] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Prometheus renders the text exposition format.
func (c *Collector) Prometheus() string {
	r := c.reg
	r.mu.Lock()

	var b strings.Builder
	counter := func(name, help string, value int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, value)
	}
	gauge := func(name, help string, value float64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %s\n", name, help, name, name, promNumber(value))
	}

	counter("veritor_requests_total", "Total requests received", r.requests)
	counter("veritor_answers_total", "Total answers produced", r.global.Answers)
	counter("veritor_abstain_total", "Total abstentions", r.global.Abstain)

	domains := sortedDomains(r.byDomain)
	fmt.Fprintf(&b, "# HELP veritor_answers_by_domain_total Answers by domain\n# TYPE veritor_answers_by_domain_total counter\n")
	for _, dom := range domains {
		fmt.Fprintf(&b, "veritor_answers_by_domain_total{domain=%q} %d\n", dom, r.byDomain[dom].Answers)
	}
	fmt.Fprintf(&b, "# HELP veritor_abstain_by_domain_total Abstentions by domain\n# TYPE veritor_abstain_by_domain_total counter\n")
	for _, dom := range domains {
		fmt.Fprintf(&b, "veritor_abstain_by_domain_total{domain=%q} %d\n", dom, r.byDomain[dom].Abstain)
	}

	fmt.Fprintf(&b, "# HELP veritor_answer_latency_seconds Answer latency in seconds\n# TYPE veritor_answer_latency_seconds histogram\n")
	buckets := r.answerLatency.Buckets()
	for _, key := range latencyBucketKeys {
		fmt.Fprintf(&b, "veritor_answer_latency_seconds_bucket{le=%q} %d\n", key, buckets[key])
	}
	fmt.Fprintf(&b, "veritor_answer_latency_seconds_sum %s\n", promNumber(r.answerLatency.Sum()))
	fmt.Fprintf(&b, "veritor_answer_latency_seconds_count %d\n", r.answerLatency.Count())

	summary := r.answerLatency.Summary()
	gauge("veritor_latency_p95_seconds", "Approximate 95th percentile latency in seconds", deref(summary.P95))
	gauge("veritor_latency_avg_seconds", "Average latency in seconds", deref(summary.Average))

	uqSummary := r.uq.summary()
	counter("veritor_uq_events_total", "Total uncertainty measurements observed", uqSummary.Events)
	gauge("veritor_uq_avg_raw", "Average raw uncertainty score", deref(uqSummary.AvgRaw))
	gauge("veritor_uq_avg_normalized", "Average normalized uncertainty score", deref(uqSummary.AvgNormalized))
	counter("veritor_uq_samples_total", "Total answer variants scored", uqSummary.SamplesTotal)

	abstainRate := 0.0
	if r.global.Answers > 0 {
		abstainRate = float64(r.global.Abstain) / float64(r.global.Answers)
	}
	gauge("veritor_abstain_rate", "Global abstain rate", abstainRate)
	if len(domains) > 0 {
		fmt.Fprintf(&b, "# HELP veritor_abstain_rate_by_domain Abstain rate by domain\n# TYPE veritor_abstain_rate_by_domain gauge\n")
		for _, dom := range domains {
			counts := r.byDomain[dom]
			rate := 0.0
			if counts.Answers > 0 {
				rate = float64(counts.Abstain) / float64(counts.Answers)
			}
			fmt.Fprintf(&b, "veritor_abstain_rate_by_domain{domain=%q} %s\n", dom, promNumber(rate))
		}
	}
	r.mu.Unlock()

	if c.approvals != nil {
		snapshot := c.approvals.Snapshot()
		gauge("veritor_approvals_pending", "Pending tool approvals", float64(snapshot.Pending))
		gauge("veritor_approvals_approved", "Approved tool approvals", float64(snapshot.Approved))
		gauge("veritor_approvals_denied", "Denied tool approvals", float64(snapshot.Denied))
		gauge("veritor_approvals_max_pending_age_seconds", "Age of the oldest pending approval", snapshot.MaxPendingAge)
	}
	return b.String()
}

func sortedDomains(byDomain map[string]*DecisionCounts) []string {
	out := make([]string, 0, len(byDomain))
	for dom := range byDomain {
		out = append(out, dom)
	}
	sort.Strings(out)
	return out
}

func promNumber(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return fmt.Sprintf("%g", v)
}

func deref(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
