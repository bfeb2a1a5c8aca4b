// Package metrics keeps in-memory operational counters for the answer
// pipeline: decision outcomes, latency histograms, and uncertainty
// aggregates, globally and per domain.
package metrics

import (
	"math"
	"sync"
	"time"
)

// Latency histogram bucket upper bounds in seconds. The final implicit
// bucket is +Inf.
var (
	latencyBucketBounds = []float64{0.1, 0.5, 1, 2.5, 6}
	latencyBucketKeys   = []string{"0.1", "0.5", "1", "2.5", "6", "+Inf"}
)

// Histogram is a fixed-bucket latency histogram.
type Histogram struct {
	counts [6]int
	sum    float64
	count  int
}

// Observe records one latency sample in seconds.
func (h *Histogram) Observe(seconds float64) {
	idx := len(latencyBucketBounds)
	for i, bound := range latencyBucketBounds {
		if seconds <= bound {
			idx = i
			break
		}
	}
	h.counts[idx]++
	h.sum += seconds
	h.count++
}

// Count returns the number of recorded samples.
func (h *Histogram) Count() int { return h.count }

// Sum returns the total of all recorded samples in seconds.
func (h *Histogram) Sum() float64 { return h.sum }

// Buckets returns cumulative counts keyed by upper bound, Prometheus
// style.
func (h *Histogram) Buckets() map[string]int {
	out := make(map[string]int, len(latencyBucketKeys))
	cumulative := 0
	for i, key := range latencyBucketKeys {
		cumulative += h.counts[i]
		out[key] = cumulative
	}
	return out
}

// Quantile estimates a quantile as the upper bound of the bucket holding
// the ranked sample. Samples past the last finite bucket yield +Inf.
func (h *Histogram) Quantile(q float64) (float64, bool) {
	if h.count <= 0 || q <= 0 || q > 1 {
		return 0, false
	}
	rank := q * float64(h.count)
	cumulative := 0
	for i, bound := range latencyBucketBounds {
		cumulative += h.counts[i]
		if float64(cumulative) >= rank {
			return bound, true
		}
	}
	return math.Inf(1), true
}

// LatencySummary is the public view of a histogram. P95 is nil when the
// estimate falls in the unbounded bucket.
type LatencySummary struct {
	Count   int      `json:"count"`
	Average *float64 `json:"average"`
	P95     *float64 `json:"p95"`
}

// Summary computes count, average, and estimated p95.
func (h *Histogram) Summary() LatencySummary {
	s := LatencySummary{Count: h.count}
	if h.count <= 0 {
		return s
	}
	avg := h.sum / float64(h.count)
	s.Average = &avg
	if p95, ok := h.Quantile(0.95); ok && !math.IsInf(p95, 1) {
		s.P95 = &p95
	}
	return s
}

// DecisionCounts tracks outcome counters for one scope.
type DecisionCounts struct {
	Answers int64 `json:"answers"`
	Accept  int64 `json:"accept"`
	Iterate int64 `json:"iterate"`
	Abstain int64 `json:"abstain"`
}

func (d *DecisionCounts) observe(action string) {
	d.Answers++
	switch action {
	case "accept":
		d.Accept++
	case "iterate":
		d.Iterate++
	case "abstain":
		d.Abstain++
	}
}

// uqStats accumulates uncertainty-score aggregates.
type uqStats struct {
	Events          int64
	RawSum          float64
	RawCount        int64
	NormalizedSum   float64
	NormalizedCount int64
	SamplesTotal    int64
}

func (u *uqStats) observe(raw, normalized float64, samples int) {
	u.Events++
	if !math.IsNaN(raw) {
		u.RawSum += raw
		u.RawCount++
	}
	if !math.IsNaN(normalized) {
		u.NormalizedSum += normalized
		u.NormalizedCount++
	}
	u.SamplesTotal += int64(samples)
}

// UQSummary is the public view of uncertainty aggregates.
type UQSummary struct {
	Events        int64    `json:"events"`
	AvgRaw        *float64 `json:"avg_raw"`
	AvgNormalized *float64 `json:"avg_normalized"`
	SamplesTotal  int64    `json:"samples_total"`
}

func (u *uqStats) summary() UQSummary {
	s := UQSummary{Events: u.Events, SamplesTotal: u.SamplesTotal}
	if u.RawCount > 0 {
		avg := u.RawSum / float64(u.RawCount)
		s.AvgRaw = &avg
	}
	if u.NormalizedCount > 0 {
		avg := u.NormalizedSum / float64(u.NormalizedCount)
		s.AvgNormalized = &avg
	}
	return s
}

// Registry holds all in-process counters. Safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	requests int64
	global   DecisionCounts
	byDomain map[string]*DecisionCounts

	answerLatency     Histogram
	latencyByDomain   map[string]*Histogram
	firstToken        Histogram
	firstTokenByDomain map[string]*Histogram

	uq         uqStats
	uqByDomain map[string]*uqStats
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byDomain:           make(map[string]*DecisionCounts),
		latencyByDomain:    make(map[string]*Histogram),
		firstTokenByDomain: make(map[string]*Histogram),
		uqByDomain:         make(map[string]*uqStats),
	}
}

// IncRequests counts one inbound request.
func (r *Registry) IncRequests() {
	r.mu.Lock()
	r.requests++
	r.mu.Unlock()
}

// ObserveAnswer records a completed answer turn: its final action, total
// latency, and time to first token. firstToken <= 0 falls back to the
// total latency.
func (r *Registry) ObserveAnswer(domain, action string, latency, firstToken time.Duration) {
	if domain == "" {
		domain = "default"
	}
	if firstToken <= 0 {
		firstToken = latency
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.global.observe(action)
	dom, ok := r.byDomain[domain]
	if !ok {
		dom = &DecisionCounts{}
		r.byDomain[domain] = dom
	}
	dom.observe(action)

	r.answerLatency.Observe(latency.Seconds())
	lat, ok := r.latencyByDomain[domain]
	if !ok {
		lat = &Histogram{}
		r.latencyByDomain[domain] = lat
	}
	lat.Observe(latency.Seconds())

	r.firstToken.Observe(firstToken.Seconds())
	ft, ok := r.firstTokenByDomain[domain]
	if !ok {
		ft = &Histogram{}
		r.firstTokenByDomain[domain] = ft
	}
	ft.Observe(firstToken.Seconds())
}

// ObserveUQ records one uncertainty measurement.
func (r *Registry) ObserveUQ(domain string, raw, normalized float64, samples int) {
	if domain == "" {
		domain = "default"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uq.observe(raw, normalized, samples)
	dom, ok := r.uqByDomain[domain]
	if !ok {
		dom = &uqStats{}
		r.uqByDomain[domain] = dom
	}
	dom.observe(raw, normalized, samples)
}

// DecisionRates are outcome fractions over produced answers.
type DecisionRates struct {
	Accept  float64 `json:"accept"`
	Iterate float64 `json:"iterate"`
	Abstain float64 `json:"abstain"`
}

func (d *DecisionCounts) rates() *DecisionRates {
	if d.Answers == 0 {
		return nil
	}
	total := float64(d.Answers)
	return &DecisionRates{
		Accept:  float64(d.Accept) / total,
		Iterate: float64(d.Iterate) / total,
		Abstain: float64(d.Abstain) / total,
	}
}
