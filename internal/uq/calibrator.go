package uq

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"veritor/internal/store"
)

// Calibrator maps raw SNNE values to a consistency confidence in [0,1].
// With a stored reference the confidence is one minus the percentile of the
// raw value among that domain's calibration scores (higher raw means more
// scatter). Domains without a reference fall back to the logistic Normalize,
// which has the same orientation. Quantiles cache with a refresh TTL so the
// hot path avoids a database read per request.
type Calibrator struct {
	cp      *store.CPStore
	refresh time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	quantiles []quantilePoint
	ts        time.Time
}

// quantilePoint pairs a raw score value with its cumulative probability.
type quantilePoint struct {
	value float64
	prob  float64
}

// NewCalibrator builds a calibrator over the CP store. cp may be nil, in
// which case every domain uses the logistic fallback.
func NewCalibrator(cp *store.CPStore, refresh time.Duration) *Calibrator {
	if refresh <= 0 {
		refresh = 10 * time.Minute
	}
	return &Calibrator{cp: cp, refresh: refresh, cache: make(map[string]cacheEntry)}
}

// Calibrate converts a raw SNNE value for a domain into a confidence in
// [0,1].
func (c *Calibrator) Calibrate(domain string, raw float64) float64 {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 1.0
	}
	quantiles := c.quantilesFor(domain)
	if len(quantiles) == 0 {
		return Normalize(raw)
	}

	sort.Slice(quantiles, func(i, j int) bool { return quantiles[i].value < quantiles[j].value })

	// Degenerate reference: every quantile at the same raw value.
	allEqual := true
	for _, qp := range quantiles[1:] {
		if math.Abs(qp.value-quantiles[0].value) > 1e-12 {
			allEqual = false
			break
		}
	}
	if allEqual {
		var mean float64
		for _, qp := range quantiles {
			mean += qp.prob
		}
		return clamp01(1 - mean/float64(len(quantiles)))
	}

	return clamp01(1 - interp(raw, quantiles))
}

func (c *Calibrator) quantilesFor(domain string) []quantilePoint {
	key := strings.ToLower(domain)
	if key == "" {
		key = "default"
	}

	c.mu.Lock()
	entry, ok := c.cache[key]
	c.mu.Unlock()
	if ok && time.Since(entry.ts) < c.refresh {
		return entry.quantiles
	}

	quantiles := c.load(key)
	c.mu.Lock()
	c.cache[key] = cacheEntry{quantiles: quantiles, ts: time.Now()}
	c.mu.Unlock()
	return quantiles
}

func (c *Calibrator) load(domain string) []quantilePoint {
	if c.cp == nil {
		return nil
	}
	ref, err := c.cp.Reference(domain)
	if err != nil {
		return nil
	}
	return parseQuantiles(ref.Quantiles)
}

// parseQuantiles converts the stored {"0.50": value} map into points.
func parseQuantiles(raw map[string]float64) []quantilePoint {
	var out []quantilePoint
	for key, value := range raw {
		prob, err := strconv.ParseFloat(key, 64)
		if err != nil || math.IsNaN(prob) || math.IsNaN(value) {
			continue
		}
		out = append(out, quantilePoint{value: value, prob: clamp01(prob)})
	}
	return out
}

// interp linearly interpolates prob over the value axis, clamping outside
// the observed range.
func interp(raw float64, pts []quantilePoint) float64 {
	if raw <= pts[0].value {
		return 0.0
	}
	last := pts[len(pts)-1]
	if raw >= last.value {
		return 1.0
	}
	for i := 1; i < len(pts); i++ {
		if raw <= pts[i].value {
			lo, hi := pts[i-1], pts[i]
			if hi.value == lo.value {
				return hi.prob
			}
			frac := (raw - lo.value) / (hi.value - lo.value)
			return lo.prob + frac*(hi.prob-lo.prob)
		}
	}
	return last.prob
}

// QuantilesFromScores computes the given quantile buckets over scores,
// keyed by the bucket probability formatted with two decimals.
func QuantilesFromScores(scores []float64, buckets []float64) map[string]float64 {
	if len(scores) == 0 {
		return map[string]float64{}
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)

	out := make(map[string]float64, len(buckets))
	for _, q := range buckets {
		if q < 0 || q > 1 || math.IsNaN(q) {
			continue
		}
		out[strconv.FormatFloat(q, 'f', 2, 64)] = quantile(sorted, q)
	}
	return out
}

// quantile computes the linearly interpolated quantile of sorted values.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
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
