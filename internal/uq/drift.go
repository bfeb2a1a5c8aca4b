package uq

import (
	"math"

	"veritor/internal/store"
)

// QuantileDrift compares a baseline quantile snapshot against recently
// observed scores.
type QuantileDrift struct {
	Deltas      map[string]float64 `json:"deltas"`
	MaxAbsDelta float64            `json:"max_abs_delta"`
	SampleSize  int                `json:"sample_size"`
}

// ComputeQuantileDrift returns per-bucket deltas (observed minus baseline)
// for the buckets both snapshots share.
func ComputeQuantileDrift(baseline, observed map[string]float64, sampleSize int) QuantileDrift {
	deltas := make(map[string]float64)
	var maxDelta float64
	for key, baseVal := range baseline {
		obsVal, ok := observed[key]
		if !ok {
			continue
		}
		delta := obsVal - baseVal
		deltas[key] = delta
		if abs := math.Abs(delta); abs > maxDelta {
			maxDelta = abs
		}
	}
	if sampleSize < 0 {
		sampleSize = len(observed)
	}
	return QuantileDrift{Deltas: deltas, MaxAbsDelta: maxDelta, SampleSize: sampleSize}
}

// NeedsAttention reports whether a drift measurement exceeds tolerance.
// Small samples never alert.
func NeedsAttention(drift QuantileDrift, tolerance float64, minSampleSize int) bool {
	if minSampleSize < 1 {
		minSampleSize = 1
	}
	if drift.SampleSize < minSampleSize {
		return false
	}
	return drift.MaxAbsDelta > tolerance
}

// FalseAcceptAlert flags a domain whose rolling false-accept rate exceeds
// the calibration target plus tolerance.
type FalseAcceptAlert struct {
	FalseAcceptRate float64 `json:"false_accept_rate"`
	Target          float64 `json:"target"`
	Tolerance       float64 `json:"tolerance"`
}

// RollingFalseAcceptAlerts scans per-domain CP stats for rates out of
// tolerance.
func RollingFalseAcceptAlerts(stats map[string]store.CPDomainStats, target, tolerance float64) map[string]FalseAcceptAlert {
	alerts := make(map[string]FalseAcceptAlert)
	for domain, st := range stats {
		if st.RateFalseAccept > target+tolerance {
			alerts[domain] = FalseAcceptAlert{
				FalseAcceptRate: st.RateFalseAccept,
				Target:          target,
				Tolerance:       tolerance,
			}
		}
	}
	return alerts
}

// DomainDrift measures drift for one domain from its stored reference and
// the most recent scores. Returns ok=false when no reference exists.
func DomainDrift(cp *store.CPStore, domain string, window int, buckets []float64) (QuantileDrift, bool) {
	ref, err := cp.Reference(domain)
	if err != nil || len(ref.Quantiles) == 0 {
		return QuantileDrift{}, false
	}
	scores, err := cp.RecentScores(domain, window)
	if err != nil || len(scores) == 0 {
		return QuantileDrift{}, false
	}
	observed := QuantilesFromScores(scores, buckets)
	return ComputeQuantileDrift(ref.Quantiles, observed, len(scores)), true
}

// DefaultQuantileBuckets are the probabilities tracked in calibration
// references.
var DefaultQuantileBuckets = []float64{0.10, 0.25, 0.50, 0.75, 0.90}
