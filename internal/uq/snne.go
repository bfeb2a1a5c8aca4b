// Package uq estimates answer uncertainty. The SNNE score measures how
// tightly a set of paraphrased answer samples clusters in embedding space:
// consistent answers score high, scattered answers score low.
package uq

import (
	"context"
	"math"

	"veritor/internal/embedding"
)

// SNNE computes the raw soft-nearest-neighbor entropy over answer samples.
// Raw values are typically negative; Normalize maps them into [0,1].
func SNNE(ctx context.Context, answers []string, tau float64, engine embedding.Engine) (float64, error) {
	if len(answers) == 0 {
		return 0, nil
	}
	if tau < 1e-6 {
		tau = 1e-6
	}

	vecs, err := engine.EmbedBatch(ctx, answers)
	if err != nil {
		return 0, err
	}
	unitize(vecs)

	n := len(vecs)
	var sumLSE float64
	for i := 0; i < n; i++ {
		// log-sum-exp over the full similarity row, self included.
		maxTerm := math.Inf(-1)
		terms := make([]float64, n)
		for j := 0; j < n; j++ {
			terms[j] = dot(vecs[i], vecs[j]) / tau
			if terms[j] > maxTerm {
				maxTerm = terms[j]
			}
		}
		var sum float64
		for _, t := range terms {
			sum += math.Exp(t - maxTerm)
		}
		sumLSE += maxTerm + math.Log(sum)
	}
	return -sumLSE / float64(n), nil
}

// Normalize maps a raw SNNE value into [0,1] via logistic squashing. Higher
// means more self-consistent.
func Normalize(raw float64) float64 {
	if math.IsNaN(raw) {
		return 1.0
	}
	value := 1.0 / (1.0 + math.Exp(raw))
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func unitize(vecs [][]float32) {
	for _, v := range vecs {
		var mag float64
		for _, x := range v {
			mag += float64(x) * float64(x)
		}
		norm := float32(math.Sqrt(mag) + 1e-12)
		for i := range v {
			v[i] /= norm
		}
	}
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
