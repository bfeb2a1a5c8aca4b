package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEngine produces deterministic embeddings from token and character
// n-gram hashes. No network, no model weights. Similar texts land on nearby
// vectors, which is enough for offline retrieval and for the answer-sample
// similarity the uncertainty estimator needs in tests and dev mode.
type HashEngine struct {
	dims int
}

// NewHashEngine creates a hash-projection engine with the given
// dimensionality (default 256).
func NewHashEngine(dims int) *HashEngine {
	if dims <= 0 {
		dims = 256
	}
	return &HashEngine{dims: dims}
}

// Embed generates a deterministic embedding for text.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, feature := range hashFeatures(text) {
		h := fnv.New64a()
		h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if (sum>>63)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *HashEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *HashEngine) Name() string {
	return fmt.Sprintf("hash:%d", e.dims)
}

// hashFeatures extracts lowercase word tokens plus character trigrams so
// partial word overlap still contributes similarity.
func hashFeatures(text string) []string {
	lowered := strings.ToLower(text)
	words := strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	features := make([]string, 0, len(words)*4)
	for _, w := range words {
		features = append(features, "w:"+w)
		runes := []rune(w)
		for i := 0; i+3 <= len(runes); i++ {
			features = append(features, "g:"+string(runes[i:i+3]))
		}
	}
	return features
}
