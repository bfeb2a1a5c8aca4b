package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritor/internal/config"
)

func TestHashEngineDeterministic(t *testing.T) {
	e := NewHashEngine(128)
	ctx := context.Background()

	a, err := e.Embed(ctx, "the boiling point of water")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "the boiling point of water")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 128)
}

func TestHashEngineSimilarityOrdering(t *testing.T) {
	e := NewHashEngine(256)
	ctx := context.Background()

	query, err := e.Embed(ctx, "capital city of France")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "France capital city is Paris")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "quarterly revenue grew twelve percent")
	require.NoError(t, err)

	simClose, err := CosineSimilarity(query, near)
	require.NoError(t, err)
	simFar, err := CosineSimilarity(query, far)
	require.NoError(t, err)
	assert.Greater(t, simClose, simFar)
}

func TestHashEngineUnitNorm(t *testing.T) {
	e := NewHashEngine(64)
	vec, err := e.Embed(context.Background(), "some text to embed")
	require.NoError(t, err)

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, mag, 1e-6)
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	_, err = CosineSimilarity([]float32{1, 0}, []float32{1})
	assert.Error(t, err)

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Zero(t, sim)
}

func TestNewEngineFactory(t *testing.T) {
	e, err := NewEngine(config.EmbeddingConfig{Backend: "hash", Dimensions: 32})
	require.NoError(t, err)
	assert.Equal(t, 32, e.Dimensions())
	assert.Equal(t, "hash:32", e.Name())

	_, err = NewEngine(config.EmbeddingConfig{Backend: "weird"})
	assert.Error(t, err)
}
