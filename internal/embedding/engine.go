// Package embedding provides vector embedding generation for dense retrieval
// and answer-sample similarity. Supports multiple backends: Ollama (local),
// Google GenAI (cloud), and a deterministic hash projection used when no
// external backend is configured.
package embedding

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"veritor/internal/config"
	"veritor/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// NewEngine creates an embedding engine based on configuration. Unknown
// backends fall back to the hash engine so retrieval keeps working offline.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	log := logging.Named("embedding")

	var engine Engine
	var err error
	switch cfg.Backend {
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaURL, cfg.Model)
	case "genai":
		engine, err = NewGenAIEngine(cfg.Model)
	case "hash", "", "none":
		engine = NewHashEngine(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding backend: %s (use 'ollama', 'genai', or 'hash')", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	log.Info("embedding engine ready",
		zap.String("name", engine.Name()),
		zap.Int("dimensions", engine.Dimensions()))
	return engine, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}
