package config

// RetrievalConfig configures hybrid retrieval fusion.
type RetrievalConfig struct {
	WeightSparse float64 `yaml:"weight_sparse"`
	WeightDense  float64 `yaml:"weight_dense"`
	KGBoost      float64 `yaml:"kg_boost"`
	MinScore     float64 `yaml:"min_score"`
	Budget       int     `yaml:"budget"`
	MemoryBudget int     `yaml:"memory_budget"`
	SparseK      int     `yaml:"sparse_k"`
	DenseK       int     `yaml:"dense_k"`
}

// DefaultRetrievalConfig returns the default retrieval fusion weights.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		WeightSparse: 0.5,
		WeightDense:  0.5,
		KGBoost:      0.15,
		MinScore:     0.1,
		Budget:       8,
		MemoryBudget: 8,
		SparseK:      16,
		DenseK:       16,
	}
}

// EmbeddingConfig configures the vector embedding backend.
type EmbeddingConfig struct {
	Backend    string `yaml:"backend"` // genai, ollama, hash
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	OllamaURL  string `yaml:"ollama_url"`
}

// DefaultEmbeddingConfig returns the default embedding backend settings.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Backend:    "hash",
		Model:      "text-embedding-004",
		Dimensions: 256,
		OllamaURL:  "http://localhost:11434",
	}
}
