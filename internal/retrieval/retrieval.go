// Package retrieval builds the evidence pack for a question: sparse hits
// from memory and corpus, dense hits from the vector store, fused into one
// ranked, deduplicated, budget-bounded list.
package retrieval

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"veritor/internal/config"
	"veritor/internal/embedding"
	"veritor/internal/logging"
	"veritor/internal/store"
)

// Evidence is one retrieved snippet with its fused score breakdown.
type Evidence struct {
	ID          string            `json:"id"`
	Snippet     string            `json:"snippet"`
	Why         string            `json:"why"`
	Source      string            `json:"source"` // memory, corpus
	URL         string            `json:"url,omitempty"`
	Title       string            `json:"title,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	SparseScore float64           `json:"sparse_score"`
	DenseScore  float64           `json:"dense_score"`
	KGBonus     float64           `json:"kg_bonus,omitempty"`
	Score       float64           `json:"score"`
}

// Retriever performs hybrid retrieval over one workspace.
type Retriever struct {
	memory  *store.MemoryStore
	corpus  *store.CorpusStore
	vectors *store.VectorStore
	engine  embedding.Engine
	cfg     config.RetrievalConfig
	logger  *zap.Logger
}

// New builds a retriever. vectors may be nil when no dense index exists.
func New(memory *store.MemoryStore, corpus *store.CorpusStore, vectors *store.VectorStore, engine embedding.Engine, cfg config.RetrievalConfig) *Retriever {
	return &Retriever{
		memory:  memory,
		corpus:  corpus,
		vectors: vectors,
		engine:  engine,
		cfg:     cfg,
		logger:  logging.Named("retrieval"),
	}
}

// Retrieve returns the fused evidence pack for a query. Sparse sources that
// fail are skipped rather than failing the whole pack.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]Evidence, error) {
	candidates := r.collect(ctx, query)
	if len(candidates) == 0 {
		return nil, nil
	}

	queryVec, err := r.engine.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	ws, wd := normalizeWeights(r.cfg.WeightSparse, r.cfg.WeightDense)
	queryTerms := tokenize(query)

	dedup := make(map[string]*Evidence)
	for i := range candidates {
		cand := &candidates[i]
		snippetVec, err := r.engine.Embed(ctx, cand.Snippet)
		if err != nil {
			continue
		}
		cand.DenseScore = denseScore(queryVec, snippetVec)
		sparse := clamp01(cand.SparseScore)
		hybrid := ws*sparse + wd*cand.DenseScore
		if hybrid < r.cfg.MinScore {
			continue
		}
		cand.KGBonus = kgBonus(queryTerms, cand.Meta, r.cfg.KGBoost)
		cand.Score = hybrid + cand.KGBonus

		key := snippetKey(cand.Snippet)
		existing, ok := dedup[key]
		if !ok {
			dedup[key] = cand
			continue
		}
		if cand.Score > existing.Score+1e-9 {
			dedup[key] = cand
			continue
		}
		if abs(cand.Score-existing.Score) <= 1e-9 && preferCandidate(cand, existing) {
			dedup[key] = cand
		}
	}

	ranked := make([]Evidence, 0, len(dedup))
	for _, e := range dedup {
		ranked = append(ranked, *e)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if r.cfg.Budget > 0 && len(ranked) > r.cfg.Budget {
		ranked = ranked[:r.cfg.Budget]
	}

	r.logger.Debug("evidence pack built",
		zap.Int("candidates", len(candidates)),
		zap.Int("kept", len(ranked)))
	return ranked, nil
}

// collect gathers raw candidates from each source.
func (r *Retriever) collect(ctx context.Context, query string) []Evidence {
	var candidates []Evidence

	if r.memory != nil {
		hits, err := r.memory.Search(query, r.cfg.MemoryBudget)
		if err != nil {
			r.logger.Warn("memory search failed", zap.Error(err))
		}
		for _, h := range hits {
			candidates = append(candidates, Evidence{
				ID:          h.ID,
				Snippet:     h.Snippet,
				Why:         h.Why,
				Source:      "memory",
				SparseScore: h.Score,
			})
		}
	}

	if r.corpus != nil {
		hits, err := r.corpus.Search(query, r.cfg.SparseK)
		if err != nil {
			r.logger.Warn("corpus search failed", zap.Error(err))
		}
		for _, h := range hits {
			candidates = append(candidates, Evidence{
				ID:          h.ID,
				Snippet:     h.Snippet,
				Why:         h.Why,
				Source:      "corpus",
				URL:         h.URL,
				Title:       h.Title,
				Meta:        h.Meta,
				SparseScore: h.Score,
			})
		}
	}

	if r.vectors != nil {
		candidates = append(candidates, r.collectDense(ctx, query)...)
	}
	return candidates
}

// collectDense queries the vector index and hydrates hits from the corpus.
func (r *Retriever) collectDense(ctx context.Context, query string) []Evidence {
	queryVec, err := r.engine.Embed(ctx, query)
	if err != nil {
		return nil
	}
	hits, err := r.vectors.Search(ctx, queryVec, r.cfg.DenseK)
	if err != nil {
		r.logger.Warn("vector search failed", zap.Error(err))
		return nil
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	chunks, err := r.corpus.FetchByIDs(ids)
	if err != nil {
		return nil
	}

	var out []Evidence
	for _, h := range hits {
		chunk, ok := chunks[h.ID]
		if !ok {
			continue
		}
		score := clamp01((h.Score + 1) / 2)
		out = append(out, Evidence{
			ID:          chunk.ID,
			Snippet:     snippetOf(chunk.Title, chunk.Text),
			Why:         "vector match",
			Source:      "corpus",
			URL:         chunk.URL,
			Title:       chunk.Title,
			Meta:        chunk.Meta,
			SparseScore: score,
		})
	}
	return out
}

func normalizeWeights(wSparse, wDense float64) (float64, float64) {
	ws := max0(wSparse)
	wd := max0(wDense)
	total := ws + wd
	if total <= 0 {
		return 1, 0
	}
	return ws / total, wd / total
}

// denseScore maps cosine similarity from [-1, 1] into [0, 1].
func denseScore(queryVec, snippetVec []float32) float64 {
	n := len(queryVec)
	if len(snippetVec) < n {
		n = len(snippetVec)
	}
	sim, err := embedding.CosineSimilarity(queryVec[:n], snippetVec[:n])
	if err != nil {
		return 0
	}
	return clamp01((sim + 1) / 2)
}

var tokenRE = regexp.MustCompile(`\W+`)

func tokenize(text string) []string {
	parts := tokenRE.Split(strings.ToLower(text), -1)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// kgBonus rewards snippets whose tagged entities appear in the query,
// capped at three matches.
func kgBonus(queryTerms []string, meta map[string]string, weight float64) float64 {
	if weight <= 0 || meta == nil {
		return 0
	}
	raw := meta["entities"]
	if raw == "" {
		return 0
	}
	qt := make(map[string]bool, len(queryTerms))
	for _, t := range queryTerms {
		qt[t] = true
	}
	matches := 0
	for _, ent := range strings.Split(raw, "|") {
		ent = strings.ToLower(strings.TrimSpace(ent))
		if ent != "" && qt[ent] {
			matches++
		}
	}
	if matches == 0 {
		return 0
	}
	bonus := weight * float64(matches)
	if limit := weight * 3; bonus > limit {
		bonus = limit
	}
	return bonus
}

// snippetKey normalizes a snippet for deduplication: strip a leading title
// prefix, lowercase, and keep the trailing 200 characters.
func snippetKey(snippet string) string {
	s := strings.ToLower(strings.TrimSpace(snippet))
	head := s
	if len(head) > 60 {
		head = head[:60]
	}
	if idx := strings.Index(head, ":"); idx >= 0 {
		s = strings.TrimSpace(s[idx+1:])
	}
	if len(s) > 200 {
		s = s[len(s)-200:]
	}
	return s
}

// preferCandidate breaks score ties: keep the candidate with a URL, then
// prefer corpus over memory.
func preferCandidate(cand, existing *Evidence) bool {
	if cand.URL != "" && existing.URL == "" {
		return true
	}
	if cand.Source == "corpus" && existing.Source != "corpus" {
		return true
	}
	return false
}

func snippetOf(title, text string) string {
	s := text
	if title != "" {
		s = title + ": " + text
	}
	if len(s) > 240 {
		s = s[:240]
	}
	return s
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

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
