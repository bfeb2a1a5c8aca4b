package tools

import (
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"strings"

	"veritor/internal/config"
)

// SearchResult is one WEB_SEARCH hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher is the deterministic, fixture-backed web search. Without a
// fixture it returns no results, keeping tests and air-gapped deployments
// hermetic.
type Searcher struct {
	fixturePath string
	maxResults  int
}

// NewSearcher builds a searcher from config.
func NewSearcher(cfg config.SearchConfig) *Searcher {
	max := cfg.MaxResults
	if max <= 0 {
		max = 5
	}
	return &Searcher{fixturePath: cfg.FixturePath, maxResults: max}
}

var searchTermRe = regexp.MustCompile(`\s+`)

// Search returns up to k fixture results ordered by query-term overlap.
func (s *Searcher) Search(query string, k int) ([]SearchResult, error) {
	if k <= 0 || k > s.maxResults {
		k = s.maxResults
	}
	if s.fixturePath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(s.fixturePath)
	if err != nil {
		return nil, err
	}
	var results []SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		if len(results) > k {
			results = results[:k]
		}
		return results, nil
	}

	terms := searchTermRe.Split(strings.ToLower(query), -1)
	type scored struct {
		score  int
		result SearchResult
	}
	ranked := make([]scored, 0, len(results))
	for _, res := range results {
		haystack := strings.ToLower(res.Snippet + " " + res.Title)
		score := 0
		for _, term := range terms {
			if term != "" && strings.Contains(haystack, term) {
				score++
			}
		}
		ranked = append(ranked, scored{score: score, result: res})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]SearchResult, 0, k)
	for _, r := range ranked {
		out = append(out, r.result)
		if len(out) == k {
			break
		}
	}
	return out, nil
}
