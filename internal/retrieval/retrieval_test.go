package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritor/internal/config"
	"veritor/internal/embedding"
	"veritor/internal/store"
)

func newTestRetriever(t *testing.T) (*Retriever, *store.MemoryStore, *store.CorpusStore) {
	t.Helper()
	ws, err := store.OpenWorkspace(filepath.Join(t.TempDir(), "ws.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	memory := store.NewMemoryStore(ws)
	corpus := store.NewCorpusStore(ws)
	engine := embedding.NewHashEngine(128)
	cfg := config.DefaultRetrievalConfig()
	return New(memory, corpus, nil, engine, cfg), memory, corpus
}

func TestRetrieveMergesSources(t *testing.T) {
	r, memory, corpus := newTestRetriever(t)

	_, err := memory.Add("boil", "water boils at 100 degrees Celsius at sea level", "science", nil, "")
	require.NoError(t, err)
	_, err = corpus.AddDoc("Boiling", "https://example.com/boil",
		"At one atmosphere pure water boils at exactly 100 degrees Celsius.", nil, 0, 0)
	require.NoError(t, err)

	pack, err := r.Retrieve(context.Background(), "at what temperature does water boil")
	require.NoError(t, err)
	require.NotEmpty(t, pack)

	sources := map[string]bool{}
	for _, e := range pack {
		sources[e.Source] = true
		assert.GreaterOrEqual(t, e.Score, r.cfg.MinScore)
	}
	assert.True(t, sources["memory"] || sources["corpus"])
}

func TestRetrieveEmptyWorkspace(t *testing.T) {
	r, _, _ := newTestRetriever(t)
	pack, err := r.Retrieve(context.Background(), "anything at all")
	require.NoError(t, err)
	assert.Empty(t, pack)
}

func TestRetrieveDedupesBySnippet(t *testing.T) {
	r, memory, corpus := newTestRetriever(t)

	// Same body text under different sources; corpus carries a URL.
	body := "the Eiffel Tower is 330 metres tall"
	_, err := memory.Add("eiffel", body, "geo", nil, "")
	require.NoError(t, err)
	_, err = corpus.AddDoc("Eiffel", "https://example.com/eiffel", body, nil, 0, 0)
	require.NoError(t, err)

	pack, err := r.Retrieve(context.Background(), "how tall is the Eiffel Tower")
	require.NoError(t, err)

	seen := map[string]int{}
	for _, e := range pack {
		seen[snippetKey(e.Snippet)]++
	}
	for key, n := range seen {
		assert.Equal(t, 1, n, "duplicate snippet key %q", key)
	}
}

func TestRetrieveBudget(t *testing.T) {
	r, memory, _ := newTestRetriever(t)
	r.cfg.Budget = 3
	r.cfg.MinScore = 0

	for i := 0; i < 10; i++ {
		_, err := memory.Add("k", "tax filing deadline detail number "+string(rune('a'+i)), "tax", nil, "")
		require.NoError(t, err)
	}

	pack, err := r.Retrieve(context.Background(), "tax filing deadline")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(pack), 3)
}

func TestRetrieveRankedDescending(t *testing.T) {
	r, memory, _ := newTestRetriever(t)
	r.cfg.MinScore = 0

	_, err := memory.Add("a", "completely unrelated gardening advice", "misc", nil, "")
	require.NoError(t, err)
	_, err = memory.Add("b", "standard deduction for single filers in 2023", "tax", nil, "")
	require.NoError(t, err)

	pack, err := r.Retrieve(context.Background(), "standard deduction single filers 2023")
	require.NoError(t, err)
	for i := 1; i < len(pack); i++ {
		assert.GreaterOrEqual(t, pack[i-1].Score, pack[i].Score)
	}
}

func TestKGBonus(t *testing.T) {
	terms := tokenize("what is the boiling point of water")

	assert.Zero(t, kgBonus(terms, nil, 0.15))
	assert.Zero(t, kgBonus(terms, map[string]string{"entities": "paris|tower"}, 0.15))
	assert.InDelta(t, 0.15, kgBonus(terms, map[string]string{"entities": "water"}, 0.15), 1e-9)
	// Capped at three matches.
	many := map[string]string{"entities": "water|boiling|point|what|the"}
	assert.InDelta(t, 0.45, kgBonus(terms, many, 0.15), 1e-9)
}

func TestNormalizeWeights(t *testing.T) {
	ws, wd := normalizeWeights(0.5, 0.5)
	assert.InDelta(t, 0.5, ws, 1e-9)
	assert.InDelta(t, 0.5, wd, 1e-9)

	ws, wd = normalizeWeights(3, 1)
	assert.InDelta(t, 0.75, ws, 1e-9)
	assert.InDelta(t, 0.25, wd, 1e-9)

	ws, wd = normalizeWeights(0, 0)
	assert.Equal(t, 1.0, ws)
	assert.Equal(t, 0.0, wd)
}

func TestSnippetKey(t *testing.T) {
	a := snippetKey("Boiling: water boils at 100 C")
	b := snippetKey("water boils at 100 C")
	assert.Equal(t, b, a)
}
