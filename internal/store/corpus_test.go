package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritor/internal/embedding"
)

func TestMemoryAddAndSearch(t *testing.T) {
	ws := newTestWorkspace(t)
	mem := NewMemoryStore(ws)

	_, err := mem.Add("k1", "water boils at 100 degrees Celsius at sea level", "science", nil, "")
	require.NoError(t, err)
	_, err = mem.Add("k2", "the Eiffel Tower is in Paris", "geo", nil, "")
	require.NoError(t, err)

	hits, err := mem.Search("water boils", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Snippet, "water boils")

	none, err := mem.Search("quantum chromodynamics", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCorpusAddSearchFetch(t *testing.T) {
	ws := newTestWorkspace(t)
	corpus := NewCorpusStore(ws)

	docID, err := corpus.AddDoc("Boiling Points", "https://example.com/boil",
		"Pure water boils at 100 degrees Celsius at one atmosphere.",
		map[string]string{"entities": "water|celsius"}, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, docID)

	hits, err := corpus.Search("water boils", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "https://example.com/boil", hits[0].URL)
	assert.Equal(t, "water|celsius", hits[0].Meta["entities"])

	fetched, err := corpus.FetchByIDs([]string{hits[0].ID, "missing"})
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, docID, fetched[hits[0].ID].DocID)
}

func TestCorpusChunking(t *testing.T) {
	chunks := chunkText("alpha beta gamma delta epsilon zeta eta theta", 20, 5)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 20)
		assert.NotEmpty(t, c)
	}

	assert.Equal(t, []string{"short text"}, chunkText("short text", 100, 10))
	assert.Nil(t, chunkText("   ", 100, 10))
}

func TestCorpusFileTracking(t *testing.T) {
	ws := newTestWorkspace(t)
	corpus := NewCorpusStore(ws)

	assert.Zero(t, corpus.FileMtime("/docs/a.md"))
	require.NoError(t, corpus.MarkFileIngested("/docs/a.md", 1234.5, "doc-1"))
	assert.Equal(t, 1234.5, corpus.FileMtime("/docs/a.md"))

	require.NoError(t, corpus.MarkFileIngested("/docs/a.md", 2000, "doc-2"))
	assert.Equal(t, float64(2000), corpus.FileMtime("/docs/a.md"))
}

func TestVectorRoundTripAndSearch(t *testing.T) {
	ws := newTestWorkspace(t)
	corpus := NewCorpusStore(ws)
	engine := embedding.NewHashEngine(64)
	vs := NewVectorStore(ws, corpus, engine.Dimensions())

	ctx := context.Background()
	texts := []string{
		"water boils at one hundred degrees",
		"Paris is the capital of France",
		"revenue grew twelve percent year over year",
	}
	var ids []string
	for _, text := range texts {
		docID, err := corpus.AddDoc("t", "", text, nil, 0, 0)
		require.NoError(t, err)
		_ = docID
		hits, err := corpus.Search(text[:12], 1)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		ids = append(ids, hits[0].ID)

		vec, err := engine.Embed(ctx, text)
		require.NoError(t, err)
		require.NoError(t, vs.Upsert(hits[0].ID, vec, engine.Name()))
	}

	query, err := engine.Embed(ctx, "at what temperature does water boil")
	require.NoError(t, err)
	results, err := vs.Search(ctx, query, 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, ids[0], results[0].ID)
}

func TestVectorEncodeDecode(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75}
	blob := EncodeVector(vec)
	assert.Len(t, blob, 12)
	assert.Equal(t, vec, DecodeVector(blob))

	assert.Nil(t, DecodeVector([]byte{1, 2, 3}))
	assert.Nil(t, DecodeVector(nil))
}
