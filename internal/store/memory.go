package store

import (
	"database/sql"
	"strings"

	"github.com/google/uuid"
)

// MemoryEntry is one keyed memory fact.
type MemoryEntry struct {
	ID             string  `json:"id"`
	TS             float64 `json:"ts"`
	Key            string  `json:"key"`
	Text           string  `json:"text"`
	Domain         string  `json:"domain"`
	Recency        float64 `json:"recency"`
	Tokens         int     `json:"tokens"`
	EmbeddingModel string  `json:"embedding_model,omitempty"`
}

// MemoryHit is a search result over memory.
type MemoryHit struct {
	ID      string  `json:"id"`
	Snippet string  `json:"snippet"`
	Why     string  `json:"why"`
	Score   float64 `json:"score"`
}

// MemoryStore persists and searches memory facts in a workspace database.
type MemoryStore struct {
	db  *sql.DB
	fts bool
}

// NewMemoryStore wraps a workspace database handle.
func NewMemoryStore(ws *WorkspaceStore) *MemoryStore {
	return &MemoryStore{db: ws.DB(), fts: ws.HasFTS()}
}

// Add inserts a memory fact and returns its id. Tokens default to the
// whitespace word count; recency defaults to the insert timestamp.
func (s *MemoryStore) Add(key, text, domain string, embedding []byte, embeddingModel string) (string, error) {
	if domain == "" {
		domain = "fact"
	}
	id := uuid.NewString()
	ts := nowUnix()
	tokens := len(strings.Fields(text))
	_, err := s.db.Exec(
		`INSERT INTO memory (id, ts, key, text, embedding, domain, recency, tokens, embedding_model)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ts, key, text, embedding, domain, ts, tokens, nullEmpty(embeddingModel),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Search returns the top k memory hits for a query. FTS5 matches when
// available; otherwise a recency-bounded term-overlap scan.
func (s *MemoryStore) Search(q string, k int) ([]MemoryHit, error) {
	if k <= 0 {
		k = 5
	}
	if s.fts {
		hits, err := s.searchFTS(q, k)
		if err == nil {
			return hits, nil
		}
		// fall through on malformed MATCH queries
	}
	return s.searchScan(q, k)
}

func (s *MemoryStore) searchFTS(q string, k int) ([]MemoryHit, error) {
	rows, err := s.db.Query(
		`SELECT m.id, m.text FROM memory_fts f JOIN memory m ON m.id = f.id WHERE memory_fts MATCH ? LIMIT ?`,
		ftsQuery(q), k,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryHit
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, err
		}
		out = append(out, MemoryHit{ID: id, Snippet: snippet(text), Why: "fts5 match", Score: 1.0})
	}
	return out, rows.Err()
}

func (s *MemoryStore) searchScan(q string, k int) ([]MemoryHit, error) {
	rows, err := s.db.Query(`SELECT id, text FROM memory ORDER BY ts DESC LIMIT 200`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryHit
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, err
		}
		score := termOverlap(q, text)
		if score > 0 {
			out = append(out, MemoryHit{ID: id, Snippet: snippet(text), Why: "term overlap", Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortHitsByScore(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Entries returns recent memory entries with embeddings, newest first, for
// dense search.
func (s *MemoryStore) Entries(limit int) ([]MemoryEntry, [][]byte, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(
		`SELECT id, ts, key, text, embedding, domain, recency, tokens, embedding_model
		 FROM memory ORDER BY ts DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var entries []MemoryEntry
	var embeddings [][]byte
	for rows.Next() {
		var e MemoryEntry
		var emb []byte
		var model sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Key, &e.Text, &emb, &e.Domain, &e.Recency, &e.Tokens, &model); err != nil {
			return nil, nil, err
		}
		e.EmbeddingModel = model.String
		entries = append(entries, e)
		embeddings = append(embeddings, emb)
	}
	return entries, embeddings, rows.Err()
}

// termOverlap scores text by the fraction of query terms it contains.
func termOverlap(q, text string) float64 {
	terms := strings.Fields(strings.ToLower(q))
	if len(terms) == 0 {
		return 0
	}
	lowered := strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lowered, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func snippet(text string) string {
	if len(text) > 240 {
		return text[:240]
	}
	return text
}

// ftsQuery quotes each term so punctuation in user queries cannot break the
// MATCH syntax.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t != "" {
			quoted = append(quoted, `"`+t+`"`)
		}
	}
	return strings.Join(quoted, " OR ")
}

func sortHitsByScore(hits []MemoryHit) {
	for i := 0; i < len(hits); i++ {
		for j := i + 1; j < len(hits); j++ {
			if hits[j].Score > hits[i].Score {
				hits[i], hits[j] = hits[j], hits[i]
			}
		}
	}
}
