package store

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// CorpusHit is a search result over the document corpus.
type CorpusHit struct {
	ID      string            `json:"id"`
	Snippet string            `json:"snippet"`
	Why     string            `json:"why"`
	Score   float64           `json:"score"`
	URL     string            `json:"url,omitempty"`
	Title   string            `json:"title,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// CorpusChunk is one stored corpus row.
type CorpusChunk struct {
	ID         string            `json:"id"`
	DocID      string            `json:"doc_id"`
	ChunkIndex int               `json:"chunk_index"`
	Text       string            `json:"text"`
	URL        string            `json:"url,omitempty"`
	Title      string            `json:"title,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// CorpusStore persists and searches ingested documents in a workspace
// database.
type CorpusStore struct {
	db  *sql.DB
	fts bool
}

// NewCorpusStore wraps a workspace database handle.
func NewCorpusStore(ws *WorkspaceStore) *CorpusStore {
	return &CorpusStore{db: ws.DB(), fts: tableExists(ws.DB(), "corpus_fts")}
}

// AddDoc stores a document as one or more chunks and returns the doc id.
// chunkChars <= 0 stores the document unchunked.
func (s *CorpusStore) AddDoc(title, url, text string, meta map[string]string, chunkChars, overlapChars int) (string, error) {
	docID := uuid.NewString()
	metaJSON, _ := json.Marshal(meta)

	chunks := chunkText(text, chunkChars, overlapChars)
	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	ts := nowUnix()
	for i, chunk := range chunks {
		_, err := tx.Exec(
			`INSERT INTO corpus (id, ts, doc_id, chunk_index, text, url, title, meta)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), ts, docID, i, chunk, nullEmpty(url), nullEmpty(title), string(metaJSON),
		)
		if err != nil {
			tx.Rollback()
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return docID, nil
}

// SetEmbedding stores the embedding blob for a corpus row.
func (s *CorpusStore) SetEmbedding(id string, embedding []byte, model string) error {
	_, err := s.db.Exec(
		`UPDATE corpus SET embedding=?, embedding_model=? WHERE id=?`,
		embedding, nullEmpty(model), id,
	)
	return err
}

// Search returns the top k corpus hits for a query.
func (s *CorpusStore) Search(q string, k int) ([]CorpusHit, error) {
	if k <= 0 {
		k = 5
	}
	if s.fts {
		hits, err := s.searchFTS(q, k)
		if err == nil {
			return hits, nil
		}
	}
	return s.searchScan(q, k)
}

func (s *CorpusStore) searchFTS(q string, k int) ([]CorpusHit, error) {
	rows, err := s.db.Query(
		`SELECT c.id, c.title, c.url, c.text, c.meta FROM corpus_fts f
		 JOIN corpus c ON c.id = f.id WHERE corpus_fts MATCH ? LIMIT ?`,
		ftsQuery(q), k,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCorpusHits(rows, "fts5 match", nil)
}

func (s *CorpusStore) searchScan(q string, k int) ([]CorpusHit, error) {
	rows, err := s.db.Query(
		`SELECT id, title, url, text, meta FROM corpus ORDER BY ts DESC LIMIT 200`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits, err := collectCorpusHits(rows, "term overlap", func(title, text string) float64 {
		return termOverlap(q, title+" "+text)
	})
	if err != nil {
		return nil, err
	}
	filtered := hits[:0]
	for _, h := range hits {
		if h.Score > 0 {
			filtered = append(filtered, h)
		}
	}
	sortCorpusHits(filtered)
	if len(filtered) > k {
		filtered = filtered[:k]
	}
	return filtered, nil
}

func collectCorpusHits(rows *sql.Rows, why string, score func(title, text string) float64) ([]CorpusHit, error) {
	var out []CorpusHit
	for rows.Next() {
		var id, text string
		var title, url, meta sql.NullString
		if err := rows.Scan(&id, &title, &url, &text, &meta); err != nil {
			return nil, err
		}
		hit := CorpusHit{
			ID:    id,
			Why:   why,
			Score: 1.0,
			URL:   url.String,
			Title: title.String,
		}
		if score != nil {
			hit.Score = score(title.String, text)
		}
		hit.Snippet = snippet(title.String + ": " + text)
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &hit.Meta)
		}
		out = append(out, hit)
	}
	return out, rows.Err()
}

// FetchByIDs returns corpus chunks by id.
func (s *CorpusStore) FetchByIDs(ids []string) (map[string]CorpusChunk, error) {
	out := make(map[string]CorpusChunk, len(ids))
	for _, id := range ids {
		var c CorpusChunk
		var title, url, meta, docID sql.NullString
		err := s.db.QueryRow(
			`SELECT id, doc_id, chunk_index, text, url, title, meta FROM corpus WHERE id=?`, id,
		).Scan(&c.ID, &docID, &c.ChunkIndex, &c.Text, &url, &title, &meta)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.DocID = docID.String
		c.URL = url.String
		c.Title = title.String
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &c.Meta)
		}
		out[c.ID] = c
	}
	return out, nil
}

// Chunks returns recent corpus rows with embeddings for dense search.
func (s *CorpusStore) Chunks(limit int) ([]CorpusChunk, [][]byte, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(
		`SELECT id, doc_id, chunk_index, text, url, title, meta, embedding
		 FROM corpus ORDER BY ts DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var chunks []CorpusChunk
	var embeddings [][]byte
	for rows.Next() {
		var c CorpusChunk
		var title, url, meta, docID sql.NullString
		var emb []byte
		if err := rows.Scan(&c.ID, &docID, &c.ChunkIndex, &c.Text, &url, &title, &meta, &emb); err != nil {
			return nil, nil, err
		}
		c.DocID = docID.String
		c.URL = url.String
		c.Title = title.String
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &c.Meta)
		}
		chunks = append(chunks, c)
		embeddings = append(embeddings, emb)
	}
	return chunks, embeddings, rows.Err()
}

// DocChunks returns the stored chunks for one document in chunk order.
func (s *CorpusStore) DocChunks(docID string) ([]CorpusChunk, error) {
	rows, err := s.db.Query(
		`SELECT id, doc_id, chunk_index, text, url, title, meta
		 FROM corpus WHERE doc_id=? ORDER BY chunk_index`, docID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []CorpusChunk
	for rows.Next() {
		var c CorpusChunk
		var title, url, meta, id sql.NullString
		if err := rows.Scan(&c.ID, &id, &c.ChunkIndex, &c.Text, &url, &title, &meta); err != nil {
			return nil, err
		}
		c.DocID = id.String
		c.URL = url.String
		c.Title = title.String
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &c.Meta)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// MarkFileIngested records a source file's mtime so rescans skip unchanged
// files.
func (s *CorpusStore) MarkFileIngested(path string, mtime float64, docID string) error {
	_, err := s.db.Exec(
		`INSERT INTO corpus_files (path, mtime, doc_id) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET mtime=excluded.mtime, doc_id=excluded.doc_id`,
		path, mtime, docID,
	)
	return err
}

// FileMtime returns the recorded mtime for an ingested file, or 0.
func (s *CorpusStore) FileMtime(path string) float64 {
	var mtime float64
	_ = s.db.QueryRow(`SELECT mtime FROM corpus_files WHERE path=?`, path).Scan(&mtime)
	return mtime
}

// chunkText splits text into overlapping character windows on whitespace
// boundaries where possible.
func chunkText(text string, chunkChars, overlapChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if chunkChars <= 0 || len(text) <= chunkChars {
		return []string{text}
	}
	if overlapChars < 0 || overlapChars >= chunkChars {
		overlapChars = 0
	}
	var chunks []string
	start := 0
	for start < len(text) {
		end := start + chunkChars
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}
		cut := end
		if idx := strings.LastIndexByte(text[start:end], ' '); idx > chunkChars/2 {
			cut = start + idx
		}
		chunks = append(chunks, text[start:cut])
		next := cut - overlapChars
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

func sortCorpusHits(hits []CorpusHit) {
	for i := 0; i < len(hits); i++ {
		for j := i + 1; j < len(hits); j++ {
			if hits[j].Score > hits[i].Score {
				hits[i], hits[j] = hits[j], hits[i]
			}
		}
	}
}
