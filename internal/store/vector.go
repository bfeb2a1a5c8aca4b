package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"strconv"

	"go.uber.org/zap"

	"veritor/internal/logging"
)

// VectorHit is a dense-search result.
type VectorHit struct {
	ID    string
	Score float64 // cosine similarity in [-1, 1]
}

// VectorStore provides dense search over corpus embeddings. When the binary
// is built with the sqlite_vec tag, an ANN virtual table accelerates the
// query; otherwise it falls back to a brute-force cosine scan over stored
// blobs. Results are identical up to ordering of ties.
type VectorStore struct {
	db     *sql.DB
	corpus *CorpusStore
	ann    bool
	dims   int
}

// NewVectorStore wraps a workspace database. dims is the embedding
// dimensionality used when creating the ANN table.
func NewVectorStore(ws *WorkspaceStore, corpus *CorpusStore, dims int) *VectorStore {
	v := &VectorStore{db: ws.DB(), corpus: corpus, dims: dims}
	v.ann = v.tryInitANN()
	return v
}

// tryInitANN creates the vec0 virtual table. Fails quietly when the
// extension is not compiled in.
func (v *VectorStore) tryInitANN() bool {
	if v.dims <= 0 {
		return false
	}
	_, err := v.db.Exec(
		`CREATE VIRTUAL TABLE IF NOT EXISTS vec_corpus USING vec0(id TEXT PRIMARY KEY, embedding FLOAT[` + strconv.Itoa(v.dims) + `])`,
	)
	if err != nil {
		logging.Named("store").Debug("sqlite-vec unavailable, dense search uses brute force", zap.Error(err))
		return false
	}
	return true
}

// ANNAvailable reports whether the sqlite-vec path is active.
func (v *VectorStore) ANNAvailable() bool { return v.ann }

// Upsert stores an embedding for a corpus row in both the blob column and,
// when available, the ANN table.
func (v *VectorStore) Upsert(id string, vec []float32, model string) error {
	blob := EncodeVector(vec)
	if err := v.corpus.SetEmbedding(id, blob, model); err != nil {
		return err
	}
	if v.ann {
		if _, err := v.db.Exec(
			`INSERT INTO vec_corpus (id, embedding) VALUES (?, ?)
			 ON CONFLICT(id) DO UPDATE SET embedding=excluded.embedding`,
			id, blob,
		); err != nil {
			return err
		}
	}
	return nil
}

// Search returns the k nearest corpus rows to the query vector by cosine
// similarity.
func (v *VectorStore) Search(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	if k <= 0 {
		k = 8
	}
	if v.ann {
		hits, err := v.searchANN(ctx, query, k)
		if err == nil {
			return hits, nil
		}
		logging.Named("store").Warn("ann search failed, falling back to scan", zap.Error(err))
	}
	return v.searchScan(ctx, query, k)
}

func (v *VectorStore) searchANN(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT id, distance FROM vec_corpus WHERE embedding MATCH ? ORDER BY distance LIMIT ?`,
		EncodeVector(query), k,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VectorHit
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		// vec0 reports cosine distance; convert back to similarity.
		out = append(out, VectorHit{ID: id, Score: 1 - distance})
	}
	return out, rows.Err()
}

func (v *VectorStore) searchScan(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	chunks, blobs, err := v.corpus.Chunks(0)
	if err != nil {
		return nil, err
	}

	var out []VectorHit
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := DecodeVector(blobs[i])
		if len(vec) == 0 {
			continue
		}
		sim := cosine(query, vec)
		out = append(out, VectorHit{ID: chunk.ID, Score: sim})
	}
	sortVectorHits(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// EncodeVector serializes a float32 vector as little-endian bytes, the
// layout sqlite-vec expects.
func EncodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// DecodeVector deserializes a little-endian float32 vector.
func DecodeVector(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		af := float64(a[i])
		bf := float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortVectorHits(hits []VectorHit) {
	for i := 0; i < len(hits); i++ {
		for j := i + 1; j < len(hits); j++ {
			if hits[j].Score > hits[i].Score {
				hits[i], hits[j] = hits[j], hits[i]
			}
		}
	}
}
