package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"veritor/internal/store"
)

// RunDocScanner periodically ingests text files from the configured docs
// directory into the default workspace corpus. Files are re-ingested only
// when their mtime advances.
func (s *Server) RunDocScanner(ctx context.Context) {
	if !s.cfg.Docs.AutoIngest || s.cfg.Docs.Dir == "" {
		return
	}
	interval := time.Duration(s.cfg.Docs.ScanIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.scanDocs(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanDocs(ctx)
		}
	}
}

func (s *Server) scanDocs(ctx context.Context) {
	rt, err := s.runtime("default")
	if err != nil {
		s.logger.Warn("doc_scan_workspace_failed", zap.Error(err))
		return
	}
	entries, err := os.ReadDir(s.cfg.Docs.Dir)
	if err != nil {
		return
	}
	ingested := 0
	for _, entry := range entries {
		if entry.IsDir() || !ingestableDoc(entry.Name()) {
			continue
		}
		path := filepath.Join(s.cfg.Docs.Dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		mtime := float64(info.ModTime().UnixNano()) / 1e9
		if mtime <= rt.corpus.FileMtime(path) {
			continue
		}
		if s.ingestDocFile(ctx, rt, path, mtime) {
			ingested++
		}
	}
	if ingested > 0 {
		s.logger.Info("docs_ingested", zap.Int("count", ingested))
	}
}

func (s *Server) ingestDocFile(ctx context.Context, rt *workspaceRuntime, path string, mtime float64) bool {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		return false
	}
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	docID, err := rt.corpus.AddDoc(title, "", string(raw), map[string]string{"path": path},
		s.cfg.Docs.ChunkChars, s.cfg.Docs.OverlapChars)
	if err != nil {
		s.logger.Warn("doc_ingest_failed", zap.String("path", path), zap.Error(err))
		return false
	}

	chunks, err := rt.corpus.DocChunks(docID)
	if err == nil {
		for _, chunk := range chunks {
			vec, err := s.engine.Embed(ctx, chunk.Text)
			if err != nil {
				continue
			}
			rt.corpus.SetEmbedding(chunk.ID, store.EncodeVector(vec), s.engine.Name())
			rt.vectors.Upsert(chunk.ID, vec, s.engine.Name())
		}
	}
	if err := rt.corpus.MarkFileIngested(path, mtime, docID); err != nil {
		s.logger.Warn("doc_mark_failed", zap.String("path", path), zap.Error(err))
	}
	return true
}

func ingestableDoc(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".txt", ".markdown":
		return true
	}
	return false
}
