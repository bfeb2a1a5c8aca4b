package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"veritor/internal/logging"
)

// Schema versions advance independently for the two database kinds. Each
// migration is idempotent; re-running against an up-to-date database is a
// no-op.
const (
	IndexSchemaVersion     = 1
	WorkspaceSchemaVersion = 2
)

var indexDDL = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
	  id TEXT PRIMARY KEY,
	  slug TEXT UNIQUE NOT NULL,
	  name TEXT,
	  created REAL,
	  root TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_keys (
	  id TEXT PRIMARY KEY,
	  workspace TEXT NOT NULL,
	  key_hash TEXT UNIQUE NOT NULL,
	  label TEXT,
	  role TEXT NOT NULL DEFAULT 'editor',
	  active INTEGER NOT NULL DEFAULT 1,
	  created REAL,
	  last_used REAL
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_policies (
	  workspace TEXT PRIMARY KEY,
	  overlay_json TEXT NOT NULL,
	  updated REAL
	)`,
	`CREATE TABLE IF NOT EXISTS cp_artifacts (
	  id TEXT PRIMARY KEY,
	  ts REAL,
	  run_id TEXT,
	  domain TEXT NOT NULL,
	  S REAL NOT NULL,
	  accepted INTEGER NOT NULL,
	  correct INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cp_artifacts_domain ON cp_artifacts(domain)`,
	`CREATE TABLE IF NOT EXISTS cp_reference (
	  domain TEXT PRIMARY KEY,
	  run_id TEXT,
	  target_mis REAL,
	  tau REAL,
	  stats_json TEXT,
	  snne_quantiles TEXT,
	  updated REAL
	)`,
	`CREATE TABLE IF NOT EXISTS eval_runs (
	  id TEXT PRIMARY KEY,
	  ts REAL,
	  suite TEXT,
	  status TEXT,
	  summary_json TEXT
	)`,
}

var workspaceDDL = []string{
	`CREATE TABLE IF NOT EXISTS steps (
	  id TEXT PRIMARY KEY,
	  ts REAL,
	  step INTEGER DEFAULT 0,
	  question TEXT,
	  answer TEXT,
	  domain TEXT,
	  s1 REAL,
	  s2 REAL,
	  final_score REAL,
	  cp_accept INTEGER,
	  action TEXT,
	  reason TEXT,
	  is_refinement INTEGER DEFAULT 0,
	  status TEXT DEFAULT 'ok',
	  latency_ms INTEGER DEFAULT 0,
	  usage TEXT,
	  pack_ids TEXT,
	  issues TEXT,
	  tools_used TEXT,
	  change_summary TEXT,
	  eval_id TEXT,
	  dataset_case_id TEXT,
	  is_gold INTEGER,
	  gold_correct INTEGER,
	  trace_json TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_steps_ts ON steps(ts)`,
	`CREATE TABLE IF NOT EXISTS memory (
	  id TEXT PRIMARY KEY,
	  ts REAL,
	  key TEXT,
	  text TEXT,
	  embedding BLOB,
	  domain TEXT DEFAULT 'fact',
	  recency REAL,
	  tokens INTEGER,
	  embedding_model TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_ts ON memory(ts)`,
	`CREATE TABLE IF NOT EXISTS corpus (
	  id TEXT PRIMARY KEY,
	  ts REAL,
	  doc_id TEXT,
	  chunk_index INTEGER DEFAULT 0,
	  text TEXT,
	  url TEXT,
	  title TEXT,
	  embedding BLOB,
	  embedding_model TEXT,
	  meta TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_corpus_doc ON corpus(doc_id)`,
	`CREATE TABLE IF NOT EXISTS corpus_files (
	  path TEXT PRIMARY KEY,
	  mtime REAL,
	  doc_id TEXT,
	  meta TEXT
	)`,
}

// workspaceColumnAdds are additive migrations for databases created before
// the columns existed.
var workspaceColumnAdds = []struct {
	table  string
	column string
	def    string
}{
	{"steps", "change_summary", "TEXT"},
	{"steps", "domain", "TEXT"},
	{"steps", "trace_json", "TEXT"},
	{"corpus", "embedding_model", "TEXT"},
}

// MigrateIndex brings the index database schema up to date.
func MigrateIndex(db *sql.DB) error {
	return migrate(db, "index", indexDDL, nil, IndexSchemaVersion)
}

// MigrateWorkspace brings a workspace database schema up to date, including
// best-effort FTS5 virtual tables for sparse retrieval.
func MigrateWorkspace(db *sql.DB) error {
	if err := migrate(db, "workspace", workspaceDDL, workspaceColumnAdds, WorkspaceSchemaVersion); err != nil {
		return err
	}
	ensureFTS(db)
	return nil
}

func migrate(db *sql.DB, kind string, ddl []string, columnAdds []struct {
	table  string
	column string
	def    string
}, version int) error {
	log := logging.Named("store")

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (kind TEXT PRIMARY KEY, version INTEGER)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	applied := 0
	for _, m := range columnAdds {
		if !tableExists(db, m.table) || columnExists(db, m.table, m.column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)
		if _, err := db.Exec(query); err != nil {
			log.Warn("column migration failed",
				zap.String("table", m.table),
				zap.String("column", m.column),
				zap.Error(err))
			continue
		}
		applied++
	}

	if _, err := db.Exec(
		`INSERT INTO schema_version (kind, version) VALUES (?, ?)
		 ON CONFLICT(kind) DO UPDATE SET version=excluded.version`,
		kind, version,
	); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	log.Debug("schema migrated",
		zap.String("kind", kind),
		zap.Int("version", version),
		zap.Int("columns_added", applied))
	return nil
}

// ensureFTS creates the FTS5 virtual tables and sync triggers. FTS5 needs the
// sqlite_fts5 build tag on the driver; when unavailable the stores fall back
// to term-overlap scans, so failures here only log.
func ensureFTS(db *sql.DB) bool {
	log := logging.Named("store")

	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(id UNINDEXED, text)`,
		`CREATE TRIGGER IF NOT EXISTS memory_fts_ai AFTER INSERT ON memory BEGIN
		  INSERT INTO memory_fts (id, text) VALUES (new.id, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_fts_ad AFTER DELETE ON memory BEGIN
		  DELETE FROM memory_fts WHERE id = old.id;
		END`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS corpus_fts USING fts5(id UNINDEXED, text)`,
		`CREATE TRIGGER IF NOT EXISTS corpus_fts_ai AFTER INSERT ON corpus BEGIN
		  INSERT INTO corpus_fts (id, text) VALUES (new.id, new.text);
		END`,
		`CREATE TRIGGER IF NOT EXISTS corpus_fts_ad AFTER DELETE ON corpus BEGIN
		  DELETE FROM corpus_fts WHERE id = old.id;
		END`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			log.Debug("fts5 unavailable, sparse search will fall back", zap.Error(err))
			return false
		}
	}
	return true
}

// SchemaVersion returns the recorded schema version for a database kind.
func SchemaVersion(db *sql.DB, kind string) int {
	var v int
	err := db.QueryRow(`SELECT version FROM schema_version WHERE kind=?`, kind).Scan(&v)
	if err != nil {
		return 0
	}
	return v
}
