package store

import (
	"database/sql"
)

// WorkspaceStore wraps one per-workspace database holding audit steps,
// memory entries, and the document corpus.
type WorkspaceStore struct {
	db   *sql.DB
	path string
	fts  bool
}

// OpenWorkspace opens (or creates) a workspace database and migrates its
// schema.
func OpenWorkspace(path string) (*WorkspaceStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateWorkspace(db); err != nil {
		db.Close()
		return nil, err
	}
	return &WorkspaceStore{
		db:   db,
		path: path,
		fts:  tableExists(db, "memory_fts"),
	}, nil
}

// DB exposes the underlying handle.
func (s *WorkspaceStore) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *WorkspaceStore) Path() string { return s.path }

// HasFTS reports whether FTS5 virtual tables are available.
func (s *WorkspaceStore) HasFTS() bool { return s.fts }

// Close closes the database.
func (s *WorkspaceStore) Close() error { return s.db.Close() }
