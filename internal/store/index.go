package store

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IndexStore wraps the shared index database: workspace registry, API keys,
// and per-workspace policy overlays.
type IndexStore struct {
	db *sql.DB
}

// Workspace is a registered tenant.
type Workspace struct {
	ID      string  `json:"id"`
	Slug    string  `json:"slug"`
	Name    string  `json:"name"`
	Created float64 `json:"created"`
	Root    string  `json:"root,omitempty"`
}

// APIKeyRecord describes an issued workspace key. Only the SHA-256 hash of
// the token is stored.
type APIKeyRecord struct {
	ID        string  `json:"id"`
	Workspace string  `json:"workspace"`
	KeyHash   string  `json:"-"`
	Label     string  `json:"label"`
	Role      string  `json:"role"`
	Active    bool    `json:"active"`
	Created   float64 `json:"created"`
}

// NewIndexStore opens (or creates) the index database at path and migrates
// its schema.
func NewIndexStore(path string) (*IndexStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateIndex(db); err != nil {
		db.Close()
		return nil, err
	}
	return &IndexStore{db: db}, nil
}

// DB exposes the underlying handle for sibling stores on the same database.
func (s *IndexStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *IndexStore) Close() error { return s.db.Close() }

// EnsureWorkspace registers a workspace slug if it is not already present
// and returns its record.
func (s *IndexStore) EnsureWorkspace(slug, name, root string) (*Workspace, error) {
	if name == "" {
		name = slug
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO workspaces (id, slug, name, created, root) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), slug, name, nowUnix(), root,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure workspace: %w", err)
	}
	return s.GetWorkspace(slug)
}

// GetWorkspace returns the workspace with the given slug.
func (s *IndexStore) GetWorkspace(slug string) (*Workspace, error) {
	var w Workspace
	var root sql.NullString
	err := s.db.QueryRow(
		`SELECT id, slug, name, created, root FROM workspaces WHERE slug=?`, slug,
	).Scan(&w.ID, &w.Slug, &w.Name, &w.Created, &root)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Root = root.String
	return &w, nil
}

// ListWorkspaces returns all registered workspaces.
func (s *IndexStore) ListWorkspaces() ([]Workspace, error) {
	rows, err := s.db.Query(`SELECT id, slug, name, created, root FROM workspaces ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var w Workspace
		var root sql.NullString
		if err := rows.Scan(&w.ID, &w.Slug, &w.Name, &w.Created, &root); err != nil {
			return nil, err
		}
		w.Root = root.String
		out = append(out, w)
	}
	return out, rows.Err()
}

// HashKey returns the hex SHA-256 of a token.
func HashKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewKeyToken mints a fresh API-key token with the given prefix.
func NewKeyToken(prefix string) string {
	raw := make([]byte, 24)
	_, _ = rand.Read(raw)
	seed := uuid.NewString() + hex.EncodeToString(raw)
	sum := sha256.Sum256([]byte(seed))
	return prefix + hex.EncodeToString(sum[:])[:24]
}

// IssueAPIKey creates a workspace (if absent) and issues a new key for it.
// The plaintext token is returned exactly once.
func (s *IndexStore) IssueAPIKey(workspace, role, label, prefix string) (string, error) {
	if _, err := s.EnsureWorkspace(workspace, workspace, ""); err != nil {
		return "", err
	}
	token := NewKeyToken(prefix)
	_, err := s.db.Exec(
		`INSERT INTO workspace_keys (id, workspace, key_hash, label, role, active, created)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		uuid.NewString(), workspace, HashKey(token), label, role, nowUnix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to issue key: %w", err)
	}
	return token, nil
}

// LookupKey resolves a plaintext token to its key record. Inactive keys
// return ErrNotFound.
func (s *IndexStore) LookupKey(token string) (*APIKeyRecord, error) {
	var rec APIKeyRecord
	var active int
	err := s.db.QueryRow(
		`SELECT id, workspace, key_hash, label, role, active, created
		 FROM workspace_keys WHERE key_hash=?`, HashKey(token),
	).Scan(&rec.ID, &rec.Workspace, &rec.KeyHash, &rec.Label, &rec.Role, &active, &rec.Created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if active == 0 {
		return nil, ErrNotFound
	}
	rec.Active = true
	_, _ = s.db.Exec(`UPDATE workspace_keys SET last_used=? WHERE id=?`, nowUnix(), rec.ID)
	return &rec, nil
}

// RevokeKey deactivates a key by id.
func (s *IndexStore) RevokeKey(id string) error {
	res, err := s.db.Exec(`UPDATE workspace_keys SET active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPolicyOverlay stores the policy overlay JSON for a workspace.
func (s *IndexStore) SetPolicyOverlay(workspace, overlayJSON string) error {
	_, err := s.db.Exec(
		`INSERT INTO workspace_policies (workspace, overlay_json, updated) VALUES (?, ?, ?)
		 ON CONFLICT(workspace) DO UPDATE SET overlay_json=excluded.overlay_json, updated=excluded.updated`,
		workspace, overlayJSON, nowUnix(),
	)
	return err
}

// PolicyOverlay returns the stored overlay JSON for a workspace, or
// ErrNotFound when none is set.
func (s *IndexStore) PolicyOverlay(workspace string) (string, error) {
	var overlay string
	err := s.db.QueryRow(
		`SELECT overlay_json FROM workspace_policies WHERE workspace=?`, workspace,
	).Scan(&overlay)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return overlay, err
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
