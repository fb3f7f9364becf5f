// Package opstate persists small opaque documents under a
// (namespace, key) address. Study Buddy keeps each conversation's study
// state here, one JSON document per instance.
//
// Writes replace the whole value. Every write bumps a per-key revision
// so callers that care can detect that a document changed underneath
// them; serializing read-modify-write cycles is the caller's job.
package opstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound reports a missing (namespace, key).
var ErrNotFound = errors.New("opstate: key not found")

// Entry is a stored document with its bookkeeping.
type Entry struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the SQLite-backed document table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the database at dbPath, creating it if needed.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	s, err := NewStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreFromDB takes ownership of db and ensures the schema exists.
func NewStoreFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS documents (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		revision   INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	) WITHOUT ROWID;
	`); err != nil {
		return nil, fmt.Errorf("create state schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value at (namespace, key), or [ErrNotFound].
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	e, err := s.Lookup(ctx, namespace, key)
	if err != nil {
		return "", err
	}
	return e.Value, nil
}

// Lookup returns the full entry at (namespace, key), or [ErrNotFound].
func (s *Store) Lookup(ctx context.Context, namespace, key string) (Entry, error) {
	e := Entry{Namespace: namespace, Key: key}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, revision, updated_at FROM documents WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&e.Value, &e.Revision, &updated)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Entry{}, ErrNotFound
	case err != nil:
		return Entry{}, fmt.Errorf("read %s/%s: %w", namespace, key, err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return Entry{}, fmt.Errorf("read %s/%s: bad updated_at %q: %w", namespace, key, updated, err)
	}
	return e, nil
}

// Set stores value at (namespace, key), replacing any previous value.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (namespace, key, value, revision, updated_at)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET
			value = excluded.value,
			revision = documents.revision + 1,
			updated_at = excluded.updated_at`,
		namespace, key, value, s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes (namespace, key). Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE namespace = ? AND key = ?`, namespace, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys lists the keys in namespace in ascending order. An empty
// namespace yields an empty, non-nil slice.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM documents WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("list %s: %w", namespace, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Stats reports how many documents each namespace holds.
func (s *Store) Stats(ctx context.Context) map[string]any {
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace, COUNT(*) FROM documents GROUP BY namespace`)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var ns string
		var n int
		if err := rows.Scan(&ns, &n); err != nil {
			return map[string]any{"error": err.Error()}
		}
		out[ns] = n
	}
	return out
}
