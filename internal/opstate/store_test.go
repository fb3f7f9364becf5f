package opstate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func memStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewStoreFromDB(db)
	if err != nil {
		db.Close()
		t.Fatalf("NewStoreFromDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGet(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "study_state", "alice", `{"tasks":[]}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "study_state", "alice", `{"tasks":[{"title":"Read ch. 3"}]}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "other", "alice", "unrelated"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	tests := []struct {
		ns, key string
		want    string
		err     error
	}{
		{"study_state", "alice", `{"tasks":[{"title":"Read ch. 3"}]}`, nil},
		{"other", "alice", "unrelated", nil},
		{"study_state", "bob", "", ErrNotFound},
		{"missing", "alice", "", ErrNotFound},
	}
	for _, tt := range tests {
		got, err := s.Get(ctx, tt.ns, tt.key)
		if !errors.Is(err, tt.err) {
			t.Errorf("Get(%s/%s) error = %v, want %v", tt.ns, tt.key, err, tt.err)
		}
		if got != tt.want {
			t.Errorf("Get(%s/%s) = %q, want %q", tt.ns, tt.key, got, tt.want)
		}
	}
}

func TestLookup_Revisions(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	for i, v := range []string{"v1", "v2", "v3"} {
		if err := s.Set(ctx, "ns", "k", v); err != nil {
			t.Fatalf("Set(%s): %v", v, err)
		}
		e, err := s.Lookup(ctx, "ns", "k")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if e.Value != v || e.Revision != int64(i+1) || !e.UpdatedAt.Equal(at) {
			t.Errorf("after Set(%s): %+v", v, e)
		}
		at = at.Add(time.Minute)
	}

	// Revisions start over once the key is gone.
	if err := s.Delete(ctx, "ns", "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Lookup(ctx, "ns", "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "ns", "k"); err != nil {
		t.Errorf("Delete(missing): %v", err)
	}
	s.Set(ctx, "ns", "k", "fresh")
	if e, _ := s.Lookup(ctx, "ns", "k"); e.Revision != 1 {
		t.Errorf("Revision after recreate = %d, want 1", e.Revision)
	}
}

func TestKeys(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	for _, k := range []string{"carol", "alice", "bob"} {
		if err := s.Set(ctx, "study_state", k, "{}"); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	s.Set(ctx, "other", "dave", "{}")

	keys, err := s.Keys(ctx, "study_state")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 3 || keys[0] != "alice" || keys[2] != "carol" {
		t.Errorf("Keys() = %v", keys)
	}

	empty, err := s.Keys(ctx, "nothing")
	if err != nil {
		t.Fatalf("Keys(nothing): %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Keys(nothing) = %#v, want empty non-nil slice", empty)
	}
}

func TestStats(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	s.Set(ctx, "study_state", "alice", "{}")
	s.Set(ctx, "study_state", "bob", "{}")
	s.Set(ctx, "prefs", "alice", "{}")

	stats := s.Stats(ctx)
	if stats["study_state"] != 2 || stats["prefs"] != 1 {
		t.Errorf("Stats() = %v", stats)
	}
}

func TestNewStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s1, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s1.Set(ctx, "study_state", "alice", "kept"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s1.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if v, err := s2.Get(ctx, "study_state", "alice"); err != nil || v != "kept" {
		t.Errorf("Get after reopen = %q, %v", v, err)
	}
}

func TestNewStore_MissingDirectory(t *testing.T) {
	if _, err := NewStore(filepath.Join(t.TempDir(), "no", "such", "state.db")); err == nil {
		t.Error("NewStore succeeded under a missing directory")
	}
}
