package project

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/opencode-lore/lore/internal/store"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lore.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)

	p1, err := s.GetOrCreate("/home/user/myrepo")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if p1.Name != "myrepo" {
		t.Errorf("name = %q, want myrepo", p1.Name)
	}

	p2, err := s.GetOrCreate("/home/user/myrepo")
	if err != nil {
		t.Fatalf("GetOrCreate (second): %v", err)
	}
	if p1.ID != p2.ID {
		t.Errorf("expected same project id, got %d and %d", p1.ID, p2.ID)
	}
}

func TestGetByPathNotFound(t *testing.T) {
	db := setupTestDB(t)
	s := NewStore(db)

	_, err := s.GetByPath("/nowhere")
	if err != sql.ErrNoRows {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}
