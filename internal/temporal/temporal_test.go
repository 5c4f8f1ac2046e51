package temporal

import (
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/opencode-lore/lore/internal/store"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lore.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// Messages reference projects(id) with foreign keys on; every test here
	// files its messages under project 1.
	if _, err := db.Exec(`INSERT INTO projects (id, path, name, created_at) VALUES (1, '/home/user/proj', 'proj', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return NewStore(db)
}

func TestFlatten(t *testing.T) {
	parts := []Part{
		{Kind: "text", Text: "hello"},
		{Kind: "reasoning", Text: "thinking"},
		{Kind: "tool", Tool: "grep", Output: "3 matches"},
		{Kind: "step-start"},
	}
	got := Flatten(parts)
	want := "hello\n[reasoning] thinking\n[tool:grep] 3 matches"
	if got != want {
		t.Errorf("Flatten() = %q, want %q", got, want)
	}
}

func TestFlattenEmptyPartsDropped(t *testing.T) {
	parts := []Part{{Kind: "text", Text: ""}, {Kind: "tool", Tool: "x", Output: ""}}
	if got := Flatten(parts); got != "" {
		t.Errorf("Flatten() = %q, want empty", got)
	}
}

func TestStoreAndRestoreKeepsCreatedAtAndDistilled(t *testing.T) {
	s := setupTestStore(t)

	m, err := s.Store(1, "sess-1", "msg-1", "user", "hello world", "")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if m.Distilled {
		t.Errorf("new message should not be distilled")
	}
	firstCreatedAt := m.CreatedAt

	if err := s.MarkDistilled([]string{"msg-1"}); err != nil {
		t.Fatalf("MarkDistilled: %v", err)
	}

	m2, err := s.Store(1, "sess-1", "msg-1", "user", "hello world, edited", "")
	if err != nil {
		t.Fatalf("Store (update): %v", err)
	}
	if m2.Content != "hello world, edited" {
		t.Errorf("content not updated")
	}
	if !m2.CreatedAt.Equal(firstCreatedAt) {
		t.Errorf("created_at changed on update: %v != %v", m2.CreatedAt, firstCreatedAt)
	}

	got, err := s.get("msg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Distilled {
		t.Errorf("distilled flag should survive a content update")
	}
}

func TestStoreEmptyContentDropped(t *testing.T) {
	s := setupTestStore(t)
	m, err := s.Store(1, "sess-1", "msg-1", "user", "", "")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil for empty content, got %+v", m)
	}
}

func TestUndistilledAndMarkDistilled(t *testing.T) {
	s := setupTestStore(t)

	for i := 0; i < 3; i++ {
		if _, err := s.Store(1, "sess-1", "", "user", "message", ""); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	undistilled, err := s.Undistilled(1)
	if err != nil {
		t.Fatalf("Undistilled: %v", err)
	}
	if len(undistilled) != 3 {
		t.Fatalf("len(undistilled) = %d, want 3", len(undistilled))
	}

	ids := []string{undistilled[0].ID, undistilled[1].ID}
	if err := s.MarkDistilled(ids); err != nil {
		t.Fatalf("MarkDistilled: %v", err)
	}

	count, err := s.UndistilledCount(1)
	if err != nil {
		t.Fatalf("UndistilledCount: %v", err)
	}
	if count != 1 {
		t.Errorf("UndistilledCount = %d, want 1", count)
	}
}

func TestUndistilledBySessionScopesToOneSession(t *testing.T) {
	s := setupTestStore(t)

	if _, err := s.Store(1, "sess-a", "", "user", "from session a", ""); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Store(1, "sess-b", "", "user", "from session b", ""); err != nil {
		t.Fatalf("Store: %v", err)
	}

	pendingA, err := s.UndistilledBySession("sess-a")
	if err != nil {
		t.Fatalf("UndistilledBySession: %v", err)
	}
	if len(pendingA) != 1 || pendingA[0].SessionID != "sess-a" {
		t.Fatalf("pendingA = %+v, want exactly the one sess-a message", pendingA)
	}

	pendingB, err := s.UndistilledBySession("sess-b")
	if err != nil {
		t.Fatalf("UndistilledBySession: %v", err)
	}
	if len(pendingB) != 1 || pendingB[0].SessionID != "sess-b" {
		t.Fatalf("pendingB = %+v, want exactly the one sess-b message", pendingB)
	}
}

func TestSearchFallsBackToSubstring(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.Store(1, "sess-1", "", "user", "the quick brown fox", ""); err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := s.Search(1, "", "quick", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
}

func TestSearchEmptyQueryUsesSubstringPath(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.Store(1, "sess-1", "", "user", "hello", ""); err != nil {
		t.Fatalf("Store: %v", err)
	}
	// A query sanitizing to "" (e.g. pure punctuation) should not error.
	results, err := s.Search(1, "", "---", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no matches for punctuation-only query, got %d", len(results))
	}
}

func TestPruneNeverDeletesUndistilled(t *testing.T) {
	s := setupTestStore(t)

	old := time.Now().UTC().AddDate(0, 0, -200)
	for i := 0; i < 3; i++ {
		m, err := s.Store(1, "sess-1", "", "user", "old distilled message", "")
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		if err := s.MarkDistilled([]string{m.ID}); err != nil {
			t.Fatalf("MarkDistilled: %v", err)
		}
		if _, err := s.db.Exec(`UPDATE temporal_messages SET created_at = ? WHERE message_id = ?`,
			old.Format(time.RFC3339Nano), m.ID); err != nil {
			t.Fatalf("backdating: %v", err)
		}
	}

	undistilledOld, err := s.Store(1, "sess-1", "", "user", "old but undistilled", "")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE temporal_messages SET created_at = ? WHERE message_id = ?`,
		old.Format(time.RFC3339Nano), undistilledOld.ID); err != nil {
		t.Fatalf("backdating: %v", err)
	}

	result, err := s.Prune(1, 120, 1024)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if result.TTLDeleted != 3 {
		t.Errorf("TTLDeleted = %d, want 3", result.TTLDeleted)
	}

	remaining, err := s.Count(1)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if remaining != 1 {
		t.Errorf("remaining = %d, want 1 (the undistilled row)", remaining)
	}
}
