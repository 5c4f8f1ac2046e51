package recall

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opencode-lore/lore/internal/distill"
	"github.com/opencode-lore/lore/internal/knowledge"
	"github.com/opencode-lore/lore/internal/project"
	"github.com/opencode-lore/lore/internal/store"
	"github.com/opencode-lore/lore/internal/temporal"
)

func setupTestDB(t *testing.T) (*sql.DB, int64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lore.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	p, err := project.NewStore(db).GetOrCreate("/home/user/proj")
	if err != nil {
		t.Fatalf("GetOrCreate project: %v", err)
	}
	return db, p.ID
}

func insertDistillation(t *testing.T, db *sql.DB, id string, projectID int64, sessionID string, generation int, observations string, createdAt time.Time) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO distillations (distillation_id, project_id, session_id, generation, content, source_ids, created_at)
		VALUES (?, ?, ?, ?, ?, '[]', ?)
	`, id, projectID, sessionID, generation, observations, createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("insert distillation: %v", err)
	}
}

func newStore(db *sql.DB) *Store {
	return NewStore(temporal.NewStore(db), distill.NewStore(db), knowledge.NewStore(db))
}

func TestQueryMergesAllThreeTiers(t *testing.T) {
	db, projectID := setupTestDB(t)

	ts := temporal.NewStore(db)
	if _, err := ts.Store(projectID, "sess-1", "m1", "user", "we should switch to postgres eventually", "{}"); err != nil {
		t.Fatalf("store message: %v", err)
	}

	insertDistillation(t, db, "d1", projectID, "sess-1", 0, "Date: June 1, 2026\n- decided to evaluate postgres for the new service", time.Now().UTC())

	if _, err := knowledge.NewStore(db).Create(knowledge.Entry{
		ProjectID:  sql.NullInt64{Int64: projectID, Valid: true},
		Category:   "decision",
		Title:      "Database choice",
		Content:    "Team picked postgres over sqlite for the new service.",
		Confidence: 1.0,
	}); err != nil {
		t.Fatalf("create knowledge entry: %v", err)
	}

	s := newStore(db)
	out, err := s.Query(context.Background(), projectID, "sess-1", "postgres", ScopeAll)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	for _, want := range []string{"## Long-term Knowledge", "## Distilled History", "## Raw Message Matches", "Database choice", "postgres"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestQueryEmptyResultProducesShortLine(t *testing.T) {
	db, projectID := setupTestDB(t)
	s := newStore(db)

	out, err := s.Query(context.Background(), projectID, "sess-1", "nonexistentterm", ScopeAll)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(out, "No matches found") {
		t.Errorf("expected no-match line, got: %q", out)
	}
	if strings.Contains(out, "##") {
		t.Errorf("expected no section headers on empty result, got: %q", out)
	}
}

func TestQueryEmptyQueryShortCircuits(t *testing.T) {
	db, projectID := setupTestDB(t)
	s := newStore(db)

	out, err := s.Query(context.Background(), projectID, "sess-1", "   ", ScopeAll)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if out != "No query provided." {
		t.Errorf("got %q, want the no-query line", out)
	}
}

func TestQueryScopeKnowledgeSkipsMessageAndDistillationLegs(t *testing.T) {
	db, projectID := setupTestDB(t)

	ts := temporal.NewStore(db)
	if _, err := ts.Store(projectID, "sess-1", "m1", "user", "postgres migration notes", "{}"); err != nil {
		t.Fatalf("store message: %v", err)
	}
	insertDistillation(t, db, "d1", projectID, "sess-1", 0, "postgres migration observations", time.Now().UTC())
	if _, err := knowledge.NewStore(db).Create(knowledge.Entry{
		ProjectID:  sql.NullInt64{Int64: projectID, Valid: true},
		Category:   "decision",
		Title:      "Postgres migration",
		Content:    "Migrating the primary store to postgres.",
		Confidence: 1.0,
	}); err != nil {
		t.Fatalf("create knowledge entry: %v", err)
	}

	s := newStore(db)
	out, err := s.Query(context.Background(), projectID, "sess-1", "postgres", ScopeKnowledge)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(out, "## Long-term Knowledge") {
		t.Errorf("expected knowledge section, got: %q", out)
	}
	if strings.Contains(out, "## Distilled History") || strings.Contains(out, "## Raw Message Matches") {
		t.Errorf("scope=knowledge leaked other tiers: %q", out)
	}
}

func TestQuerySessionScopeExcludesOtherSessions(t *testing.T) {
	db, projectID := setupTestDB(t)
	ts := temporal.NewStore(db)
	if _, err := ts.Store(projectID, "sess-other", "m1", "user", "unique-marker-xyz discussion", "{}"); err != nil {
		t.Fatalf("store message: %v", err)
	}

	s := newStore(db)
	out, err := s.Query(context.Background(), projectID, "sess-1", "unique-marker-xyz", ScopeSession)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if strings.Contains(out, "unique-marker-xyz") {
		t.Errorf("session scope leaked another session's message: %q", out)
	}
}
