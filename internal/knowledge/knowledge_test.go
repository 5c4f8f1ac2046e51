package knowledge

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/opencode-lore/lore/internal/project"
	"github.com/opencode-lore/lore/internal/store"
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

func TestCreateCollapsesDuplicateTitle(t *testing.T) {
	db, projectID := setupTestDB(t)
	s := NewStore(db)

	first, err := s.Create(Entry{
		ProjectID: sql.NullInt64{Int64: projectID, Valid: true},
		Category:  "build", Title: "Build Command", Content: "make build", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	second, err := s.Create(Entry{
		ProjectID: sql.NullInt64{Int64: projectID, Valid: true},
		Category:  "build", Title: "build command", Content: "make release-build", Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("Create (dup): %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("expected collapse onto same id, got %q and %q", first.ID, second.ID)
	}
	if second.Content != "make release-build" {
		t.Errorf("Content = %q, want collapsed content", second.Content)
	}

	got, err := s.Get(first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "make release-build" {
		t.Errorf("stored content = %q, want updated content", got.Content)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on collapse: %v vs %v", got.CreatedAt, first.CreatedAt)
	}
}

func TestCreateOversizedContentIsSoftRetired(t *testing.T) {
	db, projectID := setupTestDB(t)
	s := NewStore(db)

	huge := strings.Repeat("x", maxContentLen+1)
	e, err := s.Create(Entry{
		ProjectID: sql.NullInt64{Int64: projectID, Valid: true},
		Category:  "notes", Title: "Huge Note", Content: huge,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0 for oversized content", e.Confidence)
	}
}

func TestForProjectExcludesLowConfidence(t *testing.T) {
	db, projectID := setupTestDB(t)
	s := NewStore(db)

	mustCreate(t, s, Entry{ProjectID: validProject(projectID), Category: "c", Title: "Visible", Content: "x", Confidence: 0.5})
	mustCreate(t, s, Entry{ProjectID: validProject(projectID), Category: "c", Title: "Hidden", Content: "x", Confidence: 0.2})
	mustCreate(t, s, Entry{ProjectID: validProject(projectID), Category: "c", Title: "AlsoHidden", Content: "x", Confidence: 0.1})

	entries, err := s.ForProject(projectID, false)
	if err != nil {
		t.Fatalf("ForProject: %v", err)
	}
	if len(entries) != 1 || entries[0].Title != "Visible" {
		t.Errorf("entries = %+v, want only Visible", entries)
	}
}

func TestForProjectIncludesCrossProjectEntries(t *testing.T) {
	db, projectID := setupTestDB(t)
	s := NewStore(db)

	other, err := project.NewStore(db).GetOrCreate("/home/user/other")
	if err != nil {
		t.Fatalf("GetOrCreate other: %v", err)
	}

	mustCreate(t, s, Entry{ProjectID: validProject(other.ID), Category: "c", Title: "Shared Fact", Content: "x", Confidence: 0.9, CrossProject: true})
	mustCreate(t, s, Entry{ProjectID: validProject(other.ID), Category: "c", Title: "Private Fact", Content: "x", Confidence: 0.9, CrossProject: false})

	withCross, err := s.ForProject(projectID, true)
	if err != nil {
		t.Fatalf("ForProject(includeCross): %v", err)
	}
	if len(withCross) != 1 || withCross[0].Title != "Shared Fact" {
		t.Errorf("entries = %+v, want only Shared Fact", withCross)
	}

	withoutCross, err := s.ForProject(projectID, false)
	if err != nil {
		t.Fatalf("ForProject: %v", err)
	}
	if len(withoutCross) != 0 {
		t.Errorf("entries = %+v, want none (own project is empty)", withoutCross)
	}
}

func TestForSessionScoresByRelevanceAndPacksBudget(t *testing.T) {
	db, projectID := setupTestDB(t)
	s := NewStore(db)

	mustCreate(t, s, Entry{ProjectID: validProject(projectID), Category: "c", Title: "Postgres Migration Notes", Content: "The database migration uses goose and postgres.", Confidence: 0.9})
	mustCreate(t, s, Entry{ProjectID: validProject(projectID), Category: "c", Title: "Unrelated Fact", Content: "The office coffee machine is broken.", Confidence: 0.9})

	sessionContext := strings.Repeat("We are migrating the postgres database schema using goose tooling today. ", 3)

	entries, err := s.ForSession(projectID, sessionContext, 10000)
	if err != nil {
		t.Fatalf("ForSession: %v", err)
	}
	if len(entries) == 0 || entries[0].Title != "Postgres Migration Notes" {
		t.Errorf("entries = %+v, want migration notes ranked first", entries)
	}
}

func TestForSessionEmptyContextFallsBackToConfidence(t *testing.T) {
	db, projectID := setupTestDB(t)
	s := NewStore(db)

	mustCreate(t, s, Entry{ProjectID: validProject(projectID), Category: "c", Title: "High Confidence", Content: "x", Confidence: 0.9})
	mustCreate(t, s, Entry{ProjectID: validProject(projectID), Category: "c", Title: "Low Confidence", Content: "x", Confidence: 0.3})

	entries, err := s.ForSession(projectID, "", 10000)
	if err != nil {
		t.Fatalf("ForSession: %v", err)
	}
	if len(entries) != 2 || entries[0].Title != "High Confidence" {
		t.Errorf("entries = %+v, want High Confidence first", entries)
	}
}

func TestForSessionGreedyPackSkipsOversizedEntry(t *testing.T) {
	db, projectID := setupTestDB(t)
	s := NewStore(db)

	mustCreate(t, s, Entry{ProjectID: validProject(projectID), Category: "c", Title: "Big", Content: strings.Repeat("word ", 300), Confidence: 0.9})
	mustCreate(t, s, Entry{ProjectID: validProject(projectID), Category: "c", Title: "Small", Content: "tiny", Confidence: 0.9})

	entries, err := s.ForSession(projectID, "", 20)
	if err != nil {
		t.Fatalf("ForSession: %v", err)
	}
	if len(entries) != 1 || entries[0].Title != "Small" {
		t.Errorf("entries = %+v, want only Small to fit the tiny budget", entries)
	}
}

func TestPruneOversizedSoftRetiresWithoutDeleting(t *testing.T) {
	db, projectID := setupTestDB(t)
	s := NewStore(db)

	e := mustCreate(t, s, Entry{ProjectID: validProject(projectID), Category: "c", Title: "Borderline", Content: strings.Repeat("y", 100), Confidence: 0.9})

	n, err := s.PruneOversized(50)
	if err != nil {
		t.Fatalf("PruneOversized: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned count = %d, want 1", n)
	}

	got, err := s.Get(e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0 after prune", got.Confidence)
	}
	if got.Content == "" {
		t.Errorf("prune must not delete content, got empty")
	}
}

func validProject(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: true}
}

func mustCreate(t *testing.T, s *Store, e Entry) *Entry {
	t.Helper()
	created, err := s.Create(e)
	if err != nil {
		t.Fatalf("Create(%q): %v", e.Title, err)
	}
	return created
}
