package main

import (
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opencode-lore/lore/internal/project"
	"github.com/opencode-lore/lore/internal/store"
)

func setupContext(t *testing.T) *Context {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "lore.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &Context{DBPath: dbPath, Project: t.TempDir(), DB: db}
}

func TestAgentsFilePathDefaultsUnderProject(t *testing.T) {
	got := agentsFilePath("/home/user/proj", "AGENTS.md")
	want := "/home/user/proj" + string(os.PathSeparator) + "AGENTS.md"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAgentsFilePathAbsoluteOverride(t *testing.T) {
	got := agentsFilePath("/home/user/proj", "/etc/lore/AGENTS.md")
	if got != "/etc/lore/AGENTS.md" {
		t.Errorf("got %q, want the absolute override unchanged", got)
	}
}

func TestNewRegistryErrorsWithoutAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := newRegistry(""); err == nil {
		t.Error("expected an error with no ANTHROPIC_API_KEY set")
	}
}

func TestNewRegistryDefaultsModelWhenUnset(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	registry, err := newRegistry("")
	if err != nil {
		t.Fatalf("newRegistry: %v", err)
	}
	if registry == nil {
		t.Fatal("registry is nil")
	}
}

func TestStoreCmdRunPersistsMessage(t *testing.T) {
	ctx := setupContext(t)
	cmd := StoreCmd{Session: "sess-1", Role: "user", Text: "hello world"}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	proj, err := project.NewStore(ctx.DB).GetOrCreate(ctx.Project)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	var count int
	if err := ctx.DB.QueryRow(`SELECT COUNT(*) FROM temporal_messages WHERE project_id = ?`, proj.ID).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Errorf("message count = %d, want 1", count)
	}
}

func TestPruneCmdRunsCleanlyOnEmptyStore(t *testing.T) {
	ctx := setupContext(t)
	cmd := PruneCmd{}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestExportThenImportRoundTrip(t *testing.T) {
	ctx := setupContext(t)

	store := StoreCmd{Session: "sess-1", Role: "user", Text: "remember postgres"}
	if err := store.Run(ctx); err != nil {
		t.Fatalf("store: %v", err)
	}

	db := ctx.DB
	proj, err := project.NewStore(db).GetOrCreate(ctx.Project)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO knowledge (knowledge_id, project_id, category, title, content, cross_project, confidence, created_at, updated_at)
		VALUES ('k1', ?, 'decision', 'Database choice', 'Use postgres', 0, 1.0, datetime('now'), datetime('now'))`, proj.ID); err != nil {
		t.Fatalf("seed knowledge: %v", err)
	}

	export := ExportCmd{}
	if err := export.Run(ctx); err != nil {
		t.Fatalf("export: %v", err)
	}

	path := agentsFilePath(ctx.Project, "AGENTS.md")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected agents file at %s: %v", path, err)
	}

	imp := ImportCmd{}
	if err := imp.Run(ctx); err != nil {
		t.Fatalf("import: %v", err)
	}
}
