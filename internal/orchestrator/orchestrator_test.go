package orchestrator

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opencode-lore/lore/internal/gradient"
	"github.com/opencode-lore/lore/internal/loreconfig"
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

func TestSystemPromptTransformReturnsEmptyWithNoKnowledge(t *testing.T) {
	db := setupTestDB(t)
	o := New(db, nil)

	limits := gradient.ModelLimits{Context: 100000, Output: 8192}
	cfg := loreconfig.DefaultProjectConfig()

	result, err := o.SystemPromptTransform("/home/user/proj", "sess-1", limits, cfg)
	if err != nil {
		t.Fatalf("SystemPromptTransform: %v", err)
	}
	if result.Text != "" || result.Tokens != 0 {
		t.Errorf("result = %+v, want zero value with no knowledge entries", result)
	}
}

func TestTransformMessagesPersistsAndRunsGradient(t *testing.T) {
	db := setupTestDB(t)
	o := New(db, nil)

	limits := gradient.ModelLimits{Context: 100000, Output: 8192}
	cfg := loreconfig.DefaultProjectConfig()

	msgs := []gradient.Message{
		{ID: "m1", Role: "user", Parts: []gradient.Part{{Kind: "text", Text: "hello there"}}},
	}

	result, err := o.TransformMessages("/home/user/proj", "sess-1", msgs, limits, 0, cfg)
	if err != nil {
		t.Fatalf("TransformMessages: %v", err)
	}
	if result == nil {
		t.Fatal("result is nil")
	}
	if len(result.Messages) != 1 {
		t.Errorf("len(result.Messages) = %d, want 1", len(result.Messages))
	}

	proj, err := o.resolveProject("/home/user/proj")
	if err != nil {
		t.Fatalf("resolveProject: %v", err)
	}
	count, err := o.temporal.Count(proj.ID)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("stored message count = %d, want 1", count)
	}
}

func TestTryStartRefusesWhileMaintenanceInFlight(t *testing.T) {
	db := setupTestDB(t)
	o := New(db, nil)

	if !o.tryStart() {
		t.Fatal("expected first tryStart to succeed")
	}
	if o.tryStart() {
		t.Error("expected second tryStart to be refused while first is in flight")
	}
	o.finish()
	if !o.tryStart() {
		t.Error("expected tryStart to succeed again after finish")
	}
}

func TestRunIdleMaintenanceSkipsWhenAlreadyRunning(t *testing.T) {
	db := setupTestDB(t)
	o := New(db, nil)
	o.tryStart()
	defer o.finish()

	cfg := loreconfig.DefaultProjectConfig()
	result, err := o.RunIdleMaintenance(context.Background(), "/home/user/proj", "sess-1", cfg, false)
	if err != nil {
		t.Fatalf("RunIdleMaintenance: %v", err)
	}
	if !result.Skipped {
		t.Error("expected Skipped=true when maintenance already in flight")
	}
}

func TestRunIdleMaintenanceNoOpWithNoMessages(t *testing.T) {
	db := setupTestDB(t)
	o := New(db, nil)

	cfg := loreconfig.DefaultProjectConfig()
	result, err := o.RunIdleMaintenance(context.Background(), t.TempDir(), "sess-1", cfg, false)
	if err != nil {
		t.Fatalf("RunIdleMaintenance: %v", err)
	}
	if result.Skipped {
		t.Error("did not expect Skipped with no prior maintenance in flight")
	}
	if result.Distill.SegmentsDistilled != 0 {
		t.Errorf("SegmentsDistilled = %d, want 0 with no messages", result.Distill.SegmentsDistilled)
	}
}

func TestHandleSessionErrorIgnoresNonOverflowMessages(t *testing.T) {
	db := setupTestDB(t)
	o := New(db, nil)

	proj, err := o.resolveProject("/home/user/proj")
	if err != nil {
		t.Fatalf("resolveProject: %v", err)
	}

	o.handleSessionError(ErrorPayload{ProjectPath: "/home/user/proj", SessionID: "sess-1", Message: "some unrelated error"})

	st, err := gradient.NewStateStore(db).GetSessionState("sess-1", proj.ID)
	if err != nil {
		t.Fatalf("GetSessionState: %v", err)
	}
	if st.ForceMinLayer != 0 {
		t.Errorf("ForceMinLayer = %d, want 0 (unrelated error should not force a layer)", st.ForceMinLayer)
	}
}

func TestHandleSessionErrorForcesLayerOnContextOverflow(t *testing.T) {
	db := setupTestDB(t)
	o := New(db, nil)

	proj, err := o.resolveProject("/home/user/proj")
	if err != nil {
		t.Fatalf("resolveProject: %v", err)
	}

	o.handleSessionError(ErrorPayload{
		ProjectPath: "/home/user/proj",
		SessionID:   "sess-1",
		Message:     "Error: this model's maximum context length is 200000 tokens",
	})

	st, err := gradient.NewStateStore(db).GetSessionState("sess-1", proj.ID)
	if err != nil {
		t.Fatalf("GetSessionState: %v", err)
	}
	if st.ForceMinLayer != 2 {
		t.Errorf("ForceMinLayer = %d, want 2 after context overflow", st.ForceMinLayer)
	}
}
