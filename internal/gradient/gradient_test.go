package gradient

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

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

func textMsg(id, role, text string) Message {
	return Message{ID: id, Role: role, Parts: []Part{{Kind: "text", Text: text}}}
}

func TestComputeBudgetAppliesDefaultsAndClampsUsableToZero(t *testing.T) {
	limits := ModelLimits{Context: 100000, Output: 8000}
	b := ComputeBudget(limits, FirstTurnOverhead, 1000, BudgetConfig{})
	wantUsable := 100000 - 8000 - FirstTurnOverhead - 1000
	if b.Usable != wantUsable {
		t.Errorf("Usable = %d, want %d", b.Usable, wantUsable)
	}
	if b.MaxInput != 92000 {
		t.Errorf("MaxInput = %d, want 92000", b.MaxInput)
	}

	tiny := ComputeBudget(ModelLimits{Context: 1000, Output: 8000}, FirstTurnOverhead, 0, BudgetConfig{})
	if tiny.Usable != 0 {
		t.Errorf("Usable = %d, want clamped to 0", tiny.Usable)
	}
}

func TestRunFirstTurnUncalibratedPassthrough(t *testing.T) {
	db, projectID := setupTestDB(t)
	tr := New(db)

	messages := []Message{
		textMsg("m1", "user", "hello"),
		textMsg("m2", "assistant", "hi there"),
	}

	res, err := tr.Run("sess-1", projectID, messages, ModelLimits{Context: 200000, Output: 8000}, 0, BudgetConfig{}, time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Layer != 0 {
		t.Errorf("Layer = %d, want 0 (small history should pass through)", res.Layer)
	}
	if len(res.Messages) != 2 {
		t.Errorf("Messages = %+v, want unchanged", res.Messages)
	}
}

func TestRunEscalatesWhenHistoryExceedsContext(t *testing.T) {
	db, projectID := setupTestDB(t)
	tr := New(db)

	var messages []Message
	for i := 0; i < 50; i++ {
		messages = append(messages, textMsg("u"+itoaTest(i), "user", strings.Repeat("word ", 2000)))
		messages = append(messages, textMsg("a"+itoaTest(i), "assistant", strings.Repeat("word ", 2000)))
	}

	res, err := tr.Run("sess-2", projectID, messages, ModelLimits{Context: 50000, Output: 4000}, 0, BudgetConfig{}, time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Layer == 0 {
		t.Errorf("Layer = 0, want a compressed layer for oversized history")
	}
	if len(res.Messages) == 0 {
		t.Error("expected a non-empty compressed message list")
	}
}

func TestRunLayer4AlwaysFitsAndPreservesToolParts(t *testing.T) {
	db, projectID := setupTestDB(t)
	tr := New(db)

	var messages []Message
	huge := strings.Repeat("x", 2_000_000)
	for i := 0; i < 10; i++ {
		messages = append(messages, Message{
			ID: "m" + itoaTest(i), Role: "user",
			Parts: []Part{{Kind: "text", Text: huge}},
		})
	}
	messages = append(messages, Message{
		ID: "last", Role: "assistant",
		Parts: []Part{{Kind: "tool", Tool: "read", Output: "file contents here"}},
	})

	res, err := tr.Run("sess-3", projectID, messages, ModelLimits{Context: 10000, Output: 2000}, 0, BudgetConfig{}, time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Layer != 4 {
		t.Errorf("Layer = %d, want 4 (nothing else can possibly fit)", res.Layer)
	}

	foundToolOutput := false
	for _, m := range res.Messages {
		for _, p := range m.Parts {
			if p.Kind == "tool" && p.Output == "file contents here" {
				foundToolOutput = true
			}
		}
	}
	if !foundToolOutput {
		t.Error("layer 4 must never strip tool output")
	}
}

func TestStickyLayerGuardBlocksLayer0AfterCompression(t *testing.T) {
	db, projectID := setupTestDB(t)
	tr := New(db)

	st, err := tr.state.GetSessionState("sess-4", projectID)
	if err != nil {
		t.Fatalf("GetSessionState: %v", err)
	}
	st.EverCompressed = true
	st.LastKnownMessageCount = 2
	if err := tr.state.Save(*st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	messages := []Message{textMsg("m1", "user", "hi"), textMsg("m2", "assistant", "hello"), textMsg("m3", "user", "again")}
	res, err := tr.Run("sess-4", projectID, messages, ModelLimits{Context: 200000, Output: 8000}, 0, BudgetConfig{}, time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Layer == 0 {
		t.Error("Layer = 0, want sticky guard to forbid layer 0 while message count stays at or above the last compressed count")
	}
}

func TestForceMinLayerIsConsumedAfterOneTransform(t *testing.T) {
	db, projectID := setupTestDB(t)
	tr := New(db)

	if err := tr.SetForceMinLayer("sess-5", projectID, 2); err != nil {
		t.Fatalf("SetForceMinLayer: %v", err)
	}

	messages := []Message{textMsg("m1", "user", "hi"), textMsg("m2", "assistant", "hello")}
	res, err := tr.Run("sess-5", projectID, messages, ModelLimits{Context: 200000, Output: 8000}, 0, BudgetConfig{}, time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Layer < 2 {
		t.Errorf("Layer = %d, want >= 2 on the forced transform", res.Layer)
	}

	st, err := tr.state.GetSessionState("sess-5", projectID)
	if err != nil {
		t.Fatalf("GetSessionState: %v", err)
	}
	if st.ForceMinLayer != 0 {
		t.Errorf("ForceMinLayer = %d, want consumed back to 0", st.ForceMinLayer)
	}

	// Second transform with the force consumed: the forced transform recorded
	// its compressed window (two prefix messages plus the two raw ones) as the
	// sticky mark, and the host's two messages are below that mark, so the
	// tiny input goes back to layer 0.
	res2, err := tr.Run("sess-5", projectID, messages, ModelLimits{Context: 200000, Output: 8000}, 0, BudgetConfig{}, time.Now())
	if err != nil {
		t.Fatalf("Run (2nd): %v", err)
	}
	if res2.Layer != 0 {
		t.Errorf("Layer = %d, want 0 on the transform after the one-shot force was consumed", res2.Layer)
	}

	// A history that shrinks further stays below that mark, so layer 0
	// remains available.
	shrunk := messages[1:]
	res3, err := tr.Run("sess-5", projectID, shrunk, ModelLimits{Context: 200000, Output: 8000}, 0, BudgetConfig{}, time.Now())
	if err != nil {
		t.Fatalf("Run (3rd): %v", err)
	}
	if res3.Layer != 0 {
		t.Errorf("Layer = %d, want 0 once the host message count drops below the last compressed count", res3.Layer)
	}
}

func TestCalibrateUpdatesOverheadEMA(t *testing.T) {
	db, projectID := setupTestDB(t)
	tr := New(db)

	messages := []Message{textMsg("m1", "user", "hi")}
	res, err := tr.Run("sess-6", projectID, messages, ModelLimits{Context: 200000, Output: 8000}, 500, BudgetConfig{}, time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := tr.Calibrate("sess-6", projectID, res.ExpectedInput+3000, res); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	overhead, err := tr.state.CurrentOverhead()
	if err != nil {
		t.Fatalf("CurrentOverhead: %v", err)
	}
	if overhead == FirstTurnOverhead {
		t.Error("overhead should have moved off the uncalibrated default after one sample")
	}

	st, err := tr.state.GetSessionState("sess-6", projectID)
	if err != nil {
		t.Fatalf("GetSessionState: %v", err)
	}
	if st.LastKnownLTM != 500 {
		t.Errorf("LastKnownLTM = %d, want 500", st.LastKnownLTM)
	}
}

func TestPrefixCacheAppendOnlyHitRendersOnlyNewRows(t *testing.T) {
	db, projectID := setupTestDB(t)
	insertDistillation(t, db, "d1", projectID, "sess-7", 0, "Date: March 1, 2026\nFirst observation.", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	tr := New(db)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	dists, err := tr.currentDistillations("sess-7")
	if err != nil {
		t.Fatalf("currentDistillations: %v", err)
	}
	text1, _, _ := tr.prefixCache.Build("sess-7", "full", dists, now)
	if !strings.Contains(text1, "First observation") {
		t.Fatalf("text1 = %q, want first observation", text1)
	}

	insertDistillation(t, db, "d2", projectID, "sess-7", 0, "Date: March 8, 2026\nSecond observation.", time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC))
	dists2, err := tr.currentDistillations("sess-7")
	if err != nil {
		t.Fatalf("currentDistillations (2): %v", err)
	}
	text2, _, _ := tr.prefixCache.Build("sess-7", "full", dists2, now)

	if !strings.HasPrefix(text2, text1) {
		t.Errorf("append-only hit should extend cached text; text1=%q text2=%q", text1, text2)
	}
	if !strings.Contains(text2, "Second observation") {
		t.Errorf("text2 = %q, want second observation appended", text2)
	}
}

func TestAnnotateTemporalAddsRelativeTimeAndGapMarker(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	text := "Date: March 1, 2026\nFirst.\nDate: March 10, 2026\nSecond."

	out := annotateTemporal(text, now)
	if !strings.Contains(out, "Date: March 1, 2026 (2 weeks ago)") {
		t.Errorf("out = %q, want relative annotation on first date", out)
	}
	if !strings.Contains(out, "day gap") {
		t.Errorf("out = %q, want a gap marker between non-consecutive dates", out)
	}
}

func TestAnnotateTemporalExpandsMeaningPhrase(t *testing.T) {
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	text := "The deploy is planned (meaning March 20, 2026)."
	out := annotateTemporal(text, now)
	if !strings.Contains(out, "meaning March 20, 2026 —") {
		t.Errorf("out = %q, want expanded meaning phrase", out)
	}
	if strings.Contains(out, "likely already happened") {
		t.Errorf("out = %q, future date should not be marked as already happened", out)
	}
}

func TestTryFitFailsWhenCurrentTurnAloneExceedsBudget(t *testing.T) {
	messages := []Message{
		textMsg("u1", "user", strings.Repeat("x", 10000)),
	}
	_, ok := tryFit(messages, 10, nil, "sess")
	if ok {
		t.Error("tryFit should fail when the current turn alone exceeds the budget")
	}
}

func TestTryFitUsesPinWhenStillPresentAndWithinBudget(t *testing.T) {
	pin := NewWindowPinCache()
	messages := []Message{
		textMsg("m1", "user", "short"),
		textMsg("m2", "assistant", "short"),
		textMsg("m3", "user", "short"),
	}
	window, ok := tryFit(messages, 1000, pin, "sess-pin")
	if !ok {
		t.Fatal("tryFit failed")
	}
	pinnedID, found := pin.get("sess-pin")
	if !found {
		t.Fatal("expected a pin to be set")
	}
	if pinnedID != window[0].ID {
		t.Errorf("pin = %q, want %q", pinnedID, window[0].ID)
	}
}

func itoaTest(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}
