package orchestrator

import (
	"testing"

	"github.com/opencode-lore/lore/internal/bus"
	"github.com/opencode-lore/lore/internal/loreconfig"
	"github.com/opencode-lore/lore/internal/recall"
)

func TestCommandBusMaintainRunsIdleMaintenance(t *testing.T) {
	db := setupTestDB(t)
	o := New(db, nil)
	o.RegisterCommands()
	t.Cleanup(o.UnregisterCommands)

	result := bus.SendCommand(busComponent, "maintain", MaintainCommandPayload{
		ProjectPath: t.TempDir(),
		SessionID:   "sess-1",
		Config:      loreconfig.DefaultProjectConfig(),
	})
	if !result.Success {
		t.Fatalf("maintain command failed: %v (%s)", result.Error, result.Message)
	}
}

func TestCommandBusRecallSearchesEmptyStoreWithoutError(t *testing.T) {
	db := setupTestDB(t)
	o := New(db, nil)
	o.RegisterCommands()
	t.Cleanup(o.UnregisterCommands)

	result := bus.SendCommand(busComponent, "recall", RecallCommandPayload{
		ProjectPath: "/home/user/proj",
		SessionID:   "sess-1",
		Query:       "postgres",
		Scope:       recall.ScopeAll,
	})
	if !result.Success {
		t.Fatalf("recall command failed: %v (%s)", result.Error, result.Message)
	}
}

func TestCommandBusUnknownCommandReportsError(t *testing.T) {
	db := setupTestDB(t)
	o := New(db, nil)
	o.RegisterCommands()
	t.Cleanup(o.UnregisterCommands)

	result := bus.SendCommand(busComponent, "no-such-command", nil)
	if result.Success {
		t.Error("expected failure for an unregistered command name")
	}
}
