package loreconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProjectConfigDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadProjectConfig(dir)
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	if cfg.Budget.Distilled != 0.25 || cfg.Budget.Raw != 0.40 {
		t.Errorf("unexpected default budget: %+v", cfg.Budget)
	}
	if cfg.Pruning.RetentionDays != 120 {
		t.Errorf("RetentionDays = %d, want 120", cfg.Pruning.RetentionDays)
	}
}

func TestValidateClampsOutOfRangeValues(t *testing.T) {
	cfg := ProjectConfig{
		Budget: BudgetConfig{Distilled: 0.9, Raw: 0.01, Output: 0.25, LTM: 0.10},
		Distillation: DistillationConfig{
			MinMessages: 1, MaxSegment: 2, MetaThreshold: 1,
		},
		Curator: CuratorConfig{MaxEntries: 1},
		Pruning: PruningConfig{RetentionDays: 0, MaxStorageMB: 10},
	}
	cfg.Validate()

	if cfg.Budget.Distilled != 0.5 {
		t.Errorf("Budget.Distilled = %v, want clamped to 0.5", cfg.Budget.Distilled)
	}
	if cfg.Budget.Raw != 0.1 {
		t.Errorf("Budget.Raw = %v, want clamped to 0.1", cfg.Budget.Raw)
	}
	if cfg.Distillation.MinMessages != 3 {
		t.Errorf("MinMessages = %d, want clamped to 3", cfg.Distillation.MinMessages)
	}
	if cfg.Distillation.MaxSegment != 5 {
		t.Errorf("MaxSegment = %d, want clamped to 5", cfg.Distillation.MaxSegment)
	}
	if cfg.Curator.MaxEntries != 10 {
		t.Errorf("MaxEntries = %d, want clamped to 10", cfg.Curator.MaxEntries)
	}
	if cfg.Pruning.RetentionDays != 120 {
		t.Errorf("RetentionDays = %d, want default 120 (was zero value)", cfg.Pruning.RetentionDays)
	}
	if cfg.Pruning.MaxStorageMB != 50 {
		t.Errorf("MaxStorageMB = %d, want clamped to 50", cfg.Pruning.MaxStorageMB)
	}
}

func TestSaveAndLoadProjectConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultProjectConfig()
	cfg.Model = "anthropic/claude-opus-4"
	cfg.Curator.MaxEntries = 40

	if err := SaveProjectConfig(dir, cfg); err != nil {
		t.Fatalf("SaveProjectConfig: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, ".lore.json")); err != nil {
		t.Fatalf(".lore.json not written: %v", err)
	}

	loaded, err := LoadProjectConfig(dir)
	if err != nil {
		t.Fatalf("LoadProjectConfig: %v", err)
	}
	if loaded.Model != cfg.Model {
		t.Errorf("Model = %q, want %q", loaded.Model, cfg.Model)
	}
	if loaded.Curator.MaxEntries != 40 {
		t.Errorf("MaxEntries = %d, want 40", loaded.Curator.MaxEntries)
	}
}
