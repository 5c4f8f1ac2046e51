package loreconfig

import (
	"encoding/json"
	"os"
)

// BudgetConfig splits the usable context window across the gradient
// transformer's concerns. See spec §6 for documented defaults/ranges.
type BudgetConfig struct {
	Distilled float64 `json:"distilled"`
	Raw       float64 `json:"raw"`
	Output    float64 `json:"output"`
	LTM       float64 `json:"ltm"`
}

// DistillationConfig controls the distillation pipeline's segmenting and
// meta-consolidation thresholds.
type DistillationConfig struct {
	MinMessages   int `json:"minMessages"`
	MaxSegment    int `json:"maxSegment"`
	MetaThreshold int `json:"metaThreshold"`
}

// CuratorConfig controls knowledge-extraction scheduling.
type CuratorConfig struct {
	Enabled    bool `json:"enabled"`
	OnIdle     bool `json:"onIdle"`
	AfterTurns int  `json:"afterTurns"`
	MaxEntries int  `json:"maxEntries"`
}

// PruningConfig controls temporal store retention.
type PruningConfig struct {
	RetentionDays int `json:"retention"`
	MaxStorageMB  int `json:"maxStorage"`
}

// AgentsFileConfig controls the markdown round-trip.
type AgentsFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ProjectConfig is the recognized shape of a project's .lore.json, per
// spec §6's options table.
type ProjectConfig struct {
	Model        string             `json:"model,omitempty"`
	Budget       BudgetConfig       `json:"budget"`
	Distillation DistillationConfig `json:"distillation"`
	Curator      CuratorConfig      `json:"curator"`
	Pruning      PruningConfig      `json:"pruning"`
	CrossProject bool               `json:"crossProject"`
	AgentsFile   AgentsFileConfig   `json:"agentsFile"`
}

// DefaultProjectConfig returns spec §6's documented defaults.
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Budget: BudgetConfig{Distilled: 0.25, Raw: 0.40, Output: 0.25, LTM: 0.10},
		Distillation: DistillationConfig{
			MinMessages: 8, MaxSegment: 50, MetaThreshold: 10,
		},
		Curator: CuratorConfig{
			Enabled: true, OnIdle: true, AfterTurns: 10, MaxEntries: 25,
		},
		Pruning:      PruningConfig{RetentionDays: 120, MaxStorageMB: 1024},
		CrossProject: true,
		AgentsFile:   AgentsFileConfig{Enabled: true, Path: "AGENTS.md"},
	}
}

// clampFloat clamps v into [lo, hi], replacing v with def if it is the zero
// value (meaning it was never set in the loaded JSON).
func clampFloat(v, def, lo, hi float64) float64 {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampIntMin(v, def, min int) int {
	if v == 0 {
		v = def
	}
	if v < min {
		return min
	}
	return v
}

// Validate clamps every field to its documented range, substituting the
// default for anything left at its zero value. Mirrors the teacher's
// memorygraph.Config.Validate() normalize-then-default-fill shape.
func (c *ProjectConfig) Validate() {
	d := DefaultProjectConfig()

	c.Budget.Distilled = clampFloat(c.Budget.Distilled, d.Budget.Distilled, 0.05, 0.5)
	c.Budget.Raw = clampFloat(c.Budget.Raw, d.Budget.Raw, 0.1, 0.7)
	c.Budget.Output = clampFloat(c.Budget.Output, d.Budget.Output, 0.1, 0.5)
	c.Budget.LTM = clampFloat(c.Budget.LTM, d.Budget.LTM, 0.02, 0.3)

	c.Distillation.MinMessages = clampIntMin(c.Distillation.MinMessages, d.Distillation.MinMessages, 3)
	c.Distillation.MaxSegment = clampIntMin(c.Distillation.MaxSegment, d.Distillation.MaxSegment, 5)
	c.Distillation.MetaThreshold = clampIntMin(c.Distillation.MetaThreshold, d.Distillation.MetaThreshold, 3)

	c.Curator.AfterTurns = clampIntMin(c.Curator.AfterTurns, d.Curator.AfterTurns, 1)
	c.Curator.MaxEntries = clampIntMin(c.Curator.MaxEntries, d.Curator.MaxEntries, 10)

	c.Pruning.RetentionDays = clampIntMin(c.Pruning.RetentionDays, d.Pruning.RetentionDays, 1)
	c.Pruning.MaxStorageMB = clampIntMin(c.Pruning.MaxStorageMB, d.Pruning.MaxStorageMB, 50)

	if c.AgentsFile.Path == "" {
		c.AgentsFile.Path = d.AgentsFile.Path
	}
}

// LoadProjectConfig reads <projectPath>/.lore.json, returning defaults
// (Validated) if the file does not exist. A present-but-unparseable file is
// a hard error: malformed project config should fail loudly rather than
// silently discard the operator's settings.
func LoadProjectConfig(projectPath string) (ProjectConfig, error) {
	cfg := DefaultProjectConfig()

	data, err := os.ReadFile(ProjectConfigPath(projectPath))
	if os.IsNotExist(err) {
		cfg.Validate()
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.Validate()
	return cfg, nil
}

// SaveProjectConfig writes cfg to <projectPath>/.lore.json atomically,
// without backup rotation (the file is operator-owned and hand-edited;
// lorectl only ever writes it on explicit request).
func SaveProjectConfig(projectPath string, cfg ProjectConfig) error {
	return AtomicWriteJSON(ProjectConfigPath(projectPath), cfg, 0644)
}
