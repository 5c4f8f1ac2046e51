package orchestrator

import (
	"fmt"
	"os"

	"github.com/opencode-lore/lore/internal/agentsfile"
	. "github.com/opencode-lore/lore/internal/logging"
	"github.com/opencode-lore/lore/internal/loreconfig"
)

// agentsFilePath resolves the configured agents-file path against the
// project directory, same convention as lorectl's own helper: a leading
// path separator is an explicit absolute override.
func agentsFilePath(projectPath, configuredPath string) string {
	if configuredPath == "" {
		configuredPath = "AGENTS.md"
	}
	if os.IsPathSeparator(configuredPath[0]) {
		return configuredPath
	}
	return projectPath + string(os.PathSeparator) + configuredPath
}

// ExportAgentsFile re-exports the project's knowledge entries into its
// agents file, per spec §2's idle flow ("the knowledge store is re-exported
// to the human-editable markdown file") — called by RunIdleMaintenance
// after pruning completes, never concurrently with it.
func (o *Orchestrator) ExportAgentsFile(projectPath string, projectID int64, cfg loreconfig.ProjectConfig) (int, error) {
	entries, err := o.knowledge.ForProject(projectID, true)
	if err != nil {
		return 0, fmt.Errorf("loading knowledge entries: %w", err)
	}

	path := agentsFilePath(projectPath, cfg.AgentsFile.Path)
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	updated := agentsfile.ApplyExport(string(existing), entries)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return 0, fmt.Errorf("writing %s: %w", path, err)
	}
	exported := 0
	for _, e := range entries {
		if !e.CrossProject {
			exported++
		}
	}
	return exported, nil
}

// Startup implements spec §4.5's on-startup flow: import-if-needed, so a
// human's hand-edits to the agents file since the last session are folded
// back into the knowledge store before anything else runs. It is a no-op
// (not an error) when the agents file doesn't exist yet or the feature is
// disabled for the project — there is nothing to import on a fresh project.
func (o *Orchestrator) Startup(projectPath string, cfg loreconfig.ProjectConfig) error {
	if !cfg.AgentsFile.Enabled {
		return nil
	}
	proj, err := o.resolveProject(projectPath)
	if err != nil {
		return fmt.Errorf("resolving project: %w", err)
	}

	path := agentsFilePath(projectPath, cfg.AgentsFile.Path)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	entries, err := o.knowledge.ForProject(proj.ID, true)
	if err != nil {
		return fmt.Errorf("loading knowledge entries: %w", err)
	}
	if !agentsfile.ShouldImport(string(content), entries) {
		return nil
	}

	imported := agentsfile.Import(string(content))
	if err := agentsfile.Reconcile(o.knowledge, proj.ID, imported); err != nil {
		return fmt.Errorf("reconciling %s: %w", path, err)
	}
	L_info("orchestrator: imported agents file on startup", "project_id", proj.ID, "path", path, "entries", len(imported))
	return nil
}
