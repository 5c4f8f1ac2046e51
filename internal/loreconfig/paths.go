// Package loreconfig resolves the process-global database path and loads
// per-project configuration. It has no internal imports besides logging, the
// same "no import cycles" discipline the teacher's path package follows.
package loreconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// DBPath returns the persistent database path per spec §6:
// $XDG_DATA_HOME/opencode-lore/lore.db, falling back to
// $HOME/.local/share/opencode-lore/lore.db.
func DBPath() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "opencode-lore", "lore.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "opencode-lore", "lore.db"), nil
}

// EnsureParentDir creates the parent directory of a file path if missing.
func EnsureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0750)
}

// ProjectConfigPath returns the per-project config file path: <project>/.lore.json.
func ProjectConfigPath(projectPath string) string {
	return filepath.Join(projectPath, ".lore.json")
}
