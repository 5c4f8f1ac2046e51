package store

import (
	"database/sql"
	"fmt"

	. "github.com/opencode-lore/lore/internal/logging"
)

// schemaVersion is the current migration level of the unified database.
const schemaVersion = 4

// Migration represents a single forward-only schema change.
type Migration struct {
	Version int
	Up      string
}

// migrations holds every schema change, in order. A fresh database walks all
// of them; an existing one only applies versions greater than its current
// schema_version row. One database, one migration list, shared by every
// domain package (temporal, distill, knowledge, gradient's session_state) —
// the host's own session/memory split is deliberately not carried forward.
var migrations = []Migration{
	{
		Version: 1,
		Up: `
CREATE TABLE IF NOT EXISTS projects (
    id INTEGER PRIMARY KEY,
    path TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS temporal_messages (
    id INTEGER PRIMARY KEY,
    message_id TEXT NOT NULL UNIQUE,
    project_id INTEGER NOT NULL,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    tokens INTEGER NOT NULL DEFAULT 0,
    distilled INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    metadata TEXT,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_temporal_session ON temporal_messages(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_temporal_project ON temporal_messages(project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_temporal_undistilled ON temporal_messages(project_id, distilled) WHERE distilled = 0;

CREATE VIRTUAL TABLE IF NOT EXISTS temporal_fts USING fts5(
    content,
    content='temporal_messages',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS temporal_messages_ai AFTER INSERT ON temporal_messages BEGIN
    INSERT INTO temporal_fts(rowid, content) VALUES (NEW.id, NEW.content);
END;

CREATE TRIGGER IF NOT EXISTS temporal_messages_ad AFTER DELETE ON temporal_messages BEGIN
    INSERT INTO temporal_fts(temporal_fts, rowid, content) VALUES('delete', OLD.id, OLD.content);
END;

CREATE TRIGGER IF NOT EXISTS temporal_messages_au AFTER UPDATE ON temporal_messages BEGIN
    INSERT INTO temporal_fts(temporal_fts, rowid, content) VALUES('delete', OLD.id, OLD.content);
    INSERT INTO temporal_fts(rowid, content) VALUES (NEW.id, NEW.content);
END;

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		Version: 2,
		Up: `
CREATE TABLE IF NOT EXISTS distillations (
    id INTEGER PRIMARY KEY,
    distillation_id TEXT NOT NULL UNIQUE,
    project_id INTEGER NOT NULL,
    session_id TEXT NOT NULL,
    generation INTEGER NOT NULL DEFAULT 0,
    content TEXT NOT NULL,
    source_ids TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_distill_project_gen ON distillations(project_id, generation, created_at);
CREATE INDEX IF NOT EXISTS idx_distill_session ON distillations(session_id, created_at);

INSERT OR REPLACE INTO schema_version (version) VALUES (2);
`,
	},
	{
		Version: 3,
		Up: `
CREATE TABLE IF NOT EXISTS knowledge (
    id INTEGER PRIMARY KEY,
    knowledge_id TEXT NOT NULL UNIQUE,
    project_id INTEGER,
    category TEXT NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    source_session TEXT,
    cross_project INTEGER NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 1.0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_knowledge_project ON knowledge(project_id, category);
CREATE INDEX IF NOT EXISTS idx_knowledge_cross ON knowledge(cross_project) WHERE cross_project = 1;
CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_dedup ON knowledge(COALESCE(project_id, 0), lower(title));

CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
    title,
    content,
    content='knowledge',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS knowledge_ai AFTER INSERT ON knowledge BEGIN
    INSERT INTO knowledge_fts(rowid, title, content) VALUES (NEW.id, NEW.title, NEW.content);
END;

CREATE TRIGGER IF NOT EXISTS knowledge_ad AFTER DELETE ON knowledge BEGIN
    INSERT INTO knowledge_fts(knowledge_fts, rowid, title, content) VALUES('delete', OLD.id, OLD.title, OLD.content);
END;

CREATE TRIGGER IF NOT EXISTS knowledge_au AFTER UPDATE ON knowledge BEGIN
    INSERT INTO knowledge_fts(knowledge_fts, rowid, title, content) VALUES('delete', OLD.id, OLD.title, OLD.content);
    INSERT INTO knowledge_fts(rowid, title, content) VALUES (NEW.id, NEW.title, NEW.content);
END;

CREATE TABLE IF NOT EXISTS session_state (
    session_id TEXT PRIMARY KEY,
    project_id INTEGER NOT NULL,
    force_min_layer INTEGER NOT NULL DEFAULT 0,
    needs_urgent_distillation INTEGER NOT NULL DEFAULT 0,
    last_known_input INTEGER NOT NULL DEFAULT 0,
    last_known_ltm INTEGER NOT NULL DEFAULT 0,
    last_known_message_count INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS calibration (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    overhead_ema REAL NOT NULL DEFAULT 0,
    sample_count INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
);

INSERT OR REPLACE INTO schema_version (version) VALUES (3);
`,
	},
	{
		Version: 4,
		Up: `
ALTER TABLE session_state ADD COLUMN ever_compressed INTEGER NOT NULL DEFAULT 0;

INSERT OR REPLACE INTO schema_version (version) VALUES (4);
`,
	},
}

// InitSchema applies every migration newer than the database's current
// schema_version. Safe to call on every Open: a fully-migrated database is a
// no-op after the single SELECT.
func InitSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&currentVersion)
	if err != nil {
		currentVersion = 0 // no schema_version table yet, or empty: start from scratch
	}

	for _, m := range migrations {
		if m.Version > currentVersion {
			L_info("store: applying migration", "version", m.Version)
			if _, err := db.Exec(m.Up); err != nil {
				return fmt.Errorf("migration %d failed: %w", m.Version, err)
			}
			currentVersion = m.Version
		}
	}

	L_info("store: schema initialized", "version", currentVersion, "target", schemaVersion)
	return nil
}
