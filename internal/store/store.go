// Package store owns the single embedded SQLite database shared by every
// domain package in this module (temporal, distill, knowledge, gradient).
// One database, one migration list, one FTS sanitizer: the host's own
// split between a sessions database and a memory database isn't carried
// forward here — everything this module persists lives behind one
// *sql.DB, opened once per process.
package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/opencode-lore/lore/internal/logging"
)

// Open opens (creating if necessary) the lore database at path, configures
// it for concurrent single-writer use, and brings its schema up to date.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// auto_vacuum only takes effect on an empty database (or immediately
	// after a VACUUM), so it's set before any table exists and before the
	// rest of InitSchema runs. Neither this PRAGMA nor the migrations that
	// follow are wrapped in an explicit transaction.
	if _, err := db.Exec("PRAGMA auto_vacuum = INCREMENTAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting auto_vacuum: %w", err)
	}

	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	L_info("store: database opened", "path", path)
	return db, nil
}

// IncrementalVacuum reclaims freed pages up to maxPages (0 = unlimited).
// VACUUM and incremental_vacuum cannot run inside an explicit transaction;
// callers must not wrap this in a Begin/Commit pair.
func IncrementalVacuum(db *sql.DB, maxPages int) error {
	stmt := "PRAGMA incremental_vacuum"
	if maxPages > 0 {
		stmt = fmt.Sprintf("PRAGMA incremental_vacuum(%d)", maxPages)
	}
	_, err := db.Exec(stmt)
	return err
}

// SanitizeFTSQuery turns free-text user input into a safe FTS5 MATCH
// expression: strip every FTS5 operator/special character, drop FTS5
// keywords and single-character tokens, and OR together prefix-matches on
// what's left. Returns "" when nothing usable survives, which callers treat
// as "skip the FTS query" rather than an error.
func SanitizeFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		"\"", "", "'", "", "*", "", "(", "", ")", "", ":", "", "^", "",
		"-", " ", "+", " ", ".", " ", ",", " ", ";", " ",
		"[", "", "]", "", "{", "", "}", "", "<", "", ">", "",
		"/", " ", "\\", " ", "@", "", "#", "", "$", "", "%", "",
		"&", "", "!", "", "?", "", "~", "", "`", "", "|", " ",
	)
	cleaned := strings.TrimSpace(replacer.Replace(query))
	words := strings.Fields(cleaned)
	if len(words) == 0 {
		return ""
	}

	filtered := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(w)
		if w == "and" || w == "or" || w == "not" || w == "near" || len(w) < 2 {
			continue
		}
		filtered = append(filtered, w+"*")
	}
	if len(filtered) == 0 {
		return ""
	}

	return strings.Join(filtered, " OR ")
}
