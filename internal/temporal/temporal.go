// Package temporal is the append-only, full-text-indexed record of every
// conversation message. It never deletes an undistilled row; the pruner may
// only remove rows the distillation pipeline has already consumed.
package temporal

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/opencode-lore/lore/internal/ids"
	. "github.com/opencode-lore/lore/internal/logging"
	"github.com/opencode-lore/lore/internal/store"
)

// Message is a single stored conversation turn, content already flattened
// from whatever part-union shape the host used to deliver it.
type Message struct {
	ID        string
	ProjectID int64
	SessionID string
	Role      string // "user" or "assistant"
	Content   string
	Tokens    int // chars/4 estimate; informational only, never feeds budget math
	Distilled bool
	CreatedAt time.Time
	Metadata  string
}

// Store provides temporal message CRUD and search over the shared database.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database for temporal message access.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Part is one piece of a message's content union. Kind is one of "text",
// "reasoning", "tool", or anything else (carries a fixed framing overhead and
// contributes nothing to flattened content).
type Part struct {
	Kind   string
	Text   string // for "text", "reasoning"
	Tool   string // tool name, for Kind == "tool"
	Output string // completed tool output, for Kind == "tool"
}

// Flatten renders a message's parts into the single content string stored in
// the content column: text verbatim, reasoning prefixed, completed tool
// calls rendered as "[tool:NAME] output". Other part kinds contribute
// nothing to the text (they still count toward the gradient estimator's
// per-part overhead, which operates on the original part list, not this
// flattened string).
func Flatten(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		switch p.Kind {
		case "text":
			if p.Text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		case "reasoning":
			if p.Text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("[reasoning] ")
			b.WriteString(p.Text)
		case "tool":
			if p.Output == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "[tool:%s] %s", p.Tool, p.Output)
		}
	}
	return b.String()
}

// estimateTokens is the informational chars/4 estimate stored alongside a
// message. It is never consulted by the gradient transformer, which uses its
// own chars/3 estimator over the original part list.
func estimateTokens(content string) int {
	if len(content) == 0 {
		return 0
	}
	return (len(content) + 3) / 4
}

// Store appends or updates a temporal message. Re-storing an existing
// message_id updates content/tokens/metadata but never touches created_at or
// distilled — a message may be rewritten while it streams, but its position
// in history and distillation status are fixed at first write.
func (s *Store) Store(projectID int64, sessionID, messageID, role, content, metadata string) (*Message, error) {
	if content == "" {
		return nil, nil
	}

	tokens := estimateTokens(content)
	if messageID == "" {
		messageID = ids.New()
	}

	existing, err := s.get(messageID)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("checking existing message: %w", err)
	}
	if existing != nil {
		if _, err := s.db.Exec(
			`UPDATE temporal_messages SET content = ?, tokens = ?, metadata = ? WHERE message_id = ?`,
			content, tokens, metadata, messageID,
		); err != nil {
			return nil, fmt.Errorf("updating message: %w", err)
		}
		existing.Content = content
		existing.Tokens = tokens
		existing.Metadata = metadata
		return existing, nil
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO temporal_messages (message_id, project_id, session_id, role, content, tokens, distilled, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		messageID, projectID, sessionID, role, content, tokens, now.Format(time.RFC3339Nano), metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	return &Message{
		ID: messageID, ProjectID: projectID, SessionID: sessionID, Role: role,
		Content: content, Tokens: tokens, Distilled: false, CreatedAt: now, Metadata: metadata,
	}, nil
}

func (s *Store) get(messageID string) (*Message, error) {
	row := s.db.QueryRow(
		`SELECT message_id, project_id, session_id, role, content, tokens, distilled, created_at, metadata
		 FROM temporal_messages WHERE message_id = ?`, messageID,
	)
	return scanMessage(row)
}

// Undistilled returns every undistilled message for a project, ordered by
// created_at ascending (the order the distillation pipeline segments them in).
func (s *Store) Undistilled(projectID int64) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT message_id, project_id, session_id, role, content, tokens, distilled, created_at, metadata
		 FROM temporal_messages WHERE project_id = ? AND distilled = 0 ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying undistilled: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UndistilledCount is a cheap variant of Undistilled for threshold checks.
func (s *Store) UndistilledCount(projectID int64) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM temporal_messages WHERE project_id = ? AND distilled = 0`, projectID,
	).Scan(&n)
	return n, err
}

// UndistilledBySession returns every undistilled message for one session,
// ordered by created_at ascending. The distillation pipeline's entry point
// is session-scoped (spec §4.3: "run(session, [force])"), so its pending
// check must be too — the project-scoped Undistilled above is for prune's
// and the project-wide threshold checks' own documented project scope, and
// mixing the two would attribute one session's pending messages to
// whichever session happens to call Run first.
func (s *Store) UndistilledBySession(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT message_id, project_id, session_id, role, content, tokens, distilled, created_at, metadata
		 FROM temporal_messages WHERE session_id = ? AND distilled = 0 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying undistilled by session: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// BySession returns every message for a session, ordered by created_at.
func (s *Store) BySession(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT message_id, project_id, session_id, role, content, tokens, distilled, created_at, metadata
		 FROM temporal_messages WHERE session_id = ? ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying by session: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkDistilled flips distilled=true for the given message ids in one
// statement. Called once a segment's distillation has been stored.
func (s *Store) MarkDistilled(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(messageIDs))
	args := make([]interface{}, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE temporal_messages SET distilled = 1 WHERE message_id IN (%s)`, strings.Join(placeholders, ","))
	_, err := s.db.Exec(query, args...)
	return err
}

// ResetUndistilled is orphan repair's write side: flips distilled back to
// false for messages whose covering distillation no longer exists.
func (s *Store) ResetUndistilled(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(messageIDs))
	args := make([]interface{}, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE temporal_messages SET distilled = 0 WHERE message_id IN (%s)`, strings.Join(placeholders, ","))
	_, err := s.db.Exec(query, args...)
	return err
}

// Count returns the total number of stored messages for a project.
func (s *Store) Count(projectID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM temporal_messages WHERE project_id = ?`, projectID).Scan(&n)
	return n, err
}

// SearchResult is one match from Search, with content truncated for preview.
type SearchResult struct {
	Message
	Preview string
}

// Search performs an FTS5 search over message content for a project,
// optionally restricted to a session, falling back to a case-insensitive
// substring search on any FTS runtime error (malformed query, corrupted
// index) or when the sanitized query is empty.
func (s *Store) Search(projectID int64, sessionID, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}

	ftsQuery := store.SanitizeFTSQuery(query)
	if ftsQuery != "" {
		results, err := s.searchFTS(projectID, sessionID, ftsQuery, limit)
		if err == nil {
			return results, nil
		}
		L_warn("temporal: fts search failed, falling back to substring", "error", err)
	}

	return s.searchSubstring(projectID, sessionID, query, limit)
}

func (s *Store) searchFTS(projectID int64, sessionID, ftsQuery string, limit int) ([]SearchResult, error) {
	args := []interface{}{ftsQuery, projectID}
	sessionClause := ""
	if sessionID != "" {
		sessionClause = "AND m.session_id = ?"
		args = append(args, sessionID)
	}
	args = append(args, limit)

	//nolint:gosec // G201: sessionClause is a fixed literal, values parameterized
	query := fmt.Sprintf(`
		SELECT m.message_id, m.project_id, m.session_id, m.role, m.content, m.tokens, m.distilled, m.created_at, m.metadata
		FROM temporal_fts f
		JOIN temporal_messages m ON m.id = f.rowid
		WHERE f.content MATCH ? AND m.project_id = ? %s
		ORDER BY rank
		LIMIT ?
	`, sessionClause)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSearchResults(rows)
}

func (s *Store) searchSubstring(projectID int64, sessionID, query string, limit int) ([]SearchResult, error) {
	args := []interface{}{projectID, "%" + query + "%"}
	sessionClause := ""
	if sessionID != "" {
		sessionClause = "AND session_id = ?"
		args = append(args, sessionID)
	}
	args = append(args, limit)

	//nolint:gosec // G201: sessionClause is a fixed literal, values parameterized
	q := fmt.Sprintf(`
		SELECT message_id, project_id, session_id, role, content, tokens, distilled, created_at, metadata
		FROM temporal_messages
		WHERE project_id = ? AND content LIKE ? %s
		ORDER BY created_at DESC
		LIMIT ?
	`, sessionClause)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("substring search: %w", err)
	}
	defer rows.Close()
	return scanSearchResults(rows)
}

// PruneResult reports what a Prune call deleted.
type PruneResult struct {
	TTLDeleted int
	CapDeleted int
}

// Prune is the two-pass hybrid: a TTL pass followed by a size-cap pass.
// Undistilled rows are never candidates for either pass. Eligible rows are
// counted before deletion because trigger-driven FTS side effects inflate
// the driver's reported affected-row count.
func (s *Store) Prune(projectID int64, retentionDays int, maxStorageMB int64) (PruneResult, error) {
	var result PruneResult

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)

	var ttlCount int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM temporal_messages WHERE project_id = ? AND distilled = 1 AND created_at < ?`,
		projectID, cutoff,
	).Scan(&ttlCount); err != nil {
		return result, fmt.Errorf("counting ttl-eligible rows: %w", err)
	}
	if ttlCount > 0 {
		if _, err := s.db.Exec(
			`DELETE FROM temporal_messages WHERE project_id = ? AND distilled = 1 AND created_at < ?`,
			projectID, cutoff,
		); err != nil {
			return result, fmt.Errorf("ttl prune: %w", err)
		}
		result.TTLDeleted = ttlCount
	}

	var totalBytes int64
	if err := s.db.QueryRow(
		`SELECT COALESCE(SUM(LENGTH(content)), 0) FROM temporal_messages WHERE project_id = ?`, projectID,
	).Scan(&totalBytes); err != nil {
		return result, fmt.Errorf("summing storage: %w", err)
	}

	maxBytes := maxStorageMB * 1024 * 1024
	if totalBytes <= maxBytes {
		return result, nil
	}

	excess := totalBytes - maxBytes

	rows, err := s.db.Query(
		`SELECT message_id, LENGTH(content) FROM temporal_messages
		 WHERE project_id = ? AND distilled = 1 ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return result, fmt.Errorf("selecting cap candidates: %w", err)
	}
	var toDelete []string
	var accumulated int64
	for rows.Next() {
		var id string
		var size int64
		if err := rows.Scan(&id, &size); err != nil {
			rows.Close()
			return result, err
		}
		toDelete = append(toDelete, id)
		accumulated += size
		if accumulated >= excess {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, err
	}

	if len(toDelete) > 0 {
		placeholders := make([]string, len(toDelete))
		args := make([]interface{}, len(toDelete))
		for i, id := range toDelete {
			placeholders[i] = "?"
			args[i] = id
		}
		query := fmt.Sprintf(`DELETE FROM temporal_messages WHERE message_id IN (%s)`, strings.Join(placeholders, ","))
		if _, err := s.db.Exec(query, args...); err != nil {
			return result, fmt.Errorf("cap prune: %w", err)
		}
		result.CapDeleted = len(toDelete)
	}

	return result, nil
}

// GapEntry is one gap in conversation history (likely a sleep/away period).
type GapEntry struct {
	From        time.Time
	To          time.Time
	GapHours    float64
	LastMessage string
}

// Gaps finds time gaps between consecutive user messages in a session,
// using a LEAD() window function to compare each message's timestamp to its
// successor. Not part of the five spec'd temporal operations, but a natural
// read-side companion built the same way over the same schema.
func (s *Store) Gaps(sessionID string, minHours float64, limit int) ([]GapEntry, error) {
	if minHours <= 0 {
		minHours = 1.0
	}
	if limit <= 0 {
		limit = 10
	}
	minSeconds := int64(minHours * 3600)

	query := `
		WITH user_msgs AS (
			SELECT created_at, content,
				   LEAD(created_at) OVER (ORDER BY created_at) AS next_created_at
			FROM temporal_messages
			WHERE session_id = ? AND role = 'user'
		)
		SELECT created_at, next_created_at,
			   CASE WHEN LENGTH(content) > 100 THEN SUBSTR(content, 1, 100) || '...' ELSE content END AS preview
		FROM user_msgs
		WHERE next_created_at IS NOT NULL
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying gaps: %w", err)
	}
	defer rows.Close()

	var entries []GapEntry
	for rows.Next() {
		var fromStr, toStr, preview string
		if err := rows.Scan(&fromStr, &toStr, &preview); err != nil {
			continue
		}
		from, err1 := time.Parse(time.RFC3339Nano, fromStr)
		to, err2 := time.Parse(time.RFC3339Nano, toStr)
		if err1 != nil || err2 != nil {
			continue
		}
		gapSeconds := to.Sub(from).Seconds()
		if int64(gapSeconds) < minSeconds {
			continue
		}
		entries = append(entries, GapEntry{
			From: from, To: to, GapHours: gapSeconds / 3600.0, LastMessage: preview,
		})
		if len(entries) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	var distilled int
	var createdAt string
	if err := row.Scan(&m.ID, &m.ProjectID, &m.SessionID, &m.Role, &m.Content, &m.Tokens, &distilled, &createdAt, &m.Metadata); err != nil {
		return nil, err
	}
	m.Distilled = distilled != 0
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var distilled int
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.SessionID, &m.Role, &m.Content, &m.Tokens, &distilled, &createdAt, &m.Metadata); err != nil {
			return nil, err
		}
		m.Distilled = distilled != 0
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSearchResults(rows *sql.Rows) ([]SearchResult, error) {
	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var distilled int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.SessionID, &r.Role, &r.Content, &r.Tokens, &distilled, &createdAt, &r.Metadata); err != nil {
			return nil, err
		}
		r.Distilled = distilled != 0
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if len(r.Content) > 500 {
			r.Preview = r.Content[:500] + "..."
		} else {
			r.Preview = r.Content
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
