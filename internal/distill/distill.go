// Package distill turns raw temporal messages into dated observation logs
// and recursively consolidates them. It is the worker-session dispatcher:
// every model call it makes is logged under its own random dispatch tag and
// never touches gradient's per-session state, so the orchestrator's sticky-
// layer tracking and calibration stay untouched by worker-session traffic.
package distill

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-lore/lore/internal/ids"
	"github.com/opencode-lore/lore/internal/llm"
	. "github.com/opencode-lore/lore/internal/logging"
	"github.com/opencode-lore/lore/internal/temporal"

	"database/sql"
)

// Config controls segmenting and meta-consolidation thresholds; values are
// per-project overrides from .lore.json, already range-clamped by the caller.
type Config struct {
	MinMessages   int
	MaxSegment    int
	MetaThreshold int
}

// DefaultConfig mirrors spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{MinMessages: 8, MaxSegment: 50, MetaThreshold: 10}
}

// Distillation is a dated observation log produced from a segment of raw
// messages (generation 0) or from consolidating other distillations
// (generation N+1).
type Distillation struct {
	ID           string
	ProjectID    int64
	SessionID    string
	Generation   int
	Observations string
	SourceIDs    []string
	CreatedAt    time.Time
}

// Store provides distillation CRUD over the shared database.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database for distillation access.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) insert(d *Distillation) error {
	sourceIDsJSON, err := json.Marshal(d.SourceIDs)
	if err != nil {
		return fmt.Errorf("marshaling source ids: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO distillations (distillation_id, project_id, session_id, generation, content, source_ids, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.SessionID, d.Generation, d.Observations, string(sourceIDsJSON), d.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// MostRecent returns the most recent distillation (any generation) for a
// session, used as context for the next segment's prompt.
func (s *Store) MostRecent(sessionID string) (*Distillation, error) {
	row := s.db.QueryRow(
		`SELECT distillation_id, project_id, session_id, generation, content, source_ids, created_at
		 FROM distillations WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`,
		sessionID,
	)
	return scanDistillation(row)
}

// ByGeneration returns every distillation at a given generation for a
// session, ordered oldest-first (the order meta-distillation numbers them).
func (s *Store) ByGeneration(sessionID string, generation int) ([]Distillation, error) {
	rows, err := s.db.Query(
		`SELECT distillation_id, project_id, session_id, generation, content, source_ids, created_at
		 FROM distillations WHERE session_id = ? AND generation = ? ORDER BY created_at ASC`,
		sessionID, generation,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDistillations(rows)
}

// MaxGeneration returns the highest generation stored for a session, or -1
// if none exist.
func (s *Store) MaxGeneration(sessionID string) (int, error) {
	var gen sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(generation) FROM distillations WHERE session_id = ?`, sessionID).Scan(&gen)
	if err != nil {
		return -1, err
	}
	if !gen.Valid {
		return -1, nil
	}
	return int(gen.Int64), nil
}

// Last returns the most recent n distillations for a session across all
// generations, newest first — used to build layer 3/4's trimmed prefixes.
func (s *Store) Last(sessionID string, n int) ([]Distillation, error) {
	rows, err := s.db.Query(
		`SELECT distillation_id, project_id, session_id, generation, content, source_ids, created_at
		 FROM distillations WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDistillations(rows)
}

// AllSourceIDs collects every message id ever referenced by any distillation
// for a session, used by orphan repair.
func (s *Store) AllSourceIDs(sessionID string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT source_ids FROM distillations WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[string]bool{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			continue
		}
		for _, id := range ids {
			seen[id] = true
		}
	}
	return seen, rows.Err()
}

// Search is the recall tool's distilled-history leg (spec §4.7): a
// case-insensitive, term-AND match over observation text, newest first.
// sessionID restricts to one session; empty means every session in the
// project. There is no FTS table over distillations — the spec calls for
// simple AND-of-terms matching, not ranked full-text search, so this scans
// in Go rather than standing up another virtual table for it.
func (s *Store) Search(projectID int64, sessionID, query string, limit int) ([]Distillation, error) {
	if limit <= 0 {
		limit = 20
	}

	args := []interface{}{projectID}
	q := `SELECT distillation_id, project_id, session_id, generation, content, source_ids, created_at
		FROM distillations WHERE project_id = ? `
	if sessionID != "" {
		q += `AND session_id = ? `
		args = append(args, sessionID)
	}
	q += `ORDER BY created_at DESC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	candidates, err := scanDistillations(rows)
	if err != nil {
		return nil, err
	}

	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	var matched []Distillation
	for _, d := range candidates {
		hay := strings.ToLower(d.Observations)
		all := true
		for _, t := range terms {
			if !strings.Contains(hay, t) {
				all = false
				break
			}
		}
		if all {
			matched = append(matched, d)
			if len(matched) >= limit {
				break
			}
		}
	}
	return matched, nil
}

// replaceGeneration atomically deletes a set of generation-N rows and
// inserts the consolidated generation-N+1 row in their place.
func (s *Store) replaceGeneration(tx *sql.Tx, consumed []Distillation, next *Distillation) error {
	sourceIDsJSON, err := json.Marshal(next.SourceIDs)
	if err != nil {
		return fmt.Errorf("marshaling source ids: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO distillations (distillation_id, project_id, session_id, generation, content, source_ids, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		next.ID, next.ProjectID, next.SessionID, next.Generation, next.Observations, string(sourceIDsJSON), next.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting consolidated distillation: %w", err)
	}
	for _, c := range consumed {
		if _, err := tx.Exec(`DELETE FROM distillations WHERE distillation_id = ?`, c.ID); err != nil {
			return fmt.Errorf("deleting consumed distillation %s: %w", c.ID, err)
		}
	}
	return nil
}

// Pipeline orchestrates orphan repair, segmenting, per-segment distillation
// dispatch, and meta-consolidation for one project/session.
type Pipeline struct {
	distillations *Store
	temporalStore *temporal.Store
	registry      *llm.Registry
	config        Config
}

// NewPipeline wires the distillation pipeline against the shared stores and
// model registry.
func NewPipeline(distillations *Store, temporalStore *temporal.Store, registry *llm.Registry, cfg Config) *Pipeline {
	return &Pipeline{distillations: distillations, temporalStore: temporalStore, registry: registry, config: cfg}
}

// RunResult reports what one pipeline pass did.
type RunResult struct {
	SegmentsDistilled int
	MetaConsolidated  bool
	Rounds            int
}

// Run executes §4.3's full algorithm: orphan repair, pending check,
// segmenting, per-segment distillation, meta-distillation, and the urgent
// retry loop (up to 3 rounds when the gradient transformer's
// needs_urgent_distillation latch is set).
func (p *Pipeline) Run(ctx context.Context, projectID int64, sessionID string, force bool, urgentLatch func() bool) (RunResult, error) {
	var total RunResult

	for round := 1; round <= 3; round++ {
		if err := p.repairOrphans(sessionID); err != nil {
			return total, fmt.Errorf("orphan repair: %w", err)
		}

		pending, err := p.temporalStore.UndistilledBySession(sessionID)
		if err != nil {
			return total, fmt.Errorf("fetching undistilled: %w", err)
		}
		if len(pending) < p.config.MinMessages && !force {
			break
		}
		if len(pending) == 0 {
			break
		}

		segments := segment(pending, p.config.MaxSegment)
		for _, seg := range segments {
			ok, err := p.distillSegment(ctx, projectID, sessionID, seg)
			if err != nil {
				L_warn("distill: segment dispatch failed, leaving undistilled", "session", sessionID, "error", err)
				continue
			}
			if ok {
				total.SegmentsDistilled++
			}
		}

		consolidated, err := p.maybeConsolidate(ctx, projectID, sessionID)
		if err != nil {
			L_warn("distill: meta-consolidation failed", "session", sessionID, "error", err)
		} else if consolidated {
			total.MetaConsolidated = true
		}

		total.Rounds = round
		force = false // only the first round honors an explicit force
		if urgentLatch == nil || !urgentLatch() {
			break
		}
	}

	return total, nil
}

// repairOrphans resets any message marked distilled=true whose id is not
// referenced by any distillation for the session back to distilled=false.
func (p *Pipeline) repairOrphans(sessionID string) error {
	covered, err := p.distillations.AllSourceIDs(sessionID)
	if err != nil {
		return err
	}

	msgs, err := p.temporalStore.BySession(sessionID)
	if err != nil {
		return err
	}

	var orphans []string
	for _, m := range msgs {
		if m.Distilled && !covered[m.ID] {
			orphans = append(orphans, m.ID)
		}
	}
	if len(orphans) == 0 {
		return nil
	}

	L_info("distill: repairing orphaned messages", "session", sessionID, "count", len(orphans))
	return p.temporalStore.ResetUndistilled(orphans)
}

// segment groups pending messages into ordered chunks of at most maxSegment.
// A trailing segment of fewer than 3 messages merges into the previous one.
func segment(msgs []temporal.Message, maxSegment int) [][]temporal.Message {
	if len(msgs) == 0 {
		return nil
	}
	var segments [][]temporal.Message
	for i := 0; i < len(msgs); i += maxSegment {
		end := i + maxSegment
		if end > len(msgs) {
			end = len(msgs)
		}
		segments = append(segments, msgs[i:end])
	}
	if len(segments) >= 2 {
		last := segments[len(segments)-1]
		if len(last) < 3 {
			prev := segments[len(segments)-2]
			segments[len(segments)-2] = append(prev, last...)
			segments = segments[:len(segments)-1]
		}
	}
	return segments
}

// distillSegment dispatches one segment to the distiller model and stores a
// generation-0 distillation on success. Returns false (not an error) when
// the model returns no parseable observation — the segment stays undistilled
// for the next idle pass.
func (p *Pipeline) distillSegment(ctx context.Context, projectID int64, sessionID string, seg []temporal.Message) (bool, error) {
	priorCtx := ""
	if prior, err := p.distillations.MostRecent(sessionID); err == nil && prior != nil {
		priorCtx = prior.Observations
	} else if err != nil && err != sql.ErrNoRows {
		return false, err
	}

	prompt := buildSegmentPrompt(seg, priorCtx)

	dispatchTag := uuid.New().String()
	L_debug("distill: dispatching segment", "session", sessionID, "dispatch", dispatchTag, "messages", len(seg))
	result, err := p.registry.SimpleMessageWithFailover(ctx, "distill", prompt, distillSystemPrompt)
	if err != nil {
		return false, err
	}

	observations := extractObservations(result.Text)
	if strings.TrimSpace(observations) == "" {
		return false, nil
	}

	sourceIDs := make([]string, len(seg))
	for i, m := range seg {
		sourceIDs[i] = m.ID
	}

	d := &Distillation{
		ID: ids.New(), ProjectID: projectID, SessionID: sessionID,
		Generation: 0, Observations: observations, SourceIDs: sourceIDs, CreatedAt: time.Now().UTC(),
	}
	if err := p.distillations.insert(d); err != nil {
		return false, fmt.Errorf("storing distillation: %w", err)
	}
	if err := p.temporalStore.MarkDistilled(sourceIDs); err != nil {
		return false, fmt.Errorf("marking segment distilled: %w", err)
	}

	return true, nil
}

// maybeConsolidate checks whether generation-0 rows for the session have
// reached meta_threshold and, if so, consolidates them into one
// generation-(max+1) row in a single transaction.
func (p *Pipeline) maybeConsolidate(ctx context.Context, projectID int64, sessionID string) (bool, error) {
	gen0, err := p.distillations.ByGeneration(sessionID, 0)
	if err != nil {
		return false, err
	}
	if len(gen0) < p.config.MetaThreshold {
		return false, nil
	}

	prompt := buildMetaPrompt(gen0)
	L_debug("distill: dispatching meta-consolidation", "session", sessionID, "dispatch", uuid.New().String(), "generation0_count", len(gen0))
	result, err := p.registry.SimpleMessageWithFailover(ctx, "distill", prompt, metaSystemPrompt)
	if err != nil {
		return false, err
	}

	observations := extractObservations(result.Text)
	if strings.TrimSpace(observations) == "" {
		return false, nil
	}

	maxGen, err := p.distillations.MaxGeneration(sessionID)
	if err != nil {
		return false, err
	}

	var sourceIDs []string
	for _, d := range gen0 {
		sourceIDs = append(sourceIDs, d.SourceIDs...)
	}

	next := &Distillation{
		ID: ids.New(), ProjectID: projectID, SessionID: sessionID,
		Generation: maxGen + 1, Observations: observations, SourceIDs: sourceIDs, CreatedAt: time.Now().UTC(),
	}

	tx, err := p.distillations.db.Begin()
	if err != nil {
		return false, err
	}
	if err := p.distillations.replaceGeneration(tx, gen0, next); err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	L_info("distill: meta-consolidated", "session", sessionID, "consumed", len(gen0), "generation", next.Generation)
	return true, nil
}

const distillSystemPrompt = `You are a memory distillation assistant. Read the conversation segment and produce a concise, dated observation log of what happened: decisions made, facts established, work completed. Write terse bullet points under a date heading. Wrap your output in <observations>...</observations> tags.`

const metaSystemPrompt = `You are a memory consolidation assistant. You will be given several numbered observation segments from the same project. Merge them into one coherent, deduplicated observation log, preserving dates and important facts while dropping redundancy. Wrap your output in <observations>...</observations> tags.`

func buildSegmentPrompt(seg []temporal.Message, priorObservations string) string {
	var b strings.Builder
	if priorObservations != "" {
		b.WriteString("Prior observations for context:\n")
		b.WriteString(priorObservations)
		b.WriteString("\n\n")
	}
	b.WriteString("New conversation segment:\n")
	for _, m := range seg {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.Role, m.Content)
	}
	return b.String()
}

func buildMetaPrompt(segments []Distillation) string {
	var b strings.Builder
	b.WriteString("Observation segments to consolidate:\n\n")
	for i, d := range segments {
		fmt.Fprintf(&b, "Segment %d (%s):\n%s\n\n", i+1, d.CreatedAt.Format("2006-01-02"), d.Observations)
	}
	return b.String()
}

// extractObservations pulls the <observations>...</observations> block from
// a model response, falling back to the whole trimmed text if no tags are
// present.
func extractObservations(text string) string {
	const openTag, closeTag = "<observations>", "</observations>"
	start := strings.Index(text, openTag)
	end := strings.Index(text, closeTag)
	if start == -1 || end == -1 || end < start {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[start+len(openTag) : end])
}

func scanDistillation(row *sql.Row) (*Distillation, error) {
	var d Distillation
	var sourceIDsJSON, createdAt string
	if err := row.Scan(&d.ID, &d.ProjectID, &d.SessionID, &d.Generation, &d.Observations, &sourceIDsJSON, &createdAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(sourceIDsJSON), &d.SourceIDs)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &d, nil
}

func scanDistillations(rows *sql.Rows) ([]Distillation, error) {
	var out []Distillation
	for rows.Next() {
		var d Distillation
		var sourceIDsJSON, createdAt string
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.SessionID, &d.Generation, &d.Observations, &sourceIDsJSON, &createdAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(sourceIDsJSON), &d.SourceIDs)
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}
