// Package knowledge is the long-term memory store: durable facts that
// survive across sessions, as opposed to temporal's append-only raw log or
// distill's per-session observation digests. Entries below the visibility
// floor are never returned from a query but are never deleted either —
// pruning only lowers confidence (soft-retire), it doesn't drop rows.
package knowledge

import (
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/opencode-lore/lore/internal/ids"
	. "github.com/opencode-lore/lore/internal/logging"
	"github.com/opencode-lore/lore/internal/store"
)

const (
	// visibleConfidence is the floor a row's confidence must clear before it
	// is ever returned from for_project/for_session/search.
	visibleConfidence = 0.2

	// maxContentLen is the soft-retire threshold: content longer than this
	// is judged too sprawling to be a durable knowledge entry and is created
	// (or later found) with confidence reset to zero instead of being
	// rejected outright.
	maxContentLen = 2000

	topWordCount      = 30
	minWordLen        = 3
	minContextLen     = 50
	safetyNetSize     = 5
	safetyNetWeight   = 0.001
	emptyFallbackSize = 10
)

// Entry is one durable fact. ProjectID is unset for an entry with no single
// owning project (rare; almost every entry belongs to the project it was
// learned in, CrossProject only controls whether OTHER projects can see it).
type Entry struct {
	ID            string
	ProjectID     sql.NullInt64
	Category      string
	Title         string
	Content       string
	SourceSession string
	CrossProject  bool
	Confidence    float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store provides knowledge entry CRUD and the two specialized readers over
// the shared database.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared database for knowledge access.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts e, or collapses it into the existing row sharing its
// (project, lower(title)) key — the dedup index the schema enforces. A
// collapse keeps the existing row's id and created_at but replaces its
// content, category, confidence, and source_session. A zero Confidence is
// treated as unset and stored as 1.0. Content over maxContentLen is
// soft-retired (confidence forced to 0) at the moment of creation, not just
// by a later prune pass.
func (s *Store) Create(e Entry) (*Entry, error) {
	existing, err := s.findDup(e.ProjectID, e.Title)
	if err != nil {
		return nil, err
	}

	if e.Confidence == 0 {
		e.Confidence = 1.0
	}
	if len(e.Content) > maxContentLen {
		e.Confidence = 0
	}
	now := time.Now().UTC()

	if existing != nil {
		existing.Content = e.Content
		existing.Category = e.Category
		existing.Confidence = e.Confidence
		existing.SourceSession = e.SourceSession
		existing.CrossProject = e.CrossProject
		existing.UpdatedAt = now
		if err := s.update(*existing); err != nil {
			return nil, err
		}
		L_debug("knowledge: collapsed duplicate into existing entry", "id", existing.ID, "title", existing.Title)
		return existing, nil
	}

	e.ID = ids.New()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO knowledge (knowledge_id, project_id, category, title, content, source_session, cross_project, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.Category, e.Title, e.Content, e.SourceSession, boolToInt(e.CrossProject), e.Confidence,
		e.CreatedAt.Format(time.RFC3339), e.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert knowledge entry: %w", err)
	}

	L_debug("knowledge: created entry", "id", e.ID, "title", e.Title)
	return &e, nil
}

func (s *Store) findDup(projectID sql.NullInt64, title string) (*Entry, error) {
	var row *sql.Row
	if projectID.Valid {
		row = s.db.QueryRow(selectEntryCols+`FROM knowledge WHERE project_id = ? AND lower(title) = lower(?)`, projectID.Int64, title)
	} else {
		row = s.db.QueryRow(selectEntryCols+`FROM knowledge WHERE project_id IS NULL AND lower(title) = lower(?)`, title)
	}
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// Get retrieves a single entry by id, regardless of its confidence.
func (s *Store) Get(id string) (*Entry, error) {
	row := s.db.QueryRow(selectEntryCols+`FROM knowledge WHERE knowledge_id = ?`, id)
	return scanEntry(row)
}

func (s *Store) update(e Entry) error {
	_, err := s.db.Exec(`
		UPDATE knowledge SET
			category = ?, title = ?, content = ?, source_session = ?,
			cross_project = ?, confidence = ?, updated_at = ?
		WHERE knowledge_id = ?
	`, e.Category, e.Title, e.Content, e.SourceSession, boolToInt(e.CrossProject),
		e.Confidence, e.UpdatedAt.Format(time.RFC3339), e.ID)
	return err
}

// Update overwrites an existing entry's mutable fields by id.
func (s *Store) Update(e Entry) error {
	e.UpdatedAt = time.Now().UTC()
	if err := s.update(e); err != nil {
		return fmt.Errorf("update knowledge entry: %w", err)
	}
	L_debug("knowledge: updated entry", "id", e.ID)
	return nil
}

// CreateWithID inserts e at an explicit id (used by markdown import's
// "unknown id, from another machine" case). Unlike Create, this never
// collapses into an existing row: a UNIQUE constraint violation (duplicate
// id, or duplicate title within the project) surfaces as an error. The
// insert runs directly on the database, not inside a caller's transaction.
func (s *Store) CreateWithID(id string, e Entry) error {
	e.ID = id
	if e.Confidence == 0 {
		e.Confidence = 1.0
	}
	if len(e.Content) > maxContentLen {
		e.Confidence = 0
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO knowledge (knowledge_id, project_id, category, title, content, source_session, cross_project, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.Category, e.Title, e.Content, e.SourceSession, boolToInt(e.CrossProject), e.Confidence,
		e.CreatedAt.Format(time.RFC3339), e.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert knowledge entry with explicit id: %w", err)
	}
	L_debug("knowledge: created entry with explicit id", "id", e.ID, "title", e.Title)
	return nil
}

// FindByTitle looks up a project's entry by case-insensitive title match,
// used by markdown import's no-id dedup-by-title case.
func (s *Store) FindByTitle(projectID int64, title string) (*Entry, error) {
	return s.findDup(sql.NullInt64{Int64: projectID, Valid: true}, title)
}

// Delete permanently removes an entry. Most callers want to lower confidence
// instead (soft-retire); Delete is for explicit operator/recall cleanup.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM knowledge WHERE knowledge_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete knowledge entry: %w", err)
	}
	return nil
}

// ForProject returns a project's visible knowledge: confidence above the
// visibility floor, ordered confidence desc then updated_at desc. When
// includeCross is set, other projects' cross_project entries are folded in.
func (s *Store) ForProject(projectID int64, includeCross bool) ([]Entry, error) {
	query := selectEntryCols + `FROM knowledge WHERE confidence > ? `
	args := []interface{}{visibleConfidence}

	if includeCross {
		query += `AND (project_id = ? OR project_id IS NULL OR cross_project = 1)`
		args = append(args, projectID)
	} else {
		query += `AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY confidence DESC, updated_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query for_project: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// poolEntries returns the visible entries in one of for_session's two pools:
// this project's own entries, or other projects' cross-enabled entries.
func (s *Store) poolEntries(projectID int64, cross bool) ([]Entry, error) {
	query := selectEntryCols + `FROM knowledge WHERE confidence > ? `
	args := []interface{}{visibleConfidence}

	if cross {
		query += `AND cross_project = 1 AND (project_id IS NULL OR project_id != ?)`
	} else {
		query += `AND project_id = ?`
	}
	args = append(args, projectID)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query knowledge pool: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ForSession packs the knowledge entries most relevant to a session's recent
// activity into maxTokens, per the gradient transformer's chars/3 budget
// estimate. sessionContext is the caller-assembled text to score relevance
// against (conventionally: the most recent distillation's observations plus
// the 10 most recent raw messages) — knowledge itself has no opinion on
// where that text comes from.
func (s *Store) ForSession(projectID int64, sessionContext string, maxTokens int) ([]Entry, error) {
	projectPool, err := s.poolEntries(projectID, false)
	if err != nil {
		return nil, err
	}
	crossPool, err := s.poolEntries(projectID, true)
	if err != nil {
		return nil, err
	}

	words := topTerms(sessionContext, topWordCount, minWordLen)
	empty := len(strings.TrimSpace(sessionContext)) < minContextLen || len(words) == 0

	var scored []scoredEntry
	if empty {
		scored = append(scored, topByConfidence(projectPool, emptyFallbackSize)...)
		scored = append(scored, topByConfidence(crossPool, emptyFallbackSize)...)
	} else {
		scoredProject := scoreByRelevance(projectPool, words)
		applySafetyNet(scoredProject, safetyNetSize, safetyNetWeight)
		scored = append(scored, nonZero(scoredProject)...)
		scored = append(scored, nonZero(scoreByRelevance(crossPool, words))...)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	return greedyPack(scored, maxTokens), nil
}

// PruneOversized soft-retires (confidence = 0) every row with nonzero
// confidence whose content exceeds maxLen. It never deletes a row.
func (s *Store) PruneOversized(maxLen int) (int, error) {
	res, err := s.db.Exec(`UPDATE knowledge SET confidence = 0 WHERE confidence > 0 AND length(content) > ?`, maxLen)
	if err != nil {
		return 0, fmt.Errorf("prune oversized knowledge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		L_info("knowledge: soft-retired oversized entries", "count", n)
	}
	return int(n), nil
}

// Search is the recall tool's LTM leg: a free-text lookup over visible
// entries, project-scoped. It tries knowledge_fts first, best FTS rank
// first, and falls back to a substring LIKE scan (confidence desc, then
// updated_at desc) if the FTS query sanitizes to empty or the MATCH query
// itself errors.
func (s *Store) Search(projectID int64, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	ftsQuery := store.SanitizeFTSQuery(query)
	if ftsQuery != "" {
		entries, err := s.searchFTS(projectID, ftsQuery, limit)
		if err == nil {
			return entries, nil
		}
		L_warn("knowledge: fts search failed, falling back to substring", "error", err)
	}

	return s.searchSubstring(projectID, query, limit)
}

func (s *Store) searchFTS(projectID int64, ftsQuery string, limit int) ([]Entry, error) {
	q := selectEntryCols + `
		FROM knowledge_fts f
		JOIN knowledge ON knowledge.id = f.rowid
		WHERE f.knowledge_fts MATCH ? AND knowledge.confidence > ?
			AND (knowledge.project_id = ? OR knowledge.project_id IS NULL OR knowledge.cross_project = 1)
		ORDER BY rank
		LIMIT ?
	`
	rows, err := s.db.Query(q, ftsQuery, visibleConfidence, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *Store) searchSubstring(projectID int64, query string, limit int) ([]Entry, error) {
	q := selectEntryCols + `
		FROM knowledge
		WHERE confidence > ? AND (project_id = ? OR project_id IS NULL OR cross_project = 1)
			AND (lower(title) LIKE lower(?) OR lower(content) LIKE lower(?))
		ORDER BY confidence DESC, updated_at DESC
		LIMIT ?
	`
	like := "%" + query + "%"
	rows, err := s.db.Query(q, visibleConfidence, projectID, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("substring search: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// --- relevance scoring ---

type scoredEntry struct {
	Entry
	score float64
}

var wordPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// topTerms tokenizes text, drops words of length minLen or shorter, and
// returns up to n distinct lowercased words ordered by descending frequency
// (ties broken by first occurrence, for deterministic output).
func topTerms(text string, n, minLen int) []string {
	type count struct {
		word  string
		freq  int
		first int
	}
	counts := map[string]*count{}
	order := 0
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len(w) <= minLen {
			continue
		}
		if c, ok := counts[w]; ok {
			c.freq++
		} else {
			counts[w] = &count{word: w, freq: 1, first: order}
			order++
		}
	}

	list := make([]*count, 0, len(counts))
	for _, c := range counts {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].freq != list[j].freq {
			return list[i].freq > list[j].freq
		}
		return list[i].first < list[j].first
	})

	if len(list) > n {
		list = list[:n]
	}
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.word
	}
	return out
}

// scoreByRelevance scores every entry in pool: relevance is the fraction of
// query words present in lower(title+content), and the final score is
// relevance times confidence. Entries that match nothing score 0 (callers
// either drop them or hand them to applySafetyNet).
func scoreByRelevance(pool []Entry, words []string) []scoredEntry {
	out := make([]scoredEntry, len(pool))
	for i, e := range pool {
		hay := strings.ToLower(e.Title + " " + e.Content)
		matched := 0
		for _, w := range words {
			if strings.Contains(hay, w) {
				matched++
			}
		}
		relevance := float64(matched) / float64(len(words))
		out[i] = scoredEntry{Entry: e, score: relevance * e.Confidence}
	}
	return out
}

// applySafetyNet tags up to n of the zero-scored (unmatched) entries with a
// tiny nonzero score proportional to confidence, so a project's best
// standing knowledge never goes totally unrepresented just because none of
// it matched this session's vocabulary.
func applySafetyNet(scored []scoredEntry, n int, weight float64) {
	var unmatched []int
	for i, se := range scored {
		if se.score == 0 {
			unmatched = append(unmatched, i)
		}
	}
	sort.SliceStable(unmatched, func(a, b int) bool {
		return scored[unmatched[a]].Confidence > scored[unmatched[b]].Confidence
	})
	for i, idx := range unmatched {
		if i >= n {
			break
		}
		scored[idx].score = weight * scored[idx].Confidence
	}
}

func nonZero(scored []scoredEntry) []scoredEntry {
	out := make([]scoredEntry, 0, len(scored))
	for _, se := range scored {
		if se.score > 0 {
			out = append(out, se)
		}
	}
	return out
}

func topByConfidence(pool []Entry, n int) []scoredEntry {
	sorted := make([]Entry, len(pool))
	copy(sorted, pool)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]scoredEntry, len(sorted))
	for i, e := range sorted {
		out[i] = scoredEntry{Entry: e, score: e.Confidence}
	}
	return out
}

// greedyPack walks scored (already sorted best-first) and keeps every entry
// that fits in the remaining budget, skipping ones that don't rather than
// stopping at the first miss — a later, smaller entry may still fit.
func greedyPack(scored []scoredEntry, maxTokens int) []Entry {
	remaining := maxTokens
	out := make([]Entry, 0, len(scored))
	for _, se := range scored {
		cost := estimateTokens(se.Title) + estimateTokens(se.Content)
		if cost > remaining {
			continue
		}
		out = append(out, se.Entry)
		remaining -= cost
	}
	return out
}

func estimateTokens(s string) int {
	return int(math.Ceil(float64(len(s)) / 3))
}

// --- scanning ---

const selectEntryCols = `
	SELECT knowledge_id, project_id, category, title, content, source_session,
		cross_project, confidence, created_at, updated_at
`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scannable) (*Entry, error) {
	var e Entry
	var createdAt, updatedAt string
	var sourceSession sql.NullString
	var crossProject int

	err := row.Scan(&e.ID, &e.ProjectID, &e.Category, &e.Title, &e.Content, &sourceSession,
		&crossProject, &e.Confidence, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.SourceSession = sourceSession.String
	e.CrossProject = crossProject != 0
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan knowledge entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
