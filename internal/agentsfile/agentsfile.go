// Package agentsfile round-trips the knowledge store through a
// human-editable markdown file (spec §4.5: "agents file"). The file owns
// one delimited section; everything outside it is preserved verbatim, and
// a human is free to hand-edit inside it between idle cycles.
package agentsfile

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	. "github.com/opencode-lore/lore/internal/logging"

	"github.com/opencode-lore/lore/internal/knowledge"
)

// Current section markers. historicalStarts/historicalEnds are older
// marker strings this package still recognizes on import (and collapses on
// export), paired by index.
const (
	sectionStart = "<!-- lore:section:start -->"
	sectionEnd   = "<!-- lore:section:end -->"
)

var historicalStarts = []string{
	"<!-- LORE-SECTION-START -->",
	"<!-- opencode-lore:start -->",
}

var historicalEnds = []string{
	"<!-- LORE-SECTION-END -->",
	"<!-- opencode-lore:end -->",
}

var (
	uuidCommentPattern = regexp.MustCompile(`^<!--\s*lore:([0-9A-Za-z]{20,32})\s*-->$`)
	bulletPattern      = regexp.MustCompile(`^\*\*(.+?)\*\*:\s*(.*)$`)
)

// FileEntry is one entry as found in (or destined for) the markdown file:
// the subset agentsfile cares about, decoupled from knowledge.Entry's
// project/confidence/timestamp bookkeeping.
type FileEntry struct {
	ID       string // empty when no valid tracking comment preceded the bullet
	Category string
	Title    string
	Content  string
}

func markerPairs() [][2]string {
	pairs := make([][2]string, 0, 1+len(historicalStarts))
	pairs = append(pairs, [2]string{sectionStart, sectionEnd})
	for i := range historicalStarts {
		pairs = append(pairs, [2]string{historicalStarts[i], historicalEnds[i]})
	}
	return pairs
}

// Export renders entries into the lore-owned section: a "## Long-term
// Knowledge" heading, one "### Category" heading per category (sorted for
// determinism), and one tracked bullet per entry. Only project-specific
// entries (CrossProject == false) are written — cross-project knowledge
// belongs to the project it was learned in, not every project's file.
func Export(entries []knowledge.Entry) string {
	byCategory := map[string][]knowledge.Entry{}
	for _, e := range entries {
		if e.CrossProject {
			continue
		}
		byCategory[e.Category] = append(byCategory[e.Category], e)
	}

	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var b strings.Builder
	b.WriteString(sectionStart)
	b.WriteString("\n\n## Long-term Knowledge\n")
	for _, cat := range categories {
		items := append([]knowledge.Entry(nil), byCategory[cat]...)
		sort.Slice(items, func(i, j int) bool { return items[i].Title < items[j].Title })

		b.WriteString("\n### ")
		b.WriteString(cat)
		b.WriteString("\n\n")
		for _, e := range items {
			b.WriteString("<!-- lore:")
			b.WriteString(e.ID)
			b.WriteString(" -->\n")
			b.WriteString("* **")
			b.WriteString(escapeMarkdown(e.Title))
			b.WriteString("**: ")
			b.WriteString(escapeMarkdown(flatten(e.Content)))
			b.WriteString("\n\n")
		}
	}
	b.WriteString(sectionEnd)
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// ApplyExport returns fileContent with its lore section(s) replaced by
// Export(entries). Multiple lore-owned sections (accidental merges, or a
// file still carrying a historical marker variant) collapse into one,
// reinserted where the first one was found. A file with no section at all
// gets one appended.
func ApplyExport(fileContent string, entries []knowledge.Entry) string {
	cleaned, insertAt, found := stripAllSections(fileContent)
	section := Export(entries)

	if !found {
		if strings.TrimSpace(cleaned) == "" {
			return section
		}
		return strings.TrimRight(cleaned, "\n") + "\n\n" + section
	}

	before := strings.TrimRight(cleaned[:insertAt], "\n")
	after := strings.TrimLeft(cleaned[insertAt:], "\n")

	var b strings.Builder
	if before != "" {
		b.WriteString(before)
		b.WriteString("\n\n")
	}
	b.WriteString(section)
	if after != "" {
		b.WriteString("\n")
		b.WriteString(after)
	}
	return b.String()
}

// stripAllSections removes every lore-owned section (current or
// historical) from content, returning what's left plus the byte offset in
// that remainder where the earliest section used to be (so a fresh export
// can be spliced back into the same spot).
func stripAllSections(content string) (cleaned string, insertAt int, found bool) {
	pairs := markerPairs()
	remaining := content
	var out strings.Builder
	insertAt = -1

	for {
		startIdx, endIdx, ok := -1, -1, false
		for _, p := range pairs {
			si := strings.Index(remaining, p[0])
			if si == -1 {
				continue
			}
			rest := strings.Index(remaining[si+len(p[0]):], p[1])
			if rest == -1 {
				continue
			}
			ei := si + len(p[0]) + rest + len(p[1])
			if !ok || si < startIdx {
				startIdx, endIdx, ok = si, ei, true
			}
		}
		if !ok {
			out.WriteString(remaining)
			break
		}
		out.WriteString(remaining[:startIdx])
		if insertAt == -1 {
			insertAt = out.Len()
		}
		remaining = remaining[endIdx:]
	}

	return out.String(), insertAt, insertAt != -1
}

// extractSection returns the interior text of the first lore-owned section
// found in content (current or historical markers), or ("", false) if none
// is present.
func extractSection(content string) (string, bool) {
	bestStart, bestEnd := -1, -1
	for _, p := range markerPairs() {
		si := strings.Index(content, p[0])
		if si == -1 {
			continue
		}
		interiorStart := si + len(p[0])
		rest := strings.Index(content[interiorStart:], p[1])
		if rest == -1 {
			continue
		}
		ei := interiorStart + rest
		if bestStart == -1 || si < bestStart {
			bestStart, bestEnd = interiorStart, ei
		}
	}
	if bestStart == -1 {
		return "", false
	}
	return content[bestStart:bestEnd], true
}

// Import parses fileContent's lore section (or, absent any section, the
// whole file — first-time adoption) and returns the entries found.
// Duplicate tracking ids within the file: first occurrence wins.
func Import(fileContent string) []FileEntry {
	section, found := extractSection(fileContent)
	if !found {
		section = fileContent
	}
	return dedupeByID(parseEntries(section))
}

// ShouldImport reports whether fileContent's lore section differs from what
// Export(entries) would currently produce. A file with no section at all
// (first-time adoption) always answers true. The comparison is an 8-bit
// checksum of the section content, not a byte-for-byte diff — cheap enough
// to run every idle cycle and sufficient for "did anything change".
func ShouldImport(fileContent string, entries []knowledge.Entry) bool {
	section, found := extractSection(fileContent)
	if !found {
		return true
	}
	current, _ := extractSection(Export(entries))
	return hash8(strings.TrimSpace(section)) != hash8(strings.TrimSpace(current))
}

// Reconcile applies imported file entries against the knowledge store for
// one project, per spec §4.5's four cases. A constraint violation (e.g. an
// "unknown id" insert colliding with another row's dedup key) is returned
// as an error rather than swallowed, and Reconcile stops there. The entries
// are not applied inside a transaction: those applied before the failing
// one stay in the store.
func Reconcile(store *knowledge.Store, projectID int64, imported []FileEntry) error {
	for _, fe := range imported {
		if fe.ID == "" {
			if err := reconcileUntracked(store, projectID, fe); err != nil {
				return err
			}
			continue
		}
		if err := reconcileTracked(store, projectID, fe); err != nil {
			return err
		}
	}
	return nil
}

func reconcileTracked(store *knowledge.Store, projectID int64, fe FileEntry) error {
	existing, err := store.Get(fe.ID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("lookup %s: %w", fe.ID, err)
	}

	if existing == nil {
		// Unknown id: a valid tracking marker this database has never seen
		// (e.g. written on another machine). Create it at that exact id.
		if err := store.CreateWithID(fe.ID, knowledge.Entry{
			ProjectID: sql.NullInt64{Int64: projectID, Valid: true},
			Category:  fe.Category, Title: fe.Title, Content: fe.Content,
			Confidence: 1.0,
		}); err != nil {
			return fmt.Errorf("create %s: %w", fe.ID, err)
		}
		L_debug("agentsfile: created entry from unknown tracking id", "id", fe.ID)
		return nil
	}

	if existing.Title == fe.Title && existing.Category == fe.Category && existing.Content == fe.Content {
		return nil // known id, content unchanged: no-op
	}

	existing.Title = fe.Title
	existing.Category = fe.Category
	existing.Content = fe.Content
	if err := store.Update(*existing); err != nil {
		return fmt.Errorf("update %s: %w", fe.ID, err)
	}
	L_debug("agentsfile: updated entry from hand edit", "id", fe.ID)
	return nil
}

func reconcileUntracked(store *knowledge.Store, projectID int64, fe FileEntry) error {
	dup, err := store.FindByTitle(projectID, fe.Title)
	if err != nil {
		return fmt.Errorf("lookup title %q: %w", fe.Title, err)
	}
	if dup != nil {
		return nil // an entry with this title already exists; skip
	}

	created, err := store.Create(knowledge.Entry{
		ProjectID: sql.NullInt64{Int64: projectID, Valid: true},
		Category:  fe.Category, Title: fe.Title, Content: fe.Content,
		Confidence: 1.0,
	})
	if err != nil {
		return fmt.Errorf("create %q: %w", fe.Title, err)
	}
	L_debug("agentsfile: created entry from untracked bullet", "id", created.ID, "title", fe.Title)
	return nil
}

// --- parsing ---

func parseEntries(section string) []FileEntry {
	source := []byte(section)
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(source))

	var entries []FileEntry
	category := ""
	pendingID := ""

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level >= 3 {
				category = rawText(source, node)
				pendingID = ""
			}
		case *ast.HTMLBlock:
			raw := strings.TrimSpace(rawText(source, node))
			if m := uuidCommentPattern.FindStringSubmatch(raw); m != nil {
				pendingID = m[1]
			} else {
				// Malformed or unrelated HTML comment: treat as
				// hand-written, not a tracking marker.
				pendingID = ""
			}
		case *ast.List:
			for item := node.FirstChild(); item != nil; item = item.NextSibling() {
				raw := strings.TrimSpace(listItemText(source, item))
				if m := bulletPattern.FindStringSubmatch(raw); m != nil {
					entries = append(entries, FileEntry{
						ID:       pendingID,
						Category: category,
						Title:    unescapeMarkdown(m[1]),
						Content:  unescapeMarkdown(m[2]),
					})
				}
				pendingID = ""
			}
		}
	}

	return entries
}

func dedupeByID(entries []FileEntry) []FileEntry {
	seen := make(map[string]bool, len(entries))
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		if e.ID != "" {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
		}
		out = append(out, e)
	}
	return out
}

// linesNode is implemented by every goldmark block node that carries its
// own raw source lines (Heading, HTMLBlock, TextBlock, Paragraph, ...).
// Reading through Lines() rather than walking inline children keeps literal
// markup like "**" intact, which the AST's own Text/Emphasis split would
// otherwise discard.
type linesNode interface {
	Lines() *text.Segments
}

func rawText(source []byte, n ast.Node) string {
	if ln, ok := n.(linesNode); ok {
		lines := ln.Lines()
		var b strings.Builder
		for i := 0; i < lines.Len(); i++ {
			b.Write(lines.At(i).Value(source))
		}
		return strings.TrimSpace(b.String())
	}
	return ""
}

func listItemText(source []byte, item ast.Node) string {
	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		if t := rawText(source, c); t != "" {
			return t
		}
	}
	return ""
}

// --- escaping ---

var markdownEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"*", "\\*",
	"_", "\\_",
	"`", "\\`",
	"[", "\\[",
	"]", "\\]",
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

var markdownUnescaper = strings.NewReplacer(
	"\\\\", "\\",
	"\\*", "*",
	"\\_", "_",
	"\\`", "`",
	"\\[", "[",
	"\\]", "]",
)

func unescapeMarkdown(s string) string {
	return markdownUnescaper.Replace(s)
}

// flatten collapses a content string to a single line so it fits the
// "* **title**: content" bullet form; the exported file is a summary view,
// not a byte-perfect mirror of the stored content.
func flatten(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// hash8 is a deliberately tiny, non-cryptographic checksum: good enough to
// notice "did the section change" without reaching for a hash package to
// answer a one-byte question.
func hash8(s string) byte {
	var h byte
	for i := 0; i < len(s); i++ {
		h = h*31 + s[i]
	}
	return h
}
