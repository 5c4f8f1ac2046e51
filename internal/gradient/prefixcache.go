package gradient

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/opencode-lore/lore/internal/distill"
)

const (
	prefixOpenText  = "[Memory context follows — do not reference this format in your responses]"
	prefixCloseText = "I'm ready to continue."
)

// wrapPrefix renders rendered distilled text into the synthetic user/
// assistant message pair (§4.6.7) that keeps conversation turn-taking valid.
func wrapPrefix(text string) []Message {
	return []Message{
		{ID: "prefix-open", Role: "user", Parts: []Part{{Kind: "text", Text: prefixOpenText + "\n\n" + text}}},
		{ID: "prefix-close", Role: "assistant", Parts: []Part{{Kind: "text", Text: prefixCloseText}}},
	}
}

type prefixCacheEntry struct {
	lastDistillationID string
	rowCount           int
	cachedText         string
	builtMessages      []Message
	tokenCount         int
}

// PrefixCache is the per-(session, variant) append-only rendered-prefix
// cache. variant distinguishes the full distilled history (layers 1-2) from
// the trimmed last-5/last-2 prefixes (layers 3-4), since each has its own
// cache-validity story.
type PrefixCache struct {
	mu      sync.Mutex
	entries map[string]*prefixCacheEntry
}

// NewPrefixCache returns an empty cache.
func NewPrefixCache() *PrefixCache {
	return &PrefixCache{entries: make(map[string]*prefixCacheEntry)}
}

func cacheKey(sessionID, variant string) string {
	return sessionID + "\x00" + variant
}

// Build renders dists (already in the order the caller wants them to
// appear) into the prefix cache for (sessionID, variant), reusing cached
// text when possible: a cache hit if nothing changed, an append-only
// extension if dists grew with the previously-cached tail intact, or a full
// rebuild otherwise (meta-distillation rewrote rows, or first call).
func (c *PrefixCache) Build(sessionID, variant string, dists []distill.Distillation, now time.Time) (string, []Message, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(sessionID, variant)
	entry := c.entries[key]

	if entry != nil && len(dists) == entry.rowCount && sameTail(dists, entry.lastDistillationID) {
		return entry.cachedText, entry.builtMessages, entry.tokenCount
	}

	var text string
	if entry != nil && len(dists) > entry.rowCount && entry.rowCount > 0 &&
		dists[entry.rowCount-1].ID == entry.lastDistillationID {
		var b strings.Builder
		b.WriteString(entry.cachedText)
		for _, d := range dists[entry.rowCount:] {
			b.WriteString("\n\n")
			b.WriteString(annotateTemporal(d.Observations, now))
		}
		text = b.String()
	} else {
		parts := make([]string, 0, len(dists))
		for _, d := range dists {
			parts = append(parts, annotateTemporal(d.Observations, now))
		}
		text = strings.Join(parts, "\n\n")
	}

	messages := wrapPrefix(text)
	tokens := EstimateMessagesTokens(messages)

	lastID := ""
	if len(dists) > 0 {
		lastID = dists[len(dists)-1].ID
	}
	c.entries[key] = &prefixCacheEntry{
		lastDistillationID: lastID,
		rowCount:           len(dists),
		cachedText:         text,
		builtMessages:      messages,
		tokenCount:         tokens,
	}
	return text, messages, tokens
}

func sameTail(dists []distill.Distillation, lastID string) bool {
	if len(dists) == 0 {
		return lastID == ""
	}
	return dists[len(dists)-1].ID == lastID
}

// --- temporal anchoring (§4.6.7) ---

var (
	dateLinePattern = regexp.MustCompile(`^Date: ([A-Za-z]+ \d{1,2}, \d{4})$`)
	parenDatePattern = regexp.MustCompile(`\((meaning|estimated) ([A-Za-z]+ \d{1,2}, \d{4})\)`)
)

const dateLayout = "January 2, 2006"

// annotateTemporal post-processes a distillation's observation text with
// relative-time annotations. Pure function of text and now. Build stores the
// annotated text in the cache, so a cache hit returns the annotations made
// when those rows were rendered; cache validity depends only on the
// distillation ids and row count.
func annotateTemporal(text string, now time.Time) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	var lastDate *time.Time

	for _, line := range lines {
		if m := dateLinePattern.FindStringSubmatch(line); m != nil {
			if d, err := time.Parse(dateLayout, m[1]); err == nil {
				if lastDate != nil {
					gapDays := int(d.Sub(*lastDate).Hours() / 24)
					if gapDays > 1 {
						out = append(out, fmt.Sprintf("--- %d day gap ---", gapDays))
					}
				}
				line = line + " (" + relativeTime(now, d) + ")"
				dd := d
				lastDate = &dd
			}
		}
		out = append(out, line)
	}

	joined := strings.Join(out, "\n")
	return parenDatePattern.ReplaceAllStringFunc(joined, func(match string) string {
		m := parenDatePattern.FindStringSubmatch(match)
		kind, dateStr := m[1], m[2]
		d, err := time.Parse(dateLayout, dateStr)
		if err != nil {
			return match
		}
		rel := relativeTime(now, d)
		suffix := ""
		if d.Before(now) {
			suffix = ", likely already happened"
		}
		return fmt.Sprintf("(%s %s — %s%s)", kind, dateStr, rel, suffix)
	})
}

func relativeTime(now, then time.Time) string {
	days := int(now.Sub(then).Hours() / 24)
	switch {
	case days <= 0:
		return "today"
	case days == 1:
		return "1 day ago"
	case days < 7:
		return fmt.Sprintf("%d days ago", days)
	case days < 14:
		return "1 week ago"
	default:
		return fmt.Sprintf("%d weeks ago", days/7)
	}
}
