// Package recall implements spec §4.7's single read-only tool back to the
// assistant: one free-text query fanned out across all three memory tiers
// (raw temporal messages, distilled observation history, durable LTM
// knowledge) and merged into one markdown block.
package recall

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/opencode-lore/lore/internal/distill"
	"github.com/opencode-lore/lore/internal/knowledge"
	"github.com/opencode-lore/lore/internal/temporal"
)

// Scope narrows which tiers a query touches and, for the message/distillation
// legs, whether the search is session- or project-wide.
type Scope string

const (
	ScopeAll       Scope = "all"
	ScopeSession   Scope = "session"
	ScopeProject   Scope = "project"
	ScopeKnowledge Scope = "knowledge"
)

const resultsPerTier = 10

// Store fans a query out across the three memory stores.
type Store struct {
	temporal  *temporal.Store
	distill   *distill.Store
	knowledge *knowledge.Store
}

// NewStore wires recall against the three already-constructed tier stores.
func NewStore(t *temporal.Store, d *distill.Store, k *knowledge.Store) *Store {
	return &Store{temporal: t, distill: d, knowledge: k}
}

// Query runs the fan-out and renders the merged markdown block. sessionID is
// used only when scope is "session"; it is otherwise ignored even if
// supplied, so "all", "project" and "knowledge" always search project-wide.
// An empty sessionID is not rejected: with scope "session" the raw/distilled
// legs then search project-wide too.
func (s *Store) Query(ctx context.Context, projectID int64, sessionID, query string, scope Scope) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "No query provided.", nil
	}
	if scope == "" {
		scope = ScopeAll
	}

	searchSessionID := ""
	if scope == ScopeSession {
		searchSessionID = sessionID
	}

	var (
		knowledgeEntries []knowledge.Entry
		distillations    []distill.Distillation
		messages         []temporal.SearchResult
	)

	var g errgroup.Group

	if scope == ScopeAll || scope == ScopeKnowledge {
		g.Go(func() error {
			entries, err := s.knowledge.Search(projectID, query, resultsPerTier)
			if err != nil {
				return fmt.Errorf("knowledge search: %w", err)
			}
			knowledgeEntries = entries
			return nil
		})
	}

	if scope == ScopeAll || scope == ScopeSession || scope == ScopeProject {
		g.Go(func() error {
			dists, err := s.distill.Search(projectID, searchSessionID, query, resultsPerTier)
			if err != nil {
				return fmt.Errorf("distillation search: %w", err)
			}
			distillations = dists
			return nil
		})

		g.Go(func() error {
			results, err := s.temporal.Search(projectID, searchSessionID, query, resultsPerTier)
			if err != nil {
				return fmt.Errorf("message search: %w", err)
			}
			messages = results
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}

	return render(query, knowledgeEntries, distillations, messages), nil
}

func render(query string, entries []knowledge.Entry, dists []distill.Distillation, messages []temporal.SearchResult) string {
	if len(entries) == 0 && len(dists) == 0 && len(messages) == 0 {
		return fmt.Sprintf("No matches found for %q.", query)
	}

	var b strings.Builder

	if len(entries) > 0 {
		b.WriteString("## Long-term Knowledge\n\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", e.Title, e.Category, e.Content)
		}
		b.WriteString("\n")
	}

	if len(dists) > 0 {
		b.WriteString("## Distilled History\n\n")
		for _, d := range dists {
			fmt.Fprintf(&b, "### %s\n%s\n\n", d.CreatedAt.Format("January 2, 2006"), d.Observations)
		}
	}

	if len(messages) > 0 {
		b.WriteString("## Raw Message Matches\n\n")
		for _, m := range messages {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.Role, m.Preview)
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}
