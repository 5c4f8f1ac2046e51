// Package curator turns recent conversation activity into durable knowledge
// entries. It mirrors distill's worker-session dispatch shape but targets
// the knowledge store instead of the distillation log, and additionally
// consolidates the project's entry count down when it grows past a
// configured ceiling.
package curator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/opencode-lore/lore/internal/knowledge"
	"github.com/opencode-lore/lore/internal/llm"
	. "github.com/opencode-lore/lore/internal/logging"
	"github.com/opencode-lore/lore/internal/temporal"
)

// Config controls when curation runs and when it consolidates; values are
// per-project overrides from .lore.json, already range-clamped by the caller.
type Config struct {
	Enabled    bool
	OnIdle     bool
	AfterTurns int
	MaxEntries int
}

// DefaultConfig mirrors spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, OnIdle: true, AfterTurns: 10, MaxEntries: 25}
}

// Pipeline dispatches knowledge-extraction and consolidation passes.
type Pipeline struct {
	knowledge *knowledge.Store
	temporal  *temporal.Store
	registry  *llm.Registry
	config    Config
}

// NewPipeline wires the curator against the shared stores and model registry.
func NewPipeline(knowledgeStore *knowledge.Store, temporalStore *temporal.Store, registry *llm.Registry, cfg Config) *Pipeline {
	return &Pipeline{knowledge: knowledgeStore, temporal: temporalStore, registry: registry, config: cfg}
}

// RunResult reports what one curation pass did.
type RunResult struct {
	Created      int
	Updated      int
	Deleted      int
	Consolidated bool
}

// Run decides eligibility (onIdle, force, or the afterTurns threshold),
// dispatches the curator prompt over the session's recent messages, applies
// the returned entry operations, and checks the maxEntries consolidation
// trigger.
func (p *Pipeline) Run(ctx context.Context, projectID int64, sessionID string, turnsSinceLast int, force bool) (RunResult, error) {
	var result RunResult
	if !p.config.Enabled {
		return result, nil
	}
	eligible := force || (p.config.OnIdle) || (p.config.AfterTurns > 0 && turnsSinceLast >= p.config.AfterTurns)
	if !eligible {
		return result, nil
	}

	msgs, err := p.temporal.BySession(sessionID)
	if err != nil {
		return result, fmt.Errorf("fetching session messages: %w", err)
	}
	if len(msgs) == 0 {
		return result, nil
	}

	prompt := buildCuratorPrompt(msgs)
	L_debug("curator: dispatching", "session", sessionID, "dispatch", uuid.New().String(), "messages", len(msgs))
	resp, err := p.registry.SimpleMessageWithFailover(ctx, "curator", prompt, curatorSystemPrompt)
	if err != nil {
		return result, fmt.Errorf("curator dispatch: %w", err)
	}

	ops := parseEntryOps(resp.Text)
	for _, op := range ops {
		if err := p.applyOp(projectID, sessionID, op, &result); err != nil {
			L_warn("curator: failed to apply entry op", "op", op.Op, "title", op.Title, "error", err)
		}
	}

	consolidated, err := p.maybeConsolidate(ctx, projectID)
	if err != nil {
		L_warn("curator: consolidation failed", "project_id", projectID, "error", err)
	} else if consolidated {
		result.Consolidated = true
	}

	return result, nil
}

func (p *Pipeline) applyOp(projectID int64, sessionID string, op entryOp, result *RunResult) error {
	switch strings.ToLower(op.Op) {
	case "delete":
		existing, err := p.knowledge.FindByTitle(projectID, op.Title)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		if err := p.knowledge.Delete(existing.ID); err != nil {
			return err
		}
		result.Deleted++
		return nil
	case "create", "update", "":
		existing, err := p.knowledge.FindByTitle(projectID, op.Title)
		if err != nil {
			return err
		}
		entry := knowledge.Entry{
			ProjectID:     sql.NullInt64{Int64: projectID, Valid: true},
			Category:      op.Category,
			Title:         op.Title,
			Content:       op.Content,
			SourceSession: sessionID,
			CrossProject:  op.CrossProject,
			Confidence:    1.0,
		}
		if existing != nil {
			entry.ID = existing.ID
			if err := p.knowledge.Update(entry); err != nil {
				return err
			}
			result.Updated++
			return nil
		}
		if _, err := p.knowledge.Create(entry); err != nil {
			return err
		}
		result.Created++
		return nil
	default:
		return fmt.Errorf("unknown entry op %q", op.Op)
	}
}

// maybeConsolidate checks the project's own (non-cross-project) visible
// entry count against maxEntries and, if over, asks the model to merge the
// lowest-confidence entries into fewer, denser ones.
func (p *Pipeline) maybeConsolidate(ctx context.Context, projectID int64) (bool, error) {
	all, err := p.knowledge.ForProject(projectID, false)
	if err != nil {
		return false, err
	}
	var entries []knowledge.Entry
	for _, e := range all {
		if !e.CrossProject {
			entries = append(entries, e)
		}
	}
	if p.config.MaxEntries <= 0 || len(entries) <= p.config.MaxEntries {
		return false, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Confidence < entries[j].Confidence })

	prompt := buildConsolidationPrompt(entries)
	L_debug("curator: dispatching consolidation", "project_id", projectID, "dispatch", uuid.New().String(), "entry_count", len(entries))
	resp, err := p.registry.SimpleMessageWithFailover(ctx, "curator", prompt, consolidationSystemPrompt)
	if err != nil {
		return false, err
	}

	ops := parseEntryOps(resp.Text)
	if len(ops) == 0 {
		return false, nil
	}

	var result RunResult
	for _, op := range ops {
		if err := p.applyOp(projectID, "", op, &result); err != nil {
			L_warn("curator: failed to apply consolidation op", "op", op.Op, "title", op.Title, "error", err)
		}
	}
	L_info("curator: consolidated knowledge entries", "project_id", projectID, "before", len(entries), "created", result.Created, "updated", result.Updated, "deleted", result.Deleted)
	return true, nil
}

const curatorSystemPrompt = `You are a knowledge curation assistant. Read the conversation and extract durable facts worth remembering across sessions: decisions, preferences, stable project facts. Ignore trivial or transient details. Respond with a JSON array of operations wrapped in <entries>...</entries>, each shaped {"op": "create"|"update"|"delete", "category": "...", "title": "...", "content": "...", "crossProject": bool}. Return an empty array if nothing is worth keeping.`

const consolidationSystemPrompt = `You are a knowledge consolidation assistant. You will be given a project's existing knowledge entries, least confident first. Merge redundant or overly granular entries into fewer, denser ones. Respond with a JSON array of operations wrapped in <entries>...</entries>, the same shape used for regular curation: {"op": "create"|"update"|"delete", "category", "title", "content", "crossProject"}. Use "update" (matching an existing title) or "delete" to collapse entries, and "create" only for a genuinely new merged entry.`

func buildCuratorPrompt(msgs []temporal.Message) string {
	var b strings.Builder
	b.WriteString("Conversation to extract knowledge from:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.Role, m.Content)
	}
	return b.String()
}

func buildConsolidationPrompt(entries []knowledge.Entry) string {
	var b strings.Builder
	b.WriteString("Existing knowledge entries (least confident first):\n\n")
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. [%s] %s (confidence %.2f): %s\n", i+1, e.Category, e.Title, e.Confidence, e.Content)
	}
	return b.String()
}

type entryOp struct {
	Op           string `json:"op"`
	Category     string `json:"category"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	CrossProject bool   `json:"crossProject"`
}

// parseEntryOps pulls the <entries>...</entries> JSON array from a model
// response, falling back to parsing the whole trimmed text as JSON if no
// tags are present. A response that fails to parse as JSON produces no ops
// rather than an error — the next idle pass simply tries again.
func parseEntryOps(text string) []entryOp {
	const openTag, closeTag = "<entries>", "</entries>"
	body := strings.TrimSpace(text)
	if start := strings.Index(text, openTag); start != -1 {
		if end := strings.Index(text, closeTag); end != -1 && end > start {
			body = strings.TrimSpace(text[start+len(openTag) : end])
		}
	}
	var ops []entryOp
	if err := json.Unmarshal([]byte(body), &ops); err != nil {
		return nil
	}
	return ops
}
