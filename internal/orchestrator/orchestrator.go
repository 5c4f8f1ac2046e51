// Package orchestrator wires the host integration surface (spec §6): the
// system-prompt transform, the messages transform, the idle/error event
// handlers, and the recall tool registration, all sharing one database and
// one model registry per process. It owns no algorithm of its own — it
// dispatches into gradient, distill, curator, knowledge, and recall, and
// keeps them from stepping on each other's in-flight work.
package orchestrator

import (
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/opencode-lore/lore/internal/distill"
	"github.com/opencode-lore/lore/internal/gradient"
	"github.com/opencode-lore/lore/internal/knowledge"
	"github.com/opencode-lore/lore/internal/llm"
	"github.com/opencode-lore/lore/internal/loreconfig"
	"github.com/opencode-lore/lore/internal/project"
	"github.com/opencode-lore/lore/internal/recall"
	"github.com/opencode-lore/lore/internal/temporal"
)

// Orchestrator is the per-process hub every host hook call goes through.
// One Orchestrator is constructed per database, regardless of how many
// projects or sessions pass through it.
type Orchestrator struct {
	db *sql.DB

	projects   *project.Store
	temporal   *temporal.Store
	distill    *distill.Store
	knowledge  *knowledge.Store
	gradient   *gradient.Transformer
	registry   *llm.Registry

	maintMu   sync.Mutex
	distilling bool
	curating   bool
}

// New wires an Orchestrator against the shared database and model registry.
// registry may be nil in contexts that never dispatch a model (migrations,
// export/import); any call path reaching the registry will fail loudly if so.
func New(db *sql.DB, registry *llm.Registry) *Orchestrator {
	return &Orchestrator{
		db:        db,
		projects:  project.NewStore(db),
		temporal:  temporal.NewStore(db),
		distill:   distill.NewStore(db),
		knowledge: knowledge.NewStore(db),
		gradient:  gradient.New(db),
		registry:  registry,
	}
}

// resolveProject maps a host-supplied filesystem path to its project row,
// creating it on first reference.
func (o *Orchestrator) resolveProject(projectPath string) (*project.Project, error) {
	return o.projects.GetOrCreate(projectPath)
}

// ltmCharsToTokens mirrors gradient's own chars-to-tokens estimator
// (internal/gradient/tokens.go's unexported charsToTokens) so the injected
// knowledge text's cost can be subtracted from the same budget gradient
// computes from, without exporting gradient's internal estimator.
func ltmCharsToTokens(s string) int {
	return int(math.Ceil(float64(len(s)) / 3.0))
}

// SystemPromptResult is what SystemPromptTransform hands back to the host:
// the text to push into the system prompt, and its own estimated token
// cost so the very same turn's TransformMessages call can subtract it from
// the usable budget instead of waiting a turn for a persisted estimate.
type SystemPromptResult struct {
	Text   string
	Tokens int
}

// SystemPromptTransform implements spec §6's "system-prompt transform" hook:
// given the host's model limits and the active session, it renders the
// long-term-knowledge injection text for this turn.
func (o *Orchestrator) SystemPromptTransform(projectPath, sessionID string, limits gradient.ModelLimits, cfg loreconfig.ProjectConfig) (SystemPromptResult, error) {
	proj, err := o.resolveProject(projectPath)
	if err != nil {
		return SystemPromptResult{}, fmt.Errorf("resolving project: %w", err)
	}

	sessionContext, err := o.buildSessionContext(proj.ID, sessionID)
	if err != nil {
		return SystemPromptResult{}, fmt.Errorf("building session context: %w", err)
	}

	maxLTMTokens := int(float64(limits.Context) * cfg.Budget.LTM)
	entries, err := o.knowledge.ForSession(proj.ID, sessionContext, maxLTMTokens)
	if err != nil {
		return SystemPromptResult{}, fmt.Errorf("loading knowledge for session: %w", err)
	}
	if len(entries) == 0 {
		return SystemPromptResult{}, nil
	}

	text := renderKnowledgeEntries(entries)
	return SystemPromptResult{Text: text, Tokens: ltmCharsToTokens(text)}, nil
}

// buildSessionContext assembles the query used to rank knowledge entries:
// the most recent distillation's observations plus the 10 most recent raw
// messages, per knowledge.Store.ForSession's documented convention.
func (o *Orchestrator) buildSessionContext(projectID int64, sessionID string) (string, error) {
	var b []byte

	if d, err := o.distill.MostRecent(sessionID); err != nil {
		return "", err
	} else if d != nil {
		b = append(b, d.Observations...)
		b = append(b, '\n')
	}

	msgs, err := o.temporal.BySession(sessionID)
	if err != nil {
		return "", err
	}
	start := 0
	if len(msgs) > 10 {
		start = len(msgs) - 10
	}
	for _, m := range msgs[start:] {
		b = append(b, m.Content...)
		b = append(b, '\n')
	}
	return string(b), nil
}

func renderKnowledgeEntries(entries []knowledge.Entry) string {
	out := "## Long-term Knowledge\n\n"
	for _, e := range entries {
		out += fmt.Sprintf("- **%s** (%s): %s\n", e.Title, e.Category, e.Content)
	}
	return out
}

// TransformMessages implements spec §6's "messages transform" hook: it
// records any newly-arrived messages into the temporal store, then runs
// the gradient transformer over the full history and returns the
// possibly-rewritten list. ltmTokens is the SystemPromptResult.Tokens value
// from the SystemPromptTransform call made earlier in the same turn.
func (o *Orchestrator) TransformMessages(projectPath, sessionID string, messages []gradient.Message, limits gradient.ModelLimits, ltmTokens int, cfg loreconfig.ProjectConfig) (*gradient.Result, error) {
	proj, err := o.resolveProject(projectPath)
	if err != nil {
		return nil, fmt.Errorf("resolving project: %w", err)
	}

	if err := o.persistNewMessages(proj.ID, sessionID, messages); err != nil {
		return nil, fmt.Errorf("persisting messages: %w", err)
	}

	budget := gradient.BudgetConfig{Distilled: cfg.Budget.Distilled, Raw: cfg.Budget.Raw}
	result, err := o.gradient.Run(sessionID, proj.ID, messages, limits, ltmTokens, budget, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("gradient transform: %w", err)
	}
	return result, nil
}

// persistNewMessages stores any message not already present in the
// temporal store. Store is itself idempotent on message_id (it updates
// content/tokens/metadata but never created_at or distilled on a repeat
// call), so this does not need to pre-check existence beyond letting
// Store's own upsert handle it.
func (o *Orchestrator) persistNewMessages(projectID int64, sessionID string, messages []gradient.Message) error {
	for _, m := range messages {
		content := flattenParts(m.Parts)
		if _, err := o.temporal.Store(projectID, sessionID, m.ID, m.Role, content, "{}"); err != nil {
			return err
		}
	}
	return nil
}

func flattenParts(parts []gradient.Part) string {
	tp := make([]temporal.Part, len(parts))
	for i, p := range parts {
		tp[i] = temporal.Part{Kind: p.Kind, Text: p.Text, Tool: p.Tool, Output: p.Output}
	}
	return temporal.Flatten(tp)
}

// Calibrate records actual model-reported input usage against the
// transform's own estimate, feeding gradient's overhead EMA.
func (o *Orchestrator) Calibrate(sessionID string, projectID int64, actualInput int, result *gradient.Result) error {
	return o.gradient.Calibrate(sessionID, projectID, actualInput, result)
}

// RecallTool binds the recall tool to one project/session, per spec §6's
// "one tool registration" host integration point.
func (o *Orchestrator) RecallTool(projectPath, sessionID string) (*recall.Tool, error) {
	proj, err := o.resolveProject(projectPath)
	if err != nil {
		return nil, err
	}
	store := recall.NewStore(o.temporal, o.distill, o.knowledge)
	return recall.NewTool(store, proj.ID, sessionID), nil
}
