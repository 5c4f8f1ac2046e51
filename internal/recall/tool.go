package recall

import (
	"context"
	"encoding/json"
	"fmt"

	. "github.com/opencode-lore/lore/internal/logging"
)

// Tool exposes Store.Query as an assistant-callable tool, matching the host's
// generic Name/Description/Schema/Execute tool contract.
type Tool struct {
	store     *Store
	projectID int64
	sessionID string
}

// NewTool binds a recall tool call to one project/session context — the
// orchestrator constructs one per active session.
func NewTool(store *Store, projectID int64, sessionID string) *Tool {
	return &Tool{store: store, projectID: projectID, sessionID: sessionID}
}

func (t *Tool) Name() string {
	return "recall"
}

func (t *Tool) Description() string {
	return "Search long-term memory: durable knowledge, distilled conversation history, and raw message logs. Use this when the user references something from a prior session, asks what was decided before, or you need context not in the current window."
}

func (t *Tool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Free-text search query.",
			},
			"scope": map[string]any{
				"type":        "string",
				"enum":        []string{"all", "session", "project", "knowledge"},
				"description": "Narrow the search. \"session\" restricts to this session's own history; \"knowledge\" searches only durable facts. Default: all.",
			},
		},
		"required": []string{"query"},
	}
}

type recallInput struct {
	Query string `json:"query"`
	Scope string `json:"scope,omitempty"`
}

func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params recallInput
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if params.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	scope := Scope(params.Scope)
	if scope == "" {
		scope = ScopeAll
	}

	L_debug("recall: executing", "query", params.Query, "scope", scope)

	result, err := t.store.Query(ctx, t.projectID, t.sessionID, params.Query, scope)
	if err != nil {
		L_error("recall: query failed", "error", err)
		return "", err
	}

	L_info("recall: completed", "query", params.Query, "scope", scope)
	return result, nil
}
