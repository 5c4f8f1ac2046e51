package gradient

import (
	"database/sql"
	"sync"
	"time"

	"github.com/opencode-lore/lore/internal/distill"
	. "github.com/opencode-lore/lore/internal/logging"
)

// Transformer runs spec §4.6's four-safety-layer context compression
// algorithm for one project's sessions, backed by the shared database for
// persistent session/calibration state and in-memory caches for the
// prompt-cache-friendly optimizations (distilled prefix, raw window pin,
// previous-window id set).
type Transformer struct {
	distillStore *distill.Store
	state        *StateStore
	prefixCache  *PrefixCache
	windowPin    *WindowPinCache

	mu          sync.Mutex
	lastWindows map[string]map[string]bool // sessionID -> message id set from the previous transform
}

// New wraps the shared database for gradient transforms.
func New(db *sql.DB) *Transformer {
	return &Transformer{
		distillStore: distill.NewStore(db),
		state:        NewStateStore(db),
		prefixCache:  NewPrefixCache(),
		windowPin:    NewWindowPinCache(),
		lastWindows:  make(map[string]map[string]bool),
	}
}

// Run executes one transform call (spec §4.6). messages is the full raw
// history the host would otherwise send, oldest first. ltmTokens is the
// token count of knowledge already injected into the system prompt this
// turn, supplied by the orchestrator. now drives temporal-anchoring
// rendering in the distilled prefix.
func (t *Transformer) Run(sessionID string, projectID int64, messages []Message, limits ModelLimits, ltmTokens int, cfg BudgetConfig, now time.Time) (*Result, error) {
	st, err := t.state.GetSessionState(sessionID, projectID)
	if err != nil {
		return nil, err
	}

	overhead, err := t.state.CurrentOverhead()
	if err != nil {
		return nil, err
	}

	budget := ComputeBudget(limits, overhead, ltmTokens, cfg)

	forceMinLayer := st.ForceMinLayer
	if forceMinLayer > 0 {
		st.ForceMinLayer = 0
		if err := t.state.Save(*st); err != nil {
			return nil, err
		}
	}

	if forceMinLayer == 0 {
		if result, ok := t.tryLayer0(sessionID, st, messages, budget, ltmTokens); ok {
			t.rememberWindow(sessionID, result.Messages)
			return result, nil
		}
	}

	dists, err := t.currentDistillations(sessionID)
	if err != nil {
		return nil, err
	}

	type layerFn func() ([]Message, int, bool)
	layers := []layerFn{
		func() ([]Message, int, bool) { return t.layer1(sessionID, messages, dists, budget, now) },
		func() ([]Message, int, bool) { return t.layer2(sessionID, messages, dists, budget, now) },
		func() ([]Message, int, bool) { return t.layer3(sessionID, messages, dists, budget, now) },
		func() ([]Message, int, bool) {
			out, expected := t.layer4(sessionID, messages, dists, now)
			return out, expected, true
		},
	}

	for i, fn := range layers {
		layer := i + 1
		if layer < forceMinLayer {
			continue
		}
		out, expected, ok := fn()
		if !ok {
			continue
		}
		if layer >= 2 {
			t.windowPin.Clear(sessionID)
		}

		urgent := st.NeedsUrgentDistillation || layer >= 2
		st.EverCompressed = true
		st.NeedsUrgentDistillation = urgent
		st.LastKnownMessageCount = len(out)
		if err := t.state.Save(*st); err != nil {
			return nil, err
		}

		t.rememberWindow(sessionID, out)
		return &Result{
			Messages:                out,
			Layer:                   layer,
			Budget:                  budget,
			ExpectedInput:           expected,
			LTMTokens:               ltmTokens,
			NeedsUrgentDistillation: urgent,
		}, nil
	}

	// Layer 4 always reports ok=true, so this is unreachable in practice.
	out, expected := t.layer4(sessionID, messages, dists, now)
	t.rememberWindow(sessionID, out)
	return &Result{Messages: out, Layer: 4, Budget: budget, ExpectedInput: expected, LTMTokens: ltmTokens}, nil
}

// tryLayer0 implements §4.6.3 (expected-input estimate) and §4.6.4 (sticky
// guard): once any compressed transform has run, layer 0 is forbidden until
// the host message count drops below the last recorded compressed count.
func (t *Transformer) tryLayer0(sessionID string, st *SessionState, messages []Message, budget Budget, ltmTokens int) (*Result, bool) {
	if st.EverCompressed && len(messages) >= st.LastKnownMessageCount {
		return nil, false
	}

	var expected int
	if st.LastKnownInput > 0 {
		newMessages := t.newMessagesSince(sessionID, messages)
		expected = st.LastKnownInput + EstimateMessagesTokens(newMessages) + (ltmTokens - st.LastKnownLTM)
	} else {
		expected = EstimateMessagesTokens(messages) + budget.Overhead + ltmTokens
		expected = int(float64(expected) * 1.5)
	}

	if expected > budget.MaxInput {
		return nil, false
	}

	return &Result{
		Messages:      messages,
		Layer:         0,
		Budget:        budget,
		ExpectedInput: expected,
		LTMTokens:     ltmTokens,
	}, true
}

func (t *Transformer) newMessagesSince(sessionID string, messages []Message) []Message {
	t.mu.Lock()
	prev := t.lastWindows[sessionID]
	t.mu.Unlock()
	if prev == nil {
		return messages
	}
	var fresh []Message
	for _, m := range messages {
		if !prev[m.ID] {
			fresh = append(fresh, m)
		}
	}
	return fresh
}

func (t *Transformer) rememberWindow(sessionID string, window []Message) {
	ids := make(map[string]bool, len(window))
	for _, m := range window {
		ids[m.ID] = true
	}
	t.mu.Lock()
	t.lastWindows[sessionID] = ids
	t.mu.Unlock()
}

func (t *Transformer) currentDistillations(sessionID string) ([]distill.Distillation, error) {
	maxGen, err := t.distillStore.MaxGeneration(sessionID)
	if err != nil {
		return nil, err
	}
	if maxGen < 0 {
		return nil, nil
	}
	return t.distillStore.ByGeneration(sessionID, maxGen)
}

// layer1: lazy-eviction raw window + cached full prefix, reminder cleanup
// only (§4.6.6 layer 1).
func (t *Transformer) layer1(sessionID string, messages []Message, dists []distill.Distillation, budget Budget, now time.Time) ([]Message, int, bool) {
	_, prefixMsgs, prefixTokens := t.prefixCache.Build(sessionID, "full", dists, now)
	if prefixTokens > budget.DistilledBudget {
		return nil, 0, false
	}

	cleaned := stripReminders(messages)
	raw, ok := tryFit(cleaned, budget.RawBudget, t.windowPin, sessionID)
	if !ok {
		return nil, 0, false
	}

	out := append(append([]Message{}, prefixMsgs...), raw...)
	return out, prefixTokens + EstimateMessagesTokens(raw), true
}

// layer2: same cached prefix, raw window selected afresh with old-tool
// stripping and a raised raw budget (§4.6.6 layer 2).
func (t *Transformer) layer2(sessionID string, messages []Message, dists []distill.Distillation, budget Budget, now time.Time) ([]Message, int, bool) {
	_, prefixMsgs, prefixTokens := t.prefixCache.Build(sessionID, "full", dists, now)
	if prefixTokens > budget.DistilledBudget {
		return nil, 0, false
	}

	rawBudget := int(float64(budget.Usable) * 0.5)
	boundary := secondToLastUserIndex(messages)
	stripped := stripToolOutputsBefore(messages, boundary)

	raw, ok := tryFit(stripped, rawBudget, nil, sessionID)
	if !ok {
		return nil, 0, false
	}

	out := append(append([]Message{}, prefixMsgs...), raw...)
	return out, prefixTokens + EstimateMessagesTokens(raw), true
}

// layer3: trimmed prefix (last 5 distillations), all tool output stripped,
// tighter distilled budget, looser raw budget (§4.6.6 layer 3).
func (t *Transformer) layer3(sessionID string, messages []Message, dists []distill.Distillation, budget Budget, now time.Time) ([]Message, int, bool) {
	last5, err := t.distillStore.Last(sessionID, 5)
	if err != nil {
		L_warn("gradient: layer3 failed to load last distillations", "error", err)
		last5 = dists
	}
	reverseDistillations(last5)

	_, prefixMsgs, prefixTokens := t.prefixCache.Build(sessionID, "last5", last5, now)
	distilledBudget := int(float64(budget.Usable) * 0.15)
	if prefixTokens > distilledBudget {
		return nil, 0, false
	}

	rawBudget := int(float64(budget.Usable) * 0.55)
	stripped := stripAllToolOutputs(messages)
	raw, ok := tryFit(stripped, rawBudget, nil, sessionID)
	if !ok {
		return nil, 0, false
	}

	out := append(append([]Message{}, prefixMsgs...), raw...)
	return out, prefixTokens + EstimateMessagesTokens(raw), true
}

// layer4: emergency. Last 2 distillations, last 3 raw messages with text
// normalization only — tool parts are never stripped here, or the model
// re-issues its in-progress tool calls indefinitely. Always fits.
func (t *Transformer) layer4(sessionID string, messages []Message, dists []distill.Distillation, now time.Time) ([]Message, int) {
	last2, err := t.distillStore.Last(sessionID, 2)
	if err != nil {
		L_warn("gradient: layer4 failed to load last distillations", "error", err)
		last2 = dists
	}
	reverseDistillations(last2)

	_, prefixMsgs, prefixTokens := t.prefixCache.Build(sessionID, "last2", last2, now)

	tail := messages
	if len(tail) > 3 {
		tail = tail[len(tail)-3:]
	}
	normalized := normalizeText(tail)

	out := append(append([]Message{}, prefixMsgs...), normalized...)
	return out, prefixTokens + EstimateMessagesTokens(normalized)
}

func secondToLastUserIndex(messages []Message) int {
	count := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			count++
			if count == 2 {
				return i
			}
		}
	}
	return 0
}

func reverseDistillations(d []distill.Distillation) {
	for i, j := 0, len(d)-1; i < j; i, j = i+1, j-1 {
		d[i], d[j] = d[j], d[i]
	}
}

// SetForceMinLayer sets the one-shot escalation floor (§4.6.5): the
// orchestrator calls this with 2 when the provider returns a "prompt too
// long" error, so the very next transform skips layers 0-1.
func (t *Transformer) SetForceMinLayer(sessionID string, projectID int64, layer int) error {
	return t.state.SetForceMinLayer(sessionID, projectID, layer)
}

// Calibrate records the actual input size a completed response consumed,
// updating the global overhead EMA and this session's last-known values
// (§4.6.10). result must be the Result returned by the Run call this
// response is calibrating against.
func (t *Transformer) Calibrate(sessionID string, projectID int64, actualInput int, result *Result) error {
	return t.state.Calibrate(sessionID, projectID, actualInput, len(result.Messages), result.LTMTokens, result.ExpectedInput)
}
