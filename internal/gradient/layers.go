package gradient

const toolOutputPlaceholder = "[tool output omitted for context budget]"

// lastUserIndex returns the index of the last user-role message, or 0 if
// there is none (the whole history is then "the current turn").
func lastUserIndex(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return i
		}
	}
	return 0
}

// currentTurn returns the last user message and everything after it — the
// messages that must never be dropped (§4.6.9): an agent that can no longer
// see its own in-progress tool calls re-issues them in a loop.
func currentTurn(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}
	return messages[lastUserIndex(messages):]
}

// tryFit selects a raw window out of messages within rawBudget, honoring
// current-turn protection: the turn is always included, and failure (the
// turn alone exceeds budget) is reported rather than ever truncating it.
// When pin is non-nil and a usable prior pin exists, it is tried first for
// byte-identical stability; otherwise (or on pin miss) a fresh backward scan
// accumulates older messages until the budget is spent, and the scan's
// starting point becomes the new pin.
func tryFit(messages []Message, rawBudget int, pin *WindowPinCache, sessionID string) ([]Message, bool) {
	turnStart := lastUserIndex(messages)
	turn := messages[turnStart:]
	turnTokens := EstimateMessagesTokens(turn)
	if turnTokens > rawBudget {
		return nil, false
	}

	if pin != nil {
		if pinnedID, ok := pin.get(sessionID); ok {
			if idx := indexByID(messages, pinnedID); idx >= 0 && idx <= turnStart {
				window := messages[idx:]
				if EstimateMessagesTokens(window) <= rawBudget {
					return window, true
				}
			}
		}
	}

	tokens := turnTokens
	start := turnStart
	for start > 0 {
		candidate := EstimateMessageTokens(messages[start-1])
		if tokens+candidate > rawBudget {
			break
		}
		tokens += candidate
		start--
	}

	window := messages[start:]
	if pin != nil && len(window) > 0 {
		pin.set(sessionID, window[0].ID)
	}
	return window, true
}

func indexByID(messages []Message, id string) int {
	for i, m := range messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// stripToolOutputsBefore replaces tool-part output with a placeholder for
// every message before boundary, leaving messages from boundary on intact.
func stripToolOutputsBefore(messages []Message, boundary int) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		if i >= boundary || !hasToolOutput(m) {
			out[i] = m
			continue
		}
		out[i] = stripToolOutputs(m)
	}
	return out
}

func stripAllToolOutputs(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = stripToolOutputs(m)
	}
	return out
}

func hasToolOutput(m Message) bool {
	for _, p := range m.Parts {
		if p.Kind == "tool" && p.Output != "" {
			return true
		}
	}
	return false
}

func stripToolOutputs(m Message) Message {
	if !hasToolOutput(m) {
		return m
	}
	parts := make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		if p.Kind == "tool" && p.Output != "" {
			p.Output = toolOutputPlaceholder
		}
		parts[i] = p
	}
	out := m
	out.Parts = parts
	return out
}

// stripReminders drops "reminder" parts (layer 1's only cleanup) — content
// the host injects purely to nudge behavior, safe to drop under pressure
// without losing anything the model needs to keep working.
func stripReminders(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		kept := make([]Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.Kind == "reminder" {
				continue
			}
			kept = append(kept, p)
		}
		out[i] = m
		out[i].Parts = kept
	}
	return out
}

// normalizeText collapses redundant whitespace in text/reasoning parts —
// layer 4's only transformation, since its tool parts must survive intact.
func normalizeText(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		parts := make([]Part, len(m.Parts))
		for j, p := range m.Parts {
			if p.Kind == "text" || p.Kind == "reasoning" {
				p.Text = collapseWhitespace(p.Text)
			}
			parts[j] = p
		}
		out[i] = m
		out[i].Parts = parts
	}
	return out
}

func collapseWhitespace(s string) string {
	out := make([]byte, 0, len(s))
	lastSpace := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		isSpace := c == ' ' || c == '\t'
		if isSpace && lastSpace {
			continue
		}
		out = append(out, c)
		lastSpace = isSpace
	}
	return string(out)
}
