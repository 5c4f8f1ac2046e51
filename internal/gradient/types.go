// Package gradient is the context transformer: given the full raw message
// history a host would otherwise send, it decides whether to send it
// untouched or restructure it through one of four safety layers so it fits
// the model's context window, while keeping prompt-cache-friendly byte
// stability wherever possible.
package gradient

import "time"

// Part is one piece of a message's content union, mirroring the shape the
// host delivers before anything is flattened for storage. Kind is one of
// "text", "reasoning", "tool", or "reminder"; anything else is carried
// through untouched but contributes only its framing overhead to estimates.
type Part struct {
	Kind   string
	Text   string // for "text", "reasoning"
	Tool   string // tool name, for Kind == "tool"
	Output string // completed tool output, for Kind == "tool"
}

// Message is one turn of the raw history the transformer operates on.
type Message struct {
	ID        string
	Role      string // "user" or "assistant"
	Parts     []Part
	CreatedAt time.Time
}

// ModelLimits describes the provider's hard context/output ceilings.
type ModelLimits struct {
	Context int
	Output  int
}

// BudgetConfig controls the distilled/raw budget split (spec §4.6.1).
// Zero values fall back to DefaultBudgetConfig's ratios.
type BudgetConfig struct {
	Distilled float64
	Raw       float64
}

// DefaultBudgetConfig mirrors the documented defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{Distilled: 0.25, Raw: 0.40}
}

// FirstTurnOverhead is the assumed per-turn provider overhead before any
// calibration sample exists for this model.
const FirstTurnOverhead = 15000

// Budget holds one transform's computed token budgets (§4.6.1).
type Budget struct {
	Overhead        int
	Usable          int
	MaxInput        int
	DistilledBudget int
	RawBudget       int
}

// ComputeBudget derives the budget values from model limits, the calibrated
// (or default) overhead, and the tokens LTM knowledge is consuming in the
// system prompt this turn.
func ComputeBudget(limits ModelLimits, overhead, ltmTokens int, cfg BudgetConfig) Budget {
	if cfg.Distilled == 0 {
		cfg.Distilled = DefaultBudgetConfig().Distilled
	}
	if cfg.Raw == 0 {
		cfg.Raw = DefaultBudgetConfig().Raw
	}

	usable := limits.Context - limits.Output - overhead - ltmTokens
	if usable < 0 {
		usable = 0
	}
	maxInput := limits.Context - limits.Output

	return Budget{
		Overhead:        overhead,
		Usable:          usable,
		MaxInput:        maxInput,
		DistilledBudget: int(float64(usable) * cfg.Distilled),
		RawBudget:       int(float64(usable) * cfg.Raw),
	}
}

// Result is one transform's outcome: the message list to actually send, the
// safety layer used, and the accounting the orchestrator needs to later call
// Calibrate.
type Result struct {
	Messages            []Message
	Layer               int
	Budget              Budget
	ExpectedInput        int // this transform's own estimate, for calibration
	LTMTokens             int // echoed back, stored by Calibrate
	NeedsUrgentDistillation bool
}
