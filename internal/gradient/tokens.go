package gradient

// partFramingTokens and messageFramingTokens are the fixed per-part and
// per-message overhead the spec's estimator adds on top of raw character
// counts (§4.6.2). Chosen to be biased slightly high; the overhead EMA
// (Calibrate) absorbs whatever residual gap remains against the real
// tokenizer.
const (
	partFramingTokens    = 20
	messageFramingTokens = 20
)

// charsToTokens implements the spec's ceil(chars/3) estimator.
func charsToTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 2) / 3
}

// EstimatePartTokens estimates one part's contribution: its text content
// (whichever field applies) plus fixed framing. Parts of any other kind
// count as framing only.
func EstimatePartTokens(p Part) int {
	var text string
	switch p.Kind {
	case "tool":
		text = p.Tool + p.Output
	case "text", "reasoning", "reminder":
		text = p.Text
	}
	return charsToTokens(text) + partFramingTokens
}

// EstimateMessageTokens sums a message's parts plus its own framing.
func EstimateMessageTokens(m Message) int {
	total := messageFramingTokens
	for _, p := range m.Parts {
		total += EstimatePartTokens(p)
	}
	return total
}

// EstimateMessagesTokens sums EstimateMessageTokens over a slice.
func EstimateMessagesTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessageTokens(m)
	}
	return total
}
