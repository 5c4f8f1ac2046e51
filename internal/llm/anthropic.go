// Package llm provides LLM client implementations.
package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	. "github.com/opencode-lore/lore/internal/logging"
)

// AnthropicProvider implements Provider for Anthropic's Claude API and
// Anthropic-compatible endpoints reachable via BaseURL.
type AnthropicProvider struct {
	name          string
	client        *anthropic.Client
	model         string
	maxTokens     int
	contextTokens int
	promptCaching bool
	baseURL       string
}

// NewAnthropicProvider creates a new Anthropic provider from config.
func NewAnthropicProvider(name string, cfg LLMProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxOutputTokens
	}
	contextTokens := cfg.ContextTokens
	if contextTokens == 0 {
		contextTokens = DefaultContextTokens
	}

	L_debug("llm: anthropic provider created", "name", name, "maxTokens", maxTokens, "promptCaching", cfg.PromptCaching)

	return &AnthropicProvider{
		name:          name,
		client:        &client,
		maxTokens:     maxTokens,
		contextTokens: contextTokens,
		promptCaching: cfg.PromptCaching,
		baseURL:       cfg.BaseURL,
	}, nil
}

func (p *AnthropicProvider) Name() string { return p.name }
func (p *AnthropicProvider) Type() string { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.model }

// WithModel returns a clone of the provider configured with a specific model.
func (p *AnthropicProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	return &clone
}

func (p *AnthropicProvider) IsAvailable() bool {
	return p != nil && p.client != nil && p.model != ""
}

func (p *AnthropicProvider) ContextTokens() int { return p.contextTokens }
func (p *AnthropicProvider) MaxTokens() int     { return p.maxTokens }

// SimpleMessage sends a single user message with an optional system prompt
// and returns the accumulated response text. No tools, no streaming, no
// thinking: worker sessions only need a one-shot completion.
func (p *AnthropicProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)),
		},
	}

	if systemPrompt != "" {
		block := anthropic.TextBlockParam{Text: systemPrompt}
		if p.promptCaching {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{block}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic request: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}
	return text, nil
}
