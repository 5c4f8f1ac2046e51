// Package llm - Provider factory
package llm

import "fmt"

// NewProvider creates a provider instance from config, without going through
// the full Registry (purpose resolution, cooldowns, failover). lorectl builds
// its providers through NewRegistry instead.
func NewProvider(name string, cfg LLMProviderConfig) (Provider, error) {
	switch cfg.Driver {
	case "anthropic", "":
		return NewAnthropicProvider(name, cfg)
	default:
		return nil, fmt.Errorf("unknown provider driver: %s", cfg.Driver)
	}
}
