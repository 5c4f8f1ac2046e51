// Package llm provides unified LLM provider interfaces and implementations.
package llm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	. "github.com/opencode-lore/lore/internal/logging"
)

// Global registry singleton, set through SetGlobalRegistry. The
// orchestrator and lorectl pass their registry explicitly and never set it.
var (
	globalRegistry *Registry
	globalMu       sync.RWMutex
)

// SetGlobalRegistry sets the global registry instance.
func SetGlobalRegistry(r *Registry) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalRegistry = r
}

// GetRegistry returns the global registry instance, or nil if unset.
func GetRegistry() *Registry {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalRegistry
}

// providerCooldown tracks cooldown state for a provider after errors.
type providerCooldown struct {
	until      time.Time
	errorCount int
	reason     ErrorType
}

// ProviderStatus represents the current status of a provider.
type ProviderStatus struct {
	Alias      string
	InCooldown bool
	Until      time.Time
	Reason     ErrorType
	ErrorCount int
}

// Registry manages LLM provider instances and purpose-based model resolution
// for the two worker-session purposes this module dispatches: "distill" and
// "curator".
type Registry struct {
	providers  map[string]providerInstance
	purposes   map[string]LLMPurposeConfig
	cooldowns  map[string]*providerCooldown
	mu         sync.RWMutex
	cooldownMu sync.RWMutex
}

type providerInstance struct {
	config   LLMProviderConfig
	provider Provider
}

// NewRegistry creates a new provider registry from configuration.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]providerInstance),
		purposes: map[string]LLMPurposeConfig{
			"distill": cfg.Distill,
			"curator": cfg.Curator,
		},
		cooldowns: make(map[string]*providerCooldown),
	}

	for name, provCfg := range cfg.Providers {
		if err := r.initProvider(name, provCfg); err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
	}

	L_info("llm: registry created", "providers", len(r.providers),
		"distillModels", len(cfg.Distill.Models), "curatorModels", len(cfg.Curator.Models))

	return r, nil
}

func (r *Registry) initProvider(name string, cfg LLMProviderConfig) error {
	var provider Provider
	var err error

	switch cfg.Driver {
	case "anthropic", "":
		provider, err = NewAnthropicProvider(name, cfg)
	default:
		return fmt.Errorf("unknown provider driver: %s", cfg.Driver)
	}
	if err != nil {
		return err
	}

	r.providers[name] = providerInstance{config: cfg, provider: provider}
	L_debug("llm: provider initialized", "name", name, "driver", cfg.Driver)
	return nil
}

// GetProvider returns the first available provider for a purpose, trying
// fallbacks in chain order.
func (r *Registry) GetProvider(purpose string) (Provider, error) {
	r.mu.RLock()
	cfg := r.purposes[purpose]
	r.mu.RUnlock()

	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("no models configured for purpose: %s", purpose)
	}

	for i, ref := range cfg.Models {
		provider, err := r.resolve(ref)
		if err != nil {
			L_debug("llm: failed to resolve model", "ref", ref, "error", err)
			continue
		}
		if !provider.IsAvailable() {
			continue
		}
		if i > 0 {
			L_info("llm: using fallback", "purpose", purpose, "model", ref, "position", i+1)
		}
		return provider, nil
	}

	return nil, fmt.Errorf("no available provider for %s (tried: %v)", purpose, cfg.Models)
}

// resolve parses a "provider/model" reference and returns a provider cloned
// with that model.
func (r *Registry) resolve(ref string) (Provider, error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid model reference: %s (expected provider/model)", ref)
	}
	providerName, modelName := parts[0], parts[1]

	r.mu.RLock()
	instance, ok := r.providers[providerName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", providerName)
	}

	return instance.provider.WithModel(modelName), nil
}

// ==================== Provider cooldown management ====================

// calculateCooldownDuration returns the cooldown duration based on error
// count and type. Non-billing: 1min -> 5min -> 25min -> 1hr max (base 5).
// Billing: 5hr -> 10hr -> 20hr -> 24hr max (base 2).
func calculateCooldownDuration(errorCount int, isBilling bool) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}
	if isBilling {
		base := 5 * time.Hour
		maxDur := 24 * time.Hour
		exponent := min(errorCount-1, 3)
		dur := time.Duration(float64(base) * math.Pow(2, float64(exponent)))
		if dur > maxDur {
			return maxDur
		}
		return dur
	}

	base := time.Minute
	maxDur := time.Hour
	exponent := min(errorCount-1, 3)
	dur := time.Duration(float64(base) * math.Pow(5, float64(exponent)))
	if dur > maxDur {
		return maxDur
	}
	return dur
}

func (r *Registry) isProviderInCooldown(alias string) bool {
	r.cooldownMu.RLock()
	defer r.cooldownMu.RUnlock()
	cd := r.cooldowns[alias]
	return cd != nil && time.Now().Before(cd.until)
}

func (r *Registry) markProviderCooldown(alias string, errType ErrorType) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()

	cd := r.cooldowns[alias]
	if cd == nil {
		cd = &providerCooldown{}
		r.cooldowns[alias] = cd
	}
	cd.errorCount++
	cd.reason = errType
	cd.until = time.Now().Add(calculateCooldownDuration(cd.errorCount, errType == ErrorTypeBilling))

	L_warn("llm: provider cooldown", "provider", alias, "until", cd.until.Format("15:04:05"),
		"reason", errType, "errorCount", cd.errorCount, "duration", time.Until(cd.until).Round(time.Second))
}

func (r *Registry) clearProviderCooldown(alias string) (wasInCooldown bool, reason ErrorType) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	cd := r.cooldowns[alias]
	if cd != nil {
		wasInCooldown = true
		reason = cd.reason
		delete(r.cooldowns, alias)
		L_info("llm: provider cooldown cleared", "provider", alias, "wasReason", reason)
	}
	return
}

// GetProviderStatus returns the status of all providers.
func (r *Registry) GetProviderStatus() []ProviderStatus {
	r.mu.RLock()
	providers := make([]string, 0, len(r.providers))
	for name := range r.providers {
		providers = append(providers, name)
	}
	r.mu.RUnlock()

	r.cooldownMu.RLock()
	defer r.cooldownMu.RUnlock()

	now := time.Now()
	statuses := make([]ProviderStatus, 0, len(providers))
	for _, alias := range providers {
		status := ProviderStatus{Alias: alias}
		if cd := r.cooldowns[alias]; cd != nil && now.Before(cd.until) {
			status.InCooldown = true
			status.Until = cd.until
			status.Reason = cd.reason
			status.ErrorCount = cd.errorCount
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// SimpleMessageResult contains the result of a failover-enabled SimpleMessage call.
type SimpleMessageResult struct {
	Text       string
	ModelUsed  string
	FailedOver bool
}

// SimpleMessageWithFailover tries each model in a purpose's chain in order,
// skipping providers currently in cooldown, until one succeeds or all fail.
// Worker sessions use this for every distiller/curator dispatch.
func (r *Registry) SimpleMessageWithFailover(ctx context.Context, purpose, userMessage, systemPrompt string) (*SimpleMessageResult, error) {
	r.mu.RLock()
	cfg, ok := r.purposes[purpose]
	r.mu.RUnlock()
	if !ok || len(cfg.Models) == 0 {
		return nil, fmt.Errorf("no models configured for purpose: %s", purpose)
	}

	result := &SimpleMessageResult{}
	var lastErr error
	primaryModel := cfg.Models[0]

	for _, modelRef := range cfg.Models {
		parts := strings.SplitN(modelRef, "/", 2)
		if len(parts) < 2 {
			continue
		}
		providerAlias := parts[0]

		if r.isProviderInCooldown(providerAlias) {
			L_debug("llm: provider in cooldown, skipping", "model", modelRef)
			continue
		}

		provider, err := r.resolve(modelRef)
		if err != nil || !provider.IsAvailable() {
			continue
		}

		text, err := provider.SimpleMessage(ctx, userMessage, systemPrompt)
		if err == nil {
			result.Text = text
			result.ModelUsed = modelRef
			result.FailedOver = modelRef != primaryModel
			r.clearProviderCooldown(providerAlias)
			if result.FailedOver {
				L_info("llm: used fallback model", "model", modelRef, "primary", primaryModel, "purpose", purpose)
			}
			return result, nil
		}

		errType := ClassifyError(err.Error())
		if !IsFailoverError(errType) {
			L_warn("llm: non-failover error, stopping", "model", modelRef, "errType", errType, "error", err)
			return result, err
		}

		r.markProviderCooldown(providerAlias, errType)
		L_warn("llm: trying next model", "failed", modelRef, "reason", errType, "error", err)
		lastErr = err
	}

	return result, fmt.Errorf("all models failed for %s (last: %w)", purpose, lastErr)
}
