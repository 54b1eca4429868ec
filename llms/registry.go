package llms

import (
	"context"
	"fmt"
	"sync"

	"github.com/crewkit/crewkit/config"
	"github.com/crewkit/crewkit/registry"
)

// ============================================================================
// LLM REGISTRY
// ============================================================================

// Registry caches provider instances keyed by model name. The provider
// family is inferred from the model name prefix; credentials and host come
// from the per-family base configuration.
type Registry struct {
	*registry.BaseRegistry[LLMProvider]
	mu       sync.Mutex
	families map[string]config.LLMProviderConfig // family -> base config
}

// NewRegistry creates a registry from the configured provider families.
// Map keys are matched against the family first, then the entry's Type.
func NewRegistry(llms map[string]config.LLMProviderConfig) *Registry {
	families := make(map[string]config.LLMProviderConfig, len(llms))
	for name, cfg := range llms {
		family := cfg.Type
		if family == "" {
			family = name
		}
		families[family] = cfg
	}
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[LLMProvider](),
		families:     families,
	}
}

// ProviderFor returns a provider for the given model, creating and caching
// it on first use.
func (r *Registry) ProviderFor(ctx context.Context, model string) (LLMProvider, error) {
	if model == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}

	if provider, exists := r.Get(model); exists {
		return provider, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the construction lock.
	if provider, exists := r.Get(model); exists {
		return provider, nil
	}

	family := InferProvider(model)
	base, ok := r.families[family]
	if !ok {
		return nil, fmt.Errorf("no %s provider configured for model '%s'", family, model)
	}

	cfg := base
	cfg.Type = family
	cfg.Model = model

	var provider LLMProvider
	var err error
	switch family {
	case ProviderAnthropic:
		provider, err = NewAnthropicProviderFromConfig(&cfg)
	case ProviderGoogle:
		provider, err = NewGeminiProviderFromConfig(ctx, &cfg)
	default:
		provider, err = NewOpenAIProviderFromConfig(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", family, err)
	}

	r.Put(model, provider)
	return provider, nil
}

// Close closes all cached providers.
func (r *Registry) Close() error {
	for _, provider := range r.List() {
		provider.Close()
	}
	r.Clear()
	return nil
}
