package providers

import (
	"fmt"
	"sync"

	"github.com/nightwatchhq/nightwatch/internal/personas"
)

// Resolver builds and caches a Provider per persona model config, so two
// personas sharing the same provider/model/key share one rate limiter.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]Provider

	defaultAnthropicKey string
	defaultOpenAIKey    string
}

// NewResolver creates a resolver. The default keys back personas whose
// model config carries no key of its own.
func NewResolver(anthropicKey, openAIKey string) *Resolver {
	return &Resolver{
		cache:               make(map[string]Provider),
		defaultAnthropicKey: anthropicKey,
		defaultOpenAIKey:    openAIKey,
	}
}

// For returns the provider serving the persona's model config. Personas
// without one get the anthropic default.
func (r *Resolver) For(p personas.Persona) (Provider, error) {
	mc := p.ModelConfig
	if mc == nil {
		mc = &personas.ModelConfig{}
	}
	key := mc.Provider + "|" + mc.Model + "|" + mc.BaseURL

	r.mu.Lock()
	defer r.mu.Unlock()
	if prov, ok := r.cache[key]; ok {
		return prov, nil
	}

	prov, err := r.build(mc)
	if err != nil {
		return nil, err
	}
	r.cache[key] = prov
	return prov, nil
}

func (r *Resolver) build(mc *personas.ModelConfig) (Provider, error) {
	switch mc.Provider {
	case "anthropic", "":
		apiKey := mc.Env["ANTHROPIC_API_KEY"]
		if apiKey == "" {
			apiKey = r.defaultAnthropicKey
		}
		if apiKey == "" {
			return nil, fmt.Errorf("providers: no anthropic api key configured")
		}
		return NewAnthropicProvider(apiKey,
			WithAnthropicModel(mc.Model),
			WithAnthropicBaseURL(mc.BaseURL),
		), nil
	case "openai":
		apiKey := mc.Env["OPENAI_API_KEY"]
		if apiKey == "" {
			apiKey = r.defaultOpenAIKey
		}
		if apiKey == "" {
			return nil, fmt.Errorf("providers: no openai api key configured")
		}
		return NewOpenAIProvider(apiKey,
			WithOpenAIModel(mc.Model),
			WithOpenAIBaseURL(mc.BaseURL),
		), nil
	default:
		return nil, fmt.Errorf("providers: unknown provider %q", mc.Provider)
	}
}
