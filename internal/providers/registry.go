package providers

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// fallbackPrefix is the route taken by model names that match nothing.
const fallbackPrefix = "claude"

// Factory builds a Provider on first use. Factories read API keys at
// build time rather than registration time, so a key exported after the
// process started is still picked up.
type Factory func() (Provider, error)

// Registry routes model names to providers by prefix.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Provider),
	}
}

// Register maps a model-name prefix to a provider factory.
func (r *Registry) Register(prefix string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[prefix] = factory
}

// ForModel returns the provider for a model name using the longest
// registered prefix that matches. Unmatched models take the "claude"
// route, so an unknown model name still reaches a working provider.
// Successful builds are cached; factory errors are not, so a fixed
// environment heals on the next call.
func (r *Registry) ForModel(model string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := ""
	for p := range r.factories {
		if strings.HasPrefix(model, p) && len(p) > len(prefix) {
			prefix = p
		}
	}
	if prefix == "" {
		prefix = fallbackPrefix
	}

	factory, ok := r.factories[prefix]
	if !ok {
		return nil, fmt.Errorf("providers: no provider registered for model %q", model)
	}

	if inst, ok := r.instances[prefix]; ok {
		return inst, nil
	}
	inst, err := factory()
	if err != nil {
		return nil, err
	}
	r.instances[prefix] = inst
	return inst, nil
}

// Credentials is the per-provider configuration handed to DefaultRegistry.
// Empty fields fall back to environment variables and provider defaults.
type Credentials struct {
	APIKey  string
	BaseURL string
	Model   string
}

// DefaultRegistry wires the built-in providers: claude* routes to
// Anthropic, gpt*/o1*/o3*/o4* to OpenAI, gemini* to Gemini.
func DefaultRegistry(anthropic, openai, gemini Credentials) *Registry {
	r := NewRegistry()

	r.Register("claude", func() (Provider, error) {
		key := resolveKey(anthropic.APIKey, "ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("anthropic: no API key (set ANTHROPIC_API_KEY or providers.anthropic.api_key)")
		}
		return NewAnthropicProvider(key,
			WithAnthropicBaseURL(anthropic.BaseURL),
			WithAnthropicModel(anthropic.Model),
		), nil
	})

	openaiFactory := func() (Provider, error) {
		key := resolveKey(openai.APIKey, "OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("openai: no API key (set OPENAI_API_KEY or providers.openai.api_key)")
		}
		model := openai.Model
		if model == "" {
			model = "gpt-4o"
		}
		return NewOpenAIProvider("openai", key, openai.BaseURL, model), nil
	}
	for _, prefix := range []string{"gpt", "o1", "o3", "o4"} {
		r.Register(prefix, openaiFactory)
	}

	r.Register("gemini", func() (Provider, error) {
		key := resolveKey(gemini.APIKey, "GEMINI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("gemini: no API key (set GEMINI_API_KEY or providers.gemini.api_key)")
		}
		return NewGeminiProvider(key, gemini.BaseURL, gemini.Model), nil
	})

	return r
}

func resolveKey(configured, envName string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(envName)
}
