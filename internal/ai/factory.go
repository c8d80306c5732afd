// factory.go - Provider registry and construction from configuration

package ai

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/bosocmputer/pharma_ocr_router/configs"
)

// Registry maps provider ids to adapters. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry holding the given providers
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider under its Name()
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider ids, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateProviders builds every adapter from configs. Adapters are registered even without an
// API key; the resolver drops providers whose credential lookup fails.
func CreateProviders() *Registry {
	registry := NewRegistry(
		NewGeminiProvider(configs.GEMINI_API_KEY, configs.GEMINI_MODEL_NAME, Pricing{
			InputPerMillion:  configs.GEMINI_INPUT_PRICE_PER_MILLION,
			OutputPerMillion: configs.GEMINI_OUTPUT_PRICE_PER_MILLION,
		}),
		NewMistralProvider(configs.MISTRAL_API_KEY, configs.MISTRAL_MODEL_NAME, configs.MISTRAL_TEXT_MODEL,
			configs.MISTRAL_OCR_PRICE_PER_PAGE, Pricing{
				InputPerMillion:  configs.MISTRAL_INPUT_PRICE_PER_MILLION,
				OutputPerMillion: configs.MISTRAL_OUTPUT_PRICE_PER_MILLION,
			}),
		NewAnthropicProvider(configs.ANTHROPIC_API_KEY, configs.ANTHROPIC_MODEL_NAME, Pricing{
			InputPerMillion:  configs.ANTHROPIC_INPUT_PRICE_PER_MILLION,
			OutputPerMillion: configs.ANTHROPIC_OUTPUT_PRICE_PER_MILLION,
		}),
		NewPerplexityProvider(configs.PERPLEXITY_API_KEY, configs.PERPLEXITY_MODEL_NAME, "", Pricing{
			InputPerMillion:  configs.PERPLEXITY_INPUT_PRICE_PER_MILLION,
			OutputPerMillion: configs.PERPLEXITY_OUTPUT_PRICE_PER_MILLION,
		}),
		NewTesseractProvider(configs.TESSERACT_LANGUAGES...),
	)

	zap.L().Info("providers registered", zap.Strings("providers", registry.Names()))
	return registry
}
