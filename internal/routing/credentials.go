// credentials.go - Per-provider credential lookup

package routing

import (
	"github.com/rotisserie/eris"

	"github.com/bosocmputer/pharma_ocr_router/configs"
	"github.com/bosocmputer/pharma_ocr_router/internal/ai"
)

// ErrNoCredential is returned when a provider has no usable API key
var ErrNoCredential = eris.New("routing: no credential configured")

// CredentialSource supplies the API key and default model for a provider
type CredentialSource interface {
	Credential(providerID string) (ai.Credential, error)
}

// StaticCredentials is an in-memory CredentialSource
type StaticCredentials struct {
	creds map[string]ai.Credential
	local map[string]bool
}

// NewStaticCredentials creates a source from creds. Providers listed in local need no key.
func NewStaticCredentials(creds map[string]ai.Credential, local ...string) *StaticCredentials {
	s := &StaticCredentials{
		creds: make(map[string]ai.Credential, len(creds)),
		local: make(map[string]bool, len(local)),
	}
	for id, c := range creds {
		s.creds[id] = c
	}
	for _, id := range local {
		s.local[id] = true
	}
	return s
}

// EnvCredentials builds a source from the loaded configs
func EnvCredentials(localEngine string) *StaticCredentials {
	return NewStaticCredentials(map[string]ai.Credential{
		"gemini":     {APIKey: configs.GEMINI_API_KEY, Model: configs.GEMINI_MODEL_NAME},
		"mistral":    {APIKey: configs.MISTRAL_API_KEY, Model: configs.MISTRAL_MODEL_NAME},
		"anthropic":  {APIKey: configs.ANTHROPIC_API_KEY, Model: configs.ANTHROPIC_MODEL_NAME},
		"perplexity": {APIKey: configs.PERPLEXITY_API_KEY, Model: configs.PERPLEXITY_MODEL_NAME},
	}, localEngine)
}

// Credential implements CredentialSource
func (s *StaticCredentials) Credential(providerID string) (ai.Credential, error) {
	if s.local[providerID] {
		return ai.Credential{}, nil
	}
	c, ok := s.creds[providerID]
	if !ok || c.APIKey == "" {
		return ai.Credential{}, eris.Wrapf(ErrNoCredential, "provider %s", providerID)
	}
	return c, nil
}
