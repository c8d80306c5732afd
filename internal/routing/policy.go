// policy.go - Tier → provider defaults, task reassignment and vision redirect rules

package routing

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/bosocmputer/pharma_ocr_router/internal/common"
)

// MaxDefaultsPerTier bounds the static default list of a tier
const MaxDefaultsPerTier = 4

// DefaultProvider is one entry of a tier's static default list
type DefaultProvider struct {
	ProviderID string `json:"provider" yaml:"provider"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
}

// TierPolicy is the routing policy of one subscriber tier
type TierPolicy struct {
	ID   string `json:"id" yaml:"id"`
	Rank int    `json:"rank" yaml:"rank"`
	// Defaults are used when the assignment store is unavailable; the local engine is last
	Defaults []DefaultProvider `json:"defaults" yaml:"defaults"`
	// TaskReassignments pins a provider to a single task on this tier
	TaskReassignments map[string]common.TaskKind `json:"task_reassignments,omitempty" yaml:"task_reassignments,omitempty"`
	// VisionRedirects sends vision-OCR for a provider without vision to another provider
	VisionRedirects map[string]string `json:"vision_redirects,omitempty" yaml:"vision_redirects,omitempty"`
}

// EffectiveTask returns the task a provider serves on this tier
func (t TierPolicy) EffectiveTask(providerID string, stored common.TaskKind) common.TaskKind {
	if task, ok := t.TaskReassignments[providerID]; ok {
		return task
	}
	return stored
}

// Policy is the full routing policy
type Policy struct {
	LocalEngine string       `json:"local_engine" yaml:"local_engine"`
	Tiers       []TierPolicy `json:"tiers" yaml:"tiers"`
}

// DefaultPolicy is the built-in product policy.
//
//	free         gemini → tesseract
//	basic        perplexity → gemini → tesseract   (perplexity vision-OCR redirected to gemini)
//	professional gemini → mistral → anthropic → tesseract (mistral: ocr only, anthropic: verify only)
//	enterprise   anthropic → gemini → mistral → tesseract
func DefaultPolicy() *Policy {
	return &Policy{
		LocalEngine: "tesseract",
		Tiers: []TierPolicy{
			{
				ID:   "free",
				Rank: 0,
				Defaults: []DefaultProvider{
					{ProviderID: "gemini", Model: "gemini-2.5-flash-lite"},
					{ProviderID: "tesseract"},
				},
			},
			{
				ID:   "basic",
				Rank: 1,
				Defaults: []DefaultProvider{
					{ProviderID: "perplexity"},
					{ProviderID: "gemini", Model: "gemini-2.5-flash"},
					{ProviderID: "tesseract"},
				},
				VisionRedirects: map[string]string{"perplexity": "gemini"},
			},
			{
				ID:   "professional",
				Rank: 2,
				Defaults: []DefaultProvider{
					{ProviderID: "gemini", Model: "gemini-2.5-flash"},
					{ProviderID: "mistral"},
					{ProviderID: "anthropic"},
					{ProviderID: "tesseract"},
				},
				TaskReassignments: map[string]common.TaskKind{
					"mistral":   common.TaskOCR,
					"anthropic": common.TaskVerify,
				},
			},
			{
				ID:   "enterprise",
				Rank: 3,
				Defaults: []DefaultProvider{
					{ProviderID: "anthropic"},
					{ProviderID: "gemini", Model: "gemini-2.5-pro"},
					{ProviderID: "mistral"},
					{ProviderID: "tesseract"},
				},
			},
		},
	}
}

// LoadPolicy reads a YAML policy file; an empty path returns DefaultPolicy
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "routing: read policy %s", path)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrapf(err, "routing: parse policy %s", path)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the structural rules every policy must satisfy
func (p *Policy) Validate() error {
	if p.LocalEngine == "" {
		return eris.New("routing: policy has no local_engine")
	}
	if len(p.Tiers) == 0 {
		return eris.New("routing: policy has no tiers")
	}

	seen := make(map[string]bool, len(p.Tiers))
	for _, t := range p.Tiers {
		if t.ID == "" {
			return eris.New("routing: tier without id")
		}
		if seen[t.ID] {
			return eris.Errorf("routing: duplicate tier %q", t.ID)
		}
		seen[t.ID] = true

		if n := len(t.Defaults); n == 0 || n > MaxDefaultsPerTier {
			return eris.Errorf("routing: tier %q must have 1-%d default providers, has %d", t.ID, MaxDefaultsPerTier, n)
		}
		if last := t.Defaults[len(t.Defaults)-1].ProviderID; last != p.LocalEngine {
			return eris.Errorf("routing: tier %q defaults must end with local engine %q, ends with %q", t.ID, p.LocalEngine, last)
		}
		if len(t.VisionRedirects) > 1 {
			return eris.Errorf("routing: tier %q has %d vision redirects, at most one is allowed", t.ID, len(t.VisionRedirects))
		}
		for from, to := range t.VisionRedirects {
			if from == to || to == "" {
				return eris.Errorf("routing: tier %q has an invalid vision redirect %q -> %q", t.ID, from, to)
			}
		}
		for provider, task := range t.TaskReassignments {
			if !task.Valid() {
				return eris.Errorf("routing: tier %q reassigns %q to unknown task %q", t.ID, provider, task)
			}
		}
	}
	return nil
}

// Tier looks up a tier by id
func (p *Policy) Tier(id string) (TierPolicy, bool) {
	for _, t := range p.Tiers {
		if t.ID == id {
			return t, true
		}
	}
	return TierPolicy{}, false
}

// Lowest returns the tier with the smallest rank
func (p *Policy) Lowest() TierPolicy {
	lowest := p.Tiers[0]
	for _, t := range p.Tiers[1:] {
		if t.Rank < lowest.Rank {
			lowest = t
		}
	}
	return lowest
}
