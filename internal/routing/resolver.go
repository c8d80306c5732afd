// resolver.go - Resolves the ordered provider list for (tier, task) with a TTL cache

package routing

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bosocmputer/pharma_ocr_router/configs"
	"github.com/bosocmputer/pharma_ocr_router/internal/common"
)

// ModelConfig is the per-assignment model setup handed to the provider adapter
type ModelConfig struct {
	Model       string   `json:"model,omitempty" bson:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" bson:"max_tokens,omitempty"`
	Temperature *float32 `json:"temperature,omitempty" bson:"temperature,omitempty"`
	// filled by the resolver, never persisted
	APIKey         string `json:"-" bson:"-"`
	VisionRedirect string `json:"vision_redirect,omitempty" bson:"-"`
}

// ProviderAssignment binds a provider to a (tier, task) with a priority; lower runs first
type ProviderAssignment struct {
	TierID     string          `json:"tier_id" bson:"tier_id"`
	Task       common.TaskKind `json:"task" bson:"task"`
	ProviderID string          `json:"provider_id" bson:"provider_id"`
	Priority   int             `json:"priority" bson:"priority"`
	Active     bool            `json:"is_active" bson:"is_active"`
	Model      ModelConfig     `json:"model_config" bson:"model_config"`
}

// AssignmentStore returns the active assignments of a tier (all tasks)
type AssignmentStore interface {
	ActiveAssignments(ctx context.Context, tierID string) ([]ProviderAssignment, error)
}

// Cache lifetimes used when configs has not been loaded
const (
	DefaultCacheTTL    = 5 * time.Minute
	DefaultFallbackTTL = 30 * time.Second
)

type cacheKey struct {
	tier string
	task common.TaskKind
}

type cacheEntry struct {
	assignments []ProviderAssignment
	expiresAt   time.Time
}

// Resolver answers "which providers, in which order" for a (tier, task)
type Resolver struct {
	store       AssignmentStore
	creds       CredentialSource
	policy      *Policy
	ttl         time.Duration
	fallbackTTL time.Duration
	now         func() time.Time

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithTTL sets how long a store-backed list is cached
func WithTTL(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = d }
}

// WithFallbackTTL sets how long defaults are cached after a store failure
func WithFallbackTTL(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.fallbackTTL = d }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver. store may be nil, in which case defaults are always used.
func NewResolver(store AssignmentStore, creds CredentialSource, policy *Policy, opts ...ResolverOption) *Resolver {
	if policy == nil {
		policy = DefaultPolicy()
	}
	r := &Resolver{
		store:       store,
		creds:       creds,
		policy:      policy,
		ttl:         durationOr(configs.ASSIGNMENT_CACHE_TTL, DefaultCacheTTL),
		fallbackTTL: durationOr(configs.ASSIGNMENT_FALLBACK_TTL, DefaultFallbackTTL),
		now:         time.Now,
		cache:       make(map[cacheKey]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the routing policy in use
func (r *Resolver) Policy() *Policy {
	return r.policy
}

// Resolve returns the ordered assignments for (tierID, task). It never returns an empty list
// and never returns an error: store failures degrade to the tier defaults.
func (r *Resolver) Resolve(ctx context.Context, tierID string, task common.TaskKind) []ProviderAssignment {
	tier, ok := r.policy.Tier(tierID)
	if !ok {
		tier = r.policy.Lowest()
		zap.L().Warn("unknown tier, using lowest tier defaults",
			zap.String("tier", tierID),
			zap.String("fallback_tier", tier.ID))
		return r.ensureLocal(tier, r.inject(tier, r.defaults(tier, task)), task)
	}

	key := cacheKey{tier: tier.ID, task: task}

	r.mu.RLock()
	if e, ok := r.cache[key]; ok && r.now().Before(e.expiresAt) {
		r.mu.RUnlock()
		return slices.Clone(e.assignments)
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// another goroutine may have refreshed while we waited
	if e, ok := r.cache[key]; ok && r.now().Before(e.expiresAt) {
		return slices.Clone(e.assignments)
	}

	list, ttl := r.load(ctx, tier, task)
	list = r.ensureLocal(tier, r.inject(tier, list), task)

	r.cache[key] = cacheEntry{assignments: list, expiresAt: r.now().Add(ttl)}

	zap.L().Debug("assignments resolved",
		zap.String("tier", tier.ID),
		zap.String("task", string(task)),
		zap.Int("count", len(list)),
		zap.Duration("ttl", ttl))

	return slices.Clone(list)
}

// Invalidate drops every cached entry of a tier
func (r *Resolver) Invalidate(tierID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if k.tier == tierID {
			delete(r.cache, k)
		}
	}
}

// Clear drops the whole cache
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[cacheKey]cacheEntry)
}

func (r *Resolver) load(ctx context.Context, tier TierPolicy, task common.TaskKind) ([]ProviderAssignment, time.Duration) {
	if r.store == nil {
		return r.defaults(tier, task), r.ttl
	}

	rows, err := r.store.ActiveAssignments(ctx, tier.ID)
	if err != nil {
		zap.L().Warn("assignment store unavailable, using tier defaults",
			zap.String("tier", tier.ID),
			zap.String("task", string(task)),
			zap.Error(err))
		return r.defaults(tier, task), r.fallbackTTL
	}

	list := make([]ProviderAssignment, 0, len(rows))
	for _, row := range rows {
		if !row.Active {
			continue
		}
		if tier.EffectiveTask(row.ProviderID, row.Task) != task {
			continue
		}
		row.TierID = tier.ID
		row.Task = task
		list = append(list, row)
	}

	if len(list) == 0 {
		return r.defaults(tier, task), r.ttl
	}

	slices.SortStableFunc(list, func(a, b ProviderAssignment) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	return list, r.ttl
}

// defaults builds the static list of a tier, honoring task reassignments
func (r *Resolver) defaults(tier TierPolicy, task common.TaskKind) []ProviderAssignment {
	list := make([]ProviderAssignment, 0, len(tier.Defaults))
	for i, d := range tier.Defaults {
		if tier.EffectiveTask(d.ProviderID, task) != task {
			continue
		}
		list = append(list, ProviderAssignment{
			TierID:     tier.ID,
			Task:       task,
			ProviderID: d.ProviderID,
			Priority:   i + 1,
			Active:     true,
			Model:      ModelConfig{Model: d.Model},
		})
	}
	return list
}

// inject attaches credentials and the vision redirect; providers without a credential are dropped
func (r *Resolver) inject(tier TierPolicy, list []ProviderAssignment) []ProviderAssignment {
	out := make([]ProviderAssignment, 0, len(list))
	for _, a := range list {
		if r.creds != nil {
			cred, err := r.creds.Credential(a.ProviderID)
			if err != nil {
				zap.L().Warn("provider skipped, no credential",
					zap.String("tier", tier.ID),
					zap.String("provider", a.ProviderID),
					zap.Error(err))
				continue
			}
			a.Model.APIKey = cred.APIKey
			if a.Model.Model == "" {
				a.Model.Model = cred.Model
			}
		}
		a.Model.VisionRedirect = tier.VisionRedirects[a.ProviderID]
		out = append(out, a)
	}
	return out
}

func (r *Resolver) ensureLocal(tier TierPolicy, list []ProviderAssignment, task common.TaskKind) []ProviderAssignment {
	if len(list) > 0 {
		return list
	}
	zap.L().Warn("no usable provider, falling back to local engine",
		zap.String("tier", tier.ID),
		zap.String("task", string(task)),
		zap.String("provider", r.policy.LocalEngine))
	return []ProviderAssignment{{
		TierID:     tier.ID,
		Task:       task,
		ProviderID: r.policy.LocalEngine,
		Priority:   1,
		Active:     true,
	}}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
