// rate_limiter.go - Per-provider request pacing to stay under upstream RPM limits

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bosocmputer/pharma_ocr_router/configs"
)

// Limiters holds one token bucket per provider. Providers without a configured RPM are not paced.
type Limiters struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewLimiters creates limiters from a provider → requests-per-minute map; rpm <= 0 disables pacing
func NewLimiters(rpm map[string]int) *Limiters {
	l := &Limiters{limiters: make(map[string]*rate.Limiter, len(rpm))}
	for provider, n := range rpm {
		l.Set(provider, n)
	}
	return l
}

// FromConfig builds limiters from configs.PROVIDER_RPM
func FromConfig() *Limiters {
	return NewLimiters(configs.PROVIDER_RPM)
}

// Set replaces the limit of one provider.
// Burst equals the per-minute budget so a cold process may spend a full minute's quota at once,
// then refills at rpm/60 per second.
func (l *Limiters) Set(provider string, rpm int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rpm <= 0 {
		delete(l.limiters, provider)
		return
	}
	every := time.Minute / time.Duration(rpm)
	l.limiters[provider] = rate.NewLimiter(rate.Every(every), rpm)
}

// Wait blocks until provider may issue a request or ctx is done
func (l *Limiters) Wait(ctx context.Context, provider string) error {
	l.mu.RLock()
	lim, ok := l.limiters[provider]
	l.mu.RUnlock()
	if !ok {
		return nil
	}

	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return eris.Wrapf(err, "ratelimit: wait for %s", provider)
	}
	if waited := time.Since(start); waited > time.Second {
		zap.L().Debug("rate limited",
			zap.String("provider", provider),
			zap.Duration("waited", waited))
	}
	return nil
}
