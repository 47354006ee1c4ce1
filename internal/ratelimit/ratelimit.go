// Package ratelimit gates outbound LLM-provider calls behind a
// per-provider token bucket (spec §5: "LLM providers have a
// per-provider semaphore or token-bucket; calls wait on this gate
// before dispatching, and respect server-reported rate-limit delays").
//
// Grounded on kadirpekel-hector/pkg/ratelimit's rule-based limiter
// concept, but implemented with golang.org/x/time/rate (as
// goadesign-goa-ai depends on for the same purpose) rather than
// hector's SQL-backed multi-tenant quota system, which is
// disproportionate to gating a single process's calls to one
// provider.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Gate limits calls per named provider.
type Gate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewGate creates a Gate allowing rps requests per second per provider,
// with the given burst.
func NewGate(rps float64, burst int) *Gate {
	return &Gate{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (g *Gate) limiterFor(provider string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[provider]
	if !ok {
		l = rate.NewLimiter(g.rps, g.burst)
		g.limiters[provider] = l
	}
	return l
}

// Wait blocks until a call to provider is permitted, or ctx is done.
func (g *Gate) Wait(ctx context.Context, provider string) error {
	return g.limiterFor(provider).Wait(ctx)
}
