// Package ratelimit throttles API mutations per namespace.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter decides whether one more mutation in namespace may proceed.
type Limiter interface {
	Allow(ctx context.Context, namespace string) (bool, error)
}

// Local keeps one token bucket per namespace in process memory.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewLocal allows perSecond mutations per namespace with bursts of up to burst.
// A non-positive perSecond disables limiting.
func NewLocal(perSecond float64, burst int) *Local {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Local{buckets: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

func (l *Local) Allow(_ context.Context, namespace string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[namespace]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[namespace] = b
	}
	l.mu.Unlock()
	return b.Allow(), nil
}
