// Package ratelimit applies per-host token buckets to outbound fetches.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/pagecapture/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// PerHostRPS is the sustained request rate per host. Zero disables limiting.
	PerHostRPS float64
	// Burst is the bucket size per host (default 1).
	Burst int
	// Overrides replaces the rate for specific hosts.
	Overrides map[string]float64
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burst     int
	overrides map[string]rate.Limit
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]rate.Limit, len(cfg.Overrides))
	for host, rps := range cfg.Overrides {
		limit := rate.Limit(rps)
		if rps <= 0 {
			limit = rate.Inf
		}
		overrides[strings.ToLower(host)] = limit
	}
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burst:     burst,
		overrides: overrides,
	}
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[host]
	if !ok {
		r := l.rate
		if override, found := l.overrides[host]; found {
			r = override
		}
		limiter = rate.NewLimiter(r, l.burst)
		l.limiters[host] = limiter
	}
	return limiter
}

// Wait blocks until a token is available for the URL's host or ctx ends.
// Waits longer than a millisecond are recorded.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	limiter := l.limiterFor(host)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}
