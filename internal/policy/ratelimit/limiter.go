// Package ratelimit throttles page fetches per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the steady request rate per host. Zero or less means unlimited.
	RPS   float64
	Burst int
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Wait blocks until a token is available for the URL's host.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := metrics.SanitizeSite(rawURL)

	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Fetcher delays each fetch until the target host has budget.
type Fetcher struct {
	next    media.Fetcher
	limiter *Limiter
}

// Wrap returns next unchanged when limiting is disabled.
func Wrap(next media.Fetcher, cfg Config) media.Fetcher {
	if cfg.RPS <= 0 {
		return next
	}
	return &Fetcher{next: next, limiter: New(cfg)}
}

// Fetch implements media.Fetcher. A canceled wait is reported as a
// FetchError so the job is retried rather than dropped.
func (f *Fetcher) Fetch(ctx context.Context, url string) (media.Page, error) {
	if err := f.limiter.Wait(ctx, url); err != nil {
		return media.Page{}, &media.FetchError{URL: url, Err: err}
	}
	page, err := f.next.Fetch(ctx, url)
	if err != nil {
		return media.Page{}, fmt.Errorf("rate limited fetch: %w", err)
	}
	return page, nil
}
