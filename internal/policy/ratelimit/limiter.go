// Package ratelimit implements the process-wide token bucket that gates every
// request sent to the archive.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/edgar-index/internal/metrics"
)

// Config holds rate limiter configuration. Requests tokens are granted per
// Window, with a burst of Requests.
type Config struct {
	Requests int
	Window   time.Duration
}

// Limiter is a single token bucket shared by all callers.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a new Limiter. Non-positive settings disable limiting.
func New(cfg Config) *Limiter {
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	every := rate.Every(cfg.Window / time.Duration(cfg.Requests))
	return &Limiter{limiter: rate.NewLimiter(every, cfg.Requests)}
}

// Wait blocks until a token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(d)
	}
	return nil
}
