// Package governor enforces request spacing per remote host and bounds
// retries per work unit.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ozank/scholarharvest/internal/harvest"
)

// Config controls pacing and retry behavior.
type Config struct {
	// PolitenessDelay is the minimum spacing between requests to one host.
	PolitenessDelay time.Duration
	// RetryCount is the number of retries after the first attempt.
	RetryCount int
	// Backoff is the base wait for transient failures; attempt k waits
	// k times this value.
	Backoff time.Duration
	// RateLimitedBackoff is the base wait after a 429 or block page.
	RateLimitedBackoff time.Duration
	// Burst allows short bursts through the per-host bucket.
	Burst int
}

// Governor paces requests with per-host token buckets and drives the
// bounded retry loop around each unit fetch.
type Governor struct {
	cfg      Config
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// New builds a Governor. A zero politeness delay disables pacing.
func New(cfg Config, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.RateLimitedBackoff <= 0 {
		cfg.RateLimitedBackoff = 5 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Governor{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

// Wait blocks until the host's token bucket releases a slot or the context
// ends.
func (g *Governor) Wait(ctx context.Context, host string) error {
	limiter := g.limiterFor(host)
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait for %s: %w", host, err)
	}
	return nil
}

// Do runs attempt with pacing and bounded retries. Transient and
// rate-limited failures are retried with linear backoff, up to RetryCount
// retries; permanent failures return immediately. The returned error is the
// last attempt's error when every attempt failed.
func (g *Governor) Do(ctx context.Context, host string, attempt func(ctx context.Context) error) error {
	var lastErr error
	for try := 0; try <= g.cfg.RetryCount; try++ {
		if try > 0 {
			if err := g.pause(ctx, g.backoffFor(harvest.KindOf(lastErr), try)); err != nil {
				return err
			}
		}
		if err := g.Wait(ctx, host); err != nil {
			return err
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		kind := harvest.KindOf(lastErr)
		if !kind.Retryable() {
			return lastErr
		}
		g.logger.Debug("retryable unit failure",
			zap.String("host", host),
			zap.Int("attempt", try+1),
			zap.String("kind", string(kind)),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

func (g *Governor) backoffFor(kind harvest.Kind, try int) time.Duration {
	base := g.cfg.Backoff
	if kind == harvest.KindRateLimited {
		base = g.cfg.RateLimitedBackoff
	}
	return time.Duration(try) * base
}

func (g *Governor) pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (g *Governor) limiterFor(host string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	limiter, ok := g.limiters[host]
	if !ok {
		r := rate.Inf
		if g.cfg.PolitenessDelay > 0 {
			r = rate.Every(g.cfg.PolitenessDelay)
		}
		limiter = rate.NewLimiter(r, g.cfg.Burst)
		g.limiters[host] = limiter
	}
	return limiter
}
