// Package discovery enumerates crawl targets from seeds.
package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ozank/scholarharvest/internal/harvest"
)

// Static emits a fixed, pre-configured target list (for example a CSV of
// universities with thesis counts).
type Static struct {
	targets []harvest.Target
}

// NewStatic builds a discoverer over the given targets.
func NewStatic(targets []harvest.Target) *Static {
	return &Static{targets: append([]harvest.Target(nil), targets...)}
}

// Discover emits every configured target.
func (s *Static) Discover(ctx context.Context, emit func(harvest.Target)) error {
	for _, t := range s.targets {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("discovery canceled: %w", err)
		}
		emit(t)
	}
	return nil
}

// PageParser extracts targets from one fetched index page. An empty result
// signals the end of the listing.
type PageParser interface {
	ParseTargets(payload []byte, page int) ([]harvest.Target, error)
}

// PagedConfig controls the paged index crawl.
type PagedConfig struct {
	// Locator returns the index page URL for a 1-based page number.
	Locator func(page int) string
	// MaxPages caps the index crawl; zero means no cap.
	MaxPages int
	// PageRetries bounds per-page fetch retries before degrading to the
	// partial target list.
	PageRetries int
	// RetryDelay spaces the per-page retries.
	RetryDelay time.Duration
}

// Paged discovers targets by crawling a paginated explore index, a
// crawl-of-crawls. Targets are emitted lazily as each page is parsed and
// deduplicated by ID. A page that keeps failing degrades the run to the
// targets found so far; it never aborts.
type Paged struct {
	cfg     PagedConfig
	fetcher harvest.Fetcher
	parser  PageParser
	logger  *zap.Logger
}

// NewPaged builds a paged discoverer.
func NewPaged(cfg PagedConfig, fetcher harvest.Fetcher, parser PageParser, logger *zap.Logger) *Paged {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageRetries <= 0 {
		cfg.PageRetries = 2
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Paged{cfg: cfg, fetcher: fetcher, parser: parser, logger: logger}
}

// Discover walks index pages until an empty page, the page cap, or a page
// that exhausts its retries.
func (p *Paged) Discover(ctx context.Context, emit func(harvest.Target)) error {
	seen := make(map[string]struct{})
	for page := 1; p.cfg.MaxPages == 0 || page <= p.cfg.MaxPages; page++ {
		targets, err := p.fetchPage(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("discovery canceled: %w", ctx.Err())
			}
			p.logger.Warn("discovery page abandoned, returning partial target list",
				zap.Int("page", page),
				zap.Int("targets_found", len(seen)),
				zap.Error(err),
			)
			return nil
		}
		if len(targets) == 0 {
			return nil
		}
		for _, t := range targets {
			if _, dup := seen[t.ID]; dup {
				continue
			}
			seen[t.ID] = struct{}{}
			emit(t)
		}
	}
	return nil
}

func (p *Paged) fetchPage(ctx context.Context, page int) ([]harvest.Target, error) {
	unit := harvest.WorkUnit{
		Locator: p.cfg.Locator(page),
		Kind:    harvest.UnitIndexPage,
		Page:    page,
	}
	var lastErr error
	for try := 0; try <= p.cfg.PageRetries; try++ {
		if try > 0 {
			timer := time.NewTimer(p.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("discovery retry wait: %w", ctx.Err())
			case <-timer.C:
			}
		}
		result, err := p.fetcher.Fetch(ctx, unit)
		if err != nil {
			lastErr = err
			continue
		}
		targets, err := p.parser.ParseTargets(result.Payload, page)
		if err != nil {
			lastErr = fmt.Errorf("parse index page %d: %w", page, err)
			continue
		}
		return targets, nil
	}
	return nil, lastErr
}
