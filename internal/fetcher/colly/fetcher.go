// Package collyfetcher implements harvest.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/ozank/scholarharvest/internal/harvest"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements harvest.Fetcher using the Colly collector. A base
// collector holds the shared transport; each fetch works on a clone so
// per-unit callbacks never leak between requests.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher with a pooled HTTP transport.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	// Retries re-fetch the same locator, so revisits must be allowed.
	c.AllowURLRevisit = true
	return &Fetcher{cfg: cfg, base: c}
}

// Fetch executes a single HTTP GET for the work unit. Non-2xx statuses are
// returned as classified UnitErrors so the governor can decide on retries.
func (f *Fetcher) Fetch(ctx context.Context, unit harvest.WorkUnit) (harvest.FetchResult, error) {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	start := time.Now()
	var (
		result   harvest.FetchResult
		status   int
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		result = harvest.FetchResult{
			Payload:    append([]byte(nil), r.Body...),
			StatusCode: r.StatusCode,
			Elapsed:    time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(unit.Locator)
	}()

	select {
	case <-ctx.Done():
		return harvest.FetchResult{}, harvest.NewUnitError(
			harvest.KindOf(ctx.Err()), unit, fmt.Errorf("fetch canceled: %w", ctx.Err()))
	case visitErr := <-done:
		return f.classify(unit, result, status, visitErr, fetchErr)
	}
}

func (f *Fetcher) classify(
	unit harvest.WorkUnit,
	result harvest.FetchResult,
	status int,
	visitErr, fetchErr error,
) (harvest.FetchResult, error) {
	err := fetchErr
	if err == nil {
		err = visitErr
	}
	if err == nil {
		return result, nil
	}
	if status > 0 {
		result.StatusCode = status
		kind, failure := harvest.ClassifyStatus(status)
		if !failure {
			kind = harvest.KindOf(err)
		}
		return result, harvest.NewUnitError(kind, unit, fmt.Errorf("status %d: %w", status, err))
	}
	return harvest.FetchResult{}, harvest.NewUnitError(
		harvest.KindOf(err), unit, fmt.Errorf("visit %s: %w", unit.Locator, err))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
