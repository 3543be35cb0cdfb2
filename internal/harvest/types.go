// Package harvest defines core types shared across subsystems.
package harvest

import (
	"time"
)

// Strategy selects how a Target is expanded into work units.
type Strategy string

// Crawl strategies persisted with each target.
const (
	// StrategySimple expands the target one index page at a time until an
	// empty page signals the end.
	StrategySimple Strategy = "simple"
	// StrategySharded pre-splits the target into year/segment shards known
	// up front, executed in bounded sub-batches.
	StrategySharded Strategy = "sharded"
)

// Target is a top-level enumerable entity to crawl: a journal slug, a
// university row, or a query key. Targets are created by discovery and are
// read-only afterwards.
type Target struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Seed           string   `json:"seed"`
	EstimatedUnits int      `json:"estimated_units"`
	Strategy       Strategy `json:"strategy"`
	Shards         []Shard  `json:"shards,omitempty"`
}

// Shard is one pre-split segment of a sharded target, typically a year
// filter applied to the same seed locator.
type Shard struct {
	Label   string `json:"label"`
	Locator string `json:"locator"`
}

// UnitKind distinguishes the fetchable page types a worker may own.
type UnitKind string

// Work unit kinds.
const (
	UnitIndexPage   UnitKind = "index-page"
	UnitArticlePage UnitKind = "article-page"
	UnitQueryPage   UnitKind = "query-page"
)

// WorkUnit is one fetchable item. A unit is owned by exactly one worker for
// its lifetime and is never mutated after creation.
type WorkUnit struct {
	TargetID string
	Locator  string
	Kind     UnitKind
	Shard    string
	Page     int
}

// FetchResult is the outcome of executing a WorkUnit. It is ephemeral and
// owned by the worker that produced it.
type FetchResult struct {
	Payload    []byte
	StatusCode int
	Elapsed    time.Duration
}

// Record is a structured output entity (article or thesis metadata). The
// natural identifier may be absent, in which case the normalized locator
// stands in for identity.
type Record struct {
	ID           string            `json:"id,omitempty"`
	Locator      string            `json:"locator"`
	Fields       map[string]string `json:"fields"`
	DiscoveredAt time.Time         `json:"discovered_at"`
}

// Identity returns the dedup identity: the natural ID when present,
// otherwise the normalized locator.
func (r Record) Identity() string {
	if r.ID != "" {
		return r.ID
	}
	norm, err := NormalizeLocator(r.Locator)
	if err != nil {
		return r.Locator
	}
	return norm
}

// TargetOutcome summarizes a finished target for the join point.
type TargetOutcome struct {
	TargetID    string
	UnitsDone   int
	UnitsFailed int
	UnitsEmpty  int
	Accepted    int
	Duplicates  int
	Elapsed     time.Duration
	Abandoned   bool
}

// RunCounters accumulates outcomes across all targets of a run.
type RunCounters struct {
	TargetsDone    int `json:"targets_done"`
	TargetsSkipped int `json:"targets_skipped"`
	UnitsDone      int `json:"units_done"`
	UnitsFailed    int `json:"units_failed"`
	UnitsEmpty     int `json:"units_empty"`
	Accepted       int `json:"records_accepted"`
	Duplicates     int `json:"records_duplicate"`
}

// Merge appends the outcome of one target into the run counters.
func (c *RunCounters) Merge(o TargetOutcome) {
	c.TargetsDone++
	c.UnitsDone += o.UnitsDone
	c.UnitsFailed += o.UnitsFailed
	c.UnitsEmpty += o.UnitsEmpty
	c.Accepted += o.Accepted
	c.Duplicates += o.Duplicates
}
