package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ozank/scholarharvest/internal/dedup"
	"github.com/ozank/scholarharvest/internal/governor"
	"github.com/ozank/scholarharvest/internal/harvest"
	"github.com/ozank/scholarharvest/internal/progress"
	"github.com/ozank/scholarharvest/internal/tracker"
)

type pageScript struct {
	payload string
	err     error
}

type fakeFetcher struct {
	mu          sync.Mutex
	pages       map[string]pageScript
	calls       []string
	inFlight    int
	maxInFlight int
	delay       time.Duration
}

func newFakeFetcher(pages map[string]pageScript) *fakeFetcher {
	return &fakeFetcher{pages: pages}
}

func (f *fakeFetcher) Fetch(_ context.Context, unit harvest.WorkUnit) (harvest.FetchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, unit.Locator)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	script, ok := f.pages[unit.Locator]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if !ok {
		return harvest.FetchResult{}, harvest.NewUnitError(
			harvest.KindPermanent, unit, fmt.Errorf("no script for %s", unit.Locator))
	}
	if script.err != nil {
		return harvest.FetchResult{}, harvest.NewUnitError(harvest.KindPermanent, unit, script.err)
	}
	return harvest.FetchResult{Payload: []byte(script.payload), StatusCode: 200, Elapsed: time.Millisecond}, nil
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeFetcher) peakParallel() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

type extractScript struct {
	records []harvest.Record
	next    []harvest.WorkUnit
	err     error
}

type fakeExtractor struct {
	mu      sync.Mutex
	scripts map[string]extractScript
}

func (e *fakeExtractor) Extract(_ []byte, unit harvest.WorkUnit) ([]harvest.Record, []harvest.WorkUnit, error) {
	e.mu.Lock()
	script := e.scripts[unit.Locator]
	e.mu.Unlock()
	return script.records, script.next, script.err
}

type fakeSink struct {
	mu       sync.Mutex
	records  []harvest.Record
	flushes  int
	flushErr error
}

func (s *fakeSink) Add(_ context.Context, records []harvest.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func (s *fakeSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return s.flushErr
}

func (s *fakeSink) identities() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, r := range s.records {
		out[r.Identity()]++
	}
	return out
}

type collectEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *collectEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collectEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Stage)
	}
	return out
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type harness struct {
	orch    *Orchestrator
	fetcher *fakeFetcher
	sink    *fakeSink
	emitter *collectEmitter
	cpPath  string
}

func newHarness(t *testing.T, cfg Config, fetcher, headless *fakeFetcher, scripts map[string]extractScript, sink *fakeSink) *harness {
	t.Helper()
	cpPath := filepath.Join(t.TempDir(), "checkpoint.json")
	track := tracker.New(tracker.Config{Path: cpPath, Every: 1}, wallClock{}, nil)
	emitter := &collectEmitter{}
	deps := Deps{
		Fetcher:   fetcher,
		Extractor: &fakeExtractor{scripts: scripts},
		Dedup:     dedup.NewIndex(),
		Sink:      sink,
		Governor:  governor.New(governor.Config{}, nil),
		Tracker:   track,
		Emitter:   emitter,
		Clock:     wallClock{},
	}
	if headless != nil {
		deps.Headless = headless
	}
	orch, err := New(cfg, deps)
	require.NoError(t, err)
	return &harness{orch: orch, fetcher: fetcher, sink: sink, emitter: emitter, cpPath: cpPath}
}

func record(id string) harvest.Record {
	return harvest.Record{
		ID:           id,
		Locator:      "https://j.org/article/" + id,
		Fields:       map[string]string{"title": "t-" + id},
		DiscoveredAt: time.Now(),
	}
}

func TestRunSimpleTargetPipeline(t *testing.T) {
	t.Parallel()

	seed := "https://j.org/pub/ajc"
	art1 := "https://j.org/pub/ajc/article/1"
	art2 := "https://j.org/pub/ajc/article/2"
	fetcher := newFakeFetcher(map[string]pageScript{
		seed: {payload: "index"},
		art1: {payload: "a1"},
		art2: {payload: "a2"},
	})
	scripts := map[string]extractScript{
		seed: {next: []harvest.WorkUnit{
			{TargetID: "ajc", Locator: art1, Kind: harvest.UnitArticlePage},
			{TargetID: "ajc", Locator: art2, Kind: harvest.UnitArticlePage},
		}},
		art1: {records: []harvest.Record{record("r1")}},
		art2: {records: []harvest.Record{record("r2")}},
	}
	sink := &fakeSink{}
	h := newHarness(t, Config{ProcessCount: 2, MaxConcurrent: 4}, fetcher, nil, scripts, sink)

	targets := []harvest.Target{{ID: "ajc", Seed: seed, EstimatedUnits: 3, Strategy: harvest.StrategySimple}}
	counters, err := h.orch.Run(context.Background(), uuid.New(), targets, tracker.Checkpoint{})
	require.NoError(t, err)

	require.Equal(t, 1, counters.TargetsDone)
	require.Equal(t, 3, counters.UnitsDone)
	require.Equal(t, 2, counters.Accepted)
	require.Zero(t, counters.UnitsFailed)
	require.Len(t, sink.identities(), 2)
	require.GreaterOrEqual(t, sink.flushes, 1)

	cp, ok, err := tracker.Load(h.cpPath)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, cp.TargetsDone, "ajc")

	stages := h.emitter.stages()
	require.Contains(t, stages, progress.StageRunStart)
	require.Contains(t, stages, progress.StageTargetDone)
	require.Contains(t, stages, progress.StageRunDone)
	require.NotContains(t, stages, progress.StageRunError)
}

func TestRunSkipsCheckpointedTargets(t *testing.T) {
	t.Parallel()

	seedA := "https://j.org/pub/a"
	seedB := "https://j.org/pub/b"
	fetcher := newFakeFetcher(map[string]pageScript{
		seedA: {payload: "a"},
		seedB: {payload: "b"},
	})
	scripts := map[string]extractScript{
		seedA: {records: []harvest.Record{record("ra")}},
		seedB: {records: []harvest.Record{record("rb")}},
	}
	sink := &fakeSink{}
	h := newHarness(t, Config{ProcessCount: 2}, fetcher, nil, scripts, sink)

	targets := []harvest.Target{
		{ID: "a", Seed: seedA, EstimatedUnits: 1},
		{ID: "b", Seed: seedB, EstimatedUnits: 1},
	}
	prior := tracker.Checkpoint{TargetsDone: []string{"a"}, UnitsDone: 1}
	counters, err := h.orch.Run(context.Background(), uuid.New(), targets, prior)
	require.NoError(t, err)

	require.Equal(t, 1, counters.TargetsSkipped)
	require.Equal(t, 1, counters.TargetsDone)
	require.NotContains(t, fetcher.fetched(), seedA)
	require.Contains(t, fetcher.fetched(), seedB)

	// The identity set after the resumed run covers only the pending target.
	ids := sink.identities()
	require.Len(t, ids, 1)
	require.Contains(t, ids, "rb")

	cp, ok, err := tracker.Load(h.cpPath)
	require.NoError(t, err)
	require.True(t, ok)
	require.ElementsMatch(t, []string{"a", "b"}, cp.TargetsDone)
}

func TestRunDeduplicatesAcrossTargets(t *testing.T) {
	t.Parallel()

	seedA := "https://j.org/pub/a"
	seedB := "https://j.org/pub/b"
	fetcher := newFakeFetcher(map[string]pageScript{
		seedA: {payload: "a"},
		seedB: {payload: "b"},
	})
	shared := record("shared")
	scripts := map[string]extractScript{
		seedA: {records: []harvest.Record{shared}},
		seedB: {records: []harvest.Record{shared}},
	}
	sink := &fakeSink{}
	h := newHarness(t, Config{ProcessCount: 2}, fetcher, nil, scripts, sink)

	targets := []harvest.Target{
		{ID: "a", Seed: seedA, EstimatedUnits: 1},
		{ID: "b", Seed: seedB, EstimatedUnits: 1},
	}
	counters, err := h.orch.Run(context.Background(), uuid.New(), targets, tracker.Checkpoint{})
	require.NoError(t, err)

	require.Equal(t, 1, counters.Accepted)
	require.Equal(t, 1, counters.Duplicates)
	require.Equal(t, map[string]int{"shared": 1}, sink.identities())
}

func TestTargetAbandonedAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	seedBad := "https://j.org/pub/bad"
	seedGood := "https://j.org/pub/good"
	pages := map[string]pageScript{
		seedBad:  {payload: "index"},
		seedGood: {payload: "good"},
	}
	var badUnits []harvest.WorkUnit
	for i := 0; i < 5; i++ {
		loc := fmt.Sprintf("https://j.org/pub/bad/article/%d", i)
		pages[loc] = pageScript{err: errors.New("boom")}
		badUnits = append(badUnits, harvest.WorkUnit{TargetID: "bad", Locator: loc, Kind: harvest.UnitArticlePage})
	}
	fetcher := newFakeFetcher(pages)
	scripts := map[string]extractScript{
		seedBad:  {next: badUnits},
		seedGood: {records: []harvest.Record{record("rg")}},
	}
	sink := &fakeSink{}
	h := newHarness(t, Config{ProcessCount: 1, MaxConcurrent: 1, TargetFailureLimit: 2}, fetcher, nil, scripts, sink)

	targets := []harvest.Target{
		{ID: "bad", Seed: seedBad, EstimatedUnits: 6},
		{ID: "good", Seed: seedGood, EstimatedUnits: 1},
	}
	counters, err := h.orch.Run(context.Background(), uuid.New(), targets, tracker.Checkpoint{})
	require.NoError(t, err)

	require.Equal(t, 2, counters.TargetsDone)
	require.GreaterOrEqual(t, counters.UnitsFailed, 2)
	require.Contains(t, sink.identities(), "rg")
}

func TestShardedTargetRunsInSubBatches(t *testing.T) {
	t.Parallel()

	pages := make(map[string]pageScript)
	scripts := make(map[string]extractScript)
	var shards []harvest.Shard
	for year := 2001; year <= 2004; year++ {
		loc := fmt.Sprintf("https://tez.example.org/search?year=%d", year)
		pages[loc] = pageScript{payload: "results"}
		scripts[loc] = extractScript{records: []harvest.Record{record(fmt.Sprintf("r%d", year))}}
		shards = append(shards, harvest.Shard{Label: fmt.Sprintf("%d", year), Locator: loc})
	}
	headless := newFakeFetcher(pages)
	headless.delay = 20 * time.Millisecond
	plain := newFakeFetcher(nil)
	sink := &fakeSink{}
	h := newHarness(t, Config{ProcessCount: 1, MaxConcurrent: 8, SubBatchSize: 2}, plain, headless, scripts, sink)

	targets := []harvest.Target{{
		ID:             "tez",
		Seed:           "https://tez.example.org",
		EstimatedUnits: 4,
		Strategy:       harvest.StrategySharded,
		Shards:         shards,
	}}
	counters, err := h.orch.Run(context.Background(), uuid.New(), targets, tracker.Checkpoint{})
	require.NoError(t, err)

	require.Equal(t, 4, counters.UnitsDone)
	require.Equal(t, 4, counters.Accepted)
	require.Len(t, headless.fetched(), 4)
	require.Empty(t, plain.fetched())
	require.LessOrEqual(t, headless.peakParallel(), 2)
}

func TestRunFailsWithoutTargets(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(nil)
	h := newHarness(t, Config{}, fetcher, nil, nil, &fakeSink{})

	_, err := h.orch.Run(context.Background(), uuid.New(), nil, tracker.Checkpoint{})
	require.Error(t, err)
}

func TestRunSurfacesFinalFlushError(t *testing.T) {
	t.Parallel()

	seed := "https://j.org/pub/a"
	fetcher := newFakeFetcher(map[string]pageScript{seed: {payload: "a"}})
	scripts := map[string]extractScript{seed: {records: []harvest.Record{record("ra")}}}
	sink := &fakeSink{flushErr: errors.New("store offline")}
	h := newHarness(t, Config{ProcessCount: 1}, fetcher, nil, scripts, sink)

	targets := []harvest.Target{{ID: "a", Seed: seed, EstimatedUnits: 1}}
	_, err := h.orch.Run(context.Background(), uuid.New(), targets, tracker.Checkpoint{})
	require.Error(t, err)
	require.Contains(t, h.emitter.stages(), progress.StageRunError)
}

func TestResumeRefetchesTargetsWithUnflushedRecords(t *testing.T) {
	t.Parallel()

	seed := "https://j.org/pub/a"
	pages := map[string]pageScript{seed: {payload: "a"}}
	scripts := map[string]extractScript{seed: {records: []harvest.Record{record("ra")}}}

	// First run: every flush fails, so the target's records never reach
	// durable storage. The run must error and the checkpoint must not
	// list the target.
	failing := &fakeSink{flushErr: errors.New("artifact store offline")}
	h := newHarness(t, Config{ProcessCount: 1}, newFakeFetcher(pages), nil, scripts, failing)

	targets := []harvest.Target{{ID: "a", Seed: seed, EstimatedUnits: 1}}
	_, err := h.orch.Run(context.Background(), uuid.New(), targets, tracker.Checkpoint{})
	require.Error(t, err)

	cp, ok, err := tracker.Load(h.cpPath)
	require.NoError(t, err)
	if ok {
		require.NotContains(t, cp.TargetsDone, "a")
	}

	// Resume with a healthy store: the target is refetched, not skipped,
	// and its record finally lands.
	healthy := &fakeSink{}
	fetcher := newFakeFetcher(pages)
	h2 := newHarness(t, Config{ProcessCount: 1}, fetcher, nil, scripts, healthy)
	counters, err := h2.orch.Run(context.Background(), uuid.New(), targets, cp)
	require.NoError(t, err)
	require.Zero(t, counters.TargetsSkipped)
	require.Contains(t, fetcher.fetched(), seed)
	require.Contains(t, healthy.identities(), "ra")
}

type markerDetector struct {
	marker string
}

func (d *markerDetector) ShouldPromote(result harvest.FetchResult) bool {
	return string(result.Payload) == d.marker
}

func TestRunPromotesShellPagesToHeadless(t *testing.T) {
	t.Parallel()

	seed := "https://j.org/pub/spa"
	fetcher := newFakeFetcher(map[string]pageScript{
		seed: {payload: "shell"},
	})
	headless := newFakeFetcher(map[string]pageScript{
		seed: {payload: "rendered"},
	})
	scripts := map[string]extractScript{
		seed: {records: []harvest.Record{record("spa-1")}},
	}
	sink := &fakeSink{}

	cpPath := filepath.Join(t.TempDir(), "checkpoint.json")
	orch, err := New(Config{ProcessCount: 1, MaxConcurrent: 2}, Deps{
		Fetcher:   fetcher,
		Headless:  headless,
		Detector:  &markerDetector{marker: "shell"},
		Extractor: &fakeExtractor{scripts: scripts},
		Dedup:     dedup.NewIndex(),
		Sink:      sink,
		Governor:  governor.New(governor.Config{}, nil),
		Tracker:   tracker.New(tracker.Config{Path: cpPath, Every: 1}, wallClock{}, nil),
		Emitter:   &collectEmitter{},
		Clock:     wallClock{},
	})
	require.NoError(t, err)

	targets := []harvest.Target{{ID: "spa", Seed: seed, EstimatedUnits: 1, Strategy: harvest.StrategySimple}}
	counters, err := orch.Run(context.Background(), uuid.New(), targets, tracker.Checkpoint{})
	require.NoError(t, err)

	require.Equal(t, 1, counters.UnitsDone)
	require.Equal(t, 1, counters.Accepted)
	require.Equal(t, []string{seed}, fetcher.fetched())
	require.Equal(t, []string{seed}, headless.fetched())
}
