// Package batch accumulates accepted records and flushes them as columnar
// CSV artifacts to durable storage.
package batch

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ozank/scholarharvest/internal/harvest"
)

// Config controls flush thresholds and artifact naming.
type Config struct {
	// Prefix is prepended to every artifact path.
	Prefix string
	// FlushSize triggers a flush once this many records are pending.
	FlushSize int
	// BackupEvery writes a redundant copy of the artifact every N flushes.
	// Zero disables backups.
	BackupEvery int
	// ContentType is recorded on each artifact.
	ContentType string
}

// Artifact describes one flushed batch.
type Artifact struct {
	URI     string
	Path    string
	Records int
	Bytes   int64
	At      time.Time
}

// Stats summarizes everything the manager has flushed so far.
type Stats struct {
	TotalSaved int   `json:"total_saved"`
	Pending    int   `json:"pending"`
	Artifacts  int   `json:"artifacts"`
	Bytes      int64 `json:"bytes"`
	// LastURI names the most recent artifact.
	LastURI string `json:"last_uri,omitempty"`
}

// Manager owns the in-memory batch. Each flush writes a new, independent
// artifact; a failed flush is retried once, then the batch is held in
// memory and retried at the next trigger, so records are never dropped.
type Manager struct {
	cfg     Config
	store   harvest.ArtifactStore
	clock   harvest.Clock
	logger  *zap.Logger
	onFlush func(Artifact)

	mu      sync.Mutex
	pending []harvest.Record
	seq     int
	flushes int
	stats   Stats
}

// Option customizes a Manager.
type Option func(*Manager)

// WithFlushHook registers a callback invoked after each successful flush.
func WithFlushHook(hook func(Artifact)) Option {
	return func(m *Manager) { m.onFlush = hook }
}

// NewManager builds a Manager writing through store.
func NewManager(cfg Config, store harvest.ArtifactStore, clock harvest.Clock, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 1000
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "records"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/csv; charset=utf-8"
	}
	m := &Manager{cfg: cfg, store: store, clock: clock, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add appends records to the batch and flushes when the threshold is
// reached. A flush failure keeps the records pending and is not returned
// to the caller; the next trigger retries them.
func (m *Manager) Add(ctx context.Context, records []harvest.Record) error {
	if len(records) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, records...)
	if len(m.pending) < m.cfg.FlushSize {
		return nil
	}
	if err := m.flushLocked(ctx); err != nil {
		m.logger.Warn("batch flush failed, holding records for next trigger",
			zap.Int("pending", len(m.pending)),
			zap.Error(err),
		)
	}
	return nil
}

// Flush writes any pending records. Called at target boundaries and at the
// end of the run.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(ctx)
}

// Stats returns a snapshot of flush totals.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Pending = len(m.pending)
	return s
}

func (m *Manager) flushLocked(ctx context.Context) error {
	if len(m.pending) == 0 {
		return nil
	}
	payload, err := encodeCSV(m.pending)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	path := fmt.Sprintf("%s/batch_%06d.csv", m.cfg.Prefix, m.seq+1)
	uri, err := m.putWithRetry(ctx, path, payload)
	if err != nil {
		return harvest.NewUnitError(harvest.KindPersistence, harvest.WorkUnit{Locator: path}, err)
	}

	count := len(m.pending)
	m.seq++
	m.flushes++
	m.pending = m.pending[:0]
	m.stats.TotalSaved += count
	m.stats.Artifacts++
	m.stats.Bytes += int64(len(payload))
	m.stats.LastURI = uri

	art := Artifact{URI: uri, Path: path, Records: count, Bytes: int64(len(payload)), At: m.clock.Now()}
	m.logger.Info("batch flushed",
		zap.String("artifact", uri),
		zap.Int("records", count),
		zap.Int("total_saved", m.stats.TotalSaved),
	)

	if m.cfg.BackupEvery > 0 && m.flushes%m.cfg.BackupEvery == 0 {
		backupPath := fmt.Sprintf("%s/backup/batch_%06d.csv", m.cfg.Prefix, m.seq)
		if _, err := m.store.PutObject(ctx, backupPath, m.cfg.ContentType, bytes.NewReader(payload)); err != nil {
			m.logger.Warn("backup copy failed", zap.String("path", backupPath), zap.Error(err))
		}
	}

	if m.onFlush != nil {
		m.onFlush(art)
	}
	return nil
}

// putWithRetry attempts the artifact write twice before giving up.
func (m *Manager) putWithRetry(ctx context.Context, path string, payload []byte) (string, error) {
	uri, err := m.store.PutObject(ctx, path, m.cfg.ContentType, bytes.NewReader(payload))
	if err == nil {
		return uri, nil
	}
	m.logger.Warn("artifact write failed, retrying once", zap.String("path", path), zap.Error(err))
	uri, retryErr := m.store.PutObject(ctx, path, m.cfg.ContentType, bytes.NewReader(payload))
	if retryErr != nil {
		return "", fmt.Errorf("put artifact %s: %w", path, retryErr)
	}
	return uri, nil
}

// Fixed leading columns before the sorted field columns.
var baseColumns = []string{"record_id", "locator", "discovered_at"}

func encodeCSV(records []harvest.Record) ([]byte, error) {
	keySet := make(map[string]struct{})
	for _, r := range records {
		for k := range r.Fields {
			keySet[k] = struct{}{}
		}
	}
	fieldKeys := make([]string, 0, len(keySet))
	for k := range keySet {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(append(append([]string(nil), baseColumns...), fieldKeys...)); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	row := make([]string, 0, len(baseColumns)+len(fieldKeys))
	for _, r := range records {
		row = row[:0]
		row = append(row, r.ID, r.Locator, r.DiscoveredAt.UTC().Format(time.RFC3339))
		for _, k := range fieldKeys {
			row = append(row, r.Fields[k])
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
