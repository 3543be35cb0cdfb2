// Package jsonapi extracts records from Elasticsearch-style search APIs.
package jsonapi

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ozank/scholarharvest/internal/harvest"
)

// Config maps search hit documents onto harvest records.
type Config struct {
	// IDPath is the dot path of the natural record ID inside _source.
	IDPath string
	// Fields maps output field names to dot paths inside _source.
	// Paths crossing an array are mapped over its elements and joined
	// with "; " (author lists).
	Fields map[string]string
	// PageLocator builds the locator for a given page number. Required
	// for follow-on pagination; nil disables it.
	PageLocator func(page int) string
	// MaxPages caps pagination; 0 means unbounded.
	MaxPages int
	// Clock stamps DiscoveredAt; nil uses wall time.
	Clock harvest.Clock
}

// Extractor implements harvest.Extractor for paged JSON search responses.
type Extractor struct {
	cfg Config
}

// New builds an Extractor.
func New(cfg Config) *Extractor {
	return &Extractor{cfg: cfg}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Extract parses hits.hits[]._source documents into records. A non-empty
// page yields a follow-on unit for the next page number; an empty page
// terminates pagination. A page that parses but matches nothing returns
// zero records and a nil error.
func (e *Extractor) Extract(payload []byte, unit harvest.WorkUnit) ([]harvest.Record, []harvest.WorkUnit, error) {
	var resp searchResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(resp.Hits.Hits) == 0 {
		return nil, nil, nil
	}

	now := e.now()
	records := make([]harvest.Record, 0, len(resp.Hits.Hits))
	for i, hit := range resp.Hits.Hits {
		if hit.Source == nil {
			continue
		}
		rec := harvest.Record{
			ID:           resolvePath(hit.Source, e.cfg.IDPath),
			Locator:      fmt.Sprintf("%s#hit-%d", unit.Locator, i),
			Fields:       make(map[string]string, len(e.cfg.Fields)),
			DiscoveredAt: now,
		}
		names := make([]string, 0, len(e.cfg.Fields))
		for name := range e.cfg.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if v := resolvePath(hit.Source, e.cfg.Fields[name]); v != "" {
				rec.Fields[name] = v
			}
		}
		records = append(records, rec)
	}

	next := e.nextUnit(unit)
	return records, next, nil
}

func (e *Extractor) nextUnit(unit harvest.WorkUnit) []harvest.WorkUnit {
	if e.cfg.PageLocator == nil {
		return nil
	}
	nextPage := unit.Page + 1
	if e.cfg.MaxPages > 0 && nextPage > e.cfg.MaxPages {
		return nil
	}
	return []harvest.WorkUnit{{
		TargetID: unit.TargetID,
		Locator:  e.cfg.PageLocator(nextPage),
		Kind:     harvest.UnitQueryPage,
		Shard:    unit.Shard,
		Page:     nextPage,
	}}
}

func (e *Extractor) now() time.Time {
	if e.cfg.Clock != nil {
		return e.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

// resolvePath walks a dot path through nested maps. Crossing an array maps
// the remaining path over the elements and joins the results with "; ".
func resolvePath(doc any, path string) string {
	if path == "" {
		return ""
	}
	return resolveSegments(doc, strings.Split(path, "."))
}

func resolveSegments(node any, segments []string) string {
	if node == nil {
		return ""
	}
	if len(segments) == 0 {
		return stringify(node)
	}
	switch v := node.(type) {
	case map[string]any:
		return resolveSegments(v[segments[0]], segments[1:])
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s := resolveSegments(item, segments); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		return ""
	}
}

func stringify(node any) string {
	switch v := node.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s := stringify(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		return ""
	}
}
