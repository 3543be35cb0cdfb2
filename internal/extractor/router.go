// Package extractor routes fetched payloads to format-specific extractors.
package extractor

import (
	"sync"
	"unicode"

	"github.com/ozank/scholarharvest/internal/extractor/htmlindex"
	"github.com/ozank/scholarharvest/internal/extractor/jsonapi"
	"github.com/ozank/scholarharvest/internal/harvest"
)

// Router dispatches each payload by sniffing its first non-space byte:
// JSON documents go to a per-target jsonapi extractor, everything else to
// the shared htmlindex extractor. JSON extractors are built lazily so each
// target paginates from its own seed locator.
type Router struct {
	jsonCfg jsonapi.Config
	html    *htmlindex.Extractor

	mu   sync.Mutex
	json map[string]*jsonapi.Extractor
}

// NewRouter builds a Router. jsonCfg acts as a template; when its
// PageLocator is nil each target gets one derived from the first locator
// seen for that target.
func NewRouter(jsonCfg jsonapi.Config, htmlCfg htmlindex.Config) *Router {
	return &Router{
		jsonCfg: jsonCfg,
		html:    htmlindex.New(htmlCfg),
		json:    make(map[string]*jsonapi.Extractor),
	}
}

// Extract implements harvest.Extractor.
func (r *Router) Extract(payload []byte, unit harvest.WorkUnit) ([]harvest.Record, []harvest.WorkUnit, error) {
	if looksLikeJSON(payload) {
		return r.jsonFor(unit).Extract(payload, unit)
	}
	return r.html.Extract(payload, unit)
}

func (r *Router) jsonFor(unit harvest.WorkUnit) *jsonapi.Extractor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.json[unit.TargetID]; ok {
		return e
	}
	cfg := r.jsonCfg
	if cfg.PageLocator == nil {
		seed := unit.Locator
		cfg.PageLocator = func(page int) string {
			loc, err := harvest.WithPage(seed, page)
			if err != nil {
				return seed
			}
			return loc
		}
	}
	e := jsonapi.New(cfg)
	r.json[unit.TargetID] = e
	return e
}

func looksLikeJSON(payload []byte) bool {
	for _, b := range payload {
		if unicode.IsSpace(rune(b)) {
			continue
		}
		return b == '{' || b == '['
	}
	return false
}
