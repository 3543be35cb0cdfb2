// Package htmlindex extracts article metadata and follow-on links from
// journal HTML pages.
package htmlindex

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/ozank/scholarharvest/internal/harvest"
)

// Config controls link following on index pages.
type Config struct {
	// ArticlePattern marks links to article pages (substring match on the
	// resolved locator). Matching links become article-page units.
	ArticlePattern string
	// IndexPattern marks links to further index pages (issue archives).
	IndexPattern string
	// Clock stamps DiscoveredAt; nil uses wall time.
	Clock harvest.Clock
}

// Extractor implements harvest.Extractor for HTML journal pages. Index
// pages yield follow-on units only; article pages yield one record built
// from citation meta tags.
type Extractor struct {
	cfg Config
}

// New builds an Extractor.
func New(cfg Config) *Extractor {
	return &Extractor{cfg: cfg}
}

// metaFields maps citation meta tag names to record field names. Repeated
// tags (authors) are joined with "; ".
var metaFields = map[string]string{
	"citation_title":             "title",
	"citation_author":            "authors",
	"citation_publication_date":  "date",
	"citation_journal_title":     "journal",
	"citation_doi":               "doi",
	"citation_pdf_url":           "pdf_url",
	"citation_abstract_html_url": "abstract_url",
}

// Extract parses the page. A parseable page with no matching links or meta
// tags returns zero records, zero units, and a nil error.
func (e *Extractor) Extract(payload []byte, unit harvest.WorkUnit) ([]harvest.Record, []harvest.WorkUnit, error) {
	root, err := html.Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	switch unit.Kind {
	case harvest.UnitArticlePage:
		rec, ok := e.articleRecord(root, unit)
		if !ok {
			return nil, nil, nil
		}
		return []harvest.Record{rec}, nil, nil
	default:
		return nil, e.indexUnits(root, unit), nil
	}
}

func (e *Extractor) articleRecord(root *html.Node, unit harvest.WorkUnit) (harvest.Record, bool) {
	fields := make(map[string]string)
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "meta" {
			return
		}
		name := attr(n, "name")
		content := strings.TrimSpace(attr(n, "content"))
		field, ok := metaFields[name]
		if !ok || content == "" {
			return
		}
		if prev, exists := fields[field]; exists {
			fields[field] = prev + "; " + content
		} else {
			fields[field] = content
		}
	})
	if len(fields) == 0 {
		return harvest.Record{}, false
	}
	return harvest.Record{
		ID:           fields["doi"],
		Locator:      unit.Locator,
		Fields:       fields,
		DiscoveredAt: e.now(),
	}, true
}

func (e *Extractor) indexUnits(root *html.Node, unit harvest.WorkUnit) []harvest.WorkUnit {
	base, err := url.Parse(unit.Locator)
	if err != nil {
		base = nil
	}
	seen := make(map[string]struct{})
	var units []harvest.WorkUnit
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		href := strings.TrimSpace(attr(n, "href"))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		locator := resolve(base, href)
		if locator == "" {
			return
		}
		kind, ok := e.classifyLink(locator)
		if !ok {
			return
		}
		norm, err := harvest.NormalizeLocator(locator)
		if err != nil {
			norm = locator
		}
		if _, dup := seen[norm]; dup {
			return
		}
		seen[norm] = struct{}{}
		units = append(units, harvest.WorkUnit{
			TargetID: unit.TargetID,
			Locator:  locator,
			Kind:     kind,
			Shard:    unit.Shard,
		})
	})
	sort.SliceStable(units, func(i, j int) bool {
		// Article units first so records land before deeper indexes queue.
		return units[i].Kind == harvest.UnitArticlePage && units[j].Kind != harvest.UnitArticlePage
	})
	return units
}

func (e *Extractor) classifyLink(locator string) (harvest.UnitKind, bool) {
	if e.cfg.ArticlePattern != "" && strings.Contains(locator, e.cfg.ArticlePattern) {
		return harvest.UnitArticlePage, true
	}
	if e.cfg.IndexPattern != "" && strings.Contains(locator, e.cfg.IndexPattern) {
		return harvest.UnitIndexPage, true
	}
	return "", false
}

func (e *Extractor) now() time.Time {
	if e.cfg.Clock != nil {
		return e.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	return ref.String()
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
