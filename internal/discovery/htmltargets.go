package discovery

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/ozank/scholarharvest/internal/harvest"
)

// HTMLTargetsConfig controls target extraction from explore index pages.
type HTMLTargetsConfig struct {
	// Base resolves relative anchors; usually the explore index URL.
	Base string
	// Pattern marks anchors that point at harvestable collections
	// (substring match on the resolved locator).
	Pattern string
	// EstimatedUnits is assigned to every discovered target; the index
	// rarely carries per-collection sizes.
	EstimatedUnits int
}

// HTMLTargets parses explore index pages into targets, one per matching
// anchor. The target ID is the trailing path segment of the link, the
// anchor text becomes the display name.
type HTMLTargets struct {
	cfg  HTMLTargetsConfig
	base *url.URL
}

// NewHTMLTargets builds the parser. An unparseable Base leaves relative
// anchors unresolved and therefore unmatched.
func NewHTMLTargets(cfg HTMLTargetsConfig) *HTMLTargets {
	base, err := url.Parse(cfg.Base)
	if err != nil {
		base = nil
	}
	return &HTMLTargets{cfg: cfg, base: base}
}

// ParseTargets implements PageParser.
func (h *HTMLTargets) ParseTargets(payload []byte, page int) ([]harvest.Target, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	root, err := html.Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("parse index page %d: %w", page, err)
	}
	var targets []harvest.Target
	walkNodes(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		href := strings.TrimSpace(nodeAttr(n, "href"))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		locator, ok := h.matchLink(href)
		if !ok {
			return
		}
		id := trailingSegment(locator)
		if id == "" {
			return
		}
		targets = append(targets, harvest.Target{
			ID:             id,
			Name:           strings.TrimSpace(nodeText(n)),
			Seed:           locator,
			EstimatedUnits: h.cfg.EstimatedUnits,
			Strategy:       harvest.StrategySimple,
		})
	})
	return targets, nil
}

func (h *HTMLTargets) matchLink(href string) (string, bool) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if h.base != nil {
		ref = h.base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", false
	}
	locator := ref.String()
	if h.cfg.Pattern == "" || !strings.Contains(locator, h.cfg.Pattern) {
		return "", false
	}
	return locator, true
}

func trailingSegment(locator string) string {
	u, err := url.Parse(locator)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	return segments[len(segments)-1]
}

func walkNodes(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkNodes(c, fn)
	}
}

func nodeAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	walkNodes(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	})
	return b.String()
}
