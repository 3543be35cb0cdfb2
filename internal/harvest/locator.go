package harvest

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeLocator standardizes a locator URL so two spellings of the same
// page share one dedup identity. It lowercases the scheme and host, strips
// default ports and fragments, sorts query parameters, and drops a trailing
// slash on non-root paths.
func NormalizeLocator(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse locator: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// WithPage returns the locator with its page query parameter set. Page one
// drops the parameter so the first page keeps the seed spelling.
func WithPage(locator string, page int) (string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("parse locator: %w", err)
	}
	q := u.Query()
	if page <= 1 {
		q.Del("page")
	} else {
		q.Set("page", fmt.Sprintf("%d", page))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Host extracts the lowercase hostname from a locator for politeness
// bucketing. An unparseable locator maps to the "unknown" bucket.
func Host(locator string) string {
	u, err := url.Parse(locator)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
