package extractor

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	urlPattern = regexp.MustCompile(`(?i)(https?://)?[a-z0-9.-]+\.[a-z]{2,}/\S*`)

	trackingParams = map[string]bool{
		"igsh":    true,
		"igshid":  true,
		"si":      true,
		"feature": true,
		"pp":      true,
		"fbclid":  true,
	}
)

// Canonicalize normalises a raw URL so that it can be used as a stable cache
// key: the scheme is forced to https, the host is lower-cased and stripped of
// "www." and "m." prefixes, the fragment and tracking parameters are removed
// and any trailing slash is trimmed.
func Canonicalize(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")

	query := u.Query()
	for key := range query {
		if trackingParams[key] || strings.HasPrefix(key, "utm_") {
			query.Del(key)
		}
	}

	return &url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     strings.TrimSuffix(u.Path, "/"),
		RawQuery: query.Encode(),
	}, nil
}

// FindURLs returns the candidate URLs contained within a message, in
// the order they appear.
func FindURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}
