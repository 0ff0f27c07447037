package harvest

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	listingHost = "old.reddit.com"
	modernHost  = "www.reddit.com"
)

// Source is one discussion thread whose listing page is crawled for items.
type Source struct {
	Name       string
	ListingURL string
}

// ParseSource accepts "tifu", "r/tifu" or a full thread URL and derives the
// listing URL on the legacy host, which serves far fewer challenges.
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, fmt.Errorf("source is empty")
	}
	name := raw
	if strings.Contains(raw, "://") {
		name = SourceNameFromURL(raw)
		if name == "" {
			return Source{}, fmt.Errorf("source url %q has no /r/<name> segment", raw)
		}
	}
	name = strings.TrimPrefix(strings.Trim(name, "/"), "r/")
	if name == "" || strings.ContainsAny(name, "/?# ") {
		return Source{}, fmt.Errorf("invalid source name %q", raw)
	}
	return Source{
		Name:       name,
		ListingURL: fmt.Sprintf("https://%s/r/%s/", listingHost, name),
	}, nil
}

// ParseSources parses every entry and drops duplicates by name.
func ParseSources(raw []string) ([]Source, error) {
	out := make([]Source, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		src, err := ParseSource(r)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(src.Name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, src)
	}
	return out, nil
}

// SourceNameFromURL extracts the thread name from ".../r/<name>/...".
func SourceNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "r" {
		return ""
	}
	return parts[1]
}

// LegacyURL rewrites the modern host to the legacy one and strips the query
// string and fragment so the same post always maps to the same key.
func LegacyURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if strings.EqualFold(u.Host, modernHost) || strings.EqualFold(u.Host, "reddit.com") {
		u.Host = listingHost
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
