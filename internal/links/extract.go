// Package links finds URLs in free-form message text.
package links

import (
	"regexp"
	"strings"
)

// linkPattern matches full http(s) URLs, www-prefixed hosts, and bare
// domain.tld tokens with an optional path.
var linkPattern = regexp.MustCompile(`https?://[^\s]+|www\.[^\s]+|[a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,}(?:/[^\s]*)?`)

// Extract returns the unique URLs found in text, in first-occurrence order.
// A later repeat of an already-seen URL is dropped, not reordered. Empty or
// link-free input yields an empty slice.
func Extract(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	matches := linkPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	unique := make([]string, 0, len(matches))
	for _, m := range matches {
		// Trailing sentence punctuation is not part of the URL.
		m = strings.TrimRight(m, ".,;:!?)")
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		unique = append(unique, m)
	}
	return unique
}

// Normalize returns a fetchable form of a raw extracted token: tokens
// without a scheme get an https:// prefix.
func Normalize(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "https://" + raw
}
