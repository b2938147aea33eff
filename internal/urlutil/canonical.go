// Package urlutil normalizes collector base URLs so that token reuse and
// duplicate detection compare like with like.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// CanonicalBase returns the canonical form of a collector base URL:
// scheme and host lowercased, default ports stripped, fragment and query
// removed, trailing slash trimmed. Returns an error unless the URL is an
// absolute http or https URL.
func CanonicalBase(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}

	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("collector url must be an absolute http or https url")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Hostname()
	}

	u.Fragment = ""
	u.RawQuery = ""
	u.Path = strings.TrimRight(u.Path, "/")

	return u.String(), nil
}
