package trustedendpoints

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

const ingestPrefix = "ingest-"

// ToIngestEndpoint rewrites a query (engine) URL into its ingest (DM) form
// by inserting "ingest-" right after the scheme separator, unless the URL
// is nil, already carries the prefix, or names a reserved host.
func ToIngestEndpoint(rawURL string) string {
	if rawURL == "" || strings.Contains(rawURL, ingestPrefix) || isReserved(rawURL) {
		return rawURL
	}

	if idx := strings.Index(rawURL, "://"); idx >= 0 {
		return rawURL[:idx+3] + ingestPrefix + rawURL[idx+3:]
	}
	return ingestPrefix + rawURL
}

// ToQueryEndpoint rewrites an ingest (DM) URL into its query (engine) form
// by removing the first "ingest-" occurrence, unless the host is reserved.
func ToQueryEndpoint(rawURL string) string {
	if isReserved(rawURL) {
		return rawURL
	}
	return strings.Replace(rawURL, ingestPrefix, "", 1)
}

// isReserved implements the reserved-host rule from spec §4.A: hosts that
// are never rewritten because they're local, numeric, or the onebox dev
// cluster.
func isReserved(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	if !u.IsAbs() {
		return true
	}

	host := u.Hostname()
	if host == "" {
		// Bracketed IPv6 authority with no port still parses with a
		// non-empty Hostname() normally; an empty one here means the
		// authority itself was malformed, which we also treat as reserved.
		return true
	}

	if strings.EqualFold(host, "localhost") {
		return true
	}

	if strings.EqualFold(host, "onebox.dev.kusto.windows.net") {
		return true
	}

	if isIPv4Literal(host) {
		return true
	}

	if isBracketedIPv6(u) {
		return true
	}

	return false
}

func isIPv4Literal(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
		// Reject forms like "01" that Atoi accepts but that aren't a
		// canonical decimal octet, matching net.ParseIP's strictness.
		if len(p) > 1 && p[0] == '0' {
			return false
		}
	}
	return net.ParseIP(host) != nil
}

func isBracketedIPv6(u *url.URL) bool {
	return strings.HasPrefix(u.Host, "[")
}
