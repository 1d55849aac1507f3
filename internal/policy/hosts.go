// Package policy implements the gateway's enforcement surface: per-binding
// host allow-lists, telemetry header stripping, response header blocking,
// and the fail-closed/fail-open decision taken before any credential is used.
package policy

import (
	"strconv"
	"strings"
)

// HostPattern is a parsed allow-list entry.
type HostPattern struct {
	pattern  string // the original pattern text
	host     string // host part, lowercased, without port
	port     int    // specific port, or 0 meaning "default ports 80 and 443"
	wildcard bool   // pattern started with *.
}

// ParseHostPattern parses an allow-list pattern. Supported forms:
//
//	api.example.com
//	api.example.com:8443
//	*.example.com
//	*.example.com:443
//
// A pattern without an explicit port matches ports 80 and 443 only.
func ParseHostPattern(s string) HostPattern {
	p := HostPattern{pattern: s}

	if strings.HasPrefix(s, "*.") {
		p.wildcard = true
		s = s[2:]
	}

	host, portStr, hasPort := strings.Cut(s, ":")
	p.host = strings.ToLower(host)

	if hasPort {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 && port <= 65535 {
			p.port = port
		}
	}
	return p
}

// ParseHostPatterns parses each entry of patterns.
func ParseHostPatterns(patterns []string) []HostPattern {
	out := make([]HostPattern, 0, len(patterns))
	for _, s := range patterns {
		out = append(out, ParseHostPattern(s))
	}
	return out
}

// String returns the original pattern text.
func (p HostPattern) String() string { return p.pattern }

// Matches reports whether the pattern covers host:port.
func (p HostPattern) Matches(host string, port int) bool {
	if p.port != 0 {
		if p.port != port {
			return false
		}
	} else if port != 80 && port != 443 {
		return false
	}

	if p.wildcard {
		// *.example.com covers api.example.com and a.b.example.com,
		// never the apex example.com itself.
		return strings.HasSuffix(strings.ToLower(host), "."+p.host)
	}
	return strings.EqualFold(p.host, host)
}

// MatchHost reports whether any pattern covers host:port.
func MatchHost(patterns []HostPattern, host string, port int) bool {
	for _, p := range patterns {
		if p.Matches(host, port) {
			return true
		}
	}
	return false
}
