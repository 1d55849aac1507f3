package policy

import (
	"net/http"
	"strings"
)

// FailMode selects what happens when a request trips policy or a strategy
// fails. Closed is the default and the only recommended mode.
type FailMode string

const (
	// FailClosed rejects the request with a neutral error.
	FailClosed FailMode = "closed"
	// FailOpen strips the offending placeholder occurrences and forwards
	// the request without authentication. Every permitted request is
	// counted loudly; the mode exists for first-hour bring-up only.
	FailOpen FailMode = "open"
)

// Decision is the gate's verdict for one request.
type Decision int

const (
	// Permit forwards the request with strategies applied.
	Permit Decision = iota
	// Reject refuses the request with a neutral 403.
	Reject
	// Strip removes the offending placeholder occurrences and forwards
	// the request unauthenticated.
	Strip
)

// Policy is an immutable snapshot of the enforcement configuration. It is
// rebuilt on configuration reload and shared read-only.
type Policy struct {
	Mode              FailMode
	blockHeaders      []headerPattern
	telemetryPatterns []headerPattern
}

// headerPattern matches a header name exactly or by "prefix-*" wildcard,
// case-insensitively.
type headerPattern struct {
	name   string // lowercased; prefix when wildcard
	prefix bool
}

func parseHeaderPattern(s string) headerPattern {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasSuffix(s, "*") {
		return headerPattern{name: strings.TrimSuffix(s, "*"), prefix: true}
	}
	return headerPattern{name: s}
}

func (hp headerPattern) matches(name string) bool {
	name = strings.ToLower(name)
	if hp.prefix {
		return strings.HasPrefix(name, hp.name)
	}
	return name == hp.name
}

// New builds a policy snapshot. Unknown fail modes fall back to closed;
// the config loader rejects them before this point.
func New(mode FailMode, blockHeaders, telemetryPatterns []string) *Policy {
	if mode != FailOpen {
		mode = FailClosed
	}
	p := &Policy{Mode: mode}
	for _, h := range blockHeaders {
		p.blockHeaders = append(p.blockHeaders, parseHeaderPattern(h))
	}
	for _, h := range telemetryPatterns {
		p.telemetryPatterns = append(p.telemetryPatterns, parseHeaderPattern(h))
	}
	return p
}

// CheckHost decides whether a request to host:port may use credentials whose
// allow-lists are given. Every matched binding must cover the host; a single
// uncovered binding trips the gate.
func (p *Policy) CheckHost(host string, port int, allowLists [][]HostPattern) Decision {
	for _, patterns := range allowLists {
		if !MatchHost(patterns, host, port) {
			if p.Mode == FailOpen {
				return Strip
			}
			return Reject
		}
	}
	return Permit
}

// Violation mirrors CheckHost for a single binding's allow-list.
func (p *Policy) Violation(host string, port int, patterns []HostPattern) bool {
	return !MatchHost(patterns, host, port)
}

// StripTelemetry removes telemetry headers in place and returns how many
// header names were removed. Third-party SDKs attach machine and session
// identifiers the upstream has no business seeing.
func (p *Policy) StripTelemetry(h http.Header) int {
	return removeMatching(h, p.telemetryPatterns)
}

// StripBlockedResponseHeaders removes configured response headers in place.
func (p *Policy) StripBlockedResponseHeaders(h http.Header) int {
	return removeMatching(h, p.blockHeaders)
}

// BlocksHeader reports whether name is in the response block list.
func (p *Policy) BlocksHeader(name string) bool {
	for _, hp := range p.blockHeaders {
		if hp.matches(name) {
			return true
		}
	}
	return false
}

func removeMatching(h http.Header, patterns []headerPattern) int {
	if len(patterns) == 0 {
		return 0
	}
	removed := 0
	for name := range h {
		for _, hp := range patterns {
			if hp.matches(name) {
				h.Del(name)
				removed++
				break
			}
		}
	}
	return removed
}
