package vault

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/majorcontext/redoubt/internal/policy"
	"github.com/majorcontext/redoubt/internal/scan"
)

// DefaultMarker replaces redacted secrets on the inbound path.
const DefaultMarker = "[REDACTED]"

// Binding associates one placeholder with the strategy that authenticates it
// and the hosts the resulting credential may reach.
type Binding struct {
	Placeholder  []byte
	Strategy     Strategy
	AllowedHosts []policy.HostPattern

	// Redact lists extra operator-declared literals that must never be
	// echoed back to the agent, beyond the strategy's own secrets.
	Redact [][]byte
}

// Snapshot is an immutable view of the loaded credential set plus the
// automata compiled from it. Request handlers acquire a snapshot for the
// duration of one request; configuration reloads publish a fresh snapshot
// and retire the old one, which wipes itself once its last reader releases.
type Snapshot struct {
	bindings      []Binding
	byPlaceholder map[string]int

	outbound   *scan.Automaton // placeholder patterns; index == binding index
	inbound    *scan.Automaton // secret fragments and declared literals
	redactRepl [][]byte        // marker replacement per inbound pattern
	marker     []byte

	refs    atomic.Int64
	retired atomic.Bool
}

// NewSnapshot validates bindings and compiles both automata. Placeholders
// must be non-empty and pairwise distinct; every binding needs at least one
// allowed-host pattern and a strategy that validates.
func NewSnapshot(bindings []Binding, marker string) (*Snapshot, error) {
	if marker == "" {
		marker = DefaultMarker
	}
	s := &Snapshot{
		bindings:      bindings,
		byPlaceholder: make(map[string]int, len(bindings)),
		marker:        []byte(marker),
	}
	s.refs.Store(1) // the publisher's reference

	for i := range bindings {
		b := &bindings[i]
		if len(b.Placeholder) == 0 {
			return nil, fmt.Errorf("binding %d: placeholder is empty", i)
		}
		if prev, dup := s.byPlaceholder[string(b.Placeholder)]; dup {
			return nil, fmt.Errorf("binding %d: placeholder duplicates binding %d", i, prev)
		}
		s.byPlaceholder[string(b.Placeholder)] = i
		if err := b.Strategy.Validate(); err != nil {
			return nil, fmt.Errorf("binding %d: %w", i, err)
		}
		if len(b.AllowedHosts) == 0 {
			return nil, fmt.Errorf("binding %d: no allowed hosts", i)
		}
	}

	if len(bindings) > 0 {
		patterns := make([][]byte, len(bindings))
		for i := range bindings {
			patterns[i] = bindings[i].Placeholder
		}
		outbound, err := scan.Compile(patterns)
		if err != nil {
			return nil, fmt.Errorf("compiling placeholder automaton: %w", err)
		}
		s.outbound = outbound
	}

	reverse := s.reversePatterns()
	if len(reverse) > 0 {
		inbound, err := scan.Compile(reverse)
		if err != nil {
			return nil, fmt.Errorf("compiling redaction automaton: %w", err)
		}
		s.inbound = inbound
		s.redactRepl = make([][]byte, len(reverse))
		for i := range s.redactRepl {
			s.redactRepl[i] = s.marker
		}
	}

	return s, nil
}

// reversePatterns collects every byte sequence to redact inbound,
// deduplicated, in deterministic order.
func (s *Snapshot) reversePatterns() [][]byte {
	var out [][]byte
	seen := make(map[string]bool)
	add := func(b []byte) {
		if len(b) == 0 || seen[string(b)] {
			return
		}
		seen[string(b)] = true
		out = append(out, b)
	}
	for i := range s.bindings {
		for _, frag := range s.bindings[i].Strategy.SecretFragments() {
			add(frag)
		}
		for _, lit := range s.bindings[i].Redact {
			add(lit)
		}
	}
	return out
}

// Lookup returns the binding for a placeholder.
func (s *Snapshot) Lookup(placeholder []byte) (*Binding, bool) {
	i, ok := s.byPlaceholder[string(placeholder)]
	if !ok {
		return nil, false
	}
	return &s.bindings[i], true
}

// Binding returns the binding at index i; the outbound automaton's pattern
// indices line up with binding indices.
func (s *Snapshot) Binding(i int) *Binding { return &s.bindings[i] }

// Len returns the number of bindings.
func (s *Snapshot) Len() int { return len(s.bindings) }

// Outbound returns the placeholder automaton; nil when the vault is empty.
func (s *Snapshot) Outbound() *scan.Automaton { return s.outbound }

// Inbound returns the redaction automaton; nil when nothing needs redacting.
func (s *Snapshot) Inbound() *scan.Automaton { return s.inbound }

// RedactionRepl returns the replacement table for the inbound automaton.
func (s *Snapshot) RedactionRepl() [][]byte { return s.redactRepl }

// Marker returns the redaction marker bytes.
func (s *Snapshot) Marker() []byte { return s.marker }

// acquire takes one reference. Callers go through Handle.Current.
func (s *Snapshot) acquire() { s.refs.Add(1) }

// Release drops one reference; the last release of a retired snapshot wipes
// every secret the snapshot owns.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) == 0 && s.retired.Load() {
		s.wipeSecrets()
	}
}

func (s *Snapshot) wipeSecrets() {
	for i := range s.bindings {
		s.bindings[i].Strategy.Wipe()
		for _, lit := range s.bindings[i].Redact {
			Wipe(lit)
		}
	}
}

// Handle is the process-wide holder of the current snapshot. Readers take a
// counted reference per request; reloads swap the snapshot atomically.
type Handle struct {
	mu  sync.Mutex
	cur *Snapshot
}

// NewHandle wraps an initial snapshot.
func NewHandle(s *Snapshot) *Handle {
	return &Handle{cur: s}
}

// Current returns the live snapshot with one reference held. The caller
// must Release it when the request completes, success or failure.
func (h *Handle) Current() *Snapshot {
	h.mu.Lock()
	s := h.cur
	s.acquire()
	h.mu.Unlock()
	return s
}

// Swap publishes a new snapshot and retires the old one. The old snapshot's
// secrets are wiped when its last in-flight reader releases it.
func (h *Handle) Swap(next *Snapshot) {
	h.mu.Lock()
	old := h.cur
	h.cur = next
	h.mu.Unlock()

	old.retired.Store(true)
	old.Release() // drop the publisher's reference
}
