// Package scan provides streaming multi-pattern search and replacement over
// byte streams. An Automaton is compiled once from a set of byte-string
// patterns and shared read-only across goroutines; a Stream carries the
// per-request matching state and guarantees that a pattern split across any
// number of chunks is still found exactly once.
//
// Overlapping patterns are permitted and are sequenced rather than dropped:
// the leftmost match wins, and of two matches starting at the same offset the
// longer wins. Text consumed by a committed match is not rescanned; matching
// resumes immediately after it.
//
// Matching operates on raw bytes. Patterns containing multi-byte UTF-8
// sequences are matched as their exact byte sequence with no normalization.
package scan

import (
	"errors"
	"fmt"
)

// ErrNoPatterns is returned by Compile when the pattern set is empty.
var ErrNoPatterns = errors.New("scan: pattern set is empty")

// Match reports one committed pattern occurrence. Offset is the absolute
// byte offset of the first pattern byte in the logical input stream.
type Match struct {
	Pattern int
	Offset  int64
}

// Automaton is a compiled multi-pattern matcher (Aho–Corasick construction).
// It is immutable after Compile and safe for concurrent use.
type Automaton struct {
	next       []map[byte]int32
	fail       []int32
	depth      []int32
	longestOut []int32 // pattern index of the longest pattern ending at this node, -1 if none
	hasChild   []bool
	patterns   [][]byte
	maxLen     int
}

// Compile builds an automaton from the given patterns. The pattern slice is
// copied; callers may wipe their copies afterwards. Compile fails if the set
// is empty, if any pattern is empty, or if two patterns are identical.
func Compile(patterns [][]byte) (*Automaton, error) {
	if len(patterns) == 0 {
		return nil, ErrNoPatterns
	}

	a := &Automaton{
		next:       []map[byte]int32{{}},
		fail:       []int32{0},
		depth:      []int32{0},
		longestOut: []int32{-1},
		hasChild:   []bool{false},
		patterns:   make([][]byte, len(patterns)),
	}

	seen := make(map[string]int, len(patterns))
	for i, p := range patterns {
		if len(p) == 0 {
			return nil, fmt.Errorf("scan: pattern %d is empty", i)
		}
		if prev, dup := seen[string(p)]; dup {
			return nil, fmt.Errorf("scan: pattern %d duplicates pattern %d", i, prev)
		}
		seen[string(p)] = i

		cp := make([]byte, len(p))
		copy(cp, p)
		a.patterns[i] = cp
		if len(cp) > a.maxLen {
			a.maxLen = len(cp)
		}

		state := int32(0)
		for _, b := range cp {
			child, ok := a.next[state][b]
			if !ok {
				child = int32(len(a.next))
				a.next = append(a.next, map[byte]int32{})
				a.fail = append(a.fail, 0)
				a.depth = append(a.depth, a.depth[state]+1)
				a.longestOut = append(a.longestOut, -1)
				a.hasChild = append(a.hasChild, false)
				a.next[state][b] = child
				a.hasChild[state] = true
			}
			state = child
		}
		a.longestOut[state] = int32(i)
	}

	a.buildFailLinks()
	return a, nil
}

// buildFailLinks computes failure transitions breadth-first and propagates
// the longest output reachable through the suffix chain.
func (a *Automaton) buildFailLinks() {
	queue := make([]int32, 0, len(a.next))
	for _, child := range a.next[0] {
		a.fail[child] = 0
		queue = append(queue, child)
	}

	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]

		// A suffix match is always shorter than the node's own pattern,
		// so the node's own output (if any) stays the longest.
		if a.longestOut[state] < 0 {
			a.longestOut[state] = a.longestOut[a.fail[state]]
		}

		for b, child := range a.next[state] {
			f := a.fail[state]
			for {
				if t, ok := a.next[f][b]; ok && t != child {
					a.fail[child] = t
					break
				}
				if f == 0 {
					a.fail[child] = 0
					break
				}
				f = a.fail[f]
			}
			queue = append(queue, child)
		}
	}
}

// advance follows goto/fail transitions for one input byte.
func (a *Automaton) advance(state int32, b byte) int32 {
	for {
		if t, ok := a.next[state][b]; ok {
			return t
		}
		if state == 0 {
			return 0
		}
		state = a.fail[state]
	}
}

// MaxLen returns the length of the longest compiled pattern. A stream over
// this automaton holds back at most MaxLen-1 bytes between chunks once a
// pending match has been resolved.
func (a *Automaton) MaxLen() int { return a.maxLen }

// NumPatterns returns the number of compiled patterns.
func (a *Automaton) NumPatterns() int { return len(a.patterns) }

// PatternLen returns the byte length of pattern i.
func (a *Automaton) PatternLen(i int) int { return len(a.patterns[i]) }

// FindAll reports all sequenced matches in data without rewriting it.
func (a *Automaton) FindAll(data []byte) []Match {
	if a == nil {
		return nil
	}
	s := a.NewStream(nil)
	defer s.Wipe()
	// Feed and Finish reuse one scratch slice; copy between calls.
	_, m1 := s.Feed(data)
	out := append([]Match(nil), m1...)
	_, m2 := s.Finish()
	return append(out, m2...)
}

// Contains reports whether data holds at least one pattern occurrence.
func (a *Automaton) Contains(data []byte) bool {
	if a == nil {
		return false
	}
	state := int32(0)
	for _, b := range data {
		state = a.advance(state, b)
		if a.longestOut[state] >= 0 {
			return true
		}
	}
	return false
}

// Replace rewrites data in a single pass, substituting each sequenced match
// of pattern i with repl[i]. A nil repl slice (or nil entry) keeps the
// original pattern bytes. The returned slice is freshly allocated.
func (a *Automaton) Replace(data []byte, repl [][]byte) ([]byte, []Match) {
	if a == nil {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	s := a.NewStream(repl)
	defer s.Wipe()
	head, m1 := s.Feed(data)
	out := make([]byte, 0, len(data))
	out = append(out, head...)
	matches := append([]Match(nil), m1...)
	tail, m2 := s.Finish()
	out = append(out, tail...)
	return out, append(matches, m2...)
}
