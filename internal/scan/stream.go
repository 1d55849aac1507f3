package scan

// Stream applies an automaton to a sequence of chunks forming one logical
// byte stream. Feed returns the bytes that are now safe to emit (bytes that
// can no longer participate in any match) together with the matches committed
// by this chunk; Finish drains whatever is still held back.
//
// The holdback invariant: after Feed returns, the bytes retained internally
// are exactly the suffix of the input that is still a live automaton prefix
// or part of an unresolved pending match. Once a match is committed the
// retained suffix is at most MaxLen-1 bytes.
type Stream struct {
	a    *Automaton
	repl [][]byte

	state    int32
	buf      []byte // unemitted input suffix
	bufStart int64  // absolute offset of buf[0]
	pos      int64  // absolute offset of the next input byte

	best    pending
	hasBest bool

	out     []byte
	matches []Match
}

type pending struct {
	pat   int32
	start int64
	end   int64 // offset one past the last matched byte
}

// NewStream allocates matching state for one logical stream. repl maps
// pattern index to replacement bytes; nil (or a nil entry) emits the original
// pattern bytes, which turns the stream into a pure detector.
func (a *Automaton) NewStream(repl [][]byte) *Stream {
	return &Stream{a: a, repl: repl}
}

// Feed processes one chunk. The returned output slice is valid until the
// next call to Feed or Finish; the match slice likewise.
func (s *Stream) Feed(chunk []byte) ([]byte, []Match) {
	s.out = s.out[:0]
	s.matches = s.matches[:0]
	for _, b := range chunk {
		s.step(b)
	}
	return s.out, s.matches
}

// Finish resolves any pending match and drains the holdback buffer. The
// stream must not be fed again afterwards.
func (s *Stream) Finish() ([]byte, []Match) {
	s.out = s.out[:0]
	s.matches = s.matches[:0]
	for s.hasBest {
		s.commit()
	}
	s.out = append(s.out, s.buf...)
	s.drop(len(s.buf))
	return s.out, s.matches
}

// Wipe zeroizes every internal buffer that held stream plaintext. The stream
// is unusable afterwards.
func (s *Stream) Wipe() {
	wipe(s.buf)
	wipe(s.out)
	s.buf = nil
	s.out = nil
	s.hasBest = false
}

// step consumes one input byte, updating the pending-match candidate and
// emitting whatever has become safe.
func (s *Stream) step(b byte) {
	s.buf = append(s.buf, b)
	s.pos++
	s.state = s.a.advance(s.state, b)

	if p := s.a.longestOut[s.state]; p >= 0 {
		start := s.pos - int64(len(s.a.patterns[p]))
		if !s.hasBest || start < s.best.start || (start == s.best.start && s.pos > s.best.end) {
			s.best = pending{pat: p, start: start, end: s.pos}
			s.hasBest = true
		}
	}

	// No match can begin before the start of the longest live prefix, so
	// everything left of it is settled.
	frontier := s.pos - int64(s.a.depth[s.state])

	if !s.hasBest {
		s.emitThrough(frontier)
		return
	}

	// The pending match is final once no live prefix reaches back to its
	// start, or once it is itself the live prefix and cannot grow.
	if s.best.start < frontier {
		s.commit()
		return
	}
	if s.best.end == s.pos && s.best.start == frontier && !s.a.hasChild[s.state] {
		s.commit()
		return
	}
	s.emitThrough(min64(frontier, s.best.start))
}

// commit emits the pending match's replacement, then rescans the bytes that
// followed it: a committed region is consumed, and matching restarts from the
// automaton root immediately after it.
func (s *Stream) commit() {
	b := s.best
	s.hasBest = false

	s.emitThrough(b.start)
	if s.repl != nil && s.repl[b.pat] != nil {
		s.out = append(s.out, s.repl[b.pat]...)
	} else {
		s.out = append(s.out, s.a.patterns[b.pat]...)
	}
	s.matches = append(s.matches, Match{Pattern: int(b.pat), Offset: b.start})

	consumed := int(b.end - s.bufStart)
	rest := make([]byte, len(s.buf)-consumed)
	copy(rest, s.buf[consumed:])

	s.drop(len(s.buf))
	s.bufStart = b.end
	s.pos = b.end
	s.state = 0

	for _, c := range rest {
		s.step(c)
	}
	wipe(rest)
}

// emitThrough moves settled bytes from the holdback buffer to the output,
// wiping their residue.
func (s *Stream) emitThrough(upto int64) {
	n := int(upto - s.bufStart)
	if n <= 0 {
		return
	}
	s.out = append(s.out, s.buf[:n]...)
	s.drop(n)
}

// drop removes the first n buffered bytes, zeroizing the vacated tail so no
// plaintext residue outlives its holdback window.
func (s *Stream) drop(n int) {
	rem := copy(s.buf, s.buf[n:])
	wipe(s.buf[rem:])
	s.buf = s.buf[:rem]
	s.bufStart += int64(n)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
