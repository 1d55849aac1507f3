package scan

import (
	"bytes"
	"fmt"
	"testing"
)

func mustCompile(t *testing.T, patterns ...string) *Automaton {
	t.Helper()
	bs := make([][]byte, len(patterns))
	for i, p := range patterns {
		bs[i] = []byte(p)
	}
	a, err := Compile(bs)
	if err != nil {
		t.Fatalf("Compile(%q): %v", patterns, err)
	}
	return a
}

func TestCompile_Errors(t *testing.T) {
	if _, err := Compile(nil); err == nil {
		t.Fatal("Compile(nil) succeeded, want error")
	}
	if _, err := Compile([][]byte{[]byte("a"), nil}); err == nil {
		t.Fatal("Compile with empty pattern succeeded, want error")
	}
	if _, err := Compile([][]byte{[]byte("dup"), []byte("dup")}); err == nil {
		t.Fatal("Compile with duplicate pattern succeeded, want error")
	}
}

func TestReplace_Basic(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		repl     []string
		in       string
		want     string
		matches  int
	}{
		{
			name:     "single occurrence",
			patterns: []string{"DUMMY_OPENAI"},
			repl:     []string{"sk-REAL"},
			in:       `{"key":"DUMMY_OPENAI"}`,
			want:     `{"key":"sk-REAL"}`,
			matches:  1,
		},
		{
			name:     "no occurrence",
			patterns: []string{"DUMMY_OPENAI"},
			repl:     []string{"sk-REAL"},
			in:       "nothing to see",
			want:     "nothing to see",
			matches:  0,
		},
		{
			name:     "multiple occurrences",
			patterns: []string{"tok"},
			repl:     []string{"X"},
			in:       "tok tok tok",
			want:     "X X X",
			matches:  3,
		},
		{
			name:     "adjacent occurrences",
			patterns: []string{"ab"},
			repl:     []string{"Z"},
			in:       "ababab",
			want:     "ZZZ",
			matches:  3,
		},
		{
			name:     "same-start longer pattern wins",
			patterns: []string{"AB", "ABC"},
			repl:     []string{"1", "2"},
			in:       "xABCx",
			want:     "x2x",
			matches:  1,
		},
		{
			name:     "shorter pattern commits when longer cannot complete",
			patterns: []string{"AB", "ABC"},
			repl:     []string{"1", "2"},
			in:       "xABx",
			want:     "x1x",
			matches:  1,
		},
		{
			name:     "leftmost start wins over earlier-completing match",
			patterns: []string{"BC", "ABCD"},
			repl:     []string{"1", "2"},
			in:       "zABCDz",
			want:     "z2z",
			matches:  1,
		},
		{
			name:     "overlap is sequenced not dropped",
			patterns: []string{"aba"},
			repl:     []string{"X"},
			in:       "ababa",
			want:     "Xba",
			matches:  1,
		},
		{
			name:     "pattern at very start and end",
			patterns: []string{"ss"},
			repl:     []string{"R"},
			in:       "ss--ss",
			want:     "R--R",
			matches:  2,
		},
		{
			name:     "non-utf8 bytes matched literally",
			patterns: []string{"\xff\xfe\x01"},
			repl:     []string{"_"},
			in:       "a\xff\xfe\x01b",
			want:     "a_b",
			matches:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := mustCompile(t, tt.patterns...)
			repl := make([][]byte, len(tt.repl))
			for i, r := range tt.repl {
				repl[i] = []byte(r)
			}
			got, matches := a.Replace([]byte(tt.in), repl)
			if string(got) != tt.want {
				t.Errorf("Replace(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if len(matches) != tt.matches {
				t.Errorf("Replace(%q) matches = %d, want %d", tt.in, len(matches), tt.matches)
			}
		})
	}
}

// TestStream_EverySplitPosition feeds a stream in two chunks split at every
// possible boundary and requires identical output and events each time, for
// pattern lengths 1 through the automaton maximum.
func TestStream_EverySplitPosition(t *testing.T) {
	for length := 1; length <= 8; length++ {
		pattern := bytes.Repeat([]byte{'k'}, length)
		// Vary the tail byte so the pattern is not unary for length > 1.
		if length > 1 {
			pattern[length-1] = 'q'
		}
		a, err := Compile([][]byte{pattern})
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		repl := [][]byte{[]byte("<R>")}

		input := append([]byte("pre-"), pattern...)
		input = append(input, []byte("-post")...)
		want := "pre-<R>-post"

		for split := 0; split <= len(input); split++ {
			s := a.NewStream(repl)
			var got []byte
			var events []Match
			out, m := s.Feed(input[:split])
			got = append(got, out...)
			events = append(events, m...)
			out, m = s.Feed(input[split:])
			got = append(got, out...)
			events = append(events, m...)
			out, m = s.Finish()
			got = append(got, out...)
			events = append(events, m...)

			if string(got) != want {
				t.Fatalf("len=%d split=%d: output %q, want %q", length, split, got, want)
			}
			if len(events) != 1 || events[0].Offset != 4 || events[0].Pattern != 0 {
				t.Fatalf("len=%d split=%d: events %+v, want one match at offset 4", length, split, events)
			}
		}
	}
}

// TestStream_SplitInvariance partitions one input into every possible
// three-chunk split and requires byte-identical output and events.
func TestStream_SplitInvariance(t *testing.T) {
	a := mustCompile(t, "secret-token", "sec", "token")
	repl := [][]byte{[]byte("[A]"), []byte("[B]"), []byte("[C]")}
	input := []byte("xx secret-token yy sec zz token secret-tok end")

	reference, refMatches := a.Replace(input, repl)

	for i := 0; i <= len(input); i++ {
		for j := i; j <= len(input); j++ {
			s := a.NewStream(repl)
			var got []byte
			var events []Match
			for _, chunk := range [][]byte{input[:i], input[i:j], input[j:]} {
				out, m := s.Feed(chunk)
				got = append(got, out...)
				events = append(events, m...)
			}
			out, m := s.Finish()
			got = append(got, out...)
			events = append(events, m...)

			if !bytes.Equal(got, reference) {
				t.Fatalf("split %d/%d: output %q, want %q", i, j, got, reference)
			}
			if fmt.Sprint(events) != fmt.Sprint(refMatches) {
				t.Fatalf("split %d/%d: events %v, want %v", i, j, events, refMatches)
			}
		}
	}
}

// TestStream_HoldbackBound verifies Feed never retains more than the longest
// live prefix: once a chunk ends outside any candidate match, every byte of
// that chunk has been emitted.
func TestStream_HoldbackBound(t *testing.T) {
	a := mustCompile(t, "abcdef")
	s := a.NewStream([][]byte{[]byte("_")})

	out, _ := s.Feed([]byte("123456789"))
	if string(out) != "123456789" {
		t.Errorf("non-matching chunk held back: emitted %q", out)
	}

	out, _ = s.Feed([]byte("xyzabc"))
	if string(out) != "xyz" {
		t.Errorf("emitted %q, want %q (holdback of live prefix only)", out, "xyz")
	}
	out, _ = s.Feed([]byte("def!"))
	if string(out) != "_!" {
		t.Errorf("emitted %q, want %q", out, "_!")
	}
}

func TestStream_IdempotentOnSanitizedOutput(t *testing.T) {
	a := mustCompile(t, "sk-live-deadbeef")
	repl := [][]byte{[]byte("[REDACTED]")}

	once, _ := a.Replace([]byte(`{"apiKey":"sk-live-deadbeef"}`), repl)
	twice, matches := a.Replace(once, repl)
	if !bytes.Equal(once, twice) {
		t.Errorf("second pass changed output: %q -> %q", once, twice)
	}
	if len(matches) != 0 {
		t.Errorf("second pass found %d matches, want 0", len(matches))
	}
}

func TestFindAll_Offsets(t *testing.T) {
	a := mustCompile(t, "aa", "bbb")
	matches := a.FindAll([]byte("aa-bbb-aa"))
	want := []Match{{Pattern: 0, Offset: 0}, {Pattern: 1, Offset: 3}, {Pattern: 0, Offset: 7}}
	if fmt.Sprint(matches) != fmt.Sprint(want) {
		t.Errorf("FindAll = %v, want %v", matches, want)
	}
}

func TestContains(t *testing.T) {
	a := mustCompile(t, "needle")
	if !a.Contains([]byte("hay needle hay")) {
		t.Error("Contains missed an occurrence")
	}
	if a.Contains([]byte("haystack")) {
		t.Error("Contains reported a false positive")
	}
}

func TestStream_WipeClearsBuffers(t *testing.T) {
	a := mustCompile(t, "topsecret")
	s := a.NewStream(nil)
	s.Feed([]byte("partial topsec"))
	buf := s.buf
	s.Wipe()
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("buffer byte %d not wiped", i)
		}
	}
}
