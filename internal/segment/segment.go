// Package segment turns an arbitrarily chunked character stream into an
// ordered sequence of sentences suitable for speech synthesis.
//
// The segmenter balances two failure modes: under-segmentation (a long
// paragraph that stalls synthesis until the stream ends) and
// over-segmentation (single-syllable fragments that sound choppy). It cuts
// on hard terminators ('.', '!', '?', fullwidth CJK equivalents, ';' and
// newlines) once a minimum length is reached, and falls back to soft breaks
// (commas, colons) only when the buffer would otherwise exceed the maximum
// length.
//
// A Segmenter is pure — no I/O, no clock — and is not safe for concurrent
// use; create one instance per stream.
package segment

import (
	"strings"
	"unicode"
)

const (
	// DefaultMinLength is the minimum sentence length in codepoints before a
	// hard terminator is honoured.
	DefaultMinLength = 5

	// DefaultMaxLength is the buffer length in codepoints at which the
	// segmenter forces a cut at the latest soft break.
	DefaultMaxLength = 40
)

// hardTerminators end a sentence outright once the minimum length is reached.
var hardTerminators = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true,
	'；': true, ';': true, '\n': true,
}

// softBreaks are acceptable cut points when the buffer exceeds the maximum
// length and no hard terminator has appeared.
var softBreaks = map[rune]bool{
	',': true, '，': true, '、': true, ':': true, '：': true,
}

// Option is a functional option for configuring a Segmenter.
type Option func(*Segmenter)

// WithMinLength sets the minimum sentence length in codepoints. Values < 1
// are treated as 1.
func WithMinLength(n int) Option {
	return func(s *Segmenter) {
		if n < 1 {
			n = 1
		}
		s.minLen = n
	}
}

// WithMaxLength sets the buffer length in codepoints at which a cut is
// forced. Values < 1 are ignored.
func WithMaxLength(n int) Option {
	return func(s *Segmenter) {
		if n >= 1 {
			s.maxLen = n
		}
	}
}

// Segmenter incrementally extracts sentences from a character stream.
type Segmenter struct {
	buf    []rune
	minLen int
	maxLen int
}

// New creates a Segmenter with the default length bounds, then applies opts.
func New(opts ...Option) *Segmenter {
	s := &Segmenter{
		minLen: DefaultMinLength,
		maxLen: DefaultMaxLength,
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxLen < s.minLen {
		s.maxLen = s.minLen
	}
	return s
}

// Feed appends chunk to the internal buffer and returns zero or more complete
// sentences, in the order they appear in the stream. It never blocks and
// never fails.
func (s *Segmenter) Feed(chunk string) []string {
	if chunk == "" {
		return nil
	}
	s.buf = append(s.buf, []rune(chunk)...)

	var out []string
	for {
		sentence, ok := s.cut()
		if !ok {
			break
		}
		if sentence != "" {
			out = append(out, sentence)
		}
	}
	return out
}

// Flush returns any residual buffer content (even below the minimum length)
// and clears the buffer. Call it when the upstream stream ends. Returns ""
// when nothing remains after trimming.
func (s *Segmenter) Flush() string {
	residual := clean(string(s.buf))
	s.buf = nil
	return residual
}

// cut removes and returns the next complete sentence from the buffer.
// ok is false when no cut is currently possible.
//
// Scanning is left-to-right: a hard terminator is only honoured within the
// first maxLen+1 runes, because past that point the length limit would
// already have forced a cut had the stream arrived one rune at a time.
func (s *Segmenter) cut() (sentence string, ok bool) {
	window := min(len(s.buf), s.maxLen+1)

	// Hard terminators first: the earliest one at or past the minimum length.
	for i := 0; i < window; i++ {
		r := s.buf[i]
		if !hardTerminators[r] || i+1 < s.minLen {
			continue
		}
		if r == '.' && s.suppressDot(i) {
			continue
		}
		return s.take(i + 1), true
	}

	// No hard terminator: force a cut only when the buffer exceeds maxLen.
	if len(s.buf) <= s.maxLen {
		return "", false
	}

	// Longest prefix within the window that ends in a soft break and
	// satisfies the minimum length.
	for i := window - 1; i >= s.minLen-1; i-- {
		if softBreaks[s.buf[i]] {
			return s.take(i + 1), true
		}
	}

	// No usable soft break: forced break at exactly maxLen.
	return s.take(s.maxLen), true
}

// take removes the first n runes from the buffer and returns them cleaned.
func (s *Segmenter) take(n int) string {
	sentence := clean(string(s.buf[:n]))
	rest := s.buf[n:]
	s.buf = append(s.buf[:0:0], rest...)
	return sentence
}

// suppressDot reports whether the '.' at buffer index i should not be treated
// as a sentence terminator: decimals ("3.14") and abbreviations ("e.g.") are
// left intact. The guard only fires when lookahead exists; a dot at the end
// of the buffer always terminates.
func (s *Segmenter) suppressDot(i int) bool {
	// Decimal: digits on both sides.
	if i > 0 && i+1 < len(s.buf) &&
		unicode.IsDigit(s.buf[i-1]) && unicode.IsDigit(s.buf[i+1]) {
		return true
	}
	// Abbreviation: next non-space rune within three positions is a lowercase
	// letter, as in "e.g. the".
	for j := i + 1; j < len(s.buf) && j <= i+3; j++ {
		r := s.buf[j]
		if r == ' ' {
			continue
		}
		return unicode.IsLower(r)
	}
	return false
}

// clean strips leading whitespace and trims trailing whitespace from an
// emitted sentence. Internal whitespace is preserved.
func clean(s string) string {
	return strings.TrimSpace(s)
}
