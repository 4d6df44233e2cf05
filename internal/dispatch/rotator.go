package dispatch

import "sync/atomic"

// TokenRotator hands out bearer tokens round-robin across all synthesis
// requests. The cursor advances on every draw, not on success, so a token
// that keeps failing does not get pinned to one backend.
//
// Safe for concurrent use. A nil rotator (or one with no tokens) always
// returns the empty string, which the dispatcher treats as "no auth header".
type TokenRotator struct {
	tokens []string
	next   atomic.Uint64
}

// NewTokenRotator creates a rotator over the given tokens. The slice is
// copied; an empty slice is valid and yields a rotator that only returns "".
func NewTokenRotator(tokens []string) *TokenRotator {
	r := &TokenRotator{}
	r.tokens = append(r.tokens, tokens...)
	return r
}

// Next returns the next token in round-robin order.
func (r *TokenRotator) Next() string {
	if r == nil || len(r.tokens) == 0 {
		return ""
	}
	n := r.next.Add(1) - 1
	return r.tokens[n%uint64(len(r.tokens))]
}

// Len returns the number of tokens in the rotation.
func (r *TokenRotator) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tokens)
}
