package transcript

import (
	"fmt"
	"log/slog"
	"sort"
)

// EnsureMonotonic orders tokens by start time and clamps end times so that
// tokens[i].End <= tokens[i+1].Start + Epsilon.
//
// Out-of-order start times are a merge bug: builds tagged scribedebug panic,
// other builds re-sort and log.
func EnsureMonotonic(tokens []Token) []Token {
	return ensureMonotonic(tokens, strictInvariants)
}

func ensureMonotonic(tokens []Token, strict bool) []Token {
	if i := firstDisorder(tokens); i >= 0 {
		msg := fmt.Sprintf("token %d starts at %.3f before token %d at %.3f", i, tokens[i].Start, i-1, tokens[i-1].Start)
		if strict {
			panic("transcript not monotonic: " + msg)
		}
		slog.Error("transcript not monotonic, re-sorting", "detail", msg)
		sort.SliceStable(tokens, func(a, b int) bool { return tokens[a].Start < tokens[b].Start })
	}
	for i := 0; i+1 < len(tokens); i++ {
		next := tokens[i+1].Start
		if tokens[i].End > next+Epsilon {
			tokens[i].End = max(next, tokens[i].Start)
		}
	}
	return tokens
}

// firstDisorder returns the first index whose start precedes its predecessor's, or -1.
func firstDisorder(tokens []Token) int {
	for i := 1; i < len(tokens); i++ {
		if tokens[i].Start < tokens[i-1].Start {
			return i
		}
	}
	return -1
}

// IsMonotonic reports whether tokens are non-decreasing in start time.
func IsMonotonic(tokens []Token) bool {
	return firstDisorder(tokens) < 0
}
