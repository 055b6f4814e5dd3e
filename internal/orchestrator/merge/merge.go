// Package merge reconciles the transcripts of overlapping chunks into one deduplicated token sequence.
package merge

import (
	"strings"
	"unicode"

	"github.com/GriffinCanCode/scribe/internal/orchestrator/chunk"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
)

// DefaultMinMatch is the shortest aligned run trusted as the splice point.
const DefaultMinMatch = 2

// ChunkTokens pairs a chunk with its tokens, already shifted to absolute time.
type ChunkTokens struct {
	Chunk  chunk.Chunk        `msgpack:"chunk"`
	Tokens []transcript.Token `msgpack:"tokens"`
}

// Merger splices adjacent chunk transcripts.
type Merger struct {
	minMatch int
}

// New creates a Merger. minMatch <= 0 uses DefaultMinMatch.
func New(minMatch int) *Merger {
	if minMatch <= 0 {
		minMatch = DefaultMinMatch
	}
	return &Merger{minMatch: minMatch}
}

// Merge merges next into prev given the overlap length in seconds.
// The overlap region is taken to end at prev's last token.
func Merge(prev, next []transcript.Token, overlapSec float64) []transcript.Token {
	return New(DefaultMinMatch).Merge(prev, next, overlapSec)
}

// Merge merges next into prev given the overlap length in seconds. Inputs are not modified.
func (m *Merger) Merge(prev, next []transcript.Token, overlapSec float64) []transcript.Token {
	if len(prev) == 0 || len(next) == 0 {
		return append(append([]transcript.Token(nil), prev...), next...)
	}
	regionEnd := prev[len(prev)-1].End
	out := append(make([]transcript.Token, 0, len(prev)+len(next)), prev...)
	return m.splice(out, next, regionEnd-overlapSec, regionEnd)
}

// MergeChunks merges all chunk transcripts left to right into one monotonic sequence.
func (m *Merger) MergeChunks(chunks []ChunkTokens) []transcript.Token {
	total := 0
	for _, c := range chunks {
		total += len(c.Tokens)
	}
	out := make([]transcript.Token, 0, total)
	for i, c := range chunks {
		if i == 0 || len(out) == 0 {
			out = append(out, c.Tokens...)
			continue
		}
		out = m.splice(out, c.Tokens, c.Chunk.Start, chunks[i-1].Chunk.End)
	}
	return transcript.EnsureMonotonic(out)
}

// splice appends next onto out, deduplicating tokens inside [regionStart, regionEnd].
// out is owned by the caller and may be truncated in place.
func (m *Merger) splice(out, next []transcript.Token, regionStart, regionEnd float64) []transcript.Token {
	if len(next) == 0 {
		return out
	}

	tail := len(out)
	for tail > 0 && out[tail-1].End > regionStart {
		tail--
	}
	head := 0
	for head < len(next) && next[head].Start < regionEnd {
		head++
	}

	ia, jb, n := longestRun(normalizeAll(out[tail:]), normalizeAll(next[:head]))
	if n >= m.minMatch {
		// Keep out through the matched run, then next after it.
		return transcript.EnsureMonotonic(appendAfter(out[:tail+ia+n], next[jb+n:]))
	}

	// No trustworthy alignment: drop next tokens lying wholly inside the overlap.
	kept := make([]transcript.Token, 0, len(next))
	for _, t := range next {
		if t.Start >= regionStart && t.End <= regionEnd {
			continue
		}
		kept = append(kept, t)
	}
	return transcript.EnsureMonotonic(appendAfter(out, kept))
}

// appendAfter appends tokens that start no earlier than the last token of out.
// Earlier ones duplicate audio out already covers.
func appendAfter(out, tokens []transcript.Token) []transcript.Token {
	last := -1.0
	if len(out) > 0 {
		last = out[len(out)-1].Start
	}
	for _, t := range tokens {
		if t.Start < last {
			continue
		}
		out = append(out, t)
		last = t.Start
	}
	return out
}

// longestRun returns the start in a, start in b and length of the longest
// common contiguous run. Empty strings never match.
func longestRun(a, b []string) (ia, jb, n int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] != "" && a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > n {
					n = cur[j]
					ia, jb = i-n, j-n
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return ia, jb, n
}

func normalizeAll(tokens []transcript.Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = Normalize(t.Text)
	}
	return out
}

// Normalize lowercases text, drops punctuation and collapses whitespace.
func Normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
