package transcript

import "sort"

// Segments groups tokens into speaker segments. A new segment starts when the
// attributed speaker changes or the silence between tokens exceeds pauseSec.
// Tokens no turn covers are attributed to UnknownSpeaker; nil turns label everything so.
func Segments(tokens []Token, turns []SpeakerTurn, pauseSec float64) []Segment {
	sorted := make([]SpeakerTurn, len(turns))
	copy(sorted, turns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var segments []Segment
	var current []Token
	speaker := ""

	flush := func() {
		if len(current) == 0 {
			return
		}
		segments = append(segments, Segment{
			Index:   len(segments),
			Speaker: speaker,
			Start:   current[0].Start,
			End:     current[len(current)-1].End,
			Text:    JoinText(current),
		})
		current = current[:0]
	}

	for _, tok := range tokens {
		who := speakerAt(sorted, tok)
		if len(current) > 0 {
			gap := tok.Start - current[len(current)-1].End
			if who != speaker || (pauseSec > 0 && gap > pauseSec) {
				flush()
			}
		}
		speaker = who
		current = append(current, tok)
	}
	flush()
	return segments
}

// speakerAt returns the speaker whose turn overlaps tok the most.
func speakerAt(turns []SpeakerTurn, tok Token) string {
	if len(turns) == 0 {
		return UnknownSpeaker
	}
	mid := (tok.Start + tok.End) / 2
	idx := sort.Search(len(turns), func(i int) bool { return turns[i].Start > mid }) - 1

	best, bestOverlap := UnknownSpeaker, 0.0
	for i := idx; i >= 0 && i >= idx-2; i-- {
		t := turns[i]
		overlap := min(t.End, tok.End) - max(t.Start, tok.Start)
		if t.Start <= mid && t.End >= mid && overlap >= bestOverlap {
			best, bestOverlap = t.Speaker, overlap
		}
	}
	return best
}

// Placeholder labels every segment with the same speaker, as when diarization is unavailable.
func Placeholder(tokens []Token, pauseSec float64) []Segment {
	return Segments(tokens, nil, pauseSec)
}

// ContextWindow returns up to n segments on each side of segments[i], excluding i itself.
func ContextWindow(segments []Segment, i, n int) (before, after []Segment) {
	if i < 0 || i >= len(segments) || n <= 0 {
		return nil, nil
	}
	lo := max(0, i-n)
	hi := min(len(segments), i+n+1)
	return segments[lo:i], segments[i+1 : hi]
}
