// Package chunk plans overlapping, speech-aware windows over a recording for per-chunk transcription.
package chunk

import (
	"fmt"
	"sort"

	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
)

// ErrEmptyAudio is returned when the recording has no positive duration.
var ErrEmptyAudio = apperrors.New(apperrors.AudioEmptyInput, "audio has no positive duration")

// Interval is a span of detected speech, in seconds.
type Interval struct {
	Start float64 `json:"start_sec" msgpack:"start"`
	End   float64 `json:"end_sec" msgpack:"end"`
}

// Chunk is one window sent to the transcription service.
type Chunk struct {
	Index       int     `json:"index" msgpack:"index"`
	Start       float64 `json:"start_sec" msgpack:"start"`
	End         float64 `json:"end_sec" msgpack:"end"`
	OverlapPrev float64 `json:"overlap_prev_sec" msgpack:"overlap_prev"`
	OverlapNext float64 `json:"overlap_next_sec" msgpack:"overlap_next"`
}

// Duration returns End - Start.
func (c Chunk) Duration() float64 { return c.End - c.Start }

// Options configures Plan.
type Options struct {
	MaxLenSec       float64 // cursor advance per chunk
	OverlapSec      float64 // lead-in each chunk after the first shares with its predecessor
	SearchWindowSec float64 // how far before the ideal cut a silence gap may be chosen
	GapWeight       float64 // weight of gap width against distance from the ideal cut
	MinGapSec       float64 // narrower gaps never qualify as cut points
}

// DefaultOptions returns the standard planner settings.
func DefaultOptions() Options {
	return Options{
		MaxLenSec:       DefaultMaxLenSec,
		OverlapSec:      DefaultOverlapSec,
		SearchWindowSec: DefaultSearchWindowSec,
		GapWeight:       DefaultGapWeight,
		MinGapSec:       DefaultMinGapSec,
	}
}

func (o Options) validate() error {
	if o.MaxLenSec <= 0 {
		return apperrors.Newf(apperrors.InvalidArgument, "max chunk length must be positive, got %v", o.MaxLenSec)
	}
	if o.OverlapSec < 0 || o.OverlapSec >= o.MaxLenSec {
		return apperrors.Newf(apperrors.InvalidArgument, "overlap %v must be in [0, %v)", o.OverlapSec, o.MaxLenSec)
	}
	if o.SearchWindowSec < 0 || o.GapWeight < 0 || o.MinGapSec < 0 {
		return apperrors.New(apperrors.InvalidArgument, "search window, gap weight and min gap must not be negative")
	}
	return nil
}

// Plan splits [0, total] into ordered, overlapping chunks.
//
// The cursor advances by at most MaxLenSec per chunk. Each cut is placed in the
// widest, closest silence gap inside [ideal-SearchWindowSec, ideal], or at ideal
// when no gap qualifies. Every chunk after the first starts OverlapSec before its
// predecessor's end, and the last chunk ends exactly at total.
func Plan(total float64, speech []Interval, opts Options) ([]Chunk, error) {
	if total <= 0 {
		return nil, ErrEmptyAudio
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	gaps := silenceGaps(total, speech, opts.MinGapSec)

	var chunks []Chunk
	cursor := 0.0
	for {
		start := 0.0
		if len(chunks) > 0 {
			start = max(0, cursor-opts.OverlapSec)
		}
		ideal := cursor + opts.MaxLenSec
		if ideal >= total {
			chunks = append(chunks, Chunk{Index: len(chunks), Start: start, End: total})
			break
		}

		floor := cursor + opts.MaxLenSec*minAdvanceFrac
		cut := chooseCut(gaps, max(ideal-opts.SearchWindowSec, floor), ideal, opts)
		chunks = append(chunks, Chunk{Index: len(chunks), Start: start, End: cut})
		cursor = cut
	}

	for i := range chunks {
		if i > 0 {
			chunks[i].OverlapPrev = chunks[i-1].End - chunks[i].Start
			chunks[i-1].OverlapNext = chunks[i].OverlapPrev
		}
	}
	return chunks, nil
}

// chooseCut scores every qualifying gap inside [lo, hi] and returns the best cut point, or hi.
// score = GapWeight*width/window - distance/window, so a gap twice as wide beats one
// up to twice the width closer.
func chooseCut(gaps []Interval, lo, hi float64, opts Options) float64 {
	window := hi - lo
	if window <= 0 || opts.SearchWindowSec <= 0 {
		return hi
	}

	best, bestScore, found := hi, 0.0, false
	i := sort.Search(len(gaps), func(i int) bool { return gaps[i].End > lo })
	for ; i < len(gaps) && gaps[i].Start < hi; i++ {
		g := gaps[i]
		clipLo, clipHi := max(g.Start, lo), min(g.End, hi)
		if clipHi <= clipLo {
			continue
		}
		cut := (clipLo + clipHi) / 2
		width := min(g.End-g.Start, window)
		score := opts.GapWeight*width/window - (hi-cut)/window
		if !found || score > bestScore || (score == bestScore && cut > best) {
			best, bestScore, found = cut, score, true
		}
	}
	return best
}

// silenceGaps returns the silences between merged speech intervals that are at least minGap wide.
// No speech at all yields no gaps, so planning falls back to fixed-length cuts.
func silenceGaps(total float64, speech []Interval, minGap float64) []Interval {
	if len(speech) == 0 {
		return nil
	}
	merged := mergeIntervals(speech, total)

	var gaps []Interval
	prevEnd := 0.0
	for _, s := range merged {
		if s.Start-prevEnd >= minGap && s.Start > prevEnd {
			gaps = append(gaps, Interval{Start: prevEnd, End: s.Start})
		}
		prevEnd = max(prevEnd, s.End)
	}
	if total-prevEnd >= minGap && total > prevEnd {
		gaps = append(gaps, Interval{Start: prevEnd, End: total})
	}
	return gaps
}

func mergeIntervals(in []Interval, total float64) []Interval {
	iv := make([]Interval, 0, len(in))
	for _, s := range in {
		s.Start, s.End = max(0, s.Start), min(total, s.End)
		if s.End > s.Start {
			iv = append(iv, s)
		}
	}
	sort.Slice(iv, func(i, j int) bool { return iv[i].Start < iv[j].Start })

	out := iv[:0]
	for _, s := range iv {
		if n := len(out); n > 0 && s.Start <= out[n-1].End {
			out[n-1].End = max(out[n-1].End, s.End)
			continue
		}
		out = append(out, s)
	}
	return out
}

// Validate checks the structural invariants of a plan over [0, total].
func Validate(chunks []Chunk, total float64, opts Options) error {
	const eps = 1e-9
	if len(chunks) == 0 {
		return fmt.Errorf("empty plan")
	}
	if chunks[0].Start != 0 {
		return fmt.Errorf("first chunk starts at %v", chunks[0].Start)
	}
	if last := chunks[len(chunks)-1]; last.End != total {
		return fmt.Errorf("last chunk ends at %v, want %v", last.End, total)
	}
	for i, c := range chunks {
		if c.Index != i {
			return fmt.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.End <= c.Start {
			return fmt.Errorf("chunk %d is empty", i)
		}
		if c.End-(c.Start+c.OverlapPrev) > opts.MaxLenSec+eps {
			return fmt.Errorf("chunk %d advances %v past max %v", i, c.End-c.Start-c.OverlapPrev, opts.MaxLenSec)
		}
		if i > 0 {
			prev := chunks[i-1]
			if c.Start <= prev.Start {
				return fmt.Errorf("chunk %d does not advance", i)
			}
			if c.Start > prev.End {
				return fmt.Errorf("gap between chunk %d and %d", i-1, i)
			}
		}
	}
	return nil
}
