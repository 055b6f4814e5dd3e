// Package classify labels transcript segments through the classification service.
package classify

import (
	"context"
	"sync"

	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
	"github.com/GriffinCanCode/scribe/internal/inference"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/scribe/internal/resilience"
	"github.com/GriffinCanCode/scribe/internal/trace"
)

// Backends resolves a classifier by target name, as chosen by the resilience ladder.
type Backends interface {
	Classifier(name string) (inference.Classifier, error)
}

// Config tunes a Labeler.
type Config struct {
	ContextSegments int    // neighbours sent on each side
	DefaultLabel    string // used before any segment has been labeled
	KnownNames      []string
}

func (c Config) withDefaults() Config {
	if c.ContextSegments < 0 {
		c.ContextSegments = 0
	}
	if c.DefaultLabel == "" {
		c.DefaultLabel = inference.LabelUnclassified
	}
	return c
}

// Stats summarizes one labeling pass.
type Stats struct {
	Labeled  int            `json:"labeled"`
	Fallback int            `json:"fallback"`
	Counts   map[string]int `json:"counts"`
}

// Labeler labels segments one by one. A segment whose call fails takes the
// majority label seen so far.
type Labeler struct {
	backends Backends
	wrapper  *resilience.Wrapper
	policy   resilience.Policy
	cfg      Config

	mu     sync.Mutex
	counts map[string]int
}

// NewLabeler creates a labeler calling through wrapper under policy.
func NewLabeler(backends Backends, wrapper *resilience.Wrapper, policy resilience.Policy, cfg Config) *Labeler {
	return &Labeler{
		backends: backends,
		wrapper:  wrapper,
		policy:   policy,
		cfg:      cfg.withDefaults(),
		counts:   make(map[string]int),
	}
}

// Label returns a labeled copy of segments.
//
// It fails only when the pass is cancelled or when not a single segment could be
// labeled; the caller then falls back to the placeholder label for all segments.
func (l *Labeler) Label(ctx context.Context, segments []transcript.Segment) ([]transcript.Segment, Stats, error) {
	log := trace.Logger(ctx)
	out := make([]transcript.Segment, len(segments))
	copy(out, segments)

	var stats Stats
	var lastErr error
	for i := range out {
		before, after := transcript.ContextWindow(segments, i, l.cfg.ContextSegments)
		label, err := resilience.Call(ctx, l.wrapper, l.policy, func(ctx context.Context, att resilience.Attempt) (inference.Label, error) {
			c, err := l.backends.Classifier(att.Target)
			if err != nil {
				return inference.Label{}, &resilience.ServiceError{Service: att.Target, Class: resilience.Permanent, Err: err}
			}
			return c.Classify(ctx, inference.ClassifyRequest{
				Segment:     segments[i],
				Before:      before,
				After:       after,
				KnownNames:  l.cfg.KnownNames,
				LowResource: att.LowResource,
			})
		})
		if err != nil {
			if apperrors.IsCode(err, apperrors.Cancelled) {
				return nil, stats, err
			}
			lastErr = err
			fallback := l.Majority()
			log.Warn("segment classification failed, using majority label", "segment", i, "label", fallback, "error", err)
			out[i].Label = fallback
			out[i].Confidence = nil
			stats.Fallback++
			continue
		}
		l.record(label.Name)
		out[i].Label = label.Name
		conf := label.Confidence
		out[i].Confidence = &conf
		stats.Labeled++
	}

	if len(out) > 0 && stats.Labeled == 0 {
		return nil, stats, apperrors.Wrap(lastErr, apperrors.StageFailed, "no segment could be classified")
	}
	stats.Counts = l.Counts()
	return out, stats, nil
}

func (l *Labeler) record(label string) {
	l.mu.Lock()
	l.counts[label]++
	l.mu.Unlock()
}

// Majority returns the most frequent label so far, or the default label when none.
// Ties go to the lexically smaller label so the choice is deterministic.
func (l *Labeler) Majority() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	best, bestN := l.cfg.DefaultLabel, 0
	for label, n := range l.counts {
		if n > bestN || (n == bestN && label < best) {
			best, bestN = label, n
		}
	}
	return best
}

// Counts returns a copy of the label tally.
func (l *Labeler) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// Placeholder labels every segment with label and clears confidences.
func Placeholder(segments []transcript.Segment, label string) []transcript.Segment {
	out := make([]transcript.Segment, len(segments))
	for i, s := range segments {
		s.Label = label
		s.Confidence = nil
		out[i] = s
	}
	return out
}
