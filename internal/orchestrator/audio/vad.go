package audio

import (
	"context"

	"github.com/GriffinCanCode/scribe/internal/orchestrator/chunk"
	"github.com/GriffinCanCode/scribe/internal/trace"
)

// Scorer rates one analysis window; higher means more likely speech.
type Scorer interface {
	Score(ctx context.Context, window []float32, sampleRate int) (float32, error)
}

// EnergyScorer scores windows by RMS energy.
type EnergyScorer struct{}

func (EnergyScorer) Score(_ context.Context, window []float32, _ int) (float32, error) {
	return float32(RMS(window)), nil
}

// VADConfig for the speech detector
type VADConfig struct {
	Threshold        float64
	WindowSamples    int
	MaxSilenceFrames int
	MinSpeechSamples int // Minimum samples for a speech run to count (e.g., sampleRate/10)
}

func (c VADConfig) withDefaults(sampleRate int) VADConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultEnergyThreshold
	}
	if c.WindowSamples <= 0 {
		c.WindowSamples = VADWindowSamples
	}
	if c.MaxSilenceFrames <= 0 {
		c.MaxSilenceFrames = DefaultMaxSilenceFrames
	}
	if c.MinSpeechSamples <= 0 {
		c.MinSpeechSamples = sampleRate / 10
	}
	return c
}

// Detector finds speech intervals in a recording.
type Detector struct {
	scorer Scorer
	cfg    VADConfig
}

// NewDetector creates a detector; a nil scorer uses EnergyScorer.
func NewDetector(scorer Scorer, cfg VADConfig) *Detector {
	if scorer == nil {
		scorer = EnergyScorer{}
	}
	return &Detector{scorer: scorer, cfg: cfg}
}

// vadState tracks the running speech run
type vadState struct {
	isSpeaking    bool
	start         int // sample index where the current run began
	lastSpeech    int // sample index just past the last speech window
	silenceChunks int
}

// Detect walks p in fixed windows and returns speech intervals in seconds.
// A run ends after MaxSilenceFrames consecutive silent windows; trailing silence is not included.
func (d *Detector) Detect(ctx context.Context, p PCM) ([]chunk.Interval, error) {
	cfg := d.cfg.withDefaults(p.SampleRate)
	log := trace.Logger(ctx)
	rate := float64(p.SampleRate)

	var (
		out   []chunk.Interval
		state vadState
	)
	emit := func() {
		if state.lastSpeech-state.start >= cfg.MinSpeechSamples {
			out = append(out, chunk.Interval{Start: float64(state.start) / rate, End: float64(state.lastSpeech) / rate})
		}
		state = vadState{}
	}

	w := cfg.WindowSamples
	for off := 0; off < len(p.Samples); off += w {
		if off/w%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		end := min(off+w, len(p.Samples))
		score, err := d.scorer.Score(ctx, p.Samples[off:end], p.SampleRate)
		if err != nil {
			log.Debug("VAD error", "error", err, "offset", off)
			continue
		}

		if float64(score) > cfg.Threshold {
			if !state.isSpeaking {
				state.isSpeaking = true
				state.start = off
			}
			state.silenceChunks = 0
			state.lastSpeech = end
		} else if state.isSpeaking {
			state.silenceChunks++
			if state.silenceChunks > cfg.MaxSilenceFrames {
				emit()
			}
		}
	}
	if state.isSpeaking {
		emit()
	}

	log.Debug("speech detected", "intervals", len(out), "duration", p.Duration())
	return out, nil
}
