package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	resampling "github.com/tphakala/go-audio-resampling"

	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
	"github.com/GriffinCanCode/scribe/internal/trace"
)

// Converter normalizes an input recording to mono PCM at the working rate.
type Converter interface {
	Convert(ctx context.Context, src string) (PCM, error)
}

// FileConverter decodes WAV natively and shells out to ffmpeg for other containers.
type FileConverter struct {
	SampleRate int    // target rate, TargetSampleRate when zero
	FFmpeg     string // ffmpeg binary; empty disables non-WAV input
	TempDir    string
}

// NewFileConverter creates a converter targeting TargetSampleRate.
func NewFileConverter(ffmpeg, tempDir string) *FileConverter {
	return &FileConverter{SampleRate: TargetSampleRate, FFmpeg: ffmpeg, TempDir: tempDir}
}

// Convert decodes src, downmixes to mono and resamples to the target rate.
func (c *FileConverter) Convert(ctx context.Context, src string) (PCM, error) {
	rate := c.SampleRate
	if rate <= 0 {
		rate = TargetSampleRate
	}

	header, err := readHeader(src)
	if err != nil {
		return PCM{}, err
	}

	var p PCM
	if IsWAV(header) {
		p, err = ReadWAVFile(src)
	} else {
		p, err = c.transcode(ctx, src, rate)
	}
	if err != nil {
		return PCM{}, err
	}
	if len(p.Samples) == 0 {
		return PCM{}, apperrors.Newf(apperrors.AudioEmptyInput, "no audio samples in %s", filepath.Base(src))
	}

	out, err := Resample(p, rate)
	if err != nil {
		return PCM{}, err
	}
	trace.Logger(ctx).Info("audio converted", "source", filepath.Base(src), "from_rate", p.SampleRate, "duration", out.Duration())
	return out, nil
}

func readHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.NotFound, "open audio %s", path)
	}
	defer f.Close()
	header := make([]byte, 12)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, apperrors.Wrapf(err, apperrors.AudioInvalidFormat, "read audio header %s", path)
	}
	return header[:n], nil
}

func (c *FileConverter) transcode(ctx context.Context, src string, rate int) (PCM, error) {
	if c.FFmpeg == "" {
		return PCM{}, apperrors.Newf(apperrors.AudioInvalidFormat, "unsupported audio container %s (ffmpeg disabled)", filepath.Ext(src))
	}
	tmp, err := os.CreateTemp(c.TempDir, "convert-*.wav")
	if err != nil {
		return PCM{}, apperrors.Wrap(err, apperrors.Internal, "create temp wav")
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.FFmpeg, "-nostdin", "-y", "-i", src,
		"-ac", "1", "-ar", fmt.Sprint(rate), "-c:a", "pcm_s16le", "-f", "wav", tmpPath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return PCM{}, apperrors.Wrap(ctx.Err(), apperrors.Cancelled, "ffmpeg cancelled")
		}
		return PCM{}, apperrors.Wrap(err, apperrors.AudioInvalidFormat, "ffmpeg failed").
			WithMetadata("stderr", lastLine(stderr.String()))
	}
	return ReadWAVFile(tmpPath)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Resample converts p to rate. Same-rate input is returned unchanged.
func Resample(p PCM, rate int) (PCM, error) {
	if p.SampleRate == rate || len(p.Samples) == 0 {
		return PCM{Samples: p.Samples, SampleRate: rate}, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(p.SampleRate),
		OutputRate: float64(rate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return PCM{}, fmt.Errorf("failed to create resampler: %w", err)
	}

	input := make([]float64, len(p.Samples))
	for i, s := range p.Samples {
		input[i] = float64(s)
	}
	output, err := rs.Process(input)
	if err != nil {
		return PCM{}, fmt.Errorf("resample error: %w", err)
	}

	out := make([]float32, len(output))
	for i, s := range output {
		out[i] = float32(s)
	}
	return PCM{Samples: out, SampleRate: rate}, nil
}
