package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
)

type mockScorer struct {
	scores []float32
	calls  int
	err    error
}

func (m *mockScorer) Score(_ context.Context, _ []float32, _ int) (float32, error) {
	defer func() { m.calls++ }()
	if m.err != nil {
		return 0, m.err
	}
	if m.calls < len(m.scores) {
		return m.scores[m.calls], nil
	}
	return 0, nil
}

func tone(n int, amp float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amp * float32(math.Sin(float64(i)*0.1))
	}
	return out
}

func TestFloat32ToBytes(t *testing.T) {
	samples := []float32{0.0, 1.0, -1.0, 0.5}
	b := Float32ToBytes(samples)

	if len(b) != len(samples)*4 {
		t.Errorf("byte length = %d, want %d", len(b), len(samples)*4)
	}

	bits := binary.LittleEndian.Uint32(b[0:4])
	if math.Float32frombits(bits) != 0.0 {
		t.Error("first sample should be 0.0")
	}

	bits = binary.LittleEndian.Uint32(b[4:8])
	if math.Float32frombits(bits) != 1.0 {
		t.Error("second sample should be 1.0")
	}
}

func TestInt16BytesClips(t *testing.T) {
	b := Int16Bytes([]float32{2, -2, 0})
	if got := int16(binary.LittleEndian.Uint16(b[0:2])); got != math.MaxInt16 {
		t.Errorf("high clip = %d, want %d", got, math.MaxInt16)
	}
	if got := int16(binary.LittleEndian.Uint16(b[2:4])); got != math.MinInt16 {
		t.Errorf("low clip = %d, want %d", got, math.MinInt16)
	}
	if got := int16(binary.LittleEndian.Uint16(b[4:6])); got != 0 {
		t.Errorf("zero = %d, want 0", got)
	}
}

func TestPCMSlice(t *testing.T) {
	p := PCM{Samples: make([]float32, 16000), SampleRate: 16000}
	if d := p.Duration(); d != 1 {
		t.Errorf("Duration = %v, want 1", d)
	}

	tests := []struct {
		name       string
		start, end float64
		want       int
	}{
		{"middle", 0.25, 0.5, 4000},
		{"clamped end", 0.5, 5, 8000},
		{"negative start", -1, 0.1, 1600},
		{"inverted", 0.6, 0.5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(p.Slice(tt.start, tt.end).Samples); got != tt.want {
				t.Errorf("len = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWAVRoundTrip(t *testing.T) {
	in := PCM{Samples: tone(1600, 0.5), SampleRate: 16000}
	data, err := EncodeWAV(in)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if !IsWAV(data) {
		t.Fatal("encoded data should carry a RIFF/WAVE header")
	}

	out, err := ReadWAV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if out.SampleRate != 16000 || len(out.Samples) != len(in.Samples) {
		t.Fatalf("got rate=%d len=%d, want 16000/%d", out.SampleRate, len(out.Samples), len(in.Samples))
	}
	for i := range in.Samples {
		if math.Abs(float64(in.Samples[i]-out.Samples[i])) > 1.0/16000 {
			t.Fatalf("sample %d = %v, want ~%v", i, out.Samples[i], in.Samples[i])
		}
	}
}

func TestDecodeWAVStereoDownmix(t *testing.T) {
	var buf bytes.Buffer
	frames := []int16{16384, -16384, 8192, 8192}
	data := make([]byte, len(frames)*2)
	for i, v := range frames {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVEfmt ")
	for _, v := range []any{uint32(16), uint16(1), uint16(2), uint32(8000), uint32(32000), uint16(4), uint16(16)} {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	p, err := DecodeWAV(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if p.SampleRate != 8000 || len(p.Samples) != 2 {
		t.Fatalf("got rate=%d len=%d, want 8000/2", p.SampleRate, len(p.Samples))
	}
	if p.Samples[0] != 0 {
		t.Errorf("frame 0 = %v, want 0", p.Samples[0])
	}
	if p.Samples[1] != 0.25 {
		t.Errorf("frame 1 = %v, want 0.25", p.Samples[1])
	}
}

func TestDecodeWAVInvalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("OggS0000000000000000")},
		{"no fmt", append([]byte("RIFF\x04\x00\x00\x00WAVE"), []byte("data\x00\x00\x00\x00")...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeWAV(tt.data)
			if !apperrors.IsCode(err, apperrors.AudioInvalidFormat) {
				t.Errorf("err = %v, want AUDIO_INVALID_FORMAT", err)
			}
		})
	}
}

func TestDetectorEnergy(t *testing.T) {
	rate := 16000
	samples := make([]float32, 0, rate*3)
	// 1s silence, 1s tone, 1s silence
	samples = append(samples, make([]float32, rate)...)
	samples = append(samples, tone(rate, 0.5)...)
	samples = append(samples, make([]float32, rate)...)

	d := NewDetector(nil, VADConfig{})
	got, err := d.Detect(context.Background(), PCM{Samples: samples, SampleRate: rate})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("intervals = %d, want 1: %v", len(got), got)
	}
	win := float64(VADWindowSamples) / float64(rate)
	if math.Abs(got[0].Start-1) > win || math.Abs(got[0].End-2) > win {
		t.Errorf("interval = %+v, want ~[1,2]", got[0])
	}
}

func TestDetectorHangover(t *testing.T) {
	// speech, 3 silent windows, speech: bridged when MaxSilenceFrames >= 3
	scores := []float32{1, 1, 0, 0, 0, 1, 1, 0, 0, 0, 0, 0}
	rate := 16000
	p := PCM{Samples: make([]float32, len(scores)*VADWindowSamples), SampleRate: rate}

	bridged := NewDetector(&mockScorer{scores: scores}, VADConfig{Threshold: 0.5, MaxSilenceFrames: 3, MinSpeechSamples: 1})
	got, _ := bridged.Detect(context.Background(), p)
	if len(got) != 1 {
		t.Errorf("bridged intervals = %d, want 1", len(got))
	}

	split := NewDetector(&mockScorer{scores: scores}, VADConfig{Threshold: 0.5, MaxSilenceFrames: 2, MinSpeechSamples: 1})
	got, _ = split.Detect(context.Background(), p)
	if len(got) != 2 {
		t.Fatalf("split intervals = %d, want 2", len(got))
	}
	win := float64(VADWindowSamples) / float64(rate)
	if got[0].End != 2*win {
		t.Errorf("first end = %v, want %v (trailing silence excluded)", got[0].End, 2*win)
	}
}

func TestDetectorMinSpeech(t *testing.T) {
	scores := []float32{1, 0, 0, 0, 0}
	p := PCM{Samples: make([]float32, len(scores)*VADWindowSamples), SampleRate: 16000}
	d := NewDetector(&mockScorer{scores: scores}, VADConfig{Threshold: 0.5, MaxSilenceFrames: 1, MinSpeechSamples: VADWindowSamples * 2})
	got, _ := d.Detect(context.Background(), p)
	if len(got) != 0 {
		t.Errorf("intervals = %v, want none below minimum length", got)
	}
}

func TestDetectorScorerErrorSkipsWindow(t *testing.T) {
	m := &mockScorer{err: errors.New("vad down")}
	p := PCM{Samples: make([]float32, 4*VADWindowSamples), SampleRate: 16000}
	got, err := NewDetector(m, VADConfig{}).Detect(context.Background(), p)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(got) != 0 || m.calls != 4 {
		t.Errorf("got %v after %d calls, want none after 4", got, m.calls)
	}
}

func TestDetectorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := PCM{Samples: make([]float32, VADWindowSamples), SampleRate: 16000}
	if _, err := NewDetector(nil, VADConfig{}).Detect(ctx, p); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestFileConverterWAV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.wav")
	data, _ := EncodeWAV(PCM{Samples: tone(3200, 0.3), SampleRate: TargetSampleRate})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := NewFileConverter("", dir).Convert(context.Background(), path)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if p.SampleRate != TargetSampleRate || len(p.Samples) != 3200 {
		t.Errorf("got rate=%d len=%d, want %d/3200", p.SampleRate, len(p.Samples), TargetSampleRate)
	}
}

func TestFileConverterErrors(t *testing.T) {
	dir := t.TempDir()
	c := NewFileConverter("", dir)

	empty := filepath.Join(dir, "empty.wav")
	data, _ := EncodeWAV(PCM{SampleRate: TargetSampleRate})
	os.WriteFile(empty, data, 0o644)
	if _, err := c.Convert(context.Background(), empty); !apperrors.IsCode(err, apperrors.AudioEmptyInput) {
		t.Errorf("empty: err = %v, want AUDIO_EMPTY_INPUT", err)
	}

	mp3 := filepath.Join(dir, "in.mp3")
	os.WriteFile(mp3, []byte("ID3\x03\x00\x00\x00\x00\x00\x00\x00\x00"), 0o644)
	if _, err := c.Convert(context.Background(), mp3); !apperrors.IsCode(err, apperrors.AudioInvalidFormat) {
		t.Errorf("mp3 without ffmpeg: err = %v, want AUDIO_INVALID_FORMAT", err)
	}

	if _, err := c.Convert(context.Background(), filepath.Join(dir, "missing.wav")); !apperrors.IsCode(err, apperrors.NotFound) {
		t.Errorf("missing: err = %v, want NOT_FOUND", err)
	}
}

func TestResampleSameRate(t *testing.T) {
	in := PCM{Samples: []float32{0.1, 0.2}, SampleRate: 16000}
	out, err := Resample(in, 16000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if len(out.Samples) != 2 || out.SampleRate != 16000 {
		t.Errorf("got %+v, want unchanged", out)
	}
}
