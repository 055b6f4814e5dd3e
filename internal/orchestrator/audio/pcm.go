package audio

import (
	"encoding/binary"
	"math"
)

// PCM is mono audio as normalized float samples.
type PCM struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the length in seconds.
func (p PCM) Duration() float64 {
	if p.SampleRate <= 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.SampleRate)
}

// Slice returns the samples between start and end seconds, clamped to the recording.
// The returned PCM shares memory with p.
func (p PCM) Slice(start, end float64) PCM {
	lo := p.index(start)
	hi := p.index(end)
	if hi < lo {
		hi = lo
	}
	return PCM{Samples: p.Samples[lo:hi], SampleRate: p.SampleRate}
}

func (p PCM) index(sec float64) int {
	i := int(math.Round(sec * float64(p.SampleRate)))
	if i < 0 {
		return 0
	}
	if i > len(p.Samples) {
		return len(p.Samples)
	}
	return i
}

// Float32ToBytes converts float32 samples to bytes
func Float32ToBytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*Float32ByteSize)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*Float32ByteSize:], math.Float32bits(s))
	}
	return buf
}

// Int16Bytes converts samples to little-endian signed 16-bit PCM, clipping out-of-range values.
func Int16Bytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*Int16ByteSize)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*Int16ByteSize:], uint16(toInt16(s)))
	}
	return buf
}

func toInt16(s float32) int16 {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	default:
		return int16(s * math.MaxInt16)
	}
}

// RMS returns the root-mean-square energy of a window.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
