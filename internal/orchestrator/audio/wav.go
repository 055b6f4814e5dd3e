package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
)

type wavFormat struct {
	tag        uint16
	channels   int
	sampleRate int
	bits       int
}

// IsWAV reports whether header starts a RIFF/WAVE file.
func IsWAV(header []byte) bool {
	return len(header) >= 12 && bytes.Equal(header[:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE"))
}

// ReadWAVFile decodes a WAV file into mono PCM at its native rate.
func ReadWAVFile(path string) (PCM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PCM{}, apperrors.Wrapf(err, apperrors.NotFound, "read audio %s", path)
	}
	return DecodeWAV(data)
}

// ReadWAV decodes a WAV stream into mono PCM at its native rate.
func ReadWAV(r io.Reader) (PCM, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return PCM{}, apperrors.Wrap(err, apperrors.AudioInvalidFormat, "read wav")
	}
	return DecodeWAV(data)
}

// DecodeWAV decodes 16/24/32-bit integer or 32-bit float WAV data, downmixing to mono.
func DecodeWAV(data []byte) (PCM, error) {
	if !IsWAV(data) {
		return PCM{}, apperrors.New(apperrors.AudioInvalidFormat, "not a RIFF/WAVE file")
	}

	var (
		fmtChunk *wavFormat
		payload  []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			end = len(data) // tolerate truncated streams from interrupted writers
		}
		switch id {
		case "fmt ":
			f, err := parseFmt(data[body:end])
			if err != nil {
				return PCM{}, err
			}
			fmtChunk = f
		case "data":
			payload = data[body:end]
		}
		off = end + size%2
		if payload != nil && fmtChunk != nil {
			break
		}
	}

	if fmtChunk == nil {
		return PCM{}, apperrors.New(apperrors.AudioInvalidFormat, "wav: missing fmt chunk")
	}
	if payload == nil {
		return PCM{}, apperrors.New(apperrors.AudioInvalidFormat, "wav: missing data chunk")
	}
	samples, err := decodeSamples(*fmtChunk, payload)
	if err != nil {
		return PCM{}, err
	}
	return PCM{Samples: samples, SampleRate: fmtChunk.sampleRate}, nil
}

func parseFmt(b []byte) (*wavFormat, error) {
	if len(b) < 16 {
		return nil, apperrors.New(apperrors.AudioInvalidFormat, "wav: short fmt chunk")
	}
	f := &wavFormat{
		tag:        binary.LittleEndian.Uint16(b[0:2]),
		channels:   int(binary.LittleEndian.Uint16(b[2:4])),
		sampleRate: int(binary.LittleEndian.Uint32(b[4:8])),
		bits:       int(binary.LittleEndian.Uint16(b[14:16])),
	}
	if f.tag == wavFormatExt && len(b) >= 26 {
		f.tag = binary.LittleEndian.Uint16(b[24:26])
	}
	if f.channels <= 0 || f.sampleRate <= 0 {
		return nil, apperrors.Newf(apperrors.AudioInvalidFormat, "wav: invalid format channels=%d rate=%d", f.channels, f.sampleRate)
	}
	switch {
	case f.tag == wavFormatPCM && (f.bits == 16 || f.bits == 24 || f.bits == 32):
	case f.tag == wavFormatFloat && f.bits == 32:
	default:
		return nil, apperrors.Newf(apperrors.AudioInvalidFormat, "wav: unsupported encoding tag=%d bits=%d", f.tag, f.bits)
	}
	return f, nil
}

func decodeSamples(f wavFormat, payload []byte) ([]float32, error) {
	width := f.bits / 8
	frame := width * f.channels
	frames := len(payload) / frame
	out := make([]float32, frames)

	for i := range frames {
		var sum float32
		for c := range f.channels {
			off := i*frame + c*width
			sum += sampleAt(f, payload[off:off+width])
		}
		out[i] = sum / float32(f.channels)
	}
	return out, nil
}

func sampleAt(f wavFormat, b []byte) float32 {
	switch {
	case f.tag == wavFormatFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case f.bits == 16:
		return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
	case f.bits == 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
		return float32(v) / 8388608
	default:
		return float32(int32(binary.LittleEndian.Uint32(b))) / 2147483648
	}
}

// WriteWAV encodes p as mono 16-bit PCM.
func WriteWAV(w io.Writer, p PCM) error {
	if p.SampleRate <= 0 {
		return fmt.Errorf("wav: invalid sample rate %d", p.SampleRate)
	}
	data := Int16Bytes(p.Samples)
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(data)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(header[22:24], 1)
	binary.LittleEndian.PutUint32(header[24:28], uint32(p.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(p.SampleRate*Int16ByteSize))
	binary.LittleEndian.PutUint16(header[32:34], Int16ByteSize)
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(data)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// EncodeWAV returns p as an in-memory WAV file.
func EncodeWAV(p PCM) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(44 + len(p.Samples)*Int16ByteSize)
	if err := WriteWAV(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
