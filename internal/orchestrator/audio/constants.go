// Package audio decodes, resamples and segments recordings for the pipeline.
package audio

// Audio processing constants
const (
	// Pipeline working format: mono 16 kHz
	TargetSampleRate = 16000

	// VAD analysis window
	VADWindowSamples = 512

	// Consecutive silent windows before speech is considered over
	DefaultMaxSilenceFrames = 15

	// RMS energy above which a window counts as speech
	DefaultEnergyThreshold = 0.01

	// Float32 byte size for audio conversion
	Float32ByteSize = 4

	// PCM16 byte size
	Int16ByteSize = 2

	wavFormatPCM   = 1
	wavFormatFloat = 3
	wavFormatExt   = 0xFFFE
)
