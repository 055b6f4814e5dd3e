// Package inference defines the external services the pipeline depends on.
// Backends live in subpackages; the orchestrator only sees these interfaces.
package inference

import (
	"context"

	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
)

// Default labels for classification.
const (
	LabelInCharacter    = "in_character"
	LabelOutOfCharacter = "out_of_character"
	LabelUnclassified   = "unclassified"
)

// TranscribeRequest carries one chunk of mono audio.
type TranscribeRequest struct {
	SessionID   string
	ChunkIndex  int
	WAV         []byte // mono PCM16 WAV at SampleRate
	SampleRate  int
	Language    string
	LowResource bool
}

// Transcriber turns one chunk into tokens with chunk-relative times, ordered by start.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) ([]transcript.Token, error)
}

// DiarizeRequest carries the full session audio.
type DiarizeRequest struct {
	SessionID        string
	WAV              []byte
	SampleRate       int
	ExpectedSpeakers int // 0 lets the backend decide
	LowResource      bool
}

// DiarizeResult lists speaker turns. Warnings report per-speaker failures that did not abort the call.
type DiarizeResult struct {
	Turns    []transcript.SpeakerTurn
	Warnings []string
}

type Diarizer interface {
	Diarize(ctx context.Context, req DiarizeRequest) (DiarizeResult, error)
}

// ClassifyRequest asks for the label of one segment given its neighbours.
type ClassifyRequest struct {
	Segment     transcript.Segment
	Before      []transcript.Segment
	After       []transcript.Segment
	KnownNames  []string
	LowResource bool
}

// Label is a classification outcome.
type Label struct {
	Name       string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (Label, error)
}

// KnowledgeRequest asks for characters and facts mentioned in a transcript.
type KnowledgeRequest struct {
	Segments    []transcript.Segment
	KnownNames  []string
	LowResource bool
}

// Character is a person or persona referenced in the recording.
type Character struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description,omitempty"`
	Speaker     string   `json:"speaker,omitempty"`
}

// Fact is a notable statement with the segment it came from.
type Fact struct {
	Text    string `json:"text"`
	Segment int    `json:"segment"`
}

// Knowledge is the extraction result.
type Knowledge struct {
	Characters []Character `json:"characters"`
	Facts      []Fact      `json:"facts"`
}

type KnowledgeExtractor interface {
	Extract(ctx context.Context, req KnowledgeRequest) (Knowledge, error)
}
