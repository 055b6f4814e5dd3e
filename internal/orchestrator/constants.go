// Package orchestrator drives a session through the nine pipeline stages,
// restoring completed stages from checkpoints and degrading optional ones.
package orchestrator

import "github.com/GriffinCanCode/scribe/internal/stage"

// Orchestrator configuration constants
const (
	// Checkpoint recoveries allowed per run before it fails.
	MaxCorruptRestarts = 3

	// A pass emits at most two events per stage, and every checkpoint recovery
	// can replay a full pass. The stream buffer holds a whole run plus its final
	// event so a reader that drains late misses nothing. Hub subscribers are
	// best effort.
	StreamEventBuffer     = 2*stage.Count*(MaxCorruptRestarts+1) + 1
	SubscriberEventBuffer = 32

	// File name of the converted recording in a session's work directory.
	ConvertedAudioFile = "audio.wav"

	// Subdirectory of a session's output directory holding speaker clips.
	SnippetDir = "snippets"

	// Blob names.
	blobChunks      = "chunks"
	blobChunkTokens = "chunk_tokens"
	blobTranscript  = "transcript"
	blobTurns       = "turns"
	blobSegments    = "segments"
	blobKnowledge   = "knowledge"

	// Segment pause used when none is configured, in seconds.
	DefaultSegmentPauseSec = 1.5
)
