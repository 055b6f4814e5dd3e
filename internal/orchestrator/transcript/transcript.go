// Package transcript holds timed tokens, merged transcripts and speaker segments.
package transcript

import (
	"strings"
)

// Epsilon is the tolerated overlap between adjacent tokens, in seconds.
const Epsilon = 0.05

// UnknownSpeaker labels text no diarization turn covers.
const UnknownSpeaker = "unknown speaker"

// Token is one timed unit of text from the transcription service.
// Times are absolute seconds from the start of the recording once merged.
type Token struct {
	Text       string   `json:"text" msgpack:"text"`
	Start      float64  `json:"start_sec" msgpack:"start"`
	End        float64  `json:"end_sec" msgpack:"end"`
	Confidence *float32 `json:"confidence,omitempty" msgpack:"confidence,omitempty"`
}

// Shift returns tokens offset by sec, as when moving chunk-relative times to absolute ones.
func Shift(tokens []Token, sec float64) []Token {
	out := make([]Token, len(tokens))
	for i, t := range tokens {
		t.Start += sec
		t.End += sec
		out[i] = t
	}
	return out
}

// Transcript is the merged, time-ordered token sequence for a whole recording.
type Transcript struct {
	Tokens []Token `json:"tokens" msgpack:"tokens"`
}

// Text joins token text with single spaces.
func (t *Transcript) Text() string {
	return JoinText(t.Tokens)
}

// Duration is the end time of the last token.
func (t *Transcript) Duration() float64 {
	if len(t.Tokens) == 0 {
		return 0
	}
	return t.Tokens[len(t.Tokens)-1].End
}

// JoinText joins token text with single spaces.
func JoinText(tokens []Token) string {
	var b strings.Builder
	for _, t := range tokens {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
	return b.String()
}

// SpeakerTurn is one interval attributed to a speaker by diarization.
type SpeakerTurn struct {
	Speaker string  `json:"speaker" msgpack:"speaker"`
	Start   float64 `json:"start_sec" msgpack:"start"`
	End     float64 `json:"end_sec" msgpack:"end"`
}

// Segment is a run of tokens from a single speaker.
type Segment struct {
	Index      int      `json:"index" msgpack:"index"`
	Speaker    string   `json:"speaker" msgpack:"speaker"`
	Start      float64  `json:"start_sec" msgpack:"start"`
	End        float64  `json:"end_sec" msgpack:"end"`
	Text       string   `json:"text" msgpack:"text"`
	Label      string   `json:"label,omitempty" msgpack:"label,omitempty"`
	Confidence *float32 `json:"confidence,omitempty" msgpack:"confidence,omitempty"`
}
