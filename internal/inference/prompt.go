package inference

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
)

// DecodeJSON unmarshals model output into v, repairing malformed JSON and
// stripping markdown fences models like to add.
func DecodeJSON(text string, v any) error {
	text = stripFences(text)
	err := json.Unmarshal([]byte(text), v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); !ok {
		return err
	}
	fixed, rerr := jsonrepair.JSONRepair(text)
	if rerr != nil {
		return fmt.Errorf("repair model json: %w", rerr)
	}
	return json.Unmarshal([]byte(fixed), v)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// System prompts shared by the LLM backends.
const (
	ClassifySystemPrompt = `You label transcript segments of a recorded tabletop role-playing session.
Answer with JSON only: {"label": "in_character" | "out_of_character", "confidence": 0..1, "reason": "<short>"}.
"in_character" means the speaker talks as their character or narrates the game world.
"out_of_character" means table talk, rules discussion, logistics or anything outside the fiction.`

	KnowledgeSystemPrompt = `You extract knowledge from a transcript of a recorded session.
Answer with JSON only: {"characters": [{"name": "", "aliases": [], "description": "", "speaker": ""}],
"facts": [{"text": "", "segment": <segment index>}]}. Use only information stated in the transcript.`
)

// Context window sizes in low-resource mode.
const (
	lowResourceNeighbours = 1
	lowResourceSegments   = 200
)

func formatSegment(s transcript.Segment) string {
	return fmt.Sprintf("[%d] %s (%.1fs): %s", s.Index, s.Speaker, s.Start, s.Text)
}

// ClassifyPrompt renders the user message for a classification request.
func ClassifyPrompt(req ClassifyRequest) string {
	before, after := req.Before, req.After
	if req.LowResource {
		before = before[max(0, len(before)-lowResourceNeighbours):]
		after = after[:min(len(after), lowResourceNeighbours)]
	}

	var b strings.Builder
	if len(req.KnownNames) > 0 {
		fmt.Fprintf(&b, "Known names: %s\n\n", strings.Join(req.KnownNames, ", "))
	}
	if len(before) > 0 {
		b.WriteString("Previous segments:\n")
		for _, s := range before {
			b.WriteString(formatSegment(s))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString("Segment to label:\n")
	b.WriteString(formatSegment(req.Segment))
	b.WriteByte('\n')
	if len(after) > 0 {
		b.WriteString("\nFollowing segments:\n")
		for _, s := range after {
			b.WriteString(formatSegment(s))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// KnowledgePrompt renders the user message for knowledge extraction.
func KnowledgePrompt(req KnowledgeRequest) string {
	segs := req.Segments
	if req.LowResource && len(segs) > lowResourceSegments {
		segs = segs[:lowResourceSegments]
	}
	var b strings.Builder
	if len(req.KnownNames) > 0 {
		fmt.Fprintf(&b, "Known names: %s\n\n", strings.Join(req.KnownNames, ", "))
	}
	b.WriteString("Transcript:\n")
	for _, s := range segs {
		b.WriteString(formatSegment(s))
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseLabel decodes a classification answer and normalizes the label name.
func ParseLabel(text string) (Label, error) {
	var l Label
	if err := DecodeJSON(text, &l); err != nil {
		return Label{}, err
	}
	return NormalizeLabel(l)
}

// NormalizeLabel maps label spellings like "IC" or "out-of-character" onto the
// canonical names and clamps the confidence to [0, 1].
func NormalizeLabel(l Label) (Label, error) {
	l.Name = strings.ToLower(strings.TrimSpace(l.Name))
	l.Name = strings.NewReplacer("-", "_", " ", "_").Replace(l.Name)
	switch l.Name {
	case LabelInCharacter, "ic":
		l.Name = LabelInCharacter
	case LabelOutOfCharacter, "ooc":
		l.Name = LabelOutOfCharacter
	default:
		return Label{}, fmt.Errorf("unknown label %q", l.Name)
	}
	l.Confidence = min(max(l.Confidence, 0), 1)
	return l, nil
}

// ParseKnowledge decodes a knowledge extraction answer.
func ParseKnowledge(text string) (Knowledge, error) {
	var k Knowledge
	if err := DecodeJSON(text, &k); err != nil {
		return Knowledge{}, err
	}
	return k, nil
}
