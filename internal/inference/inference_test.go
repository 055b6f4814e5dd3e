package inference

import (
	"context"
	"strings"
	"testing"

	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
)

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(context.Context, TranscribeRequest) ([]transcript.Token, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.RegisterTranscriber("grpc", stubTranscriber{})

	if _, err := r.Transcriber("grpc"); err != nil {
		t.Errorf("Transcriber(grpc) = %v", err)
	}
	if _, err := r.Transcriber("openai"); err == nil {
		t.Error("Transcriber(openai) should fail when unregistered")
	}
	if _, err := r.Classifier("grpc"); err == nil {
		t.Error("Classifier(grpc) should fail when unregistered")
	}
	names := r.Names()
	if len(names["transcription"]) != 1 || len(names["classification"]) != 0 {
		t.Errorf("Names = %v", names)
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", `{"label": "ooc"}`, "ooc"},
		{"fenced", "```json\n{\"label\": \"ic\"}\n```", "ic"},
		{"trailing comma", `{"label": "ic",}`, "ic"},
		{"single quotes", `{'label': 'ic'}`, "ic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v struct {
				Label string `json:"label"`
			}
			if err := DecodeJSON(tt.input, &v); err != nil {
				t.Fatalf("DecodeJSON: %v", err)
			}
			if v.Label != tt.want {
				t.Errorf("Label = %q, want %q", v.Label, tt.want)
			}
		})
	}
}

func TestParseLabel(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{`{"label": "in_character", "confidence": 0.9}`, LabelInCharacter, false},
		{`{"label": "Out-Of-Character", "confidence": 2}`, LabelOutOfCharacter, false},
		{`{"label": "IC"}`, LabelInCharacter, false},
		{`{"label": "banana"}`, "", true},
	}
	for _, tt := range tests {
		l, err := ParseLabel(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLabel(%s) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if l.Name != tt.want {
			t.Errorf("ParseLabel(%s) = %q, want %q", tt.input, l.Name, tt.want)
		}
		if l.Confidence > 1 {
			t.Errorf("Confidence = %v, want clamped to 1", l.Confidence)
		}
	}
}

func TestClassifyPromptLowResource(t *testing.T) {
	seg := func(i int) transcript.Segment {
		return transcript.Segment{Index: i, Speaker: "A", Text: "line"}
	}
	req := ClassifyRequest{
		Segment:    seg(5),
		Before:     []transcript.Segment{seg(3), seg(4)},
		After:      []transcript.Segment{seg(6), seg(7)},
		KnownNames: []string{"Aria"},
	}

	full := ClassifyPrompt(req)
	for _, want := range []string{"[3]", "[4]", "[5]", "[6]", "[7]", "Aria"} {
		if !strings.Contains(full, want) {
			t.Errorf("full prompt missing %s", want)
		}
	}

	req.LowResource = true
	low := ClassifyPrompt(req)
	if strings.Contains(low, "[3]") || strings.Contains(low, "[7]") {
		t.Errorf("low-resource prompt kept distant neighbours:\n%s", low)
	}
	if !strings.Contains(low, "[4]") || !strings.Contains(low, "[6]") {
		t.Errorf("low-resource prompt dropped nearest neighbours:\n%s", low)
	}
}

func TestKnowledgePromptLowResource(t *testing.T) {
	segs := make([]transcript.Segment, lowResourceSegments+10)
	for i := range segs {
		segs[i] = transcript.Segment{Index: i}
	}
	low := KnowledgePrompt(KnowledgeRequest{Segments: segs, LowResource: true})
	if got := strings.Count(low, "\n") - 1; got != lowResourceSegments {
		t.Errorf("low-resource segments = %d, want %d", got, lowResourceSegments)
	}
}
