package stage

import (
	"encoding/json"
	"testing"
)

func TestOrder(t *testing.T) {
	all := All()
	if len(all) != 9 {
		t.Fatalf("len(All()) = %d, want 9", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i] <= all[i-1] {
			t.Errorf("stage %v not after %v", all[i], all[i-1])
		}
	}
	if all[0] != Convert || all[8] != ExtractKnowledge {
		t.Errorf("order = %v", all)
	}
}

func TestRequired(t *testing.T) {
	tests := []struct {
		id   ID
		want bool
	}{
		{Convert, true},
		{Chunk, true},
		{Transcribe, true},
		{Merge, true},
		{Diarize, false},
		{Classify, false},
		{FormatOutput, true},
		{ExportSnippets, false},
		{ExtractKnowledge, false},
	}
	for _, tt := range tests {
		if got := tt.id.Required(); got != tt.want {
			t.Errorf("%v.Required() = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	for _, id := range All() {
		got, err := Parse(id.String())
		if err != nil || got != id {
			t.Errorf("Parse(%q) = %v, %v", id.String(), got, err)
		}
	}
	if _, err := Parse("nope"); err == nil {
		t.Error("Parse should reject unknown names")
	}
	if _, err := ParseList([]string{"merge", "nope"}); err == nil {
		t.Error("ParseList should reject unknown names")
	}
}

func TestJSONNames(t *testing.T) {
	data, err := json.Marshal(map[string][]ID{"done": {Convert, Merge}})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"done":["audio_conversion","merge"]}` {
		t.Errorf("json = %s", data)
	}

	var back map[string][]ID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back["done"][1] != Merge {
		t.Errorf("round trip = %v", back["done"])
	}
}
