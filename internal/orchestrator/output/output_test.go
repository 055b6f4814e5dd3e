package output

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/GriffinCanCode/scribe/internal/inference"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
)

func testDoc() Document {
	c := float32(0.87)
	return Document{
		SessionID: "s1",
		Duration:  3725.5,
		Segments: []transcript.Segment{
			{Index: 0, Speaker: "GM", Start: 0, End: 2.25, Text: "You enter the cave.", Label: inference.LabelInCharacter, Confidence: &c},
			{Index: 1, Speaker: "Sam", Start: 3723.1, End: 3725.5, Text: "Pizza is here.", Label: inference.LabelOutOfCharacter},
		},
	}
}

func TestRenderText(t *testing.T) {
	data, _ := RenderText(testDoc())
	want := "[00:00:00] GM (in_character): You enter the cave.\n[01:02:03] Sam (out_of_character): Pizza is here.\n"
	if string(data) != want {
		t.Errorf("RenderText =\n%q\nwant\n%q", data, want)
	}
}

func TestRenderSRT(t *testing.T) {
	data, _ := RenderSRT(testDoc())
	want := "1\n00:00:00,000 --> 00:00:02,250\nGM: You enter the cave.\n\n" +
		"2\n01:02:03,100 --> 01:02:05,500\nSam: Pizza is here.\n"
	if string(data) != want {
		t.Errorf("RenderSRT =\n%q\nwant\n%q", data, want)
	}
}

func TestWriteAll(t *testing.T) {
	dir := t.TempDir()
	files, err := Write(dir, testDoc())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("files = %d, want 4", len(files))
	}
	if !Present(dir, files) {
		t.Error("Present = false right after Write")
	}

	xl, err := excelize.OpenFile(filepath.Join(dir, SheetFile))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer xl.Close()
	rows, err := xl.GetRows(sheetName)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[1][3] != "GM" || rows[2][6] != "Pizza is here." {
		t.Errorf("rows = %v", rows)
	}

	data, _ := os.ReadFile(filepath.Join(dir, JSONFile))
	if !strings.Contains(string(data), `"session_id": "s1"`) {
		t.Errorf("json = %s", data)
	}

	os.Remove(filepath.Join(dir, TextFile))
	if Present(dir, files) {
		t.Error("Present = true after a file was removed")
	}
}

func TestWriteKnowledge(t *testing.T) {
	dir := t.TempDir()
	f, err := WriteKnowledge(dir, inference.Knowledge{Characters: []inference.Character{{Name: "Aria"}}})
	if err != nil {
		t.Fatalf("WriteKnowledge: %v", err)
	}
	if f.Name != KnowledgeFile || f.Size == 0 || len(f.SHA256) != 64 {
		t.Errorf("file = %+v", f)
	}
}
