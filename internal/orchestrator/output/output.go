// Package output renders the final transcript deliverables.
package output

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/GriffinCanCode/scribe/internal/inference"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/scribe/internal/storage"
)

// File names written into a session's output directory.
const (
	TextFile      = "transcript.txt"
	SubtitleFile  = "transcript.srt"
	JSONFile      = "transcript.json"
	SheetFile     = "transcript.xlsx"
	KnowledgeFile = "knowledge.json"

	sheetName = "Transcript"
)

// Document is everything the renderers need.
type Document struct {
	SessionID string               `json:"session_id"`
	Duration  float64              `json:"duration_sec"`
	Segments  []transcript.Segment `json:"segments"`
	Degraded  []string             `json:"degraded_stages,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// File describes one written deliverable.
type File struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

type renderer struct {
	name   string
	render func(Document) ([]byte, error)
}

var renderers = []renderer{
	{TextFile, RenderText},
	{SubtitleFile, RenderSRT},
	{JSONFile, RenderJSON},
	{SheetFile, RenderXLSX},
}

// Write renders every format into dir. Each file is replaced atomically.
func Write(dir string, doc Document) ([]File, error) {
	files := make([]File, 0, len(renderers))
	for _, r := range renderers {
		data, err := r.render(doc)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", r.name, err)
		}
		f, err := writeFile(dir, r.name, data)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// WriteKnowledge writes the extraction result as knowledge.json.
func WriteKnowledge(dir string, k inference.Knowledge) (File, error) {
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return File{}, err
	}
	return writeFile(dir, KnowledgeFile, data)
}

func writeFile(dir, name string, data []byte) (File, error) {
	if err := storage.WriteFileAtomic(filepath.Join(dir, name), data); err != nil {
		return File{}, fmt.Errorf("write %s: %w", name, err)
	}
	sum := sha256.Sum256(data)
	return File{Name: name, Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}, nil
}

// Present reports whether every file still exists in dir with its recorded size.
func Present(dir string, files []File) bool {
	for _, f := range files {
		info, err := os.Stat(filepath.Join(dir, f.Name))
		if err != nil || info.Size() != f.Size {
			return false
		}
	}
	return true
}

// RenderText renders one line per segment: "[hh:mm:ss] speaker (label): text".
func RenderText(doc Document) ([]byte, error) {
	var b bytes.Buffer
	for _, s := range doc.Segments {
		fmt.Fprintf(&b, "[%s] %s", clock(s.Start), s.Speaker)
		if s.Label != "" {
			fmt.Fprintf(&b, " (%s)", s.Label)
		}
		fmt.Fprintf(&b, ": %s\n", s.Text)
	}
	return b.Bytes(), nil
}

// RenderSRT renders SubRip subtitles, one cue per segment.
func RenderSRT(doc Document) ([]byte, error) {
	var b bytes.Buffer
	for i, s := range doc.Segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s: %s\n", i+1, srtTime(s.Start), srtTime(s.End), s.Speaker, s.Text)
	}
	return b.Bytes(), nil
}

// RenderJSON renders the whole document.
func RenderJSON(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// RenderXLSX renders a spreadsheet with one row per segment.
func RenderXLSX(doc Document) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return nil, err
	}
	header := []any{"Index", "Start", "End", "Speaker", "Label", "Confidence", "Text"}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return nil, err
	}
	for i, s := range doc.Segments {
		var conf any
		if s.Confidence != nil {
			conf = math.Round(float64(*s.Confidence)*1000) / 1000
		}
		row := []any{s.Index, clock(s.Start), clock(s.End), s.Speaker, s.Label, conf, s.Text}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return nil, err
		}
	}
	if err := f.SetColWidth(sheetName, "G", "G", 100); err != nil {
		return nil, err
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func clock(sec float64) string {
	d := time.Duration(sec * float64(time.Second))
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func srtTime(sec float64) string {
	ms := int64(math.Round(sec * 1000))
	return fmt.Sprintf("%02d:%02d:%02d,%03d", ms/3_600_000, ms/60_000%60, ms/1000%60, ms%1000)
}
