package snippets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/audio"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/scribe/internal/storage"
	"github.com/GriffinCanCode/scribe/internal/trace"
)

// Clip is one manifest entry.
type Clip struct {
	Segment int     `json:"segment"`
	Speaker string  `json:"speaker"`
	Label   string  `json:"label,omitempty"`
	Start   float64 `json:"start_sec"`
	End     float64 `json:"end_sec"`
	File    string  `json:"file"`
	Text    string  `json:"text"`
}

// Manifest lists the clips exported for a session, ordered by segment.
type Manifest struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	Clips      []Clip `json:"clips"`
}

// Stats summarizes an export.
type Stats struct {
	Written int `json:"written"`
	Kept    int `json:"kept"` // already in the manifest from an earlier run
	Failed  int `json:"failed"`
}

// Exporter writes clips from a bounded worker set in the background. Manifest
// updates are serialized so each read-append-write is atomic, and the manifest
// file is replaced by rename so readers never see a partial write.
type Exporter struct {
	dir       string
	sessionID string
	pcm       audio.PCM
	workers   int

	mu    sync.Mutex // guards the manifest file
	done  map[int]bool
	jobs  chan transcript.Segment
	wg    sync.WaitGroup
	stats Stats
	errs  []error
}

// NewExporter creates an exporter writing into dir. Segments already listed in an
// existing manifest are never rewritten.
func NewExporter(dir, sessionID string, pcm audio.PCM, workers int) (*Exporter, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Internal, "create snippet dir %s", dir)
	}
	e := &Exporter{
		dir:       dir,
		sessionID: sessionID,
		pcm:       pcm,
		workers:   workers,
		done:      make(map[int]bool),
		jobs:      make(chan transcript.Segment, DefaultQueueSize),
	}
	m, err := e.readManifest()
	if err != nil {
		return nil, err
	}
	for _, c := range m.Clips {
		e.done[c.Segment] = true
	}
	return e, nil
}

// Start launches the workers. Add may be called until Close.
func (e *Exporter) Start(ctx context.Context) {
	for range e.workers {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for seg := range e.jobs {
				if ctx.Err() != nil {
					continue
				}
				e.export(ctx, seg)
			}
		}()
	}
}

// Add queues seg. It reports false when seg is already exported or too short.
func (e *Exporter) Add(seg transcript.Segment) bool {
	if e.done[seg.Index] {
		e.mu.Lock()
		e.stats.Kept++
		e.mu.Unlock()
		return false
	}
	if seg.End-seg.Start < MinClipSec {
		return false
	}
	e.jobs <- seg
	return true
}

// Close waits for queued clips and returns the totals. It fails when the context
// was cancelled, or when clips were requested and none could be written. A
// successful export always leaves a manifest, empty when no clip qualified.
func (e *Exporter) Close(ctx context.Context) (Stats, error) {
	close(e.jobs)
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return e.stats, apperrors.Wrap(err, apperrors.Cancelled, "snippet export cancelled")
	}
	if e.stats.Failed > 0 && e.stats.Written == 0 && e.stats.Kept == 0 {
		return e.stats, apperrors.Wrap(errors.Join(e.errs...), apperrors.StageFailed, "no snippet could be exported")
	}
	if _, err := os.Stat(filepath.Join(e.dir, ManifestName)); errors.Is(err, os.ErrNotExist) {
		m, err := e.readManifest()
		if err != nil {
			return e.stats, err
		}
		if err := e.writeManifest(m); err != nil {
			return e.stats, apperrors.Wrap(err, apperrors.Internal, "write snippet manifest")
		}
	}
	return e.stats, nil
}

// Export runs a whole export synchronously.
func (e *Exporter) Export(ctx context.Context, segments []transcript.Segment) (Stats, error) {
	e.Start(ctx)
	for _, s := range segments {
		e.Add(s)
	}
	return e.Close(ctx)
}

func (e *Exporter) export(ctx context.Context, seg transcript.Segment) {
	log := trace.Logger(ctx)
	name := clipName(seg)
	clip := e.pcm.Slice(seg.Start, seg.End)

	err := func() error {
		data, err := audio.EncodeWAV(clip)
		if err != nil {
			return err
		}
		if err := storage.WriteFileAtomic(filepath.Join(e.dir, name), data); err != nil {
			return err
		}
		return e.appendClip(Clip{
			Segment: seg.Index,
			Speaker: seg.Speaker,
			Label:   seg.Label,
			Start:   seg.Start,
			End:     seg.End,
			File:    name,
			Text:    seg.Text,
		})
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		log.Warn("snippet export failed", "segment", seg.Index, "error", err)
		e.stats.Failed++
		e.errs = append(e.errs, err)
		return
	}
	e.stats.Written++
}

// appendClip adds c to the manifest on disk. The lock covers only the file
// read-modify-write, never clip encoding.
func (e *Exporter) appendClip(c Clip) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.readManifest()
	if err != nil {
		return err
	}
	for _, existing := range m.Clips {
		if existing.Segment == c.Segment {
			return nil
		}
	}
	m.Clips = append(m.Clips, c)
	sort.Slice(m.Clips, func(i, j int) bool { return m.Clips[i].Segment < m.Clips[j].Segment })
	return e.writeManifest(m)
}

// writeManifest replaces the manifest file. Callers hold mu.
func (e *Exporter) writeManifest(m Manifest) error {
	if m.Clips == nil {
		m.Clips = []Clip{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(filepath.Join(e.dir, ManifestName), data)
}

// readManifest loads the manifest, or an empty one when none exists. Callers
// other than NewExporter hold mu.
func (e *Exporter) readManifest() (Manifest, error) {
	m := Manifest{SessionID: e.sessionID, SampleRate: e.pcm.SampleRate}
	data, err := os.ReadFile(filepath.Join(e.dir, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, apperrors.Wrap(err, apperrors.Internal, "read snippet manifest")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		// A manifest we cannot parse was not written by us; start over.
		return Manifest{SessionID: e.sessionID, SampleRate: e.pcm.SampleRate}, nil
	}
	return m, nil
}

// ReadManifest loads the manifest in dir.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return m, err
	}
	return m, json.Unmarshal(data, &m)
}

func clipName(seg transcript.Segment) string {
	speaker := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return '_'
	}, seg.Speaker)
	if speaker == "" {
		speaker = "unknown"
	}
	return fmt.Sprintf("%05d_%s.wav", seg.Index, speaker)
}
