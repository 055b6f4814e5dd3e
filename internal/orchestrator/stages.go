package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/GriffinCanCode/scribe/internal/checkpoint"
	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
	"github.com/GriffinCanCode/scribe/internal/inference"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/audio"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/chunk"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/classify"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/merge"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/output"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/snippets"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/scribe/internal/resilience"
	"github.com/GriffinCanCode/scribe/internal/stage"
	"github.com/GriffinCanCode/scribe/internal/storage"
	"github.com/GriffinCanCode/scribe/internal/trace"
)

type convertMeta struct {
	Path       string  `json:"path"`
	SampleRate int     `json:"sample_rate"`
	Samples    int     `json:"samples"`
	Duration   float64 `json:"duration_sec"`
	Size       int64   `json:"size"`
	SHA256     string  `json:"sha256"`
}

type outputMeta struct {
	Dir   string        `json:"dir"`
	Files []output.File `json:"files"`
}

type snippetMeta struct {
	Dir   string         `json:"dir"`
	Stats snippets.Stats `json:"stats"`
}

type knowledgeMeta struct {
	Characters int         `json:"characters"`
	Facts      int         `json:"facts"`
	File       output.File `json:"file"`
}

// adopt checks that a restored stage's side outputs still exist.
func (r *run) adopt(ctx context.Context, st stage.ID, rec *checkpoint.Record) error {
	switch st {
	case stage.Convert:
		var m convertMeta
		if err := rec.DecodeMetadata(&m); err != nil {
			return err
		}
		fi, err := os.Stat(m.Path)
		if err != nil {
			return err
		}
		if fi.Size() != m.Size {
			return fmt.Errorf("converted audio is %d bytes, want %d", fi.Size(), m.Size)
		}
		r.conv = &m
	case stage.FormatOutput:
		var m outputMeta
		if err := rec.DecodeMetadata(&m); err != nil {
			return err
		}
		if !output.Present(m.Dir, m.Files) {
			return fmt.Errorf("deliverables missing from %s", m.Dir)
		}
	case stage.ExportSnippets:
		var m snippetMeta
		if err := rec.DecodeMetadata(&m); err != nil {
			return err
		}
		if _, err := snippets.ReadManifest(m.Dir); err != nil {
			return err
		}
	case stage.ExtractKnowledge:
		var m knowledgeMeta
		if err := rec.DecodeMetadata(&m); err != nil {
			return err
		}
		if !output.Present(r.o.outputDir(r.id), []output.File{m.File}) {
			return fmt.Errorf("%s missing", m.File.Name)
		}
	}
	return nil
}

func (r *run) convert(ctx context.Context) (stageOutput, error) {
	pcm, err := r.o.converter.Convert(ctx, r.req.AudioPath)
	if err != nil {
		return stageOutput{}, err
	}
	data, err := audio.EncodeWAV(pcm)
	if err != nil {
		return stageOutput{}, err
	}
	// Later stages see the stored samples, not the pre-quantization ones, so a
	// resumed run computes the same thing as an uninterrupted one.
	stored, err := audio.DecodeWAV(data)
	if err != nil {
		return stageOutput{}, err
	}
	path := filepath.Join(r.o.workDir(r.id), ConvertedAudioFile)
	if err := storage.WriteFileAtomic(path, data); err != nil {
		return stageOutput{}, apperrors.Wrap(err, apperrors.Internal, "write converted audio")
	}

	sum := sha256.Sum256(data)
	r.pcm = &stored
	r.conv = &convertMeta{
		Path:       path,
		SampleRate: stored.SampleRate,
		Samples:    len(stored.Samples),
		Duration:   stored.Duration(),
		Size:       int64(len(data)),
		SHA256:     hex.EncodeToString(sum[:]),
	}
	return stageOutput{
		meta:   r.conv,
		detail: fmt.Sprintf("%.1fs at %d Hz", r.conv.Duration, r.conv.SampleRate),
	}, nil
}

func (r *run) chunk(ctx context.Context) (stageOutput, error) {
	pcm, err := r.audio(ctx)
	if err != nil {
		return stageOutput{}, err
	}
	total := pcm.Duration()
	if total <= 0 {
		return stageOutput{}, chunk.ErrEmptyAudio
	}
	speech, err := r.o.detector.Detect(ctx, pcm)
	if err != nil {
		return stageOutput{}, err
	}
	chunks, err := chunk.Plan(total, speech, r.o.opts.Chunking)
	if err != nil {
		return stageOutput{}, err
	}
	blob, err := checkpoint.EncodeBlob(chunks)
	if err != nil {
		return stageOutput{}, err
	}

	var speechSec float64
	for _, iv := range speech {
		speechSec += iv.End - iv.Start
	}
	r.chunks = chunks
	return stageOutput{
		meta: map[string]any{
			"chunks":       len(chunks),
			"duration_sec": total,
			"speech_sec":   speechSec,
			"intervals":    len(speech),
		},
		blobs:  map[string][]byte{blobChunks: blob},
		detail: fmt.Sprintf("%d chunks", len(chunks)),
	}, nil
}

func (r *run) transcribe(ctx context.Context) (stageOutput, error) {
	log := trace.Logger(ctx)
	chunks, err := r.chunkList(ctx)
	if err != nil {
		return stageOutput{}, err
	}
	pcm, err := r.audio(ctx)
	if err != nil {
		return stageOutput{}, err
	}

	svc := r.o.opts.Services
	policy := r.policy(svc.Transcription, svc.TranscriptionFallback)
	out := make([]merge.ChunkTokens, len(chunks))
	resumed, tokens := 0, 0
	for i, c := range chunks {
		key := fmt.Sprintf("chunk-%05d-%s", c.Index, r.fps[stage.Transcribe][:8])
		if data, ok := r.o.store.LoadPartial(ctx, r.id, stage.Transcribe, key); ok {
			var toks []transcript.Token
			if err := checkpoint.DecodeBlob(data, &toks); err == nil {
				out[i] = merge.ChunkTokens{Chunk: c, Tokens: toks}
				resumed++
				tokens += len(toks)
				continue
			}
		}

		wav, err := audio.EncodeWAV(pcm.Slice(c.Start, c.End))
		if err != nil {
			return stageOutput{}, err
		}
		toks, err := resilience.Call(ctx, r.o.wrapper, policy, func(ctx context.Context, att resilience.Attempt) ([]transcript.Token, error) {
			t, err := r.o.backends.Transcriber(att.Target)
			if err != nil {
				return nil, lookupErr(att.Target, err)
			}
			return t.Transcribe(ctx, inference.TranscribeRequest{
				SessionID:   r.id,
				ChunkIndex:  c.Index,
				WAV:         wav,
				SampleRate:  pcm.SampleRate,
				Language:    r.req.Language,
				LowResource: att.LowResource,
			})
		})
		if err != nil {
			return stageOutput{}, fmt.Errorf("chunk %d: %w", c.Index, err)
		}
		slices.SortStableFunc(toks, func(a, b transcript.Token) int {
			switch {
			case a.Start < b.Start:
				return -1
			case a.Start > b.Start:
				return 1
			}
			return 0
		})
		toks = transcript.Shift(toks, c.Start)

		if data, err := checkpoint.EncodeBlob(toks); err == nil {
			// The call is already paid for; keep its result even when the run is cancelled.
			if err := r.o.store.SavePartial(context.WithoutCancel(ctx), r.id, stage.Transcribe, key, data); err != nil {
				log.Warn("failed to save chunk progress", "chunk", c.Index, "error", err)
			}
		}
		out[i] = merge.ChunkTokens{Chunk: c, Tokens: toks}
		tokens += len(toks)
		log.Debug("chunk transcribed", "chunk", c.Index, "tokens", len(toks))
	}

	blob, err := checkpoint.EncodeBlob(out)
	if err != nil {
		return stageOutput{}, err
	}
	r.chunkTokens = out
	return stageOutput{
		meta:   map[string]any{"chunks": len(out), "tokens": tokens, "resumed_chunks": resumed},
		blobs:  map[string][]byte{blobChunkTokens: blob},
		detail: fmt.Sprintf("%d tokens from %d chunks", tokens, len(out)),
		after: func(ctx context.Context) {
			if err := r.o.store.ClearPartials(ctx, r.id, stage.Transcribe); err != nil {
				log.Warn("failed to clear chunk progress", "error", err)
			}
		},
	}, nil
}

func (r *run) merge(ctx context.Context) (stageOutput, error) {
	cts, err := r.chunkTokenList(ctx)
	if err != nil {
		return stageOutput{}, err
	}
	t := &transcript.Transcript{Tokens: merge.New(r.o.opts.MinMatchTokens).MergeChunks(cts)}
	blob, err := checkpoint.EncodeBlob(t)
	if err != nil {
		return stageOutput{}, err
	}
	r.merged = t
	return stageOutput{
		meta:   map[string]any{"tokens": len(t.Tokens), "duration_sec": t.Duration()},
		blobs:  map[string][]byte{blobTranscript: blob},
		detail: fmt.Sprintf("%d tokens", len(t.Tokens)),
	}, nil
}

func (r *run) diarize(ctx context.Context) (stageOutput, error) {
	log := trace.Logger(ctx)
	pcm, err := r.audio(ctx)
	if err != nil {
		return stageOutput{}, err
	}
	wav, err := audio.EncodeWAV(pcm)
	if err != nil {
		return stageOutput{}, err
	}
	res, err := resilience.Call(ctx, r.o.wrapper, r.policy(r.o.opts.Services.Diarization, ""),
		func(ctx context.Context, att resilience.Attempt) (inference.DiarizeResult, error) {
			d, err := r.o.backends.Diarizer(att.Target)
			if err != nil {
				return inference.DiarizeResult{}, lookupErr(att.Target, err)
			}
			return d.Diarize(ctx, inference.DiarizeRequest{
				SessionID:        r.id,
				WAV:              wav,
				SampleRate:       pcm.SampleRate,
				ExpectedSpeakers: r.req.ExpectedSpeakers,
				LowResource:      att.LowResource,
			})
		})
	if err != nil {
		return stageOutput{}, err
	}
	for _, w := range res.Warnings {
		log.Warn("diarization warning", "warning", w)
	}

	blob, err := checkpoint.EncodeBlob(res.Turns)
	if err != nil {
		return stageOutput{}, err
	}
	speakers := make(map[string]bool)
	for _, t := range res.Turns {
		speakers[t.Speaker] = true
	}
	r.turns, r.turnsOK = res.Turns, true
	return stageOutput{
		meta:   map[string]any{"turns": len(res.Turns), "speakers": len(speakers), "warnings": res.Warnings},
		blobs:  map[string][]byte{blobTurns: blob},
		detail: fmt.Sprintf("%d speakers", len(speakers)),
	}, nil
}

func (r *run) classify(ctx context.Context) (stageOutput, error) {
	segs, err := r.baseSegments(ctx)
	if err != nil {
		return stageOutput{}, err
	}
	svc := r.o.opts.Services
	l := classify.NewLabeler(r.o.backends, r.o.wrapper, r.policy(svc.Classification, svc.ClassificationFallback), classify.Config{
		ContextSegments: r.o.opts.ContextSegments,
		DefaultLabel:    r.o.opts.DefaultLabel,
		KnownNames:      r.req.KnownNames,
	})
	labeled, stats, err := l.Label(ctx, segs)
	if err != nil {
		return stageOutput{}, err
	}
	blob, err := checkpoint.EncodeBlob(labeled)
	if err != nil {
		return stageOutput{}, err
	}
	r.labeled, r.labeledOK = labeled, true
	return stageOutput{
		meta:   stats,
		blobs:  map[string][]byte{blobSegments: blob},
		detail: fmt.Sprintf("%d segments, %d by majority", len(labeled), stats.Fallback),
	}, nil
}

func (r *run) formatOutput(ctx context.Context) (stageOutput, error) {
	t, err := r.transcript(ctx)
	if err != nil {
		return stageOutput{}, err
	}
	segs, err := r.segments(ctx)
	if err != nil {
		return stageOutput{}, err
	}
	doc := output.Document{
		SessionID: r.id,
		Duration:  t.Duration(),
		Segments:  segs,
		Degraded:  r.incomplete(),
		CreatedAt: time.Now().UTC(),
	}
	dir := r.o.outputDir(r.id)
	files, err := output.Write(dir, doc)
	if err != nil {
		return stageOutput{}, err
	}
	return stageOutput{
		meta:   outputMeta{Dir: dir, Files: files},
		detail: fmt.Sprintf("%d files in %s", len(files), dir),
	}, nil
}

func (r *run) exportSnippets(ctx context.Context) (stageOutput, error) {
	pcm, err := r.audio(ctx)
	if err != nil {
		return stageOutput{}, err
	}
	segs, err := r.segments(ctx)
	if err != nil {
		return stageOutput{}, err
	}
	dir := filepath.Join(r.o.outputDir(r.id), SnippetDir)

	// Clips from an interrupted export of the same inputs are kept; anything
	// else in the directory is stale.
	marker := "started-" + r.fps[stage.ExportSnippets][:8]
	if _, ok := r.o.store.LoadPartial(ctx, r.id, stage.ExportSnippets, marker); !ok {
		if err := os.RemoveAll(dir); err != nil {
			return stageOutput{}, apperrors.Wrap(err, apperrors.Internal, "clear snippet dir")
		}
		if err := r.o.store.SavePartial(ctx, r.id, stage.ExportSnippets, marker, []byte{1}); err != nil {
			trace.Logger(ctx).Warn("failed to save snippet progress marker", "error", err)
		}
	}

	exp, err := snippets.NewExporter(dir, r.id, pcm, r.o.opts.SnippetWorkers)
	if err != nil {
		return stageOutput{}, err
	}
	stats, err := exp.Export(ctx, segs)
	if err != nil {
		return stageOutput{}, err
	}
	return stageOutput{
		meta:   snippetMeta{Dir: dir, Stats: stats},
		detail: fmt.Sprintf("%d clips", stats.Written+stats.Kept),
		after: func(ctx context.Context) {
			if err := r.o.store.ClearPartials(ctx, r.id, stage.ExportSnippets); err != nil {
				trace.Logger(ctx).Warn("failed to clear snippet progress", "error", err)
			}
		},
	}, nil
}

func (r *run) extractKnowledge(ctx context.Context) (stageOutput, error) {
	segs, err := r.segments(ctx)
	if err != nil {
		return stageOutput{}, err
	}
	k, err := resilience.Call(ctx, r.o.wrapper, r.policy(r.o.opts.Services.Knowledge, ""),
		func(ctx context.Context, att resilience.Attempt) (inference.Knowledge, error) {
			e, err := r.o.backends.Extractor(att.Target)
			if err != nil {
				return inference.Knowledge{}, lookupErr(att.Target, err)
			}
			return e.Extract(ctx, inference.KnowledgeRequest{
				Segments:    segs,
				KnownNames:  r.req.KnownNames,
				LowResource: att.LowResource,
			})
		})
	if err != nil {
		return stageOutput{}, err
	}
	f, err := output.WriteKnowledge(r.o.outputDir(r.id), k)
	if err != nil {
		return stageOutput{}, err
	}
	blob, err := checkpoint.EncodeBlob(k)
	if err != nil {
		return stageOutput{}, err
	}
	return stageOutput{
		meta:   knowledgeMeta{Characters: len(k.Characters), Facts: len(k.Facts), File: f},
		blobs:  map[string][]byte{blobKnowledge: blob},
		detail: fmt.Sprintf("%d characters, %d facts", len(k.Characters), len(k.Facts)),
	}, nil
}

// incomplete names the stages whose output is a placeholder so far.
func (r *run) incomplete() []string {
	var out []string
	for _, st := range stage.All() {
		if r.states[st] == statePlaceholder {
			out = append(out, st.String())
		}
	}
	return out
}

// loadBlob decodes a blob of a restored stage. Failures are corruptErrors so
// the run recomputes that stage.
func loadBlob[T any](ctx context.Context, r *run, st stage.ID, name string) (T, error) {
	var v T
	rec := r.recs[st]
	if rec == nil {
		return v, &corruptError{stage: st, err: fmt.Errorf("no %s output available", st)}
	}
	data, err := r.o.store.LoadBlob(ctx, rec, name)
	if err != nil {
		return v, &corruptError{stage: st, err: err}
	}
	if err := checkpoint.DecodeBlob(data, &v); err != nil {
		return v, &corruptError{stage: st, err: apperrors.Wrapf(err, apperrors.CheckpointCorrupt, "decode blob %s", name)}
	}
	return v, nil
}

func (r *run) audio(context.Context) (audio.PCM, error) {
	if r.pcm != nil {
		return *r.pcm, nil
	}
	if r.conv == nil {
		return audio.PCM{}, &corruptError{stage: stage.Convert, err: fmt.Errorf("no converted audio")}
	}
	pcm, err := audio.ReadWAVFile(r.conv.Path)
	if err != nil {
		return audio.PCM{}, &corruptError{stage: stage.Convert, err: err}
	}
	if len(pcm.Samples) != r.conv.Samples {
		return audio.PCM{}, &corruptError{stage: stage.Convert,
			err: fmt.Errorf("converted audio has %d samples, want %d", len(pcm.Samples), r.conv.Samples)}
	}
	r.pcm = &pcm
	return pcm, nil
}

func (r *run) chunkList(ctx context.Context) ([]chunk.Chunk, error) {
	if r.chunks != nil {
		return r.chunks, nil
	}
	chunks, err := loadBlob[[]chunk.Chunk](ctx, r, stage.Chunk, blobChunks)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, &corruptError{stage: stage.Chunk, err: fmt.Errorf("empty chunk plan")}
	}
	r.chunks = chunks
	return chunks, nil
}

func (r *run) chunkTokenList(ctx context.Context) ([]merge.ChunkTokens, error) {
	if r.chunkTokens != nil {
		return r.chunkTokens, nil
	}
	cts, err := loadBlob[[]merge.ChunkTokens](ctx, r, stage.Transcribe, blobChunkTokens)
	if err != nil {
		return nil, err
	}
	r.chunkTokens = cts
	return cts, nil
}

func (r *run) transcript(ctx context.Context) (*transcript.Transcript, error) {
	if r.merged != nil {
		return r.merged, nil
	}
	t, err := loadBlob[*transcript.Transcript](ctx, r, stage.Merge, blobTranscript)
	if err != nil {
		return nil, err
	}
	if t == nil {
		t = &transcript.Transcript{}
	}
	r.merged = t
	return t, nil
}

func (r *run) speakerTurns(ctx context.Context) ([]transcript.SpeakerTurn, error) {
	if r.turnsOK {
		return r.turns, nil
	}
	turns, err := loadBlob[[]transcript.SpeakerTurn](ctx, r, stage.Diarize, blobTurns)
	if err != nil {
		return nil, err
	}
	r.turns, r.turnsOK = turns, true
	return turns, nil
}

// baseSegments groups the transcript by speaker, before classification.
func (r *run) baseSegments(ctx context.Context) ([]transcript.Segment, error) {
	t, err := r.transcript(ctx)
	if err != nil {
		return nil, err
	}
	turns, err := r.speakerTurns(ctx)
	if err != nil {
		return nil, err
	}
	return transcript.Segments(t.Tokens, turns, r.o.opts.SegmentPauseSec), nil
}

// segments returns classified segments, or placeholders labeled with the
// default label when classification did not run.
func (r *run) segments(ctx context.Context) ([]transcript.Segment, error) {
	if r.labeledOK {
		return r.labeled, nil
	}
	if r.states[stage.Classify] == statePlaceholder {
		base, err := r.baseSegments(ctx)
		if err != nil {
			return nil, err
		}
		r.labeled, r.labeledOK = classify.Placeholder(base, r.o.opts.DefaultLabel), true
		return r.labeled, nil
	}
	segs, err := loadBlob[[]transcript.Segment](ctx, r, stage.Classify, blobSegments)
	if err != nil {
		return nil, err
	}
	r.labeled, r.labeledOK = segs, true
	return segs, nil
}
