package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"

	"github.com/GriffinCanCode/scribe/internal/orchestrator/audio"
	"github.com/GriffinCanCode/scribe/internal/stage"
)

// fingerprintLen is the number of hex characters kept per stage fingerprint.
const fingerprintLen = 32

// fingerprints chains a digest of every stage's parameters onto the digest of
// the stage before it, so a change to one stage's inputs changes every later
// fingerprint too.
func (o *Orchestrator) fingerprints(req Request) map[stage.ID]string {
	out := make(map[stage.ID]string, len(stage.All()))
	prev := ""
	for _, st := range stage.All() {
		var params any = "skipped"
		if !slices.Contains(o.opts.Skip, st) {
			params = o.stageParams(st, req)
		}
		h := sha256.New()
		h.Write([]byte(prev))
		h.Write([]byte(st.String()))
		// Encoding plain structs of strings and numbers cannot fail.
		_ = json.NewEncoder(h).Encode(params)
		prev = hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
		out[st] = prev
	}
	return out
}

// stageParams lists what a stage's output depends on besides upstream output.
func (o *Orchestrator) stageParams(st stage.ID, req Request) any {
	svc := o.opts.Services
	switch st {
	case stage.Convert:
		return struct {
			Path string `json:"path"`
			Rate int    `json:"rate"`
		}{req.AudioPath, audio.TargetSampleRate}
	case stage.Chunk:
		return struct {
			Chunking any `json:"chunking"`
			VAD      any `json:"vad"`
		}{o.opts.Chunking, o.opts.VAD}
	case stage.Transcribe:
		return struct {
			Backend  string `json:"backend"`
			Fallback string `json:"fallback"`
			Language string `json:"language"`
		}{svc.Transcription, svc.TranscriptionFallback, req.Language}
	case stage.Merge:
		return struct {
			MinMatch int `json:"min_match"`
		}{o.opts.MinMatchTokens}
	case stage.Diarize:
		return struct {
			Backend  string `json:"backend"`
			Speakers int    `json:"speakers"`
		}{svc.Diarization, req.ExpectedSpeakers}
	case stage.Classify:
		return struct {
			Backend  string   `json:"backend"`
			Fallback string   `json:"fallback"`
			Names    []string `json:"names"`
			Context  int      `json:"context"`
			Default  string   `json:"default"`
			Pause    float64  `json:"pause"`
		}{svc.Classification, svc.ClassificationFallback, req.KnownNames, o.opts.ContextSegments, o.opts.DefaultLabel, o.opts.SegmentPauseSec}
	case stage.FormatOutput:
		return struct {
			Dir string `json:"dir"`
		}{o.opts.OutputDir}
	case stage.ExportSnippets:
		return struct {
			Dir string `json:"dir"`
		}{o.opts.OutputDir}
	case stage.ExtractKnowledge:
		return struct {
			Backend string   `json:"backend"`
			Names   []string `json:"names"`
		}{svc.Knowledge, req.KnownNames}
	}
	return nil
}
