// Package app assembles the pipeline from configuration for the command binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/GriffinCanCode/scribe/internal/checkpoint"
	"github.com/GriffinCanCode/scribe/internal/config"
	"github.com/GriffinCanCode/scribe/internal/inference"
	"github.com/GriffinCanCode/scribe/internal/inference/geminiinfer"
	"github.com/GriffinCanCode/scribe/internal/inference/grpcinfer"
	"github.com/GriffinCanCode/scribe/internal/inference/openaiinfer"
	"github.com/GriffinCanCode/scribe/internal/kv"
	"github.com/GriffinCanCode/scribe/internal/orchestrator"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/audio"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/chunk"
	"github.com/GriffinCanCode/scribe/internal/resilience"
	"github.com/GriffinCanCode/scribe/internal/stage"
	"github.com/GriffinCanCode/scribe/internal/storage"
)

// App holds the wired pipeline and the resources it owns.
type App struct {
	Config       *config.Config
	Store        *checkpoint.Store
	Orchestrator *orchestrator.Orchestrator

	closers []func() error
}

// NewLogger builds the process logger. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// New wires storage, backends and the orchestrator. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	files, err := fileStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint storage: %w", err)
	}
	runs, err := kv.OpenBadger(cfg.Storage.KVDir, cfg.Storage.KVInMemory)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, runs.Close)

	skip, err := cfg.SkippedStages()
	if err != nil {
		return nil, err
	}
	a.Store, err = checkpoint.New(files, runs, checkpoint.Options{
		CompressThreshold: cfg.Pipeline.CompressThreshold,
		MaxBlobBytes:      cfg.Pipeline.MaxBlobBytes,
		Skippable:         skip,
	})
	if err != nil {
		return nil, err
	}

	reg, err := a.backends(ctx, cfg.Services, cfg.Backends())
	if err != nil {
		return nil, err
	}

	r := cfg.Resilience
	wrapper := resilience.NewWrapper(
		resilience.NewLimiters(r.RatePerSec, r.Burst),
		resilience.NewBreakers(resilience.BreakerConfig{Threshold: r.BreakerThreshold, ResetTimeout: r.BreakerTimeout}),
	)

	a.Orchestrator, err = orchestrator.New(orchestrator.Deps{
		Store:     a.Store,
		Backends:  reg,
		Wrapper:   wrapper,
		Converter: audio.NewFileConverter(cfg.Pipeline.FFmpeg, cfg.Storage.WorkDir),
	}, Options(cfg, skip))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Options maps configuration onto orchestrator options.
func Options(cfg *config.Config, skip []stage.ID) orchestrator.Options {
	ch, v, sv, r, p := cfg.Chunking, cfg.VAD, cfg.Services, cfg.Resilience, cfg.Pipeline
	return orchestrator.Options{
		WorkDir:   cfg.Storage.WorkDir,
		OutputDir: cfg.Storage.OutputDir,
		Chunking: chunk.Options{
			MaxLenSec:       ch.MaxChunkSec,
			OverlapSec:      ch.OverlapSec,
			SearchWindowSec: ch.SearchWindowSec,
			GapWeight:       ch.GapWeight,
			MinGapSec:       ch.MinGapSec,
		},
		VAD: audio.VADConfig{
			Threshold:        v.Threshold,
			WindowSamples:    v.FrameSize,
			MaxSilenceFrames: v.MaxSilenceFrames,
		},
		MinMatchTokens:  cfg.Merge.MinMatchTokens,
		SegmentPauseSec: cfg.Merge.SegmentPause,
		Services: orchestrator.Services{
			Transcription:          sv.Transcription,
			TranscriptionFallback:  sv.TranscriptionFallback,
			Diarization:            sv.Diarization,
			Classification:         sv.Classification,
			ClassificationFallback: sv.ClassificationFallback,
			Knowledge:              sv.Knowledge,
		},
		Retry: resilience.Policy{
			MaxAttempts:    r.MaxAttempts,
			BaseDelay:      r.BaseDelay,
			MaxDelay:       r.MaxDelay,
			AcquireTimeout: r.AcquireTimeout,
		},
		Skip:            skip,
		Retention:       p.Retention,
		Language:        p.Language,
		SnippetWorkers:  p.SnippetWorkers,
		ContextSegments: p.ContextSegments,
		DefaultLabel:    p.DefaultLabel,
	}
}

func fileStore(c config.StorageConfig) (storage.FileStore, error) {
	if c.Backend == "s3" {
		client := storage.NewS3Client(storage.S3Options{
			Region:          c.S3Region,
			Endpoint:        c.S3Endpoint,
			AccessKeyID:     c.S3AccessKeyID,
			SecretAccessKey: c.S3SecretAccessKey,
			SessionToken:    c.S3SessionToken,
		})
		return storage.NewS3(client, c.S3Bucket, c.S3Prefix), nil
	}
	return storage.NewLocal(c.Root)
}

// backends registers a client for every backend name the services use,
// under each capability that client has.
func (a *App) backends(ctx context.Context, sv config.ServicesConfig, names []string) (*inference.Registry, error) {
	reg := inference.NewRegistry()
	for _, name := range names {
		switch name {
		case config.BackendGRPC:
			c, err := grpcinfer.New(sv.InferenceAddr)
			if err != nil {
				return nil, fmt.Errorf("connect inference server %s: %w", sv.InferenceAddr, err)
			}
			a.closers = append(a.closers, c.Close)
			reg.RegisterTranscriber(name, c)
			reg.RegisterDiarizer(name, c)
			reg.RegisterClassifier(name, c)
			reg.RegisterExtractor(name, c)
		case config.BackendOpenAI:
			c, err := openaiinfer.New(openaiinfer.Config{
				APIKey:             sv.OpenAIKey,
				BaseURL:            sv.OpenAIBaseURL,
				TranscriptionModel: sv.OpenAITranscriptionModel,
				ChatModel:          sv.OpenAIChatModel,
			})
			if err != nil {
				return nil, err
			}
			reg.RegisterTranscriber(name, c)
			reg.RegisterClassifier(name, c)
			reg.RegisterExtractor(name, c)
		case config.BackendGemini:
			c, err := geminiinfer.New(ctx, geminiinfer.Config{APIKey: sv.GeminiKey, Model: sv.GeminiModel})
			if err != nil {
				return nil, err
			}
			reg.RegisterClassifier(name, c)
			reg.RegisterExtractor(name, c)
		default:
			return nil, fmt.Errorf("unknown inference backend %q", name)
		}
	}
	return reg, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
