package app

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GriffinCanCode/scribe/internal/config"
	"github.com/GriffinCanCode/scribe/internal/stage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Root = filepath.Join(dir, "checkpoints")
	cfg.Storage.WorkDir = filepath.Join(dir, "work")
	cfg.Storage.OutputDir = filepath.Join(dir, "output")
	cfg.Storage.KVInMemory = true
	return cfg
}

func TestNewWiresPipeline(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pipeline.SkipStages = []string{"knowledge_extraction"}

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = a.Close() }()

	if a.Orchestrator == nil || a.Store == nil {
		t.Fatal("New() left the orchestrator or store unset")
	}
	runs, err := a.Orchestrator.Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("Audit() = %d runs, want 0", len(runs))
	}
}

func TestNewRejectsMissingKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Services.Knowledge = config.BackendGemini

	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("New() with gemini and no key succeeded, want error")
	}
}

func TestOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chunking.GapWeight = 4
	cfg.VAD.FrameSize = 256
	cfg.Services.ClassificationFallback = config.BackendGemini

	opts := Options(cfg, []stage.ID{stage.ExportSnippets})
	if opts.Chunking.GapWeight != 4 {
		t.Errorf("GapWeight = %v, want 4", opts.Chunking.GapWeight)
	}
	if opts.Chunking.MaxLenSec != cfg.Chunking.MaxChunkSec {
		t.Errorf("MaxLenSec = %v, want %v", opts.Chunking.MaxLenSec, cfg.Chunking.MaxChunkSec)
	}
	if opts.VAD.WindowSamples != 256 {
		t.Errorf("WindowSamples = %d, want 256", opts.VAD.WindowSamples)
	}
	if opts.Services.ClassificationFallback != config.BackendGemini {
		t.Errorf("ClassificationFallback = %q, want %q", opts.Services.ClassificationFallback, config.BackendGemini)
	}
	if opts.Retry.MaxAttempts != cfg.Resilience.MaxAttempts {
		t.Errorf("Retry.MaxAttempts = %d, want %d", opts.Retry.MaxAttempts, cfg.Resilience.MaxAttempts)
	}
	if len(opts.Skip) != 1 || opts.Skip[0] != stage.ExportSnippets {
		t.Errorf("Skip = %v, want [%v]", opts.Skip, stage.ExportSnippets)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "stage", "merge")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, `"stage":"merge"`) {
		t.Errorf("json output = %s, want stage attribute", out)
	}

	buf.Reset()
	NewLogger(&buf, "bogus", "text").Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("text output = %s, want msg=plain", buf.String())
	}
}
