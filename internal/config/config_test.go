package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GriffinCanCode/scribe/internal/stage"
)

func TestLoad(t *testing.T) {
	for _, v := range []string{"SCRIBE_CONFIG", "HTTP_ADDR", "MAX_CHUNK_SEC", "CHUNK_OVERLAP_SEC", "RATE_LIMIT_PER_SEC"} {
		os.Unsetenv(v)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != ":8000" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8000")
	}
	if cfg.Chunking.MaxChunkSec != 600 {
		t.Errorf("MaxChunkSec = %v, want %v", cfg.Chunking.MaxChunkSec, 600)
	}
	if cfg.Chunking.OverlapSec != 10 {
		t.Errorf("OverlapSec = %v, want %v", cfg.Chunking.OverlapSec, 10)
	}
	if cfg.Chunking.GapWeight != 2.0 {
		t.Errorf("GapWeight = %v, want %v", cfg.Chunking.GapWeight, 2.0)
	}
	if cfg.Resilience.RatePerSec != 2 || cfg.Resilience.Burst != 5 {
		t.Errorf("rate limit = %v/%d, want 2/5", cfg.Resilience.RatePerSec, cfg.Resilience.Burst)
	}
	if cfg.Resilience.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want %d", cfg.Resilience.MaxAttempts, 3)
	}
	if cfg.Pipeline.Retention != 7*24*time.Hour {
		t.Errorf("Retention = %v, want %v", cfg.Pipeline.Retention, 7*24*time.Hour)
	}
}

func TestLoadWithEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("MAX_CHUNK_SEC", "300")
	t.Setenv("CHUNK_OVERLAP_SEC", "5")
	t.Setenv("RATE_LIMIT_TIMEOUT", "5s")
	t.Setenv("SKIP_STAGES", "diarization, knowledge_extraction")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPAddr != ":9000" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9000")
	}
	if cfg.Chunking.MaxChunkSec != 300 {
		t.Errorf("MaxChunkSec = %v, want %v", cfg.Chunking.MaxChunkSec, 300)
	}
	if cfg.Chunking.OverlapSec != 5 {
		t.Errorf("OverlapSec = %v, want %v", cfg.Chunking.OverlapSec, 5)
	}
	if cfg.Resilience.AcquireTimeout != 5*time.Second {
		t.Errorf("AcquireTimeout = %v, want %v", cfg.Resilience.AcquireTimeout, 5*time.Second)
	}
	if len(cfg.Pipeline.SkipStages) != 2 || cfg.Pipeline.SkipStages[1] != "knowledge_extraction" {
		t.Errorf("SkipStages = %v", cfg.Pipeline.SkipStages)
	}
	skipped, err := cfg.SkippedStages()
	if err != nil || len(skipped) != 2 || skipped[0] != stage.Diarize {
		t.Errorf("SkippedStages = %v, %v", skipped, err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte("http_addr: \":7000\"\nchunking:\n  max_chunk_sec: 120\n  gap_weight: 3.5\nservices:\n  transcription: openai\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.HTTPAddr != ":7000" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":7000")
	}
	if cfg.Chunking.MaxChunkSec != 120 {
		t.Errorf("MaxChunkSec = %v, want %v", cfg.Chunking.MaxChunkSec, 120)
	}
	if cfg.Chunking.GapWeight != 3.5 {
		t.Errorf("GapWeight = %v, want %v", cfg.Chunking.GapWeight, 3.5)
	}
	if cfg.Chunking.OverlapSec != 10 {
		t.Errorf("OverlapSec = %v, want default %v", cfg.Chunking.OverlapSec, 10)
	}
	if cfg.Services.Transcription != "openai" {
		t.Errorf("Transcription = %q, want %q", cfg.Services.Transcription, "openai")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero chunk", func(c *Config) { c.Chunking.MaxChunkSec = 0 }, true},
		{"overlap too large", func(c *Config) { c.Chunking.OverlapSec = 600 }, true},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3" }, true},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "ftp" }, true},
		{"no attempts", func(c *Config) { c.Resilience.MaxAttempts = 0 }, true},
		{"skip optional", func(c *Config) { c.Pipeline.SkipStages = []string{"snippet_export"} }, false},
		{"skip required", func(c *Config) { c.Pipeline.SkipStages = []string{"merge"} }, true},
		{"skip unknown", func(c *Config) { c.Pipeline.SkipStages = []string{"lunch"} }, true},
		{"unknown backend", func(c *Config) { c.Services.Transcription = "whisper.cpp" }, true},
		{"gemini cannot diarize", func(c *Config) { c.Services.Diarization = BackendGemini }, true},
		{"openai without key", func(c *Config) { c.Services.Classification = BackendOpenAI }, true},
		{"openai with key", func(c *Config) {
			c.Services.Classification = BackendOpenAI
			c.Services.OpenAIKey = "sk-test"
		}, false},
		{"missing diarization", func(c *Config) { c.Services.Diarization = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")
	if v := getEnv("TEST_STRING", "default"); v != "hello" {
		t.Errorf("getEnv = %q, want %q", v, "hello")
	}
	if v := getEnv("NONEXISTENT", "default"); v != "default" {
		t.Errorf("getEnv = %q, want %q", v, "default")
	}

	t.Setenv("TEST_INT", "42")
	if v := getEnvInt("TEST_INT", 0); v != 42 {
		t.Errorf("getEnvInt = %d, want %d", v, 42)
	}
	t.Setenv("TEST_INT_INVALID", "not-a-number")
	if v := getEnvInt("TEST_INT_INVALID", 100); v != 100 {
		t.Errorf("getEnvInt with invalid = %d, want %d", v, 100)
	}

	t.Setenv("TEST_FLOAT", "3.14")
	if v := getEnvFloat("TEST_FLOAT", 0.0); v != 3.14 {
		t.Errorf("getEnvFloat = %f, want %f", v, 3.14)
	}

	t.Setenv("TEST_BOOL_ONE", "1")
	if !getEnvBool("TEST_BOOL_ONE", false) {
		t.Error("getEnvBool should return true for '1'")
	}

	t.Setenv("TEST_DURATION", "250ms")
	if v := getEnvDuration("TEST_DURATION", time.Second); v != 250*time.Millisecond {
		t.Errorf("getEnvDuration = %v, want %v", v, 250*time.Millisecond)
	}
	if v := getEnvDuration("NONEXISTENT", time.Second); v != time.Second {
		t.Errorf("getEnvDuration = %v, want %v", v, time.Second)
	}
}
