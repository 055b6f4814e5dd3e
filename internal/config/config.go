// Package config handles pipeline configuration.
// Values come from defaults, an optional YAML file, then the environment.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/GriffinCanCode/scribe/internal/stage"
)

// Backend names.
const (
	BackendGRPC   = "grpc"
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

// backendsByService lists which backends can serve each external service.
var backendsByService = map[string][]string{
	"transcription":  {BackendGRPC, BackendOpenAI},
	"diarization":    {BackendGRPC},
	"classification": {BackendGRPC, BackendOpenAI, BackendGemini},
	"knowledge":      {BackendGRPC, BackendOpenAI, BackendGemini},
}

type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Storage    StorageConfig    `yaml:"storage"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	VAD        VADConfig        `yaml:"vad"`
	Merge      MergeConfig      `yaml:"merge"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Services   ServicesConfig   `yaml:"services"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

// StorageConfig locates checkpoints, the run registry and outputs.
type StorageConfig struct {
	Backend    string `yaml:"backend"` // local | s3
	Root       string `yaml:"root"`
	WorkDir    string `yaml:"work_dir"`
	OutputDir  string `yaml:"output_dir"`
	KVDir      string `yaml:"kv_dir"`
	KVInMemory bool   `yaml:"kv_in_memory"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	// Credentials come from the environment only.
	S3AccessKeyID     string `yaml:"-"`
	S3SecretAccessKey string `yaml:"-"`
	S3SessionToken    string `yaml:"-"`
}

type ChunkingConfig struct {
	MaxChunkSec     float64 `yaml:"max_chunk_sec"`
	OverlapSec      float64 `yaml:"overlap_sec"`
	SearchWindowSec float64 `yaml:"search_window_sec"`
	GapWeight       float64 `yaml:"gap_weight"`
	MinGapSec       float64 `yaml:"min_gap_sec"`
}

type VADConfig struct {
	SampleRate       int     `yaml:"sample_rate"`
	FrameSize        int     `yaml:"frame_size"`
	Threshold        float64 `yaml:"threshold"`
	MaxSilenceFrames int     `yaml:"max_silence_frames"`
}

type MergeConfig struct {
	MinMatchTokens int     `yaml:"min_match_tokens"`
	SegmentPause   float64 `yaml:"segment_pause_sec"`
}

type ResilienceConfig struct {
	RatePerSec       float64       `yaml:"rate_per_sec"`
	Burst            int           `yaml:"burst"`
	AcquireTimeout   time.Duration `yaml:"acquire_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// ServicesConfig names the backend used for each external service.
type ServicesConfig struct {
	Transcription          string `yaml:"transcription"`
	TranscriptionFallback  string `yaml:"transcription_fallback"`
	Diarization            string `yaml:"diarization"`
	Classification         string `yaml:"classification"`
	ClassificationFallback string `yaml:"classification_fallback"`
	Knowledge              string `yaml:"knowledge"`

	InferenceAddr string `yaml:"inference_addr"`

	OpenAIKey                string `yaml:"openai_key"`
	OpenAIBaseURL            string `yaml:"openai_base_url"`
	OpenAITranscriptionModel string `yaml:"openai_transcription_model"`
	OpenAIChatModel          string `yaml:"openai_chat_model"`

	GeminiKey   string `yaml:"gemini_key"`
	GeminiModel string `yaml:"gemini_model"`
}

type PipelineConfig struct {
	SkipStages        []string      `yaml:"skip_stages"`
	Retention         time.Duration `yaml:"retention"`
	CompressThreshold int           `yaml:"compress_threshold"`
	MaxBlobBytes      int           `yaml:"max_blob_bytes"`
	Language          string        `yaml:"language"`
	SnippetWorkers    int           `yaml:"snippet_workers"`
	ContextSegments   int           `yaml:"context_segments"`
	DefaultLabel      string        `yaml:"default_label"`
	FFmpeg            string        `yaml:"ffmpeg"` // empty accepts WAV input only
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:  ":8000",
		LogLevel:  "info",
		LogFormat: "text",
		Storage: StorageConfig{
			Backend:   "local",
			Root:      "data/checkpoints",
			WorkDir:   "data/work",
			OutputDir: "data/output",
			KVDir:     "data/runs",
		},
		Chunking: ChunkingConfig{
			MaxChunkSec:     600,
			OverlapSec:      10,
			SearchWindowSec: 30,
			GapWeight:       2.0,
			MinGapSec:       0.3,
		},
		VAD: VADConfig{
			SampleRate:       16000,
			FrameSize:        512,
			Threshold:        0.01,
			MaxSilenceFrames: 15,
		},
		Merge: MergeConfig{
			MinMatchTokens: 2,
			SegmentPause:   1.5,
		},
		Resilience: ResilienceConfig{
			RatePerSec:       2,
			Burst:            5,
			AcquireTimeout:   30 * time.Second,
			MaxAttempts:      3,
			BaseDelay:        500 * time.Millisecond,
			MaxDelay:         10 * time.Second,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Services: ServicesConfig{
			Transcription:            BackendGRPC,
			Diarization:              BackendGRPC,
			Classification:           BackendGRPC,
			Knowledge:                BackendGRPC,
			InferenceAddr:            "localhost:50051",
			OpenAITranscriptionModel: "whisper-1",
			OpenAIChatModel:          "gpt-4o-mini",
			GeminiModel:              "gemini-2.0-flash",
		},
		Pipeline: PipelineConfig{
			Retention:         7 * 24 * time.Hour,
			CompressThreshold: 64 << 10,
			MaxBlobBytes:      50 << 20,
			SnippetWorkers:    2,
			ContextSegments:   2,
			DefaultLabel:      "unclassified",
			FFmpeg:            "ffmpeg",
		},
	}
}

// Load builds the configuration from defaults, SCRIBE_CONFIG and the environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("SCRIBE_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML file onto c. Fields absent from the file keep their value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	s := &c.Storage
	s.Backend = getEnv("STORAGE_BACKEND", s.Backend)
	s.Root = getEnv("CHECKPOINT_DIR", s.Root)
	s.WorkDir = getEnv("WORK_DIR", s.WorkDir)
	s.OutputDir = getEnv("OUTPUT_DIR", s.OutputDir)
	s.KVDir = getEnv("KV_DIR", s.KVDir)
	s.KVInMemory = getEnvBool("KV_IN_MEMORY", s.KVInMemory)
	s.S3Bucket = getEnv("S3_BUCKET", s.S3Bucket)
	s.S3Prefix = getEnv("S3_PREFIX", s.S3Prefix)
	s.S3Region = getEnv("S3_REGION", s.S3Region)
	s.S3Endpoint = getEnv("S3_ENDPOINT", s.S3Endpoint)
	s.S3AccessKeyID = getEnv("AWS_ACCESS_KEY_ID", s.S3AccessKeyID)
	s.S3SecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", s.S3SecretAccessKey)
	s.S3SessionToken = getEnv("AWS_SESSION_TOKEN", s.S3SessionToken)

	ch := &c.Chunking
	ch.MaxChunkSec = getEnvFloat("MAX_CHUNK_SEC", ch.MaxChunkSec)
	ch.OverlapSec = getEnvFloat("CHUNK_OVERLAP_SEC", ch.OverlapSec)
	ch.SearchWindowSec = getEnvFloat("CHUNK_SEARCH_WINDOW_SEC", ch.SearchWindowSec)
	ch.GapWeight = getEnvFloat("CHUNK_GAP_WEIGHT", ch.GapWeight)
	ch.MinGapSec = getEnvFloat("CHUNK_MIN_GAP_SEC", ch.MinGapSec)

	v := &c.VAD
	v.SampleRate = getEnvInt("SAMPLE_RATE", v.SampleRate)
	v.Threshold = getEnvFloat("VAD_THRESHOLD", v.Threshold)
	v.MaxSilenceFrames = getEnvInt("MAX_SILENCE_CHUNKS", v.MaxSilenceFrames)

	c.Merge.MinMatchTokens = getEnvInt("MERGE_MIN_MATCH", c.Merge.MinMatchTokens)

	r := &c.Resilience
	r.RatePerSec = getEnvFloat("RATE_LIMIT_PER_SEC", r.RatePerSec)
	r.Burst = getEnvInt("RATE_LIMIT_BURST", r.Burst)
	r.AcquireTimeout = getEnvDuration("RATE_LIMIT_TIMEOUT", r.AcquireTimeout)
	r.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", r.MaxAttempts)
	r.BaseDelay = getEnvDuration("RETRY_BASE_DELAY", r.BaseDelay)
	r.MaxDelay = getEnvDuration("RETRY_MAX_DELAY", r.MaxDelay)

	sv := &c.Services
	sv.Transcription = getEnv("TRANSCRIPTION_BACKEND", sv.Transcription)
	sv.TranscriptionFallback = getEnv("TRANSCRIPTION_FALLBACK", sv.TranscriptionFallback)
	sv.Diarization = getEnv("DIARIZATION_BACKEND", sv.Diarization)
	sv.Classification = getEnv("CLASSIFICATION_BACKEND", sv.Classification)
	sv.ClassificationFallback = getEnv("CLASSIFICATION_FALLBACK", sv.ClassificationFallback)
	sv.Knowledge = getEnv("KNOWLEDGE_BACKEND", sv.Knowledge)
	sv.InferenceAddr = getEnv("INFERENCE_ADDR", sv.InferenceAddr)
	sv.OpenAIKey = getEnv("OPENAI_API_KEY", sv.OpenAIKey)
	sv.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", sv.OpenAIBaseURL)
	sv.OpenAITranscriptionModel = getEnv("OPENAI_TRANSCRIPTION_MODEL", sv.OpenAITranscriptionModel)
	sv.OpenAIChatModel = getEnv("OPENAI_CHAT_MODEL", sv.OpenAIChatModel)
	sv.GeminiKey = getEnv("GEMINI_API_KEY", sv.GeminiKey)
	sv.GeminiModel = getEnv("GEMINI_MODEL", sv.GeminiModel)

	p := &c.Pipeline
	p.SkipStages = getEnvList("SKIP_STAGES", p.SkipStages)
	p.Retention = getEnvDuration("CHECKPOINT_RETENTION", p.Retention)
	p.CompressThreshold = getEnvInt("COMPRESS_THRESHOLD", p.CompressThreshold)
	p.MaxBlobBytes = getEnvInt("MAX_BLOB_BYTES", p.MaxBlobBytes)
	p.ContextSegments = getEnvInt("CONTEXT_SEGMENTS", p.ContextSegments)
	p.Language = getEnv("LANGUAGE", p.Language)
	p.SnippetWorkers = getEnvInt("SNIPPET_WORKERS", p.SnippetWorkers)
	p.DefaultLabel = getEnv("DEFAULT_LABEL", p.DefaultLabel)
	p.FFmpeg = getEnv("FFMPEG_PATH", p.FFmpeg)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	ch := c.Chunking
	if ch.MaxChunkSec <= 0 {
		return fmt.Errorf("chunking.max_chunk_sec must be positive, got %v", ch.MaxChunkSec)
	}
	if ch.OverlapSec < 0 || ch.OverlapSec >= ch.MaxChunkSec {
		return fmt.Errorf("chunking.overlap_sec must be in [0, %v), got %v", ch.MaxChunkSec, ch.OverlapSec)
	}
	if ch.SearchWindowSec < 0 {
		return fmt.Errorf("chunking.search_window_sec must not be negative, got %v", ch.SearchWindowSec)
	}
	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Resilience.RatePerSec <= 0 || c.Resilience.Burst <= 0 {
		return fmt.Errorf("resilience rate and burst must be positive")
	}
	if c.Resilience.MaxAttempts < 1 {
		return fmt.Errorf("resilience.max_attempts must be at least 1")
	}
	if _, err := c.SkippedStages(); err != nil {
		return err
	}
	return c.validateServices()
}

// SkippedStages parses pipeline.skip_stages. Required stages cannot be skipped.
func (c *Config) SkippedStages() ([]stage.ID, error) {
	ids, err := stage.ParseList(c.Pipeline.SkipStages)
	if err != nil {
		return nil, fmt.Errorf("pipeline.skip_stages: %w", err)
	}
	for _, id := range ids {
		if id.Required() {
			return nil, fmt.Errorf("pipeline.skip_stages: stage %s is required", id)
		}
	}
	return ids, nil
}

// Backends returns every backend named by the services section.
func (c *Config) Backends() []string {
	sv := c.Services
	var out []string
	for _, name := range []string{sv.Transcription, sv.TranscriptionFallback, sv.Diarization,
		sv.Classification, sv.ClassificationFallback, sv.Knowledge} {
		if name != "" && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func (c *Config) validateServices() error {
	sv := c.Services
	checks := []struct {
		service, key, name string
		optional           bool
	}{
		{"transcription", "transcription", sv.Transcription, false},
		{"transcription", "transcription_fallback", sv.TranscriptionFallback, true},
		{"diarization", "diarization", sv.Diarization, false},
		{"classification", "classification", sv.Classification, false},
		{"classification", "classification_fallback", sv.ClassificationFallback, true},
		{"knowledge", "knowledge", sv.Knowledge, false},
	}
	for _, ch := range checks {
		if ch.name == "" {
			if ch.optional {
				continue
			}
			return fmt.Errorf("services.%s is required", ch.key)
		}
		if !slices.Contains(backendsByService[ch.service], ch.name) {
			return fmt.Errorf("services.%s: backend %q cannot serve %s", ch.key, ch.name, ch.service)
		}
	}
	used := c.Backends()
	if slices.Contains(used, BackendOpenAI) && sv.OpenAIKey == "" {
		return fmt.Errorf("services.openai_key is required when an openai backend is used")
	}
	if slices.Contains(used, BackendGemini) && sv.GeminiKey == "" {
		return fmt.Errorf("services.gemini_key is required when a gemini backend is used")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
