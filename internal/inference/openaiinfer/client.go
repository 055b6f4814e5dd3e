// Package openaiinfer is the inference backend for OpenAI-compatible APIs:
// Whisper-style transcription plus chat completions for labeling and extraction.
package openaiinfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/GriffinCanCode/scribe/internal/inference"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/scribe/internal/resilience"
)

const (
	serviceName = "openai"

	DefaultTranscriptionModel = "whisper-1"
	DefaultChatModel          = "gpt-4o-mini"
)

// Config selects the endpoint and models.
type Config struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	ChatModel          string
}

func (c Config) withDefaults() Config {
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = DefaultTranscriptionModel
	}
	if c.ChatModel == "" {
		c.ChatModel = DefaultChatModel
	}
	return c
}

// Client implements Transcriber, Classifier and KnowledgeExtractor.
type Client struct {
	api openai.Client
	cfg Config
}

var (
	_ inference.Transcriber        = (*Client)(nil)
	_ inference.Classifier         = (*Client)(nil)
	_ inference.KnowledgeExtractor = (*Client)(nil)
)

// New creates a client. SDK retries are disabled: the resilience wrapper owns retrying.
func New(cfg Config, opts ...option.RequestOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	cfg = cfg.withDefaults()
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{api: openai.NewClient(append(base, opts...)...), cfg: cfg}, nil
}

// verboseTranscription is the verbose_json body; the SDK type only exposes text.
type verboseTranscription struct {
	Text  string `json:"text"`
	Words []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

// Transcribe uploads one chunk and returns word-level tokens. Servers that
// cannot time words fall back to segment timestamps.
func (c *Client) Transcribe(ctx context.Context, req inference.TranscribeRequest) ([]transcript.Token, error) {
	params := openai.AudioTranscriptionNewParams{
		File:                   openai.File(bytes.NewReader(req.WAV), fmt.Sprintf("chunk-%04d.wav", req.ChunkIndex), "audio/wav"),
		Model:                  openai.AudioModel(c.cfg.TranscriptionModel),
		ResponseFormat:         openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"word"},
	}
	if req.Language != "" {
		params.Language = openai.String(req.Language)
	}
	resp, err := c.api.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	var v verboseTranscription
	if err := json.Unmarshal([]byte(resp.RawJSON()), &v); err != nil {
		return nil, &resilience.ServiceError{Service: serviceName, Class: resilience.Permanent, Err: fmt.Errorf("decode transcription: %w", err)}
	}
	tokens := make([]transcript.Token, 0, len(v.Words))
	for _, w := range v.Words {
		tokens = append(tokens, transcript.Token{Text: w.Word, Start: w.Start, End: w.End})
	}
	if len(tokens) == 0 {
		for _, s := range v.Segments {
			tokens = append(tokens, transcript.Token{Text: s.Text, Start: s.Start, End: s.End})
		}
	}
	slices.SortStableFunc(tokens, func(a, b transcript.Token) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	return tokens, nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.cfg.ChatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", &resilience.ServiceError{Service: serviceName, Class: resilience.Transient, Err: errors.New("no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

// Classify labels one segment through a chat completion.
func (c *Client) Classify(ctx context.Context, req inference.ClassifyRequest) (inference.Label, error) {
	text, err := c.complete(ctx, inference.ClassifySystemPrompt, inference.ClassifyPrompt(req))
	if err != nil {
		return inference.Label{}, err
	}
	l, err := inference.ParseLabel(text)
	if err != nil {
		// Unparseable answers are retried.
		return inference.Label{}, &resilience.ServiceError{Service: serviceName, Class: resilience.Transient, Err: err}
	}
	return l, nil
}

// Extract pulls characters and facts through a chat completion.
func (c *Client) Extract(ctx context.Context, req inference.KnowledgeRequest) (inference.Knowledge, error) {
	text, err := c.complete(ctx, inference.KnowledgeSystemPrompt, inference.KnowledgePrompt(req))
	if err != nil {
		return inference.Knowledge{}, err
	}
	k, err := inference.ParseKnowledge(text)
	if err != nil {
		return inference.Knowledge{}, &resilience.ServiceError{Service: serviceName, Class: resilience.Transient, Err: err}
	}
	return k, nil
}

// classify tags API errors with their retry class. Quota exhaustion arrives
// as a 429 but never clears by waiting.
func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	class := resilience.ClassifyHTTP(apiErr.StatusCode)
	switch apiErr.Code {
	case "insufficient_quota":
		class = resilience.Permanent
	case "context_length_exceeded":
		class = resilience.ResourceExhausted
	}
	return &resilience.ServiceError{Service: serviceName, Class: class, StatusCode: apiErr.StatusCode, Err: err}
}
