// Package geminiinfer labels segments and extracts knowledge with Google Gemini.
package geminiinfer

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/GriffinCanCode/scribe/internal/inference"
	"github.com/GriffinCanCode/scribe/internal/resilience"
)

const (
	serviceName = "gemini"

	// DefaultModel should not start with "models/".
	DefaultModel = "gemini-2.0-flash"
)

// Config selects the key, model and an optional endpoint override.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Client implements Classifier and KnowledgeExtractor.
type Client struct {
	api   *genai.Client
	model string
}

var (
	_ inference.Classifier         = (*Client)(nil)
	_ inference.KnowledgeExtractor = (*Client)(nil)
)

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	api, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Client{api: api, model: cfg.Model}, nil
}

func (c *Client) generate(ctx context.Context, system, user string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
	}
	resp, err := c.api.Models.GenerateContent(ctx, c.model, []*genai.Content{
		{Parts: []*genai.Part{{Text: user}}, Role: genai.RoleUser},
	}, cfg)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &resilience.ServiceError{Service: serviceName, Class: resilience.Transient, Err: errors.New("no candidates")}
	}
	t := resp.Candidates[0]
	if t.FinishReason == genai.FinishReasonMaxTokens {
		return "", &resilience.ServiceError{Service: serviceName, Class: resilience.ResourceExhausted, Err: errors.New("max tokens")}
	}
	var text string
	for _, p := range t.Content.Parts {
		text += p.Text
	}
	return text, nil
}

func (c *Client) Classify(ctx context.Context, req inference.ClassifyRequest) (inference.Label, error) {
	text, err := c.generate(ctx, inference.ClassifySystemPrompt, inference.ClassifyPrompt(req))
	if err != nil {
		return inference.Label{}, err
	}
	l, err := inference.ParseLabel(text)
	if err != nil {
		return inference.Label{}, &resilience.ServiceError{Service: serviceName, Class: resilience.Transient, Err: err}
	}
	return l, nil
}

func (c *Client) Extract(ctx context.Context, req inference.KnowledgeRequest) (inference.Knowledge, error) {
	text, err := c.generate(ctx, inference.KnowledgeSystemPrompt, inference.KnowledgePrompt(req))
	if err != nil {
		return inference.Knowledge{}, err
	}
	k, err := inference.ParseKnowledge(text)
	if err != nil {
		return inference.Knowledge{}, &resilience.ServiceError{Service: serviceName, Class: resilience.Transient, Err: err}
	}
	return k, nil
}

func classify(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	default:
		return err
	}
	return &resilience.ServiceError{Service: serviceName, Class: resilience.ClassifyHTTP(code), StatusCode: code, Err: err}
}
