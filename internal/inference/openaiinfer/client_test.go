package openaiinfer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GriffinCanCode/scribe/internal/inference"
	"github.com/GriffinCanCode/scribe/internal/resilience"
)

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": DefaultChatModel,
		"choices": []any{map[string]any{
			"index": 0, "finish_reason": "stop",
			"message": map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(b)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "test", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New without key should fail")
	}
}

func TestTranscribeWords(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("response_format = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"hi there","words":[{"word":"there","start":0.6,"end":0.9},{"word":"hi","start":0.1,"end":0.4}]}`))
	})

	tokens, err := c.Transcribe(context.Background(), inference.TranscribeRequest{WAV: []byte("RIFF"), SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(tokens) != 2 || tokens[0].Text != "hi" || tokens[1].Start != 0.6 {
		t.Errorf("tokens = %+v, want sorted words", tokens)
	}
}

func TestTranscribeSegmentFallback(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"hello","segments":[{"text":"hello","start":1,"end":2}]}`))
	})

	tokens, err := c.Transcribe(context.Background(), inference.TranscribeRequest{WAV: []byte("RIFF")})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(tokens) != 1 || tokens[0].Start != 1 || tokens[0].End != 2 {
		t.Errorf("tokens = %+v", tokens)
	}
}

func TestClassify(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", body.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatReply("```json\n{\"label\": \"ic\", \"confidence\": 0.7}\n```")))
	})

	l, err := c.Classify(context.Background(), inference.ClassifyRequest{})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if l.Name != inference.LabelInCharacter || l.Confidence != 0.7 {
		t.Errorf("label = %+v", l)
	}
}

func TestExtract(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatReply(`{"characters":[{"name":"Aria"}],"facts":[{"text":"dragon sighted","segment":4}]}`)))
	})

	k, err := c.Extract(context.Background(), inference.KnowledgeRequest{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(k.Characters) != 1 || len(k.Facts) != 1 || k.Facts[0].Segment != 4 {
		t.Errorf("knowledge = %+v", k)
	}
}

func TestErrorClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   resilience.Class
	}{
		{"rate limited", 429, "rate_limit_exceeded", resilience.RateLimited},
		{"quota", 429, "insufficient_quota", resilience.Permanent},
		{"context length", 400, "context_length_exceeded", resilience.ResourceExhausted},
		{"server", 503, "", resilience.Transient},
		{"auth", 401, "invalid_api_key", resilience.Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"message": tt.name, "type": "error", "code": tt.code},
				})
			})
			_, err := c.Classify(context.Background(), inference.ClassifyRequest{})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := resilience.Classify(err); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnparseableAnswerIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatReply(`{"label": "perhaps"}`)))
	})
	_, err := c.Classify(context.Background(), inference.ClassifyRequest{})
	if got := resilience.Classify(err); err == nil || got != resilience.Transient {
		t.Errorf("err = %v, class = %v, want transient", err, got)
	}
}
