// Package trace carries trace identifiers and pipeline scope (session, stage) through context.
// Identifiers follow the W3C Trace Context sizes so they pass through inference backends unchanged.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata keys for gRPC/HTTP propagation.
const (
	TraceIDKey      = "x-trace-id"
	SpanIDKey       = "x-span-id"
	ParentSpanIDKey = "x-parent-span-id"
	SessionIDKey    = "x-session-id"
)

type (
	traceKey   struct{}
	sessionKey struct{}
	stageKey   struct{}
)

// Context holds trace identifiers for a single span.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// New creates a new trace context with fresh IDs.
func New() Context {
	return Context{
		TraceID: generateTraceID(),
		SpanID:  generateSpanID(),
	}
}

// NewChild creates a child context from parent.
func NewChild(parent Context) Context {
	return Context{
		TraceID:      parent.TraceID,
		SpanID:       generateSpanID(),
		ParentSpanID: parent.SpanID,
	}
}

// FromContext extracts trace context from context.Context.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(traceKey{}).(Context)
	return tc, ok
}

// WithContext injects trace context into context.Context.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, traceKey{}, tc)
}

// EnsureContext returns existing trace context or creates a new one.
func EnsureContext(ctx context.Context) (context.Context, Context) {
	if tc, ok := FromContext(ctx); ok {
		return ctx, tc
	}
	tc := New()
	return WithContext(ctx, tc), tc
}

// WithSession scopes ctx to a pipeline session.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionID returns the session ctx is scoped to, if any.
func SessionID(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey{}).(string)
	return s
}

// WithStage scopes ctx to a pipeline stage.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// Stage returns the stage ctx is scoped to, if any.
func Stage(ctx context.Context) string {
	s, _ := ctx.Value(stageKey{}).(string)
	return s
}

// generateTraceID creates a 128-bit trace ID.
func generateTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// generateSpanID creates a 64-bit span ID.
func generateSpanID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ToMap exports context as string map for gRPC metadata.
func (c Context) ToMap() map[string]string {
	m := map[string]string{
		TraceIDKey: c.TraceID,
		SpanIDKey:  c.SpanID,
	}
	if c.ParentSpanID != "" {
		m[ParentSpanIDKey] = c.ParentSpanID
	}
	return m
}

// FromMap extracts context from string map.
func FromMap(m map[string]string) Context {
	tc := Context{
		TraceID:      m[TraceIDKey],
		SpanID:       generateSpanID(), // Always new span
		ParentSpanID: m[SpanIDKey],     // Caller's span becomes parent
	}
	if tc.TraceID == "" {
		tc.TraceID = generateTraceID()
	}
	return tc
}

// Span represents a timed operation within a trace.
type Span struct {
	Name      string
	Ctx       Context
	StartTime time.Time
	EndTime   time.Time
	Attrs     map[string]any
}

// StartSpan begins a new span.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent, ok := FromContext(ctx)
	tc := New()
	if ok && parent.TraceID != "" {
		tc = NewChild(parent)
	}

	s := &Span{
		Name:      name,
		Ctx:       tc,
		StartTime: time.Now(),
		Attrs:     make(map[string]any),
	}
	return WithContext(ctx, tc), s
}

// End marks the span as complete.
func (s *Span) End() {
	s.EndTime = time.Now()
}

// Finish ends the span and logs it at debug level, or at warn level when err is set.
func (s *Span) Finish(ctx context.Context, err error) {
	s.End()
	if err != nil {
		Logger(ctx).Warn("span failed", "span", s, "error", err)
		return
	}
	Logger(ctx).Debug("span finished", "span", s)
}

// SetAttr sets a span attribute.
func (s *Span) SetAttr(key string, val any) {
	s.Attrs[key] = val
}

// Duration returns span duration.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// LogValue implements slog.LogValuer for structured logging.
func (s *Span) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", s.Name),
		slog.Duration("duration", s.Duration()),
	}
	for k, v := range s.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Logger returns a slog.Logger annotated with trace and pipeline scope.
func Logger(ctx context.Context) *slog.Logger {
	args := make([]any, 0, 10)
	if tc, ok := FromContext(ctx); ok {
		args = append(args, "trace_id", tc.TraceID, "span_id", tc.SpanID)
		if tc.ParentSpanID != "" {
			args = append(args, "parent_span_id", tc.ParentSpanID)
		}
	}
	if s := SessionID(ctx); s != "" {
		args = append(args, "session_id", s)
	}
	if s := Stage(ctx); s != "" {
		args = append(args, "stage", s)
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}
