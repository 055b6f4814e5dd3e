package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/GriffinCanCode/scribe/internal/checkpoint"
	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
	"github.com/GriffinCanCode/scribe/internal/orchestrator"
	"github.com/GriffinCanCode/scribe/internal/stage"
	"github.com/GriffinCanCode/scribe/internal/trace"
)

// Pipeline is the orchestrator surface the server drives.
type Pipeline interface {
	Process(ctx context.Context, sessionID string, req orchestrator.Request) (*orchestrator.Stream, error)
	Resume(ctx context.Context, sessionID string) (*orchestrator.Stream, error)
	Cancel(sessionID string) bool
	Cleanup(ctx context.Context, sessionID string) error
	Audit(ctx context.Context) ([]*checkpoint.Run, error)
	Hub() *orchestrator.Hub
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

// EventMessage carries one run event to a websocket client.
type EventMessage struct {
	Type string `json:"type"`
	orchestrator.Event
}

type CancelMessage struct {
	Type    string `json:"type"`
	TraceID string `json:"trace_id,omitempty"`
}

type CancelledMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Active    bool   `json:"active"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ProcessRequest is the body of a process call.
type ProcessRequest struct {
	AudioPath        string   `json:"audio_path"`
	Language         string   `json:"language,omitempty"`
	ExpectedSpeakers int      `json:"expected_speakers,omitempty"`
	KnownNames       []string `json:"known_names,omitempty"`
	Force            []string `json:"force,omitempty"`
	ForceAll         bool     `json:"force_all,omitempty"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	limit      int
	window     time.Duration
	timestamps []time.Time
	mu         sync.Mutex
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window}
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= r.limit {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

type ipEntry struct {
	limiter *rateLimiter
	seen    time.Time
}

// ipLimiter shares one window across every connection from an address.
type ipLimiter struct {
	mu          sync.Mutex
	entries     map[string]*ipEntry
	lastCleanup time.Time
}

func newIPLimiter() *ipLimiter {
	return &ipLimiter{entries: make(map[string]*ipEntry), lastCleanup: time.Now()}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	now := time.Now()
	if now.Sub(l.lastCleanup) >= IPRateLimitCleanupInterval {
		for k, e := range l.entries {
			if now.Sub(e.seen) > IPRateLimitEntryTTL {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}
	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{limiter: newRateLimiter(IPRateLimitMessages, IPRateLimitWindow)}
		l.entries[ip] = e
	}
	e.seen = now
	l.mu.Unlock()
	return e.limiter.allow()
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	pipe Pipeline
	ips  *ipLimiter
}

// New creates a new server.
func New(pipe Pipeline) *Server {
	return &Server{pipe: pipe, ips: newIPLimiter()}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("POST /api/sessions", s.handleProcess)
	mux.HandleFunc("POST /api/sessions/{id}/process", s.handleProcess)
	mux.HandleFunc("POST /api/sessions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		trace.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, map[string]string{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRuns lists run records, optionally filtered by ?status=.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.pipe.Audit(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if want := r.URL.Query().Get("status"); want != "" {
		runs = slices.DeleteFunc(runs, func(run *checkpoint.Run) bool { return string(run.Status) != want })
	}
	if runs == nil {
		runs = []*checkpoint.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = orchestrator.NewSessionID()
	}

	var body ProcessRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&body); err != nil {
		writeError(w, r, apperrors.Wrap(err, apperrors.InvalidArgument, "decode request body"))
		return
	}
	force, err := stage.ParseList(body.Force)
	if err != nil {
		writeError(w, r, apperrors.Wrap(err, apperrors.InvalidArgument, "force"))
		return
	}

	ctx := trace.WithSession(r.Context(), id)
	stream, err := s.pipe.Process(ctx, id, orchestrator.Request{
		AudioPath:        body.AudioPath,
		Language:         body.Language,
		ExpectedSpeakers: body.ExpectedSpeakers,
		KnownNames:       body.KnownNames,
		Force:            force,
		ForceAll:         body.ForceAll,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	trace.Logger(ctx).Info("run accepted", "audio", body.AudioPath)
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": stream.SessionID, "status": "running"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stream, err := s.pipe.Resume(trace.WithSession(r.Context(), id), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": stream.SessionID, "status": "running"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.pipe.Cancel(id) {
		writeError(w, r, apperrors.Newf(apperrors.NotFound, "session %s has no active run", id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "cancelling"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.pipe.Cleanup(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket streams a session's events and accepts cancel requests.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	if err := checkpoint.ValidateSessionID(id); err != nil {
		writeError(w, r, err)
		return
	}

	// Subscribe before the handshake completes so no event after it is missed.
	events, stop := s.pipe.Hub().Subscribe(id)
	defer stop()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		trace.Logger(r.Context()).Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx, cancel := context.WithCancel(trace.WithSession(r.Context(), id))
	defer cancel()
	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	go s.forward(ctx, cancel, conn, events)

	ip := remoteIP(r)
	connLimit := newRateLimiter(RateLimitMessages, RateLimitWindow)
	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !connLimit.allow() || !s.ips.allow(ip) {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(ctx, conn, ErrorMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "cancel":
			mctx := ctx
			if tc, ok := trace.ExtractFromJSON(msg); ok {
				mctx = trace.WithContext(ctx, tc)
			}
			active := s.pipe.Cancel(id)
			trace.Logger(mctx).Info("cancel requested over websocket", "active", active)
			_ = wsjson.Write(ctx, conn, CancelledMessage{Type: "cancelled", SessionID: id, Active: active})
		default:
			_ = wsjson.Write(ctx, conn, ErrorMessage{Type: "error", Message: "unknown message type " + base.Type})
		}
	}
}

// forward writes events to the client until the subscription or connection ends.
func (s *Server) forward(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, events <-chan orchestrator.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, WriteTimeout)
			err := wsjson.Write(wctx, conn, EventMessage{Type: "event", Event: e})
			wcancel()
			if err != nil {
				trace.Logger(ctx).Debug("websocket write error", "error", err)
				cancel()
				return
			}
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
