package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/scribe/internal/checkpoint"
	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
	"github.com/GriffinCanCode/scribe/internal/inference"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/audio"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/chunk"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/scribe/internal/resilience"
	"github.com/GriffinCanCode/scribe/internal/stage"
	"github.com/GriffinCanCode/scribe/internal/trace"
)

// ErrSessionBusy is returned when a session already has a run in progress.
var ErrSessionBusy = apperrors.New(apperrors.SessionBusy, "session already has a run in progress")

// StageError reports the required stage that halted a run.
type StageError struct {
	Stage stage.ID
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Request describes what to process. It is stored on the run record so Resume
// can repeat it.
type Request struct {
	AudioPath        string     `json:"audio_path"`
	Language         string     `json:"language,omitempty"`
	ExpectedSpeakers int        `json:"expected_speakers,omitempty"`
	KnownNames       []string   `json:"known_names,omitempty"`
	Force            []stage.ID `json:"force,omitempty"`
	ForceAll         bool       `json:"force_all,omitempty"`
}

// Services names the inference backend per external service.
type Services struct {
	Transcription          string
	TranscriptionFallback  string
	Diarization            string
	Classification         string
	ClassificationFallback string
	Knowledge              string
}

// Options configures the pipeline parameters.
type Options struct {
	WorkDir   string // converted audio per session
	OutputDir string // deliverables per session

	Chunking        chunk.Options
	VAD             audio.VADConfig
	MinMatchTokens  int
	SegmentPauseSec float64

	Services Services
	// Retry is the policy template for every external call; Service and
	// Fallback are filled per call.
	Retry resilience.Policy

	Skip            []stage.ID // optional stages disabled by configuration
	Retention       time.Duration
	Language        string
	SnippetWorkers  int
	ContextSegments int
	DefaultLabel    string
}

func (o Options) withDefaults() Options {
	if o.WorkDir == "" {
		o.WorkDir = filepath.Join("data", "work")
	}
	if o.OutputDir == "" {
		o.OutputDir = filepath.Join("data", "output")
	}
	if o.Chunking == (chunk.Options{}) {
		o.Chunking = chunk.DefaultOptions()
	}
	if o.SegmentPauseSec <= 0 {
		o.SegmentPauseSec = DefaultSegmentPauseSec
	}
	if o.DefaultLabel == "" {
		o.DefaultLabel = inference.LabelUnclassified
	}
	return o
}

// Deps are the collaborators shared by every run.
type Deps struct {
	Store     *checkpoint.Store
	Backends  *inference.Registry
	Wrapper   *resilience.Wrapper
	Converter audio.Converter
	Scorer    audio.Scorer // nil uses the energy scorer
	Hub       *Hub         // nil creates one
}

// Result summarizes a finished run.
type Result struct {
	SessionID  string
	Status     checkpoint.Status
	Restored   []stage.ID // reused from checkpoints
	Recomputed []stage.ID // executed in this run
	Degraded   []stage.ID
	Skipped    []stage.ID
	Transcript *transcript.Transcript
	OutputDir  string
	Err        error
}

// Stream delivers the events of one run and its result.
type Stream struct {
	SessionID string
	events    chan Event
	done      chan struct{}
	result    Result
}

// Events returns the run's events; the channel closes when the run ends.
func (s *Stream) Events() <-chan Event { return s.events }

// Wait blocks until the run ends and returns its result.
func (s *Stream) Wait() Result {
	<-s.done
	return s.result
}

// Orchestrator runs sessions. Sessions run independently; one session runs at most once at a time.
type Orchestrator struct {
	store     *checkpoint.Store
	backends  *inference.Registry
	wrapper   *resilience.Wrapper
	converter audio.Converter
	detector  *audio.Detector
	hub       *Hub
	opts      Options

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	wg      sync.WaitGroup
	expired time.Time
}

// New creates an orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil || deps.Backends == nil || deps.Converter == nil {
		return nil, apperrors.New(apperrors.ConfigInvalid, "orchestrator needs a checkpoint store, backends and a converter")
	}
	for _, st := range opts.Skip {
		if st.Required() {
			return nil, apperrors.Newf(apperrors.ConfigInvalid, "required stage %s cannot be skipped", st)
		}
	}
	opts = opts.withDefaults()
	if deps.Wrapper == nil {
		deps.Wrapper = resilience.NewWrapper(nil, nil)
	}
	if deps.Scorer == nil {
		deps.Scorer = audio.EnergyScorer{}
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	return &Orchestrator{
		store:     deps.Store,
		backends:  deps.Backends,
		wrapper:   deps.Wrapper,
		converter: deps.Converter,
		detector:  audio.NewDetector(deps.Scorer, opts.VAD),
		hub:       deps.Hub,
		opts:      opts,
		active:    make(map[string]context.CancelFunc),
	}, nil
}

// Hub returns the event hub for subscribers outside a run's Stream.
func (o *Orchestrator) Hub() *Hub { return o.hub }

// NewSessionID returns a fresh session id for callers that have none.
func NewSessionID() string { return uuid.NewString() }

// Process starts a run of req for the session. Completed stages whose
// parameters are unchanged are restored instead of recomputed.
func (o *Orchestrator) Process(ctx context.Context, sessionID string, req Request) (*Stream, error) {
	if err := checkpoint.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if req.AudioPath == "" {
		return nil, apperrors.New(apperrors.InvalidArgument, "audio path is required")
	}
	if req.Language == "" {
		req.Language = o.opts.Language
	}
	return o.start(ctx, sessionID, req)
}

// Resume repeats the stored request of a session.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*Stream, error) {
	run, err := o.store.GetRun(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(run.Request) == 0 {
		return nil, apperrors.Newf(apperrors.NotFound, "session %s has no stored request", sessionID)
	}
	var req Request
	if err := json.Unmarshal(run.Request, &req); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CheckpointCorrupt, "decode request of %s", sessionID)
	}
	if next, ok := run.NextStage(); ok {
		trace.Logger(ctx).Info("resuming session", "session_id", sessionID, "next_stage", next.String())
	}
	return o.start(ctx, sessionID, req)
}

func (o *Orchestrator) start(ctx context.Context, sessionID string, req Request) (*Stream, error) {
	o.expireOpportunistically(ctx)

	o.mu.Lock()
	if _, busy := o.active[sessionID]; busy {
		o.mu.Unlock()
		return nil, ErrSessionBusy
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.active[sessionID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	runCtx, _ = trace.EnsureContext(trace.WithSession(runCtx, sessionID))

	s := &Stream{
		SessionID: sessionID,
		events:    make(chan Event, StreamEventBuffer),
		done:      make(chan struct{}),
	}
	r := newRun(o, sessionID, req, s)

	go func() {
		defer o.wg.Done()
		res := r.execute(runCtx)

		// The session is free again before anyone observes the result.
		o.mu.Lock()
		delete(o.active, sessionID)
		o.mu.Unlock()
		cancel()

		s.result = res
		close(s.events)
		close(s.done)
	}()
	return s, nil
}

// Cancel asks a session's run to stop at the next stage boundary. It reports
// whether a run was active.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.active[sessionID]
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every active run and returns how many there were.
func (o *Orchestrator) CancelAll() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, cancel := range o.active {
		cancel()
	}
	return len(o.active)
}

// Active reports whether the session has a run in progress.
func (o *Orchestrator) Active(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// Audit lists every known run.
func (o *Orchestrator) Audit(ctx context.Context) ([]*checkpoint.Run, error) {
	return o.store.ListRuns(ctx)
}

// Cleanup deletes a session's checkpoints, run record and converted audio.
// Deliverables in the output directory are kept.
func (o *Orchestrator) Cleanup(ctx context.Context, sessionID string) error {
	if o.Active(sessionID) {
		return ErrSessionBusy
	}
	if err := o.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if err := os.RemoveAll(o.workDir(sessionID)); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "remove work dir of %s", sessionID)
	}
	return nil
}

// Expire removes sessions idle longer than the retention window, skipping active ones.
func (o *Orchestrator) Expire(ctx context.Context, retention time.Duration) (int, error) {
	n, err := o.store.ExpireOlderThan(ctx, retention)
	if err != nil {
		return n, err
	}
	entries, err := os.ReadDir(o.opts.WorkDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return n, nil
		}
		return n, err
	}
	// Work dirs of expired sessions have no run left.
	runs, err := o.store.ListRuns(ctx)
	if err != nil {
		return n, err
	}
	known := make([]string, 0, len(runs))
	for _, r := range runs {
		known = append(known, r.SessionID)
	}
	for _, e := range entries {
		if e.IsDir() && !slices.Contains(known, e.Name()) && !o.Active(e.Name()) {
			if err := os.RemoveAll(filepath.Join(o.opts.WorkDir, e.Name())); err != nil {
				trace.Logger(ctx).Warn("failed to remove stale work dir", "session_id", e.Name(), "error", err)
			}
		}
	}
	return n, nil
}

// expireOpportunistically runs expiry at most once per hour, in the caller's goroutine.
func (o *Orchestrator) expireOpportunistically(ctx context.Context) {
	if o.opts.Retention <= 0 {
		return
	}
	o.mu.Lock()
	due := time.Since(o.expired) >= time.Hour
	if due {
		o.expired = time.Now()
	}
	o.mu.Unlock()
	if !due {
		return
	}
	n, err := o.Expire(ctx, o.opts.Retention)
	if err != nil {
		trace.Logger(ctx).Warn("checkpoint expiry failed", "error", err)
		return
	}
	if n > 0 {
		trace.Logger(ctx).Info("expired old sessions", "count", n, "retention", o.opts.Retention)
	}
}

// Wait blocks until every run has ended.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) workDir(sessionID string) string {
	return filepath.Join(o.opts.WorkDir, sessionID)
}

func (o *Orchestrator) outputDir(sessionID string) string {
	return filepath.Join(o.opts.OutputDir, sessionID)
}
