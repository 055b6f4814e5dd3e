package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/GriffinCanCode/scribe/internal/checkpoint"
	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/audio"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/chunk"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/merge"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/scribe/internal/resilience"
	"github.com/GriffinCanCode/scribe/internal/stage"
	"github.com/GriffinCanCode/scribe/internal/trace"
)

// stageState is how a stage's output became available in this run.
type stageState int

const (
	statePending stageState = iota
	stateRestored
	stateProduced
	statePlaceholder // skipped or degraded
)

// corruptError reports upstream output that could not be loaded; the run
// recomputes from that stage.
type corruptError struct {
	stage stage.ID
	err   error
}

func (e *corruptError) Error() string {
	return "checkpoint of " + e.stage.String() + " unusable: " + e.err.Error()
}

func (e *corruptError) Unwrap() error { return e.err }

// stageOutput is what a stage hands to the checkpoint store.
type stageOutput struct {
	meta   any
	blobs  map[string][]byte
	detail string
	after  func(ctx context.Context) // runs once the checkpoint is durable
}

// run executes one request for one session. It is owned by a single goroutine.
type run struct {
	o      *Orchestrator
	id     string
	req    Request
	stream *Stream

	fps    map[stage.ID]string
	states map[stage.ID]stageState
	recs   map[stage.ID]*checkpoint.Record

	// Stage outputs, loaded lazily from checkpoints when restored.
	conv        *convertMeta
	pcm         *audio.PCM
	chunks      []chunk.Chunk
	chunkTokens []merge.ChunkTokens
	merged      *transcript.Transcript
	turns       []transcript.SpeakerTurn
	turnsOK     bool
	labeled     []transcript.Segment
	labeledOK   bool

	result Result
}

func newRun(o *Orchestrator, sessionID string, req Request, s *Stream) *run {
	return &run{
		o:      o,
		id:     sessionID,
		req:    req,
		stream: s,
		fps:    o.fingerprints(req),
		states: make(map[stage.ID]stageState),
		recs:   make(map[stage.ID]*checkpoint.Record),
		result: Result{SessionID: sessionID, OutputDir: o.outputDir(sessionID)},
	}
}

// execute walks the stages in order and returns the run's result. Completed
// stages with matching fingerprints are restored; once one stage recomputes,
// every later stage recomputes too.
func (r *run) execute(ctx context.Context) Result {
	log := trace.Logger(ctx)
	started := time.Now()

	runRec, err := r.begin(ctx)
	if err != nil {
		return r.finish(ctx, checkpoint.StatusFailed, err)
	}
	log.Info("run started", "audio", r.req.AudioPath, "completed", len(runRec.Completed))

	stages := stage.All()
	recompute := false
	restarts := 0
	for i := 0; i < len(stages); i++ {
		st := stages[i]
		if ctx.Err() != nil {
			return r.finish(ctx, checkpoint.StatusCancelled, apperrors.Wrap(ctx.Err(), apperrors.Cancelled, "run cancelled"))
		}

		if slices.Contains(r.o.opts.Skip, st) {
			r.placeholder(st)
			if !slices.Contains(r.result.Skipped, st) {
				r.result.Skipped = append(r.result.Skipped, st)
			}
			r.emit(st, StateSkipped, "disabled by configuration", nil)
			continue
		}

		if !recompute && runRec.IsComplete(st) && r.restore(ctx, st) {
			continue
		}
		if !recompute {
			recompute = true
			// Later completion marks belong to output this run is about to replace.
			if err := r.o.store.Invalidate(ctx, r.id, st); err != nil {
				return r.finish(ctx, checkpoint.StatusFailed, &StageError{Stage: st, Err: err})
			}
		}

		err := r.runStage(ctx, st)
		if err == nil {
			continue
		}

		var ce *corruptError
		if errors.As(err, &ce) && restarts < MaxCorruptRestarts {
			restarts++
			log.Warn("upstream checkpoint unusable, recomputing", "stage", ce.stage.String(), "error", ce.err)
			if err := r.o.store.Invalidate(ctx, r.id, ce.stage); err != nil {
				return r.finish(ctx, checkpoint.StatusFailed, &StageError{Stage: st, Err: err})
			}
			r.reset(ce.stage)
			i = int(ce.stage) - 1
			continue
		}

		if isCancelled(ctx, err) {
			r.emit(st, StateCancelled, "", err)
			return r.finish(ctx, checkpoint.StatusCancelled, err)
		}
		if st.Required() {
			r.emit(st, StateFailed, "", err)
			return r.finish(ctx, checkpoint.StatusFailed, &StageError{Stage: st, Err: err})
		}
		r.degrade(ctx, st, err)
	}

	log.Info("run finished", "restored", len(r.result.Restored), "recomputed", len(r.result.Recomputed),
		"degraded", len(r.result.Degraded), "elapsed", time.Since(started))
	return r.finish(ctx, checkpoint.StatusCompleted, nil)
}

// begin marks the run as running, stores the request and applies forced re-runs.
func (r *run) begin(ctx context.Context) (*checkpoint.Run, error) {
	stored := r.req
	stored.Force, stored.ForceAll = nil, false
	reqJSON, err := json.Marshal(stored)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "encode request")
	}

	runRec, err := r.o.store.UpdateRun(ctx, r.id, func(run *checkpoint.Run) error {
		run.Status = checkpoint.StatusRunning
		run.Error = ""
		run.Current = nil
		run.Request = reqJSON
		return nil
	})
	if err != nil {
		return nil, err
	}

	from, forced := r.forcedFrom()
	if !forced {
		return runRec, nil
	}
	trace.Logger(ctx).Info("forcing re-run", "from", from.String())
	if err := r.o.store.Invalidate(ctx, r.id, from); err != nil {
		return nil, err
	}
	return r.o.store.GetRun(ctx, r.id)
}

func (r *run) forcedFrom() (stage.ID, bool) {
	if r.req.ForceAll {
		return stage.Convert, true
	}
	if len(r.req.Force) == 0 {
		return 0, false
	}
	return slices.Min(r.req.Force), true
}

// restore reuses a completed stage's checkpoint. It reports false when the
// checkpoint is absent, invalid or was produced with other parameters.
func (r *run) restore(ctx context.Context, st stage.ID) bool {
	log := trace.Logger(ctx).With("stage", st.String())
	rec := r.o.store.LoadStage(ctx, r.id, st)
	if rec == nil {
		return false
	}
	if rec.Fingerprint != r.fps[st] {
		log.Info("parameters changed, recomputing")
		return false
	}
	if err := r.adopt(ctx, st, rec); err != nil {
		log.Warn("checkpoint unusable, recomputing", "error", err)
		return false
	}
	r.recs[st] = rec
	r.states[st] = stateRestored
	r.result.Restored = append(r.result.Restored, st)
	r.emit(st, StateRestored, "", nil)
	return true
}

// runStage computes a stage, checkpoints it and marks it complete.
func (r *run) runStage(ctx context.Context, st stage.ID) (err error) {
	ctx = trace.WithStage(ctx, st.String())
	ctx, span := trace.StartSpan(ctx, "stage."+st.String())
	defer func() { span.Finish(ctx, err) }()

	if _, err := r.o.store.UpdateRun(ctx, r.id, func(run *checkpoint.Run) error {
		run.Current = &st
		return nil
	}); err != nil {
		return err
	}
	r.emit(st, StateRunning, "", nil)

	out, err := r.produce(ctx, st)
	if err != nil {
		return err
	}
	// Finished work is kept even when the run was cancelled meanwhile.
	saveCtx := context.WithoutCancel(ctx)
	if err := r.o.store.SaveStage(saveCtx, r.id, st, r.fps[st], out.meta, out.blobs); err != nil {
		return err
	}
	if err := r.o.store.MarkComplete(saveCtx, r.id, st); err != nil {
		return err
	}
	if out.after != nil {
		out.after(saveCtx)
	}

	r.states[st] = stateProduced
	r.result.Restored = slices.DeleteFunc(r.result.Restored, func(id stage.ID) bool { return id == st })
	if !slices.Contains(r.result.Recomputed, st) {
		r.result.Recomputed = append(r.result.Recomputed, st)
	}
	span.SetAttr("detail", out.detail)
	r.emit(st, StateCompleted, out.detail, nil)
	return nil
}

func (r *run) produce(ctx context.Context, st stage.ID) (stageOutput, error) {
	switch st {
	case stage.Convert:
		return r.convert(ctx)
	case stage.Chunk:
		return r.chunk(ctx)
	case stage.Transcribe:
		return r.transcribe(ctx)
	case stage.Merge:
		return r.merge(ctx)
	case stage.Diarize:
		return r.diarize(ctx)
	case stage.Classify:
		return r.classify(ctx)
	case stage.FormatOutput:
		return r.formatOutput(ctx)
	case stage.ExportSnippets:
		return r.exportSnippets(ctx)
	case stage.ExtractKnowledge:
		return r.extractKnowledge(ctx)
	}
	return stageOutput{}, apperrors.Newf(apperrors.Internal, "unknown stage %s", st)
}

// degrade records an optional stage failure and substitutes placeholder output.
// The stage stays out of the completed set so the next run retries it.
func (r *run) degrade(ctx context.Context, st stage.ID, cause error) {
	trace.Logger(ctx).Warn("optional stage failed, using placeholder", "stage", st.String(), "error", cause)
	r.placeholder(st)
	if _, err := r.o.store.UpdateRun(ctx, r.id, func(run *checkpoint.Run) error {
		run.SetDegraded(st, true)
		return nil
	}); err != nil {
		trace.Logger(ctx).Warn("failed to record degraded stage", "stage", st.String(), "error", err)
	}
	r.result.Degraded = append(r.result.Degraded, st)
	r.emit(st, StateDegraded, "placeholder output", cause)
}

// placeholder installs the stand-in output of a skipped or degraded stage.
func (r *run) placeholder(st stage.ID) {
	r.states[st] = statePlaceholder
	switch st {
	case stage.Diarize:
		r.turns, r.turnsOK = nil, true
	case stage.Classify:
		r.labeled, r.labeledOK = nil, false
	}
}

// reset forgets in-memory output of from and every later stage.
func (r *run) reset(from stage.ID) {
	for _, st := range stage.All()[from:] {
		delete(r.states, st)
		delete(r.recs, st)
		switch st {
		case stage.Convert:
			r.conv, r.pcm = nil, nil
		case stage.Chunk:
			r.chunks = nil
		case stage.Transcribe:
			r.chunkTokens = nil
		case stage.Merge:
			r.merged = nil
		case stage.Diarize:
			r.turns, r.turnsOK = nil, false
		case stage.Classify:
			r.labeled, r.labeledOK = nil, false
		}
	}
}

// finish persists the final status and publishes the closing event.
func (r *run) finish(ctx context.Context, status checkpoint.Status, err error) Result {
	ctx = context.WithoutCancel(ctx)
	r.result.Status = status
	r.result.Err = err
	if s := r.states[stage.Merge]; s == stateRestored || s == stateProduced {
		if t, terr := r.transcript(ctx); terr == nil {
			r.result.Transcript = t
		}
	}

	if _, uerr := r.o.store.UpdateRun(ctx, r.id, func(run *checkpoint.Run) error {
		run.Status = status
		run.Current = nil
		run.Error = ""
		if err != nil {
			run.Error = err.Error()
		}
		return nil
	}); uerr != nil {
		trace.Logger(ctx).Error("failed to persist run status", "status", status, "error", uerr)
	}

	state := State(status)
	if err != nil {
		trace.Logger(ctx).Warn("run ended", "status", status, "error", err)
	}
	r.publish(Event{SessionID: r.id, State: state, Error: errString(err), Time: time.Now()})
	return r.result
}

func (r *run) emit(st stage.ID, state State, detail string, err error) {
	r.publish(Event{SessionID: r.id, Stage: &st, State: state, Detail: detail, Error: errString(err), Time: time.Now()})
}

// publish hands e to the run's stream and the hub without blocking the run.
func (r *run) publish(e Event) {
	select {
	case r.stream.events <- e:
	default:
	}
	r.o.hub.Publish(e)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || apperrors.IsCode(err, apperrors.Cancelled) || errors.Is(err, context.Canceled)
}

// policy fills the retry template for one service.
func (r *run) policy(service, fallback string) resilience.Policy {
	p := r.o.opts.Retry
	p.Service = service
	p.Fallback = fallback
	return p
}

// lookupErr marks a missing backend as permanent so the retry loop moves on to the fallback.
func lookupErr(target string, err error) error {
	return &resilience.ServiceError{Service: target, Class: resilience.Permanent, Err: err}
}
