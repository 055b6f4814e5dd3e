package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
	"github.com/GriffinCanCode/scribe/internal/kv"
	"github.com/GriffinCanCode/scribe/internal/stage"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Run is the durable progress record of one session.
type Run struct {
	SessionID string          `json:"session_id"`
	Completed []stage.ID      `json:"completed"`
	Degraded  []stage.ID      `json:"degraded,omitempty"`
	Current   *stage.ID       `json:"current,omitempty"`
	Status    Status          `json:"status"`
	Error     string          `json:"error,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	// Next is the stage a resume starts from. It is derived on read.
	Next *stage.ID `json:"next,omitempty"`
}

// IsComplete reports whether st is in the completed set.
func (r *Run) IsComplete(st stage.ID) bool {
	return slices.Contains(r.Completed, st)
}

// IsDegraded reports whether st finished with placeholder output.
func (r *Run) IsDegraded(st stage.ID) bool {
	return slices.Contains(r.Degraded, st)
}

func (r *Run) markComplete(st stage.ID) {
	if !r.IsComplete(st) {
		r.Completed = append(r.Completed, st)
		slices.Sort(r.Completed)
	}
}

// SetDegraded flags or clears st as degraded.
func (r *Run) SetDegraded(st stage.ID, degraded bool) {
	r.Degraded = slices.DeleteFunc(r.Degraded, func(id stage.ID) bool { return id == st })
	if degraded {
		r.Degraded = append(r.Degraded, st)
		slices.Sort(r.Degraded)
	}
}

// NextStage returns the first stage not yet completed, or false when all are.
func (r *Run) NextStage() (stage.ID, bool) {
	for _, id := range stage.All() {
		if !r.IsComplete(id) {
			return id, true
		}
	}
	return 0, false
}

func runKey(sessionID string) kv.Key { return kv.Key{runKeyPrefix, sessionID} }

// GetRun loads the run record of a session. Missing runs return a NotFound error.
func (s *Store) GetRun(ctx context.Context, sessionID string) (*Run, error) {
	data, err := s.runs.Get(ctx, runKey(sessionID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, apperrors.Newf(apperrors.NotFound, "no run for session %s", sessionID)
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.Internal, "read run %s", sessionID)
	}
	r, err := decodeRun(data)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CheckpointCorrupt, "decode run %s", sessionID)
	}
	return r, nil
}

func decodeRun(data []byte) (*Run, error) {
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	r.refreshNext()
	return &r, nil
}

func (r *Run) refreshNext() {
	r.Next = nil
	if next, ok := r.NextStage(); ok {
		r.Next = &next
	}
}

func (s *Store) putRun(ctx context.Context, r *Run) error {
	now := s.opts.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	stored := *r
	stored.Next = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "encode run")
	}
	if err := s.runs.Set(ctx, runKey(r.SessionID), data); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "write run %s", r.SessionID)
	}
	r.refreshNext()
	return nil
}

// UpdateRun applies fn to the session's run under the session lock, creating the
// run when absent. The record is written only when fn returns nil.
func (s *Store) UpdateRun(ctx context.Context, sessionID string, fn func(*Run) error) (*Run, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	r, err := s.GetRun(ctx, sessionID)
	if apperrors.IsCode(err, apperrors.NotFound) || apperrors.IsCode(err, apperrors.CheckpointCorrupt) {
		r, err = &Run{SessionID: sessionID, Status: StatusPending}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	if err := s.putRun(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns every run record ordered by session id. Undecodable records are skipped.
func (s *Store) ListRuns(ctx context.Context) ([]*Run, error) {
	var out []*Run
	for e, err := range s.runs.List(ctx, kv.Key{runKeyPrefix}) {
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.Internal, "list runs")
		}
		r, err := decodeRun(e.Value)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
