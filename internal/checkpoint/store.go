package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
	"github.com/GriffinCanCode/scribe/internal/kv"
	"github.com/GriffinCanCode/scribe/internal/stage"
	"github.com/GriffinCanCode/scribe/internal/storage"
	"github.com/GriffinCanCode/scribe/internal/syncx"
	"github.com/GriffinCanCode/scribe/internal/trace"
)

// Options tunes a Store.
type Options struct {
	CompressThreshold int
	MaxBlobBytes      int
	// Skippable stages may be absent from the completed set without blocking later marks.
	Skippable []stage.ID
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.MaxBlobBytes <= 0 {
		o.MaxBlobBytes = DefaultMaxBlobBytes
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store is the durable stage checkpoint store. Calls for different sessions never contend.
type Store struct {
	files storage.FileStore
	runs  kv.Store
	opts  Options
	locks *syncx.KeyedMutex
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// New creates a Store over a file backend for records and blobs and a kv store for run records.
func New(files storage.FileStore, runs kv.Store, opts Options) (*Store, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Store{
		files: files,
		runs:  runs,
		opts:  opts.withDefaults(),
		locks: syncx.NewKeyedMutex(),
		enc:   enc,
		dec:   dec,
	}, nil
}

// ValidateSessionID rejects ids that cannot be used as a path segment.
func ValidateSessionID(id string) error {
	if id == "" || len(id) > 128 || id == "." || id == ".." {
		return apperrors.Newf(apperrors.InvalidArgument, "invalid session id %q", id)
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
			return apperrors.Newf(apperrors.InvalidArgument, "invalid session id %q", id)
		}
	}
	return nil
}

func sessionPrefix(sessionID string) string {
	return path.Join(sessionsDir, sessionID) + "/"
}

func stageDir(sessionID string, st stage.ID) string {
	return path.Join(sessionsDir, sessionID, st.String())
}

// SaveStage persists a stage's metadata and blobs. Blobs are written first and
// record.json last, each atomically, so a crash leaves either the old record or
// the complete new one. It returns once every write is durable.
func (s *Store) SaveStage(ctx context.Context, sessionID string, st stage.ID, fingerprint string, metadata any, blobs map[string][]byte) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if !st.Valid() {
		return apperrors.Newf(apperrors.InvalidArgument, "invalid stage %d", int(st))
	}

	rec := Record{
		Version:     Version,
		SessionID:   sessionID,
		Stage:       st,
		Fingerprint: fingerprint,
		CreatedAt:   s.opts.Now().UTC(),
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.InvalidArgument, "encode stage metadata")
		}
		rec.Metadata = raw
	}

	dir := stageDir(sessionID, st)
	names := make([]string, 0, len(blobs))
	for name := range blobs {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		ref, err := s.writeBlob(ctx, dir, name, blobs[name])
		if err != nil {
			return err
		}
		rec.Blobs = append(rec.Blobs, ref)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "encode record")
	}
	if len(data) > MaxRecordBytes {
		return apperrors.Newf(apperrors.InvalidArgument, "%s record is %d bytes, limit %d", st, len(data), MaxRecordBytes)
	}
	if err := storage.WriteFile(ctx, s.files, path.Join(dir, recordFile), data); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "write %s record", st)
	}

	s.pruneBlobs(ctx, dir, rec.Blobs)
	trace.Logger(ctx).Debug("checkpoint saved", "stage", st.String(), "blobs", len(rec.Blobs))
	return nil
}

func (s *Store) writeBlob(ctx context.Context, dir, name string, raw []byte) (BlobRef, error) {
	if err := validateName(name); err != nil {
		return BlobRef{}, err
	}
	if len(raw) > s.opts.MaxBlobBytes {
		return BlobRef{}, apperrors.Newf(apperrors.InvalidArgument, "blob %s is %d bytes, limit %d", name, len(raw), s.opts.MaxBlobBytes)
	}
	sum := sha256.Sum256(raw)
	ref := BlobRef{
		Name:    name,
		Path:    path.Join(dir, blobsDir, name+blobExt),
		RawSize: int64(len(raw)),
		SHA256:  hex.EncodeToString(sum[:]),
	}
	payload := raw
	if len(raw) > s.opts.CompressThreshold {
		payload = s.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
		ref.Compressed = true
		ref.Path += zstdExt
	}
	ref.Size = int64(len(payload))

	if err := storage.WriteFile(ctx, s.files, ref.Path, payload); err != nil {
		return BlobRef{}, apperrors.Wrapf(err, apperrors.Internal, "write blob %s", name)
	}
	return ref, nil
}

// pruneBlobs removes blob files the new record no longer references.
func (s *Store) pruneBlobs(ctx context.Context, dir string, keep []BlobRef) {
	objs, err := s.files.List(ctx, path.Join(dir, blobsDir)+"/")
	if err != nil {
		return
	}
	for _, o := range objs {
		if !slices.ContainsFunc(keep, func(b BlobRef) bool { return b.Path == o.Path }) {
			_ = s.files.Delete(ctx, o.Path)
		}
	}
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return apperrors.Newf(apperrors.InvalidArgument, "invalid blob name %q", name)
	}
	return nil
}

// LoadStage returns the stage record, or nil when it is absent or fails validation.
// Invalid records are logged and treated as absent.
func (s *Store) LoadStage(ctx context.Context, sessionID string, st stage.ID) *Record {
	if ValidateSessionID(sessionID) != nil || !st.Valid() {
		return nil
	}
	p := path.Join(stageDir(sessionID, st), recordFile)
	data, err := storage.ReadFile(ctx, s.files, p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			trace.Logger(ctx).Warn("checkpoint unreadable, treating as absent", "stage", st.String(), "error", err)
		}
		return nil
	}
	rec, err := parseRecord(data)
	if err != nil {
		trace.Logger(ctx).Warn("checkpoint invalid, treating as absent", "stage", st.String(), "error", err)
		return nil
	}
	if rec.SessionID != sessionID || rec.Stage != st {
		trace.Logger(ctx).Warn("checkpoint belongs elsewhere, treating as absent",
			"stage", st.String(), "record_session", rec.SessionID, "record_stage", rec.Stage.String())
		return nil
	}
	return rec
}

// LoadBlob reads and verifies a blob of rec. Missing, truncated or tampered
// payloads return a CheckpointCorrupt error.
func (s *Store) LoadBlob(ctx context.Context, rec *Record, name string) ([]byte, error) {
	ref, ok := rec.Blob(name)
	if !ok {
		return nil, apperrors.Newf(apperrors.CheckpointCorrupt, "%s checkpoint has no blob %s", rec.Stage, name)
	}
	payload, err := storage.ReadFile(ctx, s.files, ref.Path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CheckpointCorrupt, "read blob %s", name)
	}
	raw := payload
	if ref.Compressed {
		raw, err = s.dec.DecodeAll(payload, make([]byte, 0, ref.RawSize))
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.CheckpointCorrupt, "decompress blob %s", name)
		}
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != ref.SHA256 {
		return nil, apperrors.Newf(apperrors.CheckpointCorrupt, "blob %s checksum mismatch", name).
			WithMetadata("stage", rec.Stage.String())
	}
	return raw, nil
}

// MarkComplete records st as completed on the session's run. It fails when an
// earlier required stage is incomplete and not configured skippable.
func (s *Store) MarkComplete(ctx context.Context, sessionID string, st stage.ID) error {
	_, err := s.UpdateRun(ctx, sessionID, func(r *Run) error {
		for _, prev := range stage.All()[:st] {
			if prev.Required() && !r.IsComplete(prev) && !slices.Contains(s.opts.Skippable, prev) {
				return apperrors.Newf(apperrors.InvariantViolation, "cannot complete %s before required stage %s", st, prev)
			}
		}
		r.markComplete(st)
		return nil
	})
	return err
}

// IsComplete reports whether st is marked complete and its record is readable.
func (s *Store) IsComplete(ctx context.Context, sessionID string, st stage.ID) bool {
	run, err := s.GetRun(ctx, sessionID)
	if err != nil || !run.IsComplete(st) {
		return false
	}
	return s.LoadStage(ctx, sessionID, st) != nil
}

// Invalidate clears completion marks for from and every later stage.
func (s *Store) Invalidate(ctx context.Context, sessionID string, from stage.ID) error {
	_, err := s.UpdateRun(ctx, sessionID, func(r *Run) error {
		r.Completed = slices.DeleteFunc(r.Completed, func(id stage.ID) bool { return id >= from })
		r.Degraded = slices.DeleteFunc(r.Degraded, func(id stage.ID) bool { return id >= from })
		return nil
	})
	return err
}

func partialPath(sessionID string, st stage.ID, key string) string {
	return path.Join(stageDir(sessionID, st), partialDir, key+blobExt)
}

// SavePartial stores mid-stage progress under key.
func (s *Store) SavePartial(ctx context.Context, sessionID string, st stage.ID, key string, data []byte) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateName(key); err != nil {
		return err
	}
	if err := storage.WriteFile(ctx, s.files, partialPath(sessionID, st, key), data); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "write partial %s/%s", st, key)
	}
	return nil
}

// LoadPartial returns progress saved under key, or false when none is readable.
func (s *Store) LoadPartial(ctx context.Context, sessionID string, st stage.ID, key string) ([]byte, bool) {
	if ValidateSessionID(sessionID) != nil || validateName(key) != nil {
		return nil, false
	}
	data, err := storage.ReadFile(ctx, s.files, partialPath(sessionID, st, key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// ClearPartials drops all mid-stage progress of st.
func (s *Store) ClearPartials(ctx context.Context, sessionID string, st stage.ID) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	return s.files.DeletePrefix(ctx, path.Join(stageDir(sessionID, st), partialDir)+"/")
}

// DeleteSession removes every checkpoint and the run record of a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if err := s.files.DeletePrefix(ctx, sessionPrefix(sessionID)); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "delete checkpoints of %s", sessionID)
	}
	if err := s.runs.Delete(ctx, runKey(sessionID)); err != nil {
		return apperrors.Wrapf(err, apperrors.Internal, "delete run %s", sessionID)
	}
	return nil
}

// ExpireOlderThan deletes sessions idle for longer than d and returns how many were removed.
func (s *Store) ExpireOlderThan(ctx context.Context, d time.Duration) (int, error) {
	cutoff := s.opts.Now().Add(-d)
	lastSeen := make(map[string]time.Time)

	runs, err := s.ListRuns(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range runs {
		lastSeen[r.SessionID] = r.UpdatedAt
	}
	hasRun := len(lastSeen)

	// Orphaned checkpoint trees without a run record age by file time.
	objs, err := s.files.List(ctx, sessionsDir+"/")
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.Internal, "list checkpoints")
	}
	orphans := make(map[string]time.Time)
	for _, o := range objs {
		id, _, ok := strings.Cut(strings.TrimPrefix(o.Path, sessionsDir+"/"), "/")
		if !ok {
			continue
		}
		if _, known := lastSeen[id]; known {
			continue
		}
		if o.ModTime.After(orphans[id]) {
			orphans[id] = o.ModTime
		}
	}
	for id, t := range orphans {
		lastSeen[id] = t
	}

	removed := 0
	log := trace.Logger(ctx)
	for id, seen := range lastSeen {
		if !seen.Before(cutoff) {
			continue
		}
		if err := s.DeleteSession(ctx, id); err != nil {
			log.Warn("checkpoint expiry failed", "session_id", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info("expired checkpoints", "sessions", removed, "orphans", len(lastSeen)-hasRun, "older_than", d)
	}
	return removed, nil
}
