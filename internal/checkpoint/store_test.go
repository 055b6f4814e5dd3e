package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/scribe/internal/errors"
	"github.com/GriffinCanCode/scribe/internal/kv"
	"github.com/GriffinCanCode/scribe/internal/stage"
	"github.com/GriffinCanCode/scribe/internal/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts Options) (*Store, *storage.Memory, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	files := storage.NewMemory()
	files.SetClock(clock.Now)
	opts.Now = clock.Now
	s, err := New(files, kv.NewMemory(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, files, clock
}

type chunkMeta struct {
	Count    int     `json:"count"`
	Duration float64 `json:"duration"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{CompressThreshold: 16})

	small := []byte("tiny")
	large := bytes.Repeat([]byte("transcript token "), 100)
	meta := chunkMeta{Count: 2, Duration: 1200}

	if err := s.SaveStage(ctx, "s1", stage.Chunk, "fp1", meta, map[string][]byte{"small": small, "large": large}); err != nil {
		t.Fatalf("SaveStage: %v", err)
	}

	rec := s.LoadStage(ctx, "s1", stage.Chunk)
	if rec == nil {
		t.Fatal("LoadStage = nil, want record")
	}
	if rec.Fingerprint != "fp1" || rec.Version != Version || rec.Stage != stage.Chunk {
		t.Errorf("record = %+v", rec)
	}
	want, _ := json.Marshal(meta)
	if !bytes.Equal(rec.Metadata, want) {
		t.Errorf("Metadata = %s, want %s", rec.Metadata, want)
	}

	for name, data := range map[string][]byte{"small": small, "large": large} {
		got, err := s.LoadBlob(ctx, rec, name)
		if err != nil {
			t.Fatalf("LoadBlob(%s): %v", name, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("blob %s differs after round trip", name)
		}
	}

	ref, _ := rec.Blob("large")
	if !ref.Compressed || !strings.HasSuffix(ref.Path, ".msgpack.zst") {
		t.Errorf("large blob ref = %+v, want compressed", ref)
	}
	ref, _ = rec.Blob("small")
	if ref.Compressed {
		t.Errorf("small blob should not be compressed")
	}
}

func TestEncodeDecodeBlob(t *testing.T) {
	type payload struct {
		Items []string
		N     int
	}
	data, err := EncodeBlob(payload{Items: []string{"a", "b"}, N: 3})
	if err != nil {
		t.Fatalf("EncodeBlob: %v", err)
	}
	var got payload
	if err := DecodeBlob(data, &got); err != nil {
		t.Fatalf("DecodeBlob: %v", err)
	}
	if got.N != 3 || len(got.Items) != 2 {
		t.Errorf("got %+v", got)
	}
}

func TestLoadStageAbsentOrInvalid(t *testing.T) {
	ctx := context.Background()
	s, files, _ := newTestStore(t, Options{})

	if rec := s.LoadStage(ctx, "s1", stage.Merge); rec != nil {
		t.Errorf("absent stage = %+v, want nil", rec)
	}

	s.SaveStage(ctx, "s1", stage.Merge, "fp", nil, nil)
	recordPath := "sessions/s1/merge/record.json"

	tests := []struct {
		name string
		data string
	}{
		{"truncated", `{"version": 1, "session_id": "s1"`},
		{"not json", `garbage`},
		{"missing fields", `{"version": 1}`},
		{"wrong version", `{"version": 99, "session_id": "s1", "stage": "merge", "fingerprint": "", "created_at": "2026-01-01T00:00:00Z"}`},
		{"unknown stage", `{"version": 1, "session_id": "s1", "stage": "bogus", "fingerprint": "", "created_at": "2026-01-01T00:00:00Z"}`},
		{"other session", `{"version": 1, "session_id": "s2", "stage": "merge", "fingerprint": "", "created_at": "2026-01-01T00:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files.Corrupt(recordPath, []byte(tt.data))
			if rec := s.LoadStage(ctx, "s1", stage.Merge); rec != nil {
				t.Errorf("LoadStage = %+v, want nil", rec)
			}
		})
	}
}

func TestLoadBlobCorrupt(t *testing.T) {
	ctx := context.Background()
	s, files, _ := newTestStore(t, Options{CompressThreshold: 8})
	s.SaveStage(ctx, "s1", stage.Transcribe, "fp", nil, map[string][]byte{
		"plain":  []byte("abc"),
		"packed": bytes.Repeat([]byte("x"), 64),
	})
	rec := s.LoadStage(ctx, "s1", stage.Transcribe)

	plain, _ := rec.Blob("plain")
	files.Corrupt(plain.Path, []byte("abd"))
	if _, err := s.LoadBlob(ctx, rec, "plain"); !apperrors.IsCode(err, apperrors.CheckpointCorrupt) {
		t.Errorf("tampered blob: err = %v, want CHECKPOINT_CORRUPT", err)
	}

	packed, _ := rec.Blob("packed")
	files.Corrupt(packed.Path, []byte("not zstd"))
	if _, err := s.LoadBlob(ctx, rec, "packed"); !apperrors.IsCode(err, apperrors.CheckpointCorrupt) {
		t.Errorf("bad zstd: err = %v, want CHECKPOINT_CORRUPT", err)
	}

	files.Delete(ctx, plain.Path)
	if _, err := s.LoadBlob(ctx, rec, "plain"); !apperrors.IsCode(err, apperrors.CheckpointCorrupt) {
		t.Errorf("missing blob: err = %v, want CHECKPOINT_CORRUPT", err)
	}
	if _, err := s.LoadBlob(ctx, rec, "nope"); !apperrors.IsCode(err, apperrors.CheckpointCorrupt) {
		t.Errorf("unknown blob: err = %v, want CHECKPOINT_CORRUPT", err)
	}
}

func TestSaveStageReplacesBlobs(t *testing.T) {
	ctx := context.Background()
	s, files, _ := newTestStore(t, Options{})
	s.SaveStage(ctx, "s1", stage.Merge, "a", nil, map[string][]byte{"old": []byte("1"), "keep": []byte("2")})
	s.SaveStage(ctx, "s1", stage.Merge, "b", nil, map[string][]byte{"keep": []byte("3")})

	objs, _ := files.List(ctx, "sessions/s1/merge/blobs/")
	if len(objs) != 1 {
		t.Errorf("blobs after replace = %v, want only keep", objs)
	}
	rec := s.LoadStage(ctx, "s1", stage.Merge)
	got, _ := s.LoadBlob(ctx, rec, "keep")
	if string(got) != "3" || rec.Fingerprint != "b" {
		t.Errorf("replaced record = %+v, blob %q", rec, got)
	}
}

func TestSaveStageLimits(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{MaxBlobBytes: 4})
	err := s.SaveStage(ctx, "s1", stage.Merge, "", nil, map[string][]byte{"big": []byte("12345")})
	if !apperrors.IsCode(err, apperrors.InvalidArgument) {
		t.Errorf("oversized blob: err = %v, want INVALID_ARGUMENT", err)
	}
	if err := s.SaveStage(ctx, "../etc", stage.Merge, "", nil, nil); !apperrors.IsCode(err, apperrors.InvalidArgument) {
		t.Errorf("bad session id: err = %v, want INVALID_ARGUMENT", err)
	}
	if err := s.SaveStage(ctx, "s1", stage.Merge, "", nil, map[string][]byte{"a/b": nil}); !apperrors.IsCode(err, apperrors.InvalidArgument) {
		t.Errorf("bad blob name: err = %v, want INVALID_ARGUMENT", err)
	}
}

func TestMarkCompleteOrder(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	err := s.MarkComplete(ctx, "s1", stage.Transcribe)
	if !apperrors.IsCode(err, apperrors.InvariantViolation) {
		t.Fatalf("out of order: err = %v, want INVARIANT_VIOLATION", err)
	}

	for _, st := range []stage.ID{stage.Convert, stage.Chunk, stage.Transcribe, stage.Merge} {
		if err := s.MarkComplete(ctx, "s1", st); err != nil {
			t.Fatalf("MarkComplete(%s): %v", st, err)
		}
	}
	// Optional diarization and classification may be missing.
	if err := s.MarkComplete(ctx, "s1", stage.FormatOutput); err != nil {
		t.Errorf("MarkComplete after optional gap: %v", err)
	}

	run, _ := s.GetRun(ctx, "s1")
	if next, _ := run.NextStage(); next != stage.Diarize {
		t.Errorf("NextStage = %s, want diarization", next)
	}
	if run.Next == nil || *run.Next != stage.Diarize {
		t.Errorf("Next = %v, want diarization", run.Next)
	}
	runs, _ := s.ListRuns(ctx)
	if len(runs) != 1 || runs[0].Next == nil || *runs[0].Next != stage.Diarize {
		t.Errorf("listed Next = %+v, want diarization", runs)
	}
}

func completeRun(ctx context.Context, s *Store, id string) error {
	_, err := s.UpdateRun(ctx, id, func(r *Run) error {
		r.Status = StatusCompleted
		return nil
	})
	return err
}

func TestMarkCompleteSkippable(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{Skippable: []stage.ID{stage.Convert}})
	if err := s.MarkComplete(ctx, "s1", stage.Chunk); err != nil {
		t.Errorf("MarkComplete with skippable convert: %v", err)
	}
}

func TestIsComplete(t *testing.T) {
	ctx := context.Background()
	s, files, _ := newTestStore(t, Options{})

	if s.IsComplete(ctx, "s1", stage.Convert) {
		t.Error("IsComplete on fresh session = true")
	}
	s.SaveStage(ctx, "s1", stage.Convert, "fp", nil, nil)
	if s.IsComplete(ctx, "s1", stage.Convert) {
		t.Error("saved but unmarked stage should not be complete")
	}
	s.MarkComplete(ctx, "s1", stage.Convert)
	if !s.IsComplete(ctx, "s1", stage.Convert) {
		t.Error("IsComplete = false after mark")
	}

	files.Corrupt("sessions/s1/audio_conversion/record.json", []byte("{"))
	if s.IsComplete(ctx, "s1", stage.Convert) {
		t.Error("corrupt record should read as incomplete")
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})
	for _, st := range stage.All()[:5] {
		s.MarkComplete(ctx, "s1", st)
	}
	s.UpdateRun(ctx, "s1", func(r *Run) error { r.SetDegraded(stage.Diarize, true); return nil })

	if err := s.Invalidate(ctx, "s1", stage.Merge); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	run, _ := s.GetRun(ctx, "s1")
	if len(run.Completed) != 3 || run.IsComplete(stage.Merge) || run.IsDegraded(stage.Diarize) {
		t.Errorf("after Invalidate = %+v", run)
	}
}

func TestPartials(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	if _, ok := s.LoadPartial(ctx, "s1", stage.Transcribe, "chunk-0"); ok {
		t.Error("LoadPartial on empty store = ok")
	}
	for i := range 3 {
		key := fmt.Sprintf("chunk-%d", i)
		if err := s.SavePartial(ctx, "s1", stage.Transcribe, key, []byte(key)); err != nil {
			t.Fatalf("SavePartial: %v", err)
		}
	}
	got, ok := s.LoadPartial(ctx, "s1", stage.Transcribe, "chunk-1")
	if !ok || string(got) != "chunk-1" {
		t.Errorf("LoadPartial = %q, %v", got, ok)
	}
	if err := s.ClearPartials(ctx, "s1", stage.Transcribe); err != nil {
		t.Fatalf("ClearPartials: %v", err)
	}
	if _, ok := s.LoadPartial(ctx, "s1", stage.Transcribe, "chunk-1"); ok {
		t.Error("partial survived ClearPartials")
	}
}

func TestRunsListAndDelete(t *testing.T) {
	ctx := context.Background()
	s, files, _ := newTestStore(t, Options{})

	for _, id := range []string{"b", "a"} {
		if err := completeRun(ctx, s, id); err != nil {
			t.Fatalf("UpdateRun: %v", err)
		}
		s.SaveStage(ctx, id, stage.Convert, "fp", nil, map[string][]byte{"pcm": []byte("x")})
	}
	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].SessionID != "a" {
		t.Fatalf("ListRuns = %+v", runs)
	}

	if err := s.DeleteSession(ctx, "a"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetRun(ctx, "a"); !apperrors.IsCode(err, apperrors.NotFound) {
		t.Errorf("GetRun deleted: err = %v, want NOT_FOUND", err)
	}
	if objs, _ := files.List(ctx, "sessions/a/"); len(objs) != 0 {
		t.Errorf("files left after delete: %v", objs)
	}
	if objs, _ := files.List(ctx, "sessions/b/"); len(objs) == 0 {
		t.Error("other session files were deleted")
	}
}

func TestExpireOlderThan(t *testing.T) {
	ctx := context.Background()
	s, files, clock := newTestStore(t, Options{})

	completeRun(ctx, s, "old")
	s.SaveStage(ctx, "old", stage.Convert, "", nil, nil)
	s.SaveStage(ctx, "orphan", stage.Convert, "", nil, nil)

	clock.Advance(8 * 24 * time.Hour)
	completeRun(ctx, s, "fresh")
	s.SaveStage(ctx, "fresh", stage.Convert, "", nil, nil)

	n, err := s.ExpireOlderThan(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("ExpireOlderThan: %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	runs, _ := s.ListRuns(ctx)
	if len(runs) != 1 || runs[0].SessionID != "fresh" {
		t.Errorf("runs after expiry = %+v", runs)
	}
	if objs, _ := files.List(ctx, "sessions/orphan/"); len(objs) != 0 {
		t.Error("orphaned checkpoint survived expiry")
	}
}

func TestConcurrentSessionsIsolated(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for _, st := range stage.All() {
				s.SaveStage(ctx, id, st, "fp", map[string]int{"i": int(st)}, nil)
				if err := s.MarkComplete(ctx, id, st); err != nil {
					t.Errorf("MarkComplete(%s, %s): %v", id, st, err)
				}
			}
		}(fmt.Sprintf("s%d", i))
	}
	wg.Wait()

	runs, _ := s.ListRuns(ctx)
	for _, r := range runs {
		if len(r.Completed) != len(stage.All()) {
			t.Errorf("%s completed %d stages, want %d", r.SessionID, len(r.Completed), len(stage.All()))
		}
	}
}
