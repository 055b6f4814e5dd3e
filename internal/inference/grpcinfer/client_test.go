package grpcinfer

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GriffinCanCode/scribe/internal/inference"
	"github.com/GriffinCanCode/scribe/internal/resilience"
)

// fakeServer answers every method through the unknown-service handler.
type fakeServer struct {
	replies map[string]map[string]any
	errs    map[string]error
	got     map[string]map[string]any
}

func (f *fakeServer) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	f.got[method] = in.AsMap()
	if err := f.errs[method]; err != nil {
		return err
	}
	out, err := structpb.NewStruct(f.replies[method])
	if err != nil {
		return err
	}
	return stream.SendMsg(out)
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(f.handle))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c, err := New("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newFake() *fakeServer {
	return &fakeServer{
		replies: make(map[string]map[string]any),
		errs:    make(map[string]error),
		got:     make(map[string]map[string]any),
	}
}

func TestTranscribe(t *testing.T) {
	f := newFake()
	f.replies[transcribeMethod] = map[string]any{
		"tokens": []any{
			map[string]any{"text": "hello", "start_sec": 0.5, "end_sec": 0.9, "confidence": 0.8},
			map[string]any{"text": "there", "start_sec": 1.0, "end_sec": 1.3},
		},
	}
	c := newTestClient(t, f)

	tokens, err := c.Transcribe(context.Background(), inference.TranscribeRequest{
		SessionID: "s1", ChunkIndex: 3, WAV: []byte("RIFF"), SampleRate: 16000, LowResource: true,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(tokens) != 2 || tokens[0].Text != "hello" || tokens[1].End != 1.3 {
		t.Errorf("tokens = %+v", tokens)
	}
	if tokens[0].Confidence == nil || *tokens[0].Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", tokens[0].Confidence)
	}
	if tokens[1].Confidence != nil {
		t.Errorf("missing confidence decoded as %v", *tokens[1].Confidence)
	}

	req := f.got[transcribeMethod]
	if req["chunk_index"] != 3.0 || req["low_resource"] != true || req["session_id"] != "s1" {
		t.Errorf("request = %v", req)
	}
	// []byte travels base64 encoded.
	if req["audio_data"] != "UklGRg==" {
		t.Errorf("audio_data = %v", req["audio_data"])
	}
}

func TestDiarize(t *testing.T) {
	f := newFake()
	f.replies[diarizeMethod] = map[string]any{
		"turns": []any{
			map[string]any{"speaker": "A", "start_sec": 0, "end_sec": 4},
			map[string]any{"speaker": "B", "start_sec": 4, "end_sec": 9},
		},
		"warnings": []any{"speaker C embedding failed"},
	}
	c := newTestClient(t, f)

	res, err := c.Diarize(context.Background(), inference.DiarizeRequest{SessionID: "s1", ExpectedSpeakers: 2})
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	if len(res.Turns) != 2 || res.Turns[1].Speaker != "B" || res.Turns[1].End != 9 {
		t.Errorf("turns = %+v", res.Turns)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestClassifyNormalizesLabel(t *testing.T) {
	f := newFake()
	f.replies[classifyMethod] = map[string]any{"label": "OOC", "confidence": 1.7}
	c := newTestClient(t, f)

	l, err := c.Classify(context.Background(), inference.ClassifyRequest{})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if l.Name != inference.LabelOutOfCharacter || l.Confidence != 1 {
		t.Errorf("label = %+v", l)
	}

	f.replies[classifyMethod] = map[string]any{"label": "maybe"}
	if _, err := c.Classify(context.Background(), inference.ClassifyRequest{}); err == nil {
		t.Error("Classify accepted an unknown label")
	}
}

func TestExtract(t *testing.T) {
	f := newFake()
	f.replies[extractMethod] = map[string]any{
		"characters": []any{map[string]any{"name": "Aria", "aliases": []any{"the bard"}}},
		"facts":      []any{map[string]any{"text": "Aria owes the guild", "segment": 12}},
	}
	c := newTestClient(t, f)

	k, err := c.Extract(context.Background(), inference.KnowledgeRequest{KnownNames: []string{"Aria"}})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(k.Characters) != 1 || k.Characters[0].Aliases[0] != "the bard" {
		t.Errorf("characters = %+v", k.Characters)
	}
	if len(k.Facts) != 1 || k.Facts[0].Segment != 12 {
		t.Errorf("facts = %+v", k.Facts)
	}
}

func TestStatusErrorsClassify(t *testing.T) {
	tests := []struct {
		code codes.Code
		want resilience.Class
	}{
		{codes.Unavailable, resilience.Transient},
		{codes.ResourceExhausted, resilience.ResourceExhausted},
		{codes.InvalidArgument, resilience.Permanent},
	}
	for _, tt := range tests {
		f := newFake()
		f.errs[transcribeMethod] = status.Error(tt.code, "boom")
		c := newTestClient(t, f)

		_, err := c.Transcribe(context.Background(), inference.TranscribeRequest{})
		if err == nil {
			t.Fatalf("%v: expected error", tt.code)
		}
		if got := resilience.Classify(err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestHealthy(t *testing.T) {
	c := newTestClient(t, newFake())
	if !c.Healthy(context.Background()) {
		t.Error("Healthy() = false, want true")
	}
}
