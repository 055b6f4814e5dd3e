package grpcinfer

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GriffinCanCode/scribe/internal/inference"
	"github.com/GriffinCanCode/scribe/internal/orchestrator/transcript"
	"github.com/GriffinCanCode/scribe/internal/trace"
)

// Client implements every inference interface over one gRPC connection.
// Payloads travel as google.protobuf.Struct so the model server can evolve
// fields without a shared generated package.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

var (
	_ inference.Transcriber        = (*Client)(nil)
	_ inference.Diarizer           = (*Client)(nil)
	_ inference.Classifier         = (*Client)(nil)
	_ inference.KnowledgeExtractor = (*Client)(nil)
)

// New creates a new inference client
func New(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(trace.UnaryClientInterceptor()),
		grpc.WithStreamInterceptor(trace.StreamClientInterceptor()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                DefaultKeepaliveTime,
			Timeout:             DefaultKeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageBytes),
			grpc.MaxCallSendMsgSize(MaxMessageBytes),
		),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Healthy asks the server's standard health service whether it is serving.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// invoke marshals req into a Struct, calls method and decodes the reply into resp.
func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return err
	}
	if err := fromStruct(out, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

type transcribeRequest struct {
	SessionID   string `json:"session_id"`
	ChunkIndex  int    `json:"chunk_index"`
	AudioData   []byte `json:"audio_data"`
	SampleRate  int    `json:"sample_rate"`
	Language    string `json:"language,omitempty"`
	LowResource bool   `json:"low_resource"`
}

type transcribeResponse struct {
	Tokens []transcript.Token `json:"tokens"`
}

// Transcribe sends one chunk for transcription
func (c *Client) Transcribe(ctx context.Context, req inference.TranscribeRequest) ([]transcript.Token, error) {
	var resp transcribeResponse
	err := c.invoke(ctx, transcribeMethod, transcribeRequest{
		SessionID:   req.SessionID,
		ChunkIndex:  req.ChunkIndex,
		AudioData:   req.WAV,
		SampleRate:  req.SampleRate,
		Language:    req.Language,
		LowResource: req.LowResource,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}

type diarizeRequest struct {
	SessionID        string `json:"session_id"`
	AudioData        []byte `json:"audio_data"`
	SampleRate       int    `json:"sample_rate"`
	ExpectedSpeakers int    `json:"expected_speakers,omitempty"`
	LowResource      bool   `json:"low_resource"`
}

type diarizeResponse struct {
	Turns    []transcript.SpeakerTurn `json:"turns"`
	Warnings []string                 `json:"warnings"`
}

// Diarize sends the whole recording for speaker attribution
func (c *Client) Diarize(ctx context.Context, req inference.DiarizeRequest) (inference.DiarizeResult, error) {
	var resp diarizeResponse
	err := c.invoke(ctx, diarizeMethod, diarizeRequest{
		SessionID:        req.SessionID,
		AudioData:        req.WAV,
		SampleRate:       req.SampleRate,
		ExpectedSpeakers: req.ExpectedSpeakers,
		LowResource:      req.LowResource,
	}, &resp)
	if err != nil {
		return inference.DiarizeResult{}, err
	}
	return inference.DiarizeResult{Turns: resp.Turns, Warnings: resp.Warnings}, nil
}

type classifyRequest struct {
	Segment     transcript.Segment   `json:"segment"`
	Before      []transcript.Segment `json:"before"`
	After       []transcript.Segment `json:"after"`
	KnownNames  []string             `json:"known_names,omitempty"`
	LowResource bool                 `json:"low_resource"`
}

// Classify labels one segment
func (c *Client) Classify(ctx context.Context, req inference.ClassifyRequest) (inference.Label, error) {
	var l inference.Label
	err := c.invoke(ctx, classifyMethod, classifyRequest{
		Segment:     req.Segment,
		Before:      req.Before,
		After:       req.After,
		KnownNames:  req.KnownNames,
		LowResource: req.LowResource,
	}, &l)
	if err != nil {
		return inference.Label{}, err
	}
	return inference.NormalizeLabel(l)
}

type extractRequest struct {
	Segments    []transcript.Segment `json:"segments"`
	KnownNames  []string             `json:"known_names,omitempty"`
	LowResource bool                 `json:"low_resource"`
}

// Extract pulls characters and facts out of the classified transcript
func (c *Client) Extract(ctx context.Context, req inference.KnowledgeRequest) (inference.Knowledge, error) {
	var k inference.Knowledge
	err := c.invoke(ctx, extractMethod, extractRequest{
		Segments:    req.Segments,
		KnownNames:  req.KnownNames,
		LowResource: req.LowResource,
	}, &k)
	if err != nil {
		return inference.Knowledge{}, err
	}
	return k, nil
}
