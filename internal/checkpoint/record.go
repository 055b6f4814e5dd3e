package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/GriffinCanCode/scribe/internal/stage"
)

// BlobRef points at one stored payload of a stage.
type BlobRef struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`     // stored bytes
	RawSize    int64  `json:"raw_size"` // bytes before compression
	Compressed bool   `json:"compressed"`
	SHA256     string `json:"sha256"` // of the raw payload
}

// Record is the metadata written once per (session, stage).
type Record struct {
	Version     int             `json:"version"`
	SessionID   string          `json:"session_id"`
	Stage       stage.ID        `json:"stage"`
	Fingerprint string          `json:"fingerprint"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Blobs       []BlobRef       `json:"blobs,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Blob returns the named blob reference.
func (r *Record) Blob(name string) (BlobRef, bool) {
	for _, b := range r.Blobs {
		if b.Name == name {
			return b, true
		}
	}
	return BlobRef{}, false
}

// DecodeMetadata unmarshals the stage metadata into v.
func (r *Record) DecodeMetadata(v any) error {
	if len(r.Metadata) == 0 {
		return nil
	}
	return json.Unmarshal(r.Metadata, v)
}

// EncodeBlob serializes a payload for SaveStage.
func EncodeBlob(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodeBlob deserializes a payload returned by LoadBlob.
func DecodeBlob(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func ptr[T any](v T) *T { return &v }

var recordSchema = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	blob, err := jsonschema.For[BlobRef](nil)
	if err != nil {
		return nil, fmt.Errorf("blob schema: %w", err)
	}
	stages := make([]any, 0, len(stage.All()))
	for _, id := range stage.All() {
		stages = append(stages, id.String())
	}
	s := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"version", "session_id", "stage", "fingerprint", "created_at"},
		Properties: map[string]*jsonschema.Schema{
			"version":     {Type: "integer", Minimum: ptr(1.0)},
			"session_id":  {Type: "string", MinLength: ptr(1)},
			"stage":       {Type: "string", Enum: stages},
			"fingerprint": {Type: "string"},
			"metadata":    {},
			"blobs":       {Type: "array", Items: blob},
			"created_at":  {Type: "string"},
		},
	}
	return s.Resolve(nil)
})

// parseRecord decodes and validates record.json.
func parseRecord(data []byte) (*Record, error) {
	if len(data) > MaxRecordBytes {
		return nil, fmt.Errorf("record is %d bytes, limit %d", len(data), MaxRecordBytes)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("record is not json: %w", err)
	}
	schema, err := recordSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("record schema: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Version != Version {
		return nil, fmt.Errorf("record version %d, want %d", rec.Version, Version)
	}
	// record.json is indented for operators; callers get metadata in compact form.
	if len(rec.Metadata) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, rec.Metadata); err != nil {
			return nil, err
		}
		rec.Metadata = buf.Bytes()
	}
	return &rec, nil
}
