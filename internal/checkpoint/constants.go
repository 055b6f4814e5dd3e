// Package checkpoint persists per-stage pipeline output so a session can resume
// without recomputing finished stages.
//
// Layout under the file store:
//
//	sessions/<id>/<stage>/record.json              small, human-readable metadata
//	sessions/<id>/<stage>/blobs/<name>.msgpack     large payloads, .zst when compressed
//	sessions/<id>/<stage>/partial/<key>.msgpack    mid-stage progress
//
// Run records live in the kv store under {"run", <id>}.
package checkpoint

// Checkpoint constants
const (
	// Record format version; records with another version are treated as absent
	Version = 1

	// Payloads above this many bytes are zstd compressed
	DefaultCompressThreshold = 64 << 10

	// Upper bound on a single blob
	DefaultMaxBlobBytes = 50 << 20

	// Upper bound on record.json
	MaxRecordBytes = 1 << 20

	sessionsDir = "sessions"
	recordFile  = "record.json"
	blobsDir    = "blobs"
	partialDir  = "partial"
	blobExt     = ".msgpack"
	zstdExt     = ".zst"

	runKeyPrefix = "run"
)
