// Package grpcinfer is the inference backend for the Python model server.
package grpcinfer

import "time"

// Client configuration defaults
const (
	// Keepalive configuration
	DefaultKeepaliveTime    = 10 * time.Second
	DefaultKeepaliveTimeout = 3 * time.Second

	// Health check configuration
	HealthCheckTimeout = 2 * time.Second

	// Large chunks exceed the 4MB gRPC default.
	MaxMessageBytes = 64 << 20
)

// Fully qualified method names served by the model server.
const (
	transcribeMethod = "/scribe.inference.v1.TranscriptionService/Transcribe"
	diarizeMethod    = "/scribe.inference.v1.DiarizationService/Diarize"
	classifyMethod   = "/scribe.inference.v1.ClassificationService/Classify"
	extractMethod    = "/scribe.inference.v1.KnowledgeService/Extract"
)
