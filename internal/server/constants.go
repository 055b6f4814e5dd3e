// Package server exposes the pipeline over HTTP and streams run events over WebSocket.
package server

import "time"

// Server configuration constants
const (
	// Per-connection limit on incoming websocket messages
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Global IP-based rate limiting (prevents multi-connection bypass attacks)
	IPRateLimitMessages        = 30               // Max messages per IP per window
	IPRateLimitWindow          = time.Second      // Sliding window duration
	IPRateLimitCleanupInterval = 5 * time.Minute  // How often to purge stale IP entries
	IPRateLimitEntryTTL        = 10 * time.Minute // TTL for inactive IP entries

	// Upper bound on a process request body
	MaxRequestBytes = 1 << 20

	// Time allowed for one event write to a websocket client
	WriteTimeout = 5 * time.Second
)
