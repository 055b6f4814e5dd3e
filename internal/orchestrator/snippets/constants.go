// Package snippets exports per-segment audio clips and their manifest.
package snippets

// Exporter defaults
const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64

	ManifestName = "manifest.json"

	// Clips shorter than this are not exported.
	MinClipSec = 0.2
)
