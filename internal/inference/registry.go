package inference

import (
	"fmt"
	"slices"
	"sync"
)

// Registry resolves backends by name, e.g. "grpc", "openai", "gemini".
// Built once at startup and injected into the orchestrator.
type Registry struct {
	mu           sync.RWMutex
	transcribers map[string]Transcriber
	diarizers    map[string]Diarizer
	classifiers  map[string]Classifier
	extractors   map[string]KnowledgeExtractor
}

func NewRegistry() *Registry {
	return &Registry{
		transcribers: make(map[string]Transcriber),
		diarizers:    make(map[string]Diarizer),
		classifiers:  make(map[string]Classifier),
		extractors:   make(map[string]KnowledgeExtractor),
	}
}

func (r *Registry) RegisterTranscriber(name string, t Transcriber) {
	r.mu.Lock()
	r.transcribers[name] = t
	r.mu.Unlock()
}

func (r *Registry) RegisterDiarizer(name string, d Diarizer) {
	r.mu.Lock()
	r.diarizers[name] = d
	r.mu.Unlock()
}

func (r *Registry) RegisterClassifier(name string, c Classifier) {
	r.mu.Lock()
	r.classifiers[name] = c
	r.mu.Unlock()
}

func (r *Registry) RegisterExtractor(name string, e KnowledgeExtractor) {
	r.mu.Lock()
	r.extractors[name] = e
	r.mu.Unlock()
}

func lookup[T any](mu *sync.RWMutex, m map[string]T, kind, name string) (T, error) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := m[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("no %s backend %q registered", kind, name)
	}
	return v, nil
}

func (r *Registry) Transcriber(name string) (Transcriber, error) {
	return lookup(&r.mu, r.transcribers, "transcription", name)
}

func (r *Registry) Diarizer(name string) (Diarizer, error) {
	return lookup(&r.mu, r.diarizers, "diarization", name)
}

func (r *Registry) Classifier(name string) (Classifier, error) {
	return lookup(&r.mu, r.classifiers, "classification", name)
}

func (r *Registry) Extractor(name string) (KnowledgeExtractor, error) {
	return lookup(&r.mu, r.extractors, "knowledge", name)
}

// Names lists registered backends per service, for config validation and logs.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{
		"transcription":  keys(r.transcribers),
		"diarization":    keys(r.diarizers),
		"classification": keys(r.classifiers),
		"knowledge":      keys(r.extractors),
	}
	return out
}

func keys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
