package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process FileStore for tests.
type Memory struct {
	mu    sync.RWMutex
	files map[string]memFile
	now   func() time.Time
}

type memFile struct {
	data    []byte
	modTime time.Time
}

func NewMemory() *Memory {
	return &Memory{files: make(map[string]memFile), now: time.Now}
}

// SetClock overrides the modification time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Corrupt overwrites a stored file in place, bypassing atomic writes.
func (m *Memory) Corrupt(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[path]
	f.data = bytes.Clone(data)
	m.files[path] = f
}

func (m *Memory) Read(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	f, ok := m.files[path]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: read %s: %w", path, os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

func (m *Memory) Write(_ context.Context, path string) (io.WriteCloser, error) {
	return &memWriter{m: m, path: path}, nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	delete(m.files, path)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	_, ok := m.files[path]
	m.mu.RUnlock()
	return ok, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Object, error) {
	m.mu.RLock()
	var out []Object
	for p, f := range m.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, Object{Path: p, Size: int64(len(f.data)), ModTime: f.modTime})
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			delete(m.files, p)
		}
	}
	return nil
}

type memWriter struct {
	m       *Memory
	path    string
	buf     bytes.Buffer
	aborted bool
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	if w.aborted {
		return nil
	}
	w.m.mu.Lock()
	w.m.files[w.path] = memFile{data: bytes.Clone(w.buf.Bytes()), modTime: w.m.now()}
	w.m.mu.Unlock()
	return nil
}

func (w *memWriter) Abort() error {
	w.aborted = true
	return nil
}

var _ FileStore = (*Memory)(nil)
