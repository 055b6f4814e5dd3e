// Package storage abstracts the file backend holding checkpoints and blobs,
// so local disk, S3-compatible object stores and memory are interchangeable.
package storage

import (
	"context"
	"io"
	"time"
)

// Object describes one stored file.
type Object struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// FileStore is a minimal interface for file-oriented storage.
//
// Paths are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file. Missing files return an error wrapping os.ErrNotExist.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing. Readers observe either the previous
	// content or the complete new content once Close returns nil, never a partial file.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file; missing files are not an error.
	Delete(ctx context.Context, path string) error

	Exists(ctx context.Context, path string) (bool, error)

	// List returns the files under prefix, recursively, in path order.
	List(ctx context.Context, prefix string) ([]Object, error)

	// DeletePrefix removes every file under prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// ReadFile reads a whole file from fs.
func ReadFile(ctx context.Context, fs FileStore, path string) ([]byte, error) {
	r, err := fs.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// WriteFile atomically replaces path with data.
func WriteFile(ctx context.Context, fs FileStore, path string, data []byte) error {
	w, err := fs.Write(ctx, path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		if a, ok := w.(interface{ Abort() error }); ok {
			a.Abort()
		} else {
			w.Close()
		}
		return err
	}
	return w.Close()
}
