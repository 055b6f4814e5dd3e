// Package kv is a small key-value layer used for the run registry.
// Keys are segment paths such as Key{"run", sessionID}.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: not found")

// Separator joins key segments in storage.
const Separator = "\x1f"

// Key is a hierarchical path. Segments must not contain Separator.
type Key []string

func (k Key) String() string { return strings.Join(k, "/") }

func (k Key) encode() []byte { return []byte(strings.Join(k, Separator)) }

// prefix returns the encoded key followed by Separator so {"a","b"} never matches "a/bc".
func (k Key) prefix() []byte {
	if len(k) == 0 {
		return nil
	}
	return append(k.encode(), Separator...)
}

func decodeKey(b []byte) Key { return strings.Split(string(b), Separator) }

// Entry is a key-value pair returned by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a path-keyed key-value store.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key Key) error
	// List yields entries under prefix in lexicographic key order.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]
	BatchDelete(ctx context.Context, keys []Key) error
	Close() error
}
