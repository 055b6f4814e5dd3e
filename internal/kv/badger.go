package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger is a Store backed by BadgerDB.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens a store in dir, or an in-memory engine when inMemory is set.
func OpenBadger(dir string, inMemory bool) (*Badger, error) {
	if !inMemory && dir == "" {
		return nil, errors.New("kv: badger dir is required for on-disk mode")
	}
	opts := badger.DefaultOptions(dir).WithLogger(slogLogger{})
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(slogLogger{})
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kv: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key Key) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.encode())
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *Badger) Set(_ context.Context, key Key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key.encode(), value)
	})
}

func (b *Badger) Delete(_ context.Context, key Key) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key.encode())
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger) List(_ context.Context, prefix Key) iter.Seq2[Entry, error] {
	p := prefix.prefix()
	return func(yield func(Entry, error) bool) {
		err := b.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = p
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				item := it.Item()
				val, err := item.ValueCopy(nil)
				if err != nil {
					if !yield(Entry{}, err) {
						return nil
					}
					continue
				}
				if !yield(Entry{Key: decodeKey(item.KeyCopy(nil)), Value: val}, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(Entry{}, err)
		}
	}
}

func (b *Badger) BatchDelete(_ context.Context, keys []Key) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k.encode()); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *Badger) Close() error { return b.db.Close() }

// slogLogger routes badger warnings and errors to slog and drops its chatter.
type slogLogger struct{}

func (slogLogger) Errorf(f string, v ...any)   { slog.Error(fmt.Sprintf("badger: "+f, v...)) }
func (slogLogger) Warningf(f string, v ...any) { slog.Warn(fmt.Sprintf("badger: "+f, v...)) }
func (slogLogger) Infof(string, ...any)        {}
func (slogLogger) Debugf(string, ...any)       {}
