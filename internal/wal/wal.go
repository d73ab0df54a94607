// Package wal implements the write-ahead log described in spec §4.2:
// an append-only, fsync-durable store of records keyed by id, with a
// secondary index by content fingerprint and a pending-set of
// non-terminal ids. It is backed by BadgerDB, reusing the teacher's
// (pkg/storage/badger.go) key-prefix-per-concern scheme rather than
// its own flat-file format, per SPEC_FULL.md §4.2.
//
// A WAL is generic over its record type so the same implementation
// backs both the per-graph transaction log (internal/txn) and the
// global saga log (internal/saga) without duplicating the badger
// plumbing, matching the teacher's own reuse of BadgerEngine across
// concerns.
package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by any operation on a closed WAL.
	ErrClosed = errors.New("wal: closed")
	// ErrNotFound is returned when a record id is unknown.
	ErrNotFound = errors.New("wal: record not found")
	// ErrCorruption marks a record that failed to decode during
	// recovery; it is logged and skipped, never fatal (§4.2 failure
	// modes, §7 Corruption).
	ErrCorruption = errors.New("wal: corrupt record")
)

const (
	prefixRecord      = "txn:"
	prefixFingerprint = "fingerprint:"
	prefixPending     = "pending:"
)

// Record is the minimal shape a WAL-backed record must have: an id
// stable for its lifetime, a fingerprint for dedup, and a state that
// the WAL can tell is terminal or not.
type Record interface {
	RecordID() string
	RecordFingerprint() string
	Terminal() bool
}

// WAL is a badger-backed append-only record store for records of type T.
type WAL[T Record] struct {
	mu     sync.Mutex // single writer at a time, per §4.2
	db     *badger.DB
	log    *logrus.Entry
	closed bool
}

// Config configures a WAL instance.
type Config struct {
	Dir string
	// SyncWrites forces fsync on every commit. Always true in
	// practice for this module: §4.2 requires durability before
	// append() returns.
	SyncWrites bool
	Logger     *logrus.Entry
}

// Open opens (or creates) a WAL rooted at cfg.Dir.
func Open[T Record](cfg Config) (*WAL[T], error) {
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.SyncWrites {
		opts = opts.WithSyncWrites(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", cfg.Dir, err)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &WAL[T]{db: db, log: log}, nil
}

// Append writes a new record, its fingerprint index entry, and (if
// non-terminal) a pending marker, all in one atomic, durable badger
// transaction.
func (w *WAL[T]) Append(rec T) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wal: encode record %s: %w", rec.RecordID(), err)
	}

	err = w.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixRecord+rec.RecordID()), data); err != nil {
			return err
		}
		if fp := rec.RecordFingerprint(); fp != "" {
			if err := txn.Set([]byte(prefixFingerprint+fp), []byte(rec.RecordID())); err != nil {
				return err
			}
		}
		if !rec.Terminal() {
			if err := txn.Set([]byte(prefixPending+rec.RecordID()), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("wal: append %s: %w", rec.RecordID(), err)
	}
	return w.db.Sync()
}

// UpdateState rewrites a record in place (typically after a state
// transition) and adjusts the pending-set membership according to
// rec.Terminal(). Like Append, this fsyncs before returning.
func (w *WAL[T]) UpdateState(rec T) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wal: encode record %s: %w", rec.RecordID(), err)
	}

	err = w.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixRecord+rec.RecordID()), data); err != nil {
			return err
		}
		pendingKey := []byte(prefixPending + rec.RecordID())
		if rec.Terminal() {
			if err := txn.Delete(pendingKey); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		} else {
			if err := txn.Set(pendingKey, []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("wal: update %s: %w", rec.RecordID(), err)
	}
	return w.db.Sync()
}

// Get retrieves a record by id, decoding into a fresh T via decode.
func (w *WAL[T]) Get(id string, decode func([]byte) (T, error)) (T, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	var zero T
	if closed {
		return zero, ErrClosed
	}

	var out T
	err := w.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixRecord + id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, derr := decode(val)
			if derr != nil {
				return derr
			}
			out = rec
			return nil
		})
	})
	if err != nil {
		return zero, err
	}
	return out, nil
}

// FindByFingerprint returns the id of the record with the given
// fingerprint, or ErrNotFound. Combined with Get, this is how the
// transaction coordinator implements begin()'s dedup check.
func (w *WAL[T]) FindByFingerprint(fp string) (string, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	var id string
	err := w.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixFingerprint + fp))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Pending returns the ids of all non-terminal records.
func (w *WAL[T]) Pending() ([]string, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	var ids []string
	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefixPending):]))
		}
		return nil
	})
	return ids, err
}

// IterUnrecovered decodes and yields every pending (non-terminal)
// record, in key order, skipping and logging any that fail to decode
// rather than aborting recovery (§4.2, §7 Corruption).
func (w *WAL[T]) IterUnrecovered(decode func([]byte) (T, error), fn func(T) error) error {
	ids, err := w.Pending()
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := w.Get(id, decode)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			w.log.WithError(err).WithField("id", id).Warn("wal: skipping corrupt record during recovery")
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// IterAll decodes and yields every record in the log regardless of
// terminal state, in key order, skipping and logging any that fail to
// decode. Used by internal/txn's ReconcileSnapshot (run by
// internal/engine when it opens a graph) to reconcile a Graph Store snapshot
// against Committed writes the snapshot predates (§8 scenario 6).
func (w *WAL[T]) IterAll(decode func([]byte) (T, error), fn func(T) error) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var ids []string
	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixRecord)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefixRecord):]))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		rec, err := w.Get(id, decode)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			w.log.WithError(err).WithField("id", id).Warn("wal: skipping corrupt record during full scan")
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Stats is a point-in-time summary of a WAL's record counts, grounded
// on the teacher's DB.Stats() (pkg/nornicdb/db.go).
type Stats struct {
	PendingCount int
}

// Stats reports the current number of non-terminal records.
func (w *WAL[T]) Stats() (Stats, error) {
	ids, err := w.Pending()
	if err != nil {
		return Stats{}, err
	}
	return Stats{PendingCount: len(ids)}, nil
}

// Close releases the underlying badger handle.
func (w *WAL[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.db.Close()
}
