// Package logging implements a backend that delegates everything to a nested backend,
// logging operations as they happen.
package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/store"
)

var (
	_ notedb.Backend       = &Store{}
	_ notedb.BatchRefTable = &BatchStore{}
)

// Store is a backend that logs each operation on a nested backend.
// Successful operations are logged at debug level, failures at warning level.
type Store struct {
	s   notedb.Backend
	log logrus.FieldLogger
}

// BatchStore is a Store whose nested backend supports atomic multi-ref updates.
type BatchStore struct {
	*Store
}

// New produces a new logging backend wrapping s.
// If s is a notedb.BatchRefTable, the result is a *BatchStore.
func New(s notedb.Backend, log logrus.FieldLogger) notedb.Backend {
	result := &Store{s: s, log: log}
	if _, ok := s.(notedb.BatchRefTable); ok {
		return &BatchStore{Store: result}
	}
	return result
}

func (s *Store) done(err error, entry logrus.FieldLogger, msg string) {
	if err != nil {
		entry.WithError(err).Warn(msg)
	} else {
		entry.Debug(msg)
	}
}

// Get gets the blob with hash h.
func (s *Store) Get(ctx context.Context, h notedb.Hash) (notedb.Blob, error) {
	b, err := s.s.Get(ctx, h)
	s.done(err, s.log.WithField("hash", h), "Get")
	return b, err
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b notedb.Blob) (notedb.Hash, bool, error) {
	h, added, err := s.s.Put(ctx, b)
	s.done(err, s.log.WithFields(logrus.Fields{"hash": h, "added": added, "size": len(b)}), "Put")
	return h, added, err
}

// ListHashes produces all blob hashes in the store, in lexicographic order.
func (s *Store) ListHashes(ctx context.Context, start notedb.Hash, f func(notedb.Hash) error) error {
	var n int
	err := s.s.ListHashes(ctx, start, func(h notedb.Hash) error {
		n++
		return f(h)
	})
	s.done(err, s.log.WithFields(logrus.Fields{"start": start, "count": n}), "ListHashes")
	return err
}

// ReadRef implements notedb.RefReader.
func (s *Store) ReadRef(ctx context.Context, name string) (notedb.Hash, error) {
	h, err := s.s.ReadRef(ctx, name)
	entry := s.log.WithFields(logrus.Fields{"ref": name, "hash": h})
	if notedb.IsNotFound(err) {
		entry.Debug("ReadRef: absent")
	} else {
		s.done(err, entry, "ReadRef")
	}
	return h, err
}

// ListRefs implements notedb.RefReader.
func (s *Store) ListRefs(ctx context.Context, prefix string, f func(string, notedb.Hash) error) error {
	var n int
	err := s.s.ListRefs(ctx, prefix, func(name string, h notedb.Hash) error {
		n++
		return f(name, h)
	})
	s.done(err, s.log.WithFields(logrus.Fields{"prefix": prefix, "count": n}), "ListRefs")
	return err
}

// CompareAndSwap implements notedb.RefTable.
func (s *Store) CompareAndSwap(ctx context.Context, name string, oldHash, newHash notedb.Hash) error {
	err := s.s.CompareAndSwap(ctx, name, oldHash, newHash)
	entry := s.log.WithFields(logrus.Fields{"ref": name, "old": oldHash, "new": newHash})
	if notedb.IsConflict(err) {
		entry.Debug("CompareAndSwap: conflict")
	} else {
		s.done(err, entry, "CompareAndSwap")
	}
	return err
}

// CompareAndSwapMulti implements notedb.BatchRefTable.
func (s *BatchStore) CompareAndSwapMulti(ctx context.Context, updates []notedb.RefUpdate) error {
	err := s.s.(notedb.BatchRefTable).CompareAndSwapMulti(ctx, updates)
	names := make([]string, 0, len(updates))
	for _, u := range updates {
		names = append(names, u.Name)
	}
	entry := s.log.WithField("refs", names)
	if notedb.IsConflict(err) {
		entry.Debug("CompareAndSwapMulti: conflict")
	} else {
		s.done(err, entry, "CompareAndSwapMulti")
	}
	return err
}

// Register adds the "logging" backend type to r.
// Log entries go to log.
func Register(r *store.Registry, log logrus.FieldLogger) {
	r.Register("logging", func(ctx context.Context, conf map[string]interface{}) (notedb.Backend, error) {
		nested, err := r.CreateNested(ctx, conf, "nested")
		if err != nil {
			return nil, err
		}
		entry := log
		if name, ok := conf["name"].(string); ok {
			entry = log.WithField("store", name)
		}
		return New(nested, entry), nil
	})
}
