// Package lru implements a backend that acts as a least-recently-used cache for a nested backend.
package lru

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/store"
)

var (
	_ notedb.Backend       = &Store{}
	_ notedb.Deleter       = &Store{}
	_ notedb.BatchRefTable = &BatchStore{}
)

// Store implements a memory-based least-recently-used cache for a backend.
// It caches only blobs, which are immutable, and not refs.
// Writes pass through to the underlying backend.
type Store struct {
	c *lru.Cache // Hash->Blob
	s notedb.Backend
}

// BatchStore is a Store whose nested backend supports atomic multi-ref updates.
type BatchStore struct {
	*Store
}

// New produces a new Store backed by `s` and caching up to `size` blobs.
// If s is a notedb.BatchRefTable, the result is a *BatchStore.
func New(s notedb.Backend, size int) (notedb.Backend, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	result := &Store{s: s, c: c}
	if _, ok := s.(notedb.BatchRefTable); ok {
		return &BatchStore{Store: result}, nil
	}
	return result, nil
}

// Get gets the blob with hash h.
func (s *Store) Get(ctx context.Context, h notedb.Hash) (notedb.Blob, error) {
	if got, ok := s.c.Get(h); ok {
		return got.(notedb.Blob), nil
	}
	blob, err := s.s.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	s.c.Add(h, blob)
	return blob, nil
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b notedb.Blob) (notedb.Hash, bool, error) {
	h, added, err := s.s.Put(ctx, b)
	if err != nil {
		return h, added, err
	}
	s.c.Add(h, b)
	return h, added, nil
}

// Delete evicts a blob and deletes it from the nested backend.
func (s *Store) Delete(ctx context.Context, h notedb.Hash) error {
	s.c.Remove(h)
	if d, ok := s.s.(notedb.Deleter); ok {
		return d.Delete(ctx, h)
	}
	return errors.New("nested store does not support deletion")
}

// ListHashes produces all blob hashes in the store, in lexicographic order.
func (s *Store) ListHashes(ctx context.Context, start notedb.Hash, f func(notedb.Hash) error) error {
	return s.s.ListHashes(ctx, start, f)
}

// ReadRef implements notedb.RefReader.
func (s *Store) ReadRef(ctx context.Context, name string) (notedb.Hash, error) {
	return s.s.ReadRef(ctx, name)
}

// ListRefs implements notedb.RefReader.
func (s *Store) ListRefs(ctx context.Context, prefix string, f func(string, notedb.Hash) error) error {
	return s.s.ListRefs(ctx, prefix, f)
}

// CompareAndSwap implements notedb.RefTable.
func (s *Store) CompareAndSwap(ctx context.Context, name string, oldHash, newHash notedb.Hash) error {
	return s.s.CompareAndSwap(ctx, name, oldHash, newHash)
}

// CompareAndSwapMulti implements notedb.BatchRefTable.
func (s *BatchStore) CompareAndSwapMulti(ctx context.Context, updates []notedb.RefUpdate) error {
	return s.s.(notedb.BatchRefTable).CompareAndSwapMulti(ctx, updates)
}

// Register adds the "lru" backend type to r.
func Register(r *store.Registry) {
	r.Register("lru", func(ctx context.Context, conf map[string]interface{}) (notedb.Backend, error) {
		size, ok := store.IntParam(conf, "size")
		if !ok {
			return nil, errors.New(`missing "size" parameter`)
		}
		nested, err := r.CreateNested(ctx, conf, "nested")
		if err != nil {
			return nil, err
		}
		return New(nested, size)
	})
}
