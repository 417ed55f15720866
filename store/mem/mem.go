// Package mem implements an in-memory backend.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/store"
)

var (
	_ notedb.Backend       = &Store{}
	_ notedb.BatchRefTable = &Store{}
	_ notedb.Deleter       = &Store{}
)

// Store is a memory-based implementation of a backend.
type Store struct {
	mu    sync.Mutex
	blobs map[notedb.Hash]notedb.Blob
	refs  map[string]notedb.Hash
}

// New produces a new Store.
func New() *Store {
	return &Store{
		blobs: make(map[notedb.Hash]notedb.Blob),
		refs:  make(map[string]notedb.Hash),
	}
}

// Get gets the blob with hash h.
func (s *Store) Get(_ context.Context, h notedb.Hash) (notedb.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.blobs[h]; ok {
		return b, nil
	}
	return nil, notedb.ErrNotFound
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(_ context.Context, b notedb.Blob) (notedb.Hash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := b.Hash()
	if _, ok := s.blobs[h]; ok {
		return h, false, nil
	}
	cp := make(notedb.Blob, len(b))
	copy(cp, b)
	s.blobs[h] = cp
	return h, true, nil
}

// Delete removes a blob.
func (s *Store) Delete(_ context.Context, h notedb.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, h)
	return nil
}

// ListHashes produces all blob hashes in the store, in lexicographic order.
func (s *Store) ListHashes(ctx context.Context, start notedb.Hash, f func(notedb.Hash) error) error {
	s.mu.Lock()
	hashes := make([]notedb.Hash, 0, len(s.blobs))
	for h := range s.blobs {
		hashes = append(hashes, h)
	}
	s.mu.Unlock()

	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) })
	index := sort.Search(len(hashes), func(n int) bool {
		return start.Less(hashes[n])
	})

	for i := index; i < len(hashes); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := f(hashes[i])
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadRef implements notedb.RefReader.
func (s *Store) ReadRef(_ context.Context, name string) (notedb.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.refs[name]; ok {
		return h, nil
	}
	return notedb.Zero, notedb.ErrNotFound
}

// ListRefs implements notedb.RefReader.
func (s *Store) ListRefs(ctx context.Context, prefix string, f func(string, notedb.Hash) error) error {
	type pair struct {
		name string
		h    notedb.Hash
	}

	s.mu.Lock()
	var pairs []pair
	for name, h := range s.refs {
		if strings.HasPrefix(name, prefix) {
			pairs = append(pairs, pair{name: name, h: h})
		}
	}
	s.mu.Unlock()

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].name < pairs[j].name })

	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(p.name, p.h); err != nil {
			return err
		}
	}
	return nil
}

// CompareAndSwap implements notedb.RefTable.
func (s *Store) CompareAndSwap(_ context.Context, name string, oldHash, newHash notedb.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs[name] != oldHash {
		return notedb.ErrConflict
	}
	s.set(name, newHash)
	return nil
}

// CompareAndSwapMulti implements notedb.BatchRefTable.
func (s *Store) CompareAndSwapMulti(_ context.Context, updates []notedb.RefUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if s.refs[u.Name] != u.Old {
			return notedb.ErrConflict
		}
	}
	for _, u := range updates {
		s.set(u.Name, u.New)
	}
	return nil
}

// Caller must obtain a lock.
func (s *Store) set(name string, h notedb.Hash) {
	if h.IsZero() {
		delete(s.refs, name)
	} else {
		s.refs[name] = h
	}
}

// Register adds the "mem" backend type to r.
func Register(r *store.Registry) {
	r.Register("mem", func(context.Context, map[string]interface{}) (notedb.Backend, error) {
		return New(), nil
	})
}
