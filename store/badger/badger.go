// Package badger implements a backend in a Badger key-value database.
package badger

import (
	"bytes"
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/store"
)

var (
	_ notedb.Backend       = &Store{}
	_ notedb.BatchRefTable = &Store{}
	_ notedb.Deleter       = &Store{}
)

var (
	blobPrefix = []byte("b/")
	refPrefix  = []byte("r/")
)

// Badger reports concurrent transactions touching the same keys with badger.ErrConflict.
// Such transactions are retried this many times
// before the conflict is reported as notedb.ErrConflict.
const maxTxnRetries = 8

// Store is a Badger-based backend.
type Store struct {
	db *badger.DB
}

// New produces a new Store using db for storage.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Open opens a Badger database in dir and produces a Store on it.
// An empty dir means an in-memory database.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening badger db in %s", dir)
	}
	return New(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func blobKey(h notedb.Hash) []byte {
	return append(append([]byte(nil), blobPrefix...), h[:]...)
}

func refKey(name string) []byte {
	return append(append([]byte(nil), refPrefix...), name...)
}

// Get gets the blob with hash h.
func (s *Store) Get(_ context.Context, h notedb.Hash) (notedb.Blob, error) {
	var b []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(h))
		if err != nil {
			return err
		}
		b, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notedb.ErrNotFound
	}
	return b, errors.Wrapf(err, "getting blob %s", h)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(_ context.Context, b notedb.Blob) (notedb.Hash, bool, error) {
	var (
		h     = b.Hash()
		key   = blobKey(h)
		added bool
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		added = true
		return txn.Set(key, b)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent Put of the same content won.
		return h, false, nil
	}
	if err != nil {
		return notedb.Zero, false, errors.Wrapf(err, "putting blob %s", h)
	}
	return h, added, nil
}

// Delete removes a blob.
func (s *Store) Delete(_ context.Context, h notedb.Hash) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blobKey(h))
	})
}

// ListHashes produces all blob hashes in the store, in lexicographic order.
func (s *Store) ListHashes(ctx context.Context, start notedb.Hash, f func(notedb.Hash) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: blobPrefix})
		defer it.Close()

		for it.Seek(blobKey(start)); it.ValidForPrefix(blobPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			h := notedb.HashFromBytes(key[len(blobPrefix):])
			if h == start {
				continue
			}
			if err := f(h); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadRef implements notedb.RefReader.
func (s *Store) ReadRef(_ context.Context, name string) (notedb.Hash, error) {
	var h notedb.Hash
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		h, err = readRef(txn, name)
		return err
	})
	if h.IsZero() && err == nil {
		return notedb.Zero, notedb.ErrNotFound
	}
	return h, err
}

// Zero for an absent ref.
func readRef(txn *badger.Txn, name string) (notedb.Hash, error) {
	item, err := txn.Get(refKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return notedb.Zero, nil
	}
	if err != nil {
		return notedb.Zero, errors.Wrapf(err, "reading ref %s", name)
	}
	var h notedb.Hash
	err = item.Value(func(val []byte) error {
		if len(val) != len(h) {
			return errors.Errorf("ref %s has %d-byte value", name, len(val))
		}
		copy(h[:], val)
		return nil
	})
	return h, err
}

// ListRefs implements notedb.RefReader.
func (s *Store) ListRefs(ctx context.Context, prefix string, f func(string, notedb.Hash) error) error {
	p := refKey(prefix)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: p, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			name := string(bytes.TrimPrefix(item.Key(), refPrefix))
			var h notedb.Hash
			err := item.Value(func(val []byte) error {
				copy(h[:], val)
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "reading ref %s", name)
			}
			if err = f(name, h); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompareAndSwap implements notedb.RefTable.
func (s *Store) CompareAndSwap(ctx context.Context, name string, oldHash, newHash notedb.Hash) error {
	return s.CompareAndSwapMulti(ctx, []notedb.RefUpdate{{Name: name, Old: oldHash, New: newHash}})
}

// CompareAndSwapMulti implements notedb.BatchRefTable.
// The check and the update happen in one transaction.
func (s *Store) CompareAndSwapMulti(ctx context.Context, updates []notedb.RefUpdate) error {
	op := func() error {
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, u := range updates {
				cur, err := readRef(txn, u.Name)
				if err != nil {
					return err
				}
				if cur != u.Old {
					return notedb.ErrConflict
				}
			}
			for _, u := range updates {
				var err error
				if u.New.IsZero() {
					err = txn.Delete(refKey(u.Name))
				} else {
					err = txn.Set(refKey(u.Name), append([]byte(nil), u.New[:]...))
				}
				if err != nil {
					return errors.Wrapf(err, "updating ref %s", u.Name)
				}
			}
			return nil
		})
		switch {
		case errors.Is(err, badger.ErrConflict):
			// Transaction conflict: re-read and try again.
			return err
		case err != nil:
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxTxnRetries), ctx)
	err := backoff.Retry(op, bo)
	if errors.Is(err, badger.ErrConflict) {
		return notedb.ErrConflict
	}
	return err
}

// Register adds the "badger" backend type to r.
// The "dir" parameter names the database directory;
// without it the database is in memory.
func Register(r *store.Registry) {
	r.Register("badger", func(_ context.Context, conf map[string]interface{}) (notedb.Backend, error) {
		dir, _ := conf["dir"].(string)
		return Open(dir)
	})
}
