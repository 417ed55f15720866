package gc

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/note"
)

// Keep is a set of object hashes to protect from garbage collection.
type Keep interface {
	// Add adds a single hash to the Keep.
	// It returns true if it was newly added and false if it was already present.
	Add(context.Context, notedb.Hash) (bool, error)

	// Contains tells whether a hash is in the Keep.
	Contains(context.Context, notedb.Hash) (bool, error)
}

// MemKeep is a Keep in memory.
type MemKeep struct {
	mu sync.Mutex
	m  map[notedb.Hash]struct{}
}

var _ Keep = &MemKeep{}

// NewMemKeep produces an empty MemKeep.
func NewMemKeep() *MemKeep {
	return &MemKeep{m: make(map[notedb.Hash]struct{})}
}

// Add implements Keep.
func (k *MemKeep) Add(_ context.Context, h notedb.Hash) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.m[h]; ok {
		return false, nil
	}
	k.m[h] = struct{}{}
	return true, nil
}

// Contains implements Keep.
func (k *MemKeep) Contains(_ context.Context, h notedb.Hash) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.m[h]
	return ok, nil
}

// Len is the number of hashes in k.
func (k *MemKeep) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}

// Add adds h to the Keep,
// then fetches it from g and,
// if it is a revision,
// adds its predecessors in turn,
// stopping at the first one already present.
//
// It is not an error for g to have no object for h,
// or for the object not to be a revision.
func Add(ctx context.Context, k Keep, g notedb.Getter, h notedb.Hash) error {
	for !h.IsZero() {
		added, err := k.Add(ctx, h)
		if err != nil {
			return errors.Wrapf(err, "adding %s", h)
		}
		if !added {
			return nil
		}

		b, err := g.Get(ctx, h)
		if notedb.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "getting %s", h)
		}
		r, err := note.Decode(b)
		if err != nil {
			return nil
		}
		h = r.Pred
	}
	return nil
}

// AddRefs adds the objects reachable from every ref with the given prefix.
// The prefix "" protects everything reachable from any ref.
func AddRefs(ctx context.Context, k Keep, g notedb.Getter, refs notedb.RefReader, prefix string) error {
	var heads []notedb.Hash
	err := refs.ListRefs(ctx, prefix, func(_ string, h notedb.Hash) error {
		heads = append(heads, h)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "listing refs")
	}
	for _, h := range heads {
		if err = Add(ctx, k, g, h); err != nil {
			return err
		}
	}
	return nil
}
