package notedb

import (
	"context"
)

// Getter is a read-only object store.
type Getter interface {
	// Get gets a blob by its hash.
	// It returns ErrNotFound if the hash is unknown.
	Get(context.Context, Hash) (Blob, error)

	// ListHashes calls a function for each blob hash in the store in lexicographic order,
	// beginning with the first hash _after_ the specified one.
	//
	// The calls reflect at least the set of hashes
	// known at the moment ListHashes was called.
	// It is unspecified whether later changes,
	// that happen concurrently with ListHashes,
	// are reflected.
	//
	// If the callback function returns an error,
	// ListHashes exits with that error.
	ListHashes(context.Context, Hash, func(Hash) error) error
}

// Store is an object store.
// It stores byte sequences - "blobs" - of arbitrary length.
// Each blob can be retrieved using its hash as a lookup key.
// Blobs are immutable once stored.
type Store interface {
	Getter

	// Put adds b to the store if it was not already present.
	// It returns b's hash and a boolean that is true iff the blob had to be added.
	// The blob is durable when Put returns.
	Put(ctx context.Context, b Blob) (h Hash, added bool, err error)
}

// Deleter is implemented by stores that can remove blobs.
// It is used only by garbage collection.
type Deleter interface {
	Delete(context.Context, Hash) error
}

// RefReader reads named refs.
type RefReader interface {
	// ReadRef returns the hash the named ref points to,
	// or ErrNotFound if the ref is absent.
	ReadRef(ctx context.Context, name string) (Hash, error)

	// ListRefs calls a function for each ref whose name begins with prefix,
	// in lexicographic name order.
	// If the callback function returns an error,
	// ListRefs exits with that error.
	ListRefs(ctx context.Context, prefix string, f func(name string, h Hash) error) error
}

// RefTable is a table of named, mutable pointers into an object store.
// Refs are the only mutable state in the model.
type RefTable interface {
	RefReader

	// CompareAndSwap sets the named ref to newHash
	// iff its current value is oldHash.
	// An absent ref has the value Zero,
	// so CompareAndSwap with oldHash == Zero creates a ref
	// and CompareAndSwap with newHash == Zero deletes one.
	// If the current value differs from oldHash,
	// CompareAndSwap changes nothing and returns ErrConflict.
	//
	// Concurrent calls on the same name are linearizable:
	// for any given oldHash exactly one caller wins.
	CompareAndSwap(ctx context.Context, name string, oldHash, newHash Hash) error
}

// RefUpdate is one element of a CompareAndSwapMulti call.
type RefUpdate struct {
	Name     string
	Old, New Hash
}

// BatchRefTable is implemented by ref tables that can update several refs atomically.
type BatchRefTable interface {
	RefTable

	// CompareAndSwapMulti performs all the given updates or none of them.
	// If any ref's current value differs from its Old value,
	// nothing changes and the result is ErrConflict.
	CompareAndSwapMulti(context.Context, []RefUpdate) error
}

// Backend is an object store together with a ref table.
type Backend interface {
	Store
	RefTable
}

// CreateRef creates the named ref pointing to h.
// It returns ErrConflict if the ref already exists.
func CreateRef(ctx context.Context, t RefTable, name string, h Hash) error {
	return t.CompareAndSwap(ctx, name, Zero, h)
}

// ReadRefOrZero is like ReadRef but returns Zero, not ErrNotFound, for an absent ref.
func ReadRefOrZero(ctx context.Context, r RefReader, name string) (Hash, error) {
	h, err := r.ReadRef(ctx, name)
	if IsNotFound(err) {
		return Zero, nil
	}
	return h, err
}
