// Package mem implements an in-memory index.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/index"
)

var _ index.Index = &Index{}

// Index is a memory-based index.
type Index struct {
	mu   sync.RWMutex
	docs map[string]index.Doc
	keys []string // sorted
}

// New produces a new, empty Index.
func New() *Index {
	return &Index{docs: make(map[string]index.Doc)}
}

// Upsert implements index.Index.
func (x *Index) Upsert(_ context.Context, doc index.Doc) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	k := doc.Key.String()
	if _, ok := x.docs[k]; !ok {
		i := sort.SearchStrings(x.keys, k)
		x.keys = append(x.keys, "")
		copy(x.keys[i+1:], x.keys[i:])
		x.keys[i] = k
	}
	x.docs[k] = doc.Clone()
	return nil
}

// Delete implements index.Index.
func (x *Index) Delete(_ context.Context, key notedb.Key) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	k := key.String()
	if _, ok := x.docs[k]; !ok {
		return nil
	}
	delete(x.docs, k)
	i := sort.SearchStrings(x.keys, k)
	x.keys = append(x.keys[:i], x.keys[i+1:]...)
	return nil
}

// Get implements index.Index.
func (x *Index) Get(_ context.Context, key notedb.Key) (index.Doc, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	doc, ok := x.docs[key.String()]
	if !ok {
		return index.Doc{}, notedb.ErrNotFound
	}
	return doc.Clone(), nil
}

// Query implements index.Index.
func (x *Index) Query(ctx context.Context, pred index.Predicate, after string, limit int) ([]notedb.Key, error) {
	if err := index.Validate(pred); err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var result []notedb.Key
	i := sort.SearchStrings(x.keys, after)
	if i < len(x.keys) && x.keys[i] == after {
		i++
	}
	for ; i < len(x.keys) && len(result) < limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc := x.docs[x.keys[i]]
		if pred.Match(doc) {
			result = append(result, doc.Key)
		}
	}
	return result, nil
}

// Clear implements index.Index.
func (x *Index) Clear(context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.docs = make(map[string]index.Doc)
	x.keys = nil
	return nil
}

// Len is the number of documents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.keys)
}

// Register adds the "mem" index type to r.
func Register(r *index.Registry) {
	r.Register("mem", func(context.Context, map[string]interface{}) (index.Index, error) {
		return New(), nil
	})
}
