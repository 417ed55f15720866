// Package index defines the secondary index over entity fields:
// its documents, predicates, and backend interface.
package index

import (
	"context"
	"sort"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/entity"
	"github.com/bobg/notedb/note"
)

// TypeField is the document field holding the entity's type.
const TypeField = "type"

// Doc is an index document:
// the searchable projection of one entity at one revision.
type Doc struct {
	Key notedb.Key

	// Revision is the head hash this document was built from.
	Revision notedb.Hash

	// Fields maps field names to values.
	// Every field is multi-valued;
	// a predicate on a field matches if it matches any of its values.
	Fields map[string][]note.Value
}

// Clone produces a copy of d whose Fields may be modified independently.
func (d Doc) Clone() Doc {
	out := Doc{Key: d.Key, Revision: d.Revision, Fields: make(map[string][]note.Value, len(d.Fields))}
	for k, v := range d.Fields {
		out.Fields[k] = append([]note.Value(nil), v...)
	}
	return out
}

// Names lists d's field names in sorted order.
func (d Doc) Names() []string {
	names := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Index is a secondary index backend.
// Implementations must be safe for concurrent use.
type Index interface {
	// Upsert adds or replaces the document for doc.Key.
	Upsert(context.Context, Doc) error

	// Delete removes the document for a key.
	// Deleting an absent document is not an error.
	Delete(context.Context, notedb.Key) error

	// Get returns the document for a key,
	// or notedb.ErrNotFound.
	Get(context.Context, notedb.Key) (Doc, error)

	// Query returns up to limit keys of documents matching pred,
	// in lexical order of their string forms,
	// beginning with the first key after `after`.
	Query(ctx context.Context, pred Predicate, after string, limit int) ([]notedb.Key, error)

	// Clear removes every document.
	Clear(context.Context) error
}

// Project builds the index document for an entity.
// Scalar fields become single-valued;
// collection fields contribute each of their elements.
// The entity's type is indexed as TypeField.
func Project(key notedb.Key, st *entity.State) Doc {
	doc := Doc{
		Key:      key,
		Revision: st.Head,
		Fields:   make(map[string][]note.Value, len(st.Fields)+1),
	}
	for name, v := range st.Fields {
		if v.Kind() == note.KindList {
			doc.Fields[name] = append([]note.Value(nil), v.Elems()...)
		} else {
			doc.Fields[name] = []note.Value{v}
		}
	}
	doc.Fields[TypeField] = []note.Value{note.String(key.Type)}
	return doc
}
