// Package note encodes and decodes revisions:
// the immutable objects that make up an entity's history.
//
// A revision names its predecessor (or none, for the first revision),
// may mark the entity deleted,
// and carries an ordered list of field operations.
// The wire form is deterministic:
// equal revisions always encode to identical bytes,
// so they always have the same content address.
package note

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/notedb"
)

// FormatVersion is the revision wire format written by Encode.
const FormatVersion = 1

// Op is the operation a Field applies to an entity.
type Op uint8

// Field operations.
const (
	// OpSet replaces the field's value (last write wins).
	OpSet Op = iota + 1

	// OpUnset removes the field. Its Field has no Value.
	OpUnset

	// OpAdd adds the elements of a list Value to a collection field.
	OpAdd

	// OpRemove removes the elements of a list Value from a collection field.
	// It is a tombstone: a later OpAdd of the same element re-adds it.
	OpRemove
)

func (op Op) String() string {
	switch op {
	case OpSet:
		return "set"
	case OpUnset:
		return "unset"
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	}
	return fmt.Sprintf("op(%d)", op)
}

// Field is one field operation in a revision.
type Field struct {
	Name  string
	Op    Op
	Value Value
}

// Set produces an OpSet field.
func Set(name string, v Value) Field { return Field{Name: name, Op: OpSet, Value: v} }

// Unset produces an OpUnset field.
func Unset(name string) Field { return Field{Name: name, Op: OpUnset} }

// Add produces an OpAdd field for the given elements.
func Add(name string, elems ...Value) Field { return Field{Name: name, Op: OpAdd, Value: List(elems...)} }

// Remove produces an OpRemove field for the given elements.
func Remove(name string, elems ...Value) Field {
	return Field{Name: name, Op: OpRemove, Value: List(elems...)}
}

func (f Field) validate() error {
	if f.Name == "" {
		return errors.New("empty field name")
	}
	switch f.Op {
	case OpSet:
		if !f.Value.IsValid() {
			return fmt.Errorf("field %s: set with invalid value", f.Name)
		}
	case OpUnset:
		if f.Value.Kind() != KindInvalid {
			return fmt.Errorf("field %s: unset with a value", f.Name)
		}
	case OpAdd, OpRemove:
		if f.Value.Kind() != KindList || !f.Value.IsValid() {
			return fmt.Errorf("field %s: %s requires a list of elements", f.Name, f.Op)
		}
	default:
		return fmt.Errorf("field %s: invalid op %d", f.Name, f.Op)
	}
	return nil
}

// Revision is one step in an entity's history.
type Revision struct {
	// Pred is the hash of the preceding revision,
	// or notedb.Zero if this is the first.
	Pred notedb.Hash

	// Deleted marks the entity deleted as of this revision.
	Deleted bool

	Fields []Field
}

// Put encodes r and stores it in s, returning its hash.
func Put(ctx context.Context, s notedb.Store, r Revision) (notedb.Hash, error) {
	b, err := Encode(r)
	if err != nil {
		return notedb.Zero, errors.Wrap(err, "encoding revision")
	}
	h, _, err := s.Put(ctx, b)
	return h, errors.Wrap(err, "storing revision")
}

// Get fetches and decodes the revision with hash h.
// The fetched bytes must hash to h.
func Get(ctx context.Context, g notedb.Getter, h notedb.Hash) (Revision, error) {
	b, err := g.Get(ctx, h)
	if err != nil {
		return Revision{}, errors.Wrapf(err, "getting revision %s", h)
	}
	if got := b.Hash(); got != h {
		return Revision{}, &notedb.CorruptChainError{Head: h, At: h, Reason: fmt.Sprintf("content hashes to %s", got)}
	}
	r, err := Decode(b)
	if err != nil {
		return Revision{}, &notedb.CorruptChainError{Head: h, At: h, Reason: "undecodable revision", Err: err}
	}
	return r, nil
}
