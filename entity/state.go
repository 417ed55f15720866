package entity

import (
	"sort"
	"time"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/note"
)

// State is the materialized view of an entity:
// its revision chain folded from oldest to newest.
type State struct {
	// Head is the hash of the newest revision folded into this state.
	Head notedb.Hash

	// Revisions is the length of the chain.
	Revisions int

	// Deleted tells whether the newest revision marks the entity deleted.
	Deleted bool

	// Fields maps field names to values.
	// Collection fields are lists,
	// sorted by note.Compare and free of duplicates.
	Fields map[string]note.Value
}

func newState() *State {
	return &State{Fields: make(map[string]note.Value)}
}

// Clone produces a deep-enough copy of s:
// one whose Fields map may be modified independently.
// Values are immutable and are shared.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := &State{
		Head:      s.Head,
		Revisions: s.Revisions,
		Deleted:   s.Deleted,
		Fields:    make(map[string]note.Value, len(s.Fields)),
	}
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	return out
}

// Equal tells whether two states are identical.
func (s *State) Equal(other *State) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Head != other.Head || s.Revisions != other.Revisions || s.Deleted != other.Deleted {
		return false
	}
	if len(s.Fields) != len(other.Fields) {
		return false
	}
	for k, v := range s.Fields {
		ov, ok := other.Fields[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Names lists the entity's field names in sorted order.
func (s *State) Names() []string {
	names := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Get returns the named field.
func (s *State) Get(name string) (note.Value, bool) {
	v, ok := s.Fields[name]
	return v, ok
}

// Str returns the named string field, or "".
func (s *State) Str(name string) string {
	if v := s.Fields[name]; v.Kind() == note.KindString {
		return v.Str()
	}
	return ""
}

// Int returns the named int field, or 0.
func (s *State) Int(name string) int64 {
	if v := s.Fields[name]; v.Kind() == note.KindInt {
		return v.Int64()
	}
	return 0
}

// Time returns the named time field, or the zero time.
func (s *State) Time(name string) time.Time {
	if v := s.Fields[name]; v.Kind() == note.KindTime {
		return v.Time()
	}
	return time.Time{}
}

// Strings returns the string elements of the named collection field.
func (s *State) Strings(name string) []string {
	var out []string
	for _, e := range s.Fields[name].Elems() {
		if e.Kind() == note.KindString {
			out = append(out, e.Str())
		}
	}
	return out
}

// apply folds one revision into s.
func (s *State) apply(h notedb.Hash, r note.Revision) {
	s.Head = h
	s.Revisions++
	s.Deleted = r.Deleted
	for _, f := range r.Fields {
		switch f.Op {
		case note.OpSet:
			v := f.Value
			if v.Kind() == note.KindList {
				v = note.List(note.SortValues(append([]note.Value(nil), v.Elems()...))...)
			}
			s.Fields[f.Name] = v

		case note.OpUnset:
			delete(s.Fields, f.Name)

		case note.OpAdd:
			var elems []note.Value
			if cur := s.Fields[f.Name]; cur.Kind() == note.KindList {
				elems = append(elems, cur.Elems()...)
			}
			elems = append(elems, f.Value.Elems()...)
			s.Fields[f.Name] = note.List(note.SortValues(elems)...)

		case note.OpRemove:
			cur, ok := s.Fields[f.Name]
			if !ok || cur.Kind() != note.KindList {
				continue
			}
			var elems []note.Value
			for _, e := range cur.Elems() {
				if !containsValue(f.Value.Elems(), e) {
					elems = append(elems, e)
				}
			}
			s.Fields[f.Name] = note.List(elems...)
		}
	}
}

func containsValue(vals []note.Value, v note.Value) bool {
	for _, x := range vals {
		if x.Equal(v) {
			return true
		}
	}
	return false
}
