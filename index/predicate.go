package index

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/notedb/note"
)

// Predicate is a condition on index documents.
// The concrete predicate types are Eq, Range, Prefix, And, and All;
// index backends translate these and reject others.
type Predicate interface {
	// Match tells whether a document satisfies the predicate.
	Match(Doc) bool

	String() string
}

// Eq matches documents with a value in Field equal to Value.
type Eq struct {
	Field string
	Value note.Value
}

// Match implements Predicate.
func (p Eq) Match(d Doc) bool {
	for _, v := range d.Fields[p.Field] {
		if v.Equal(p.Value) {
			return true
		}
	}
	return false
}

func (p Eq) String() string {
	return p.Field + "=" + FormatValue(p.Value)
}

// Range matches documents with a value in Field between Min and Max, inclusive.
// An invalid (zero) bound is unbounded.
// Only values of the bounds' kind can match;
// with both bounds unbounded, any value matches.
type Range struct {
	Field    string
	Min, Max note.Value
}

// Kind is the kind of value the range applies to,
// or note.KindInvalid if both bounds are unbounded.
func (p Range) Kind() note.Kind {
	if p.Min.IsValid() {
		return p.Min.Kind()
	}
	return p.Max.Kind()
}

func (p Range) validate() error {
	if p.Min.IsValid() && p.Max.IsValid() && p.Min.Kind() != p.Max.Kind() {
		return fmt.Errorf("range on %s has %s lower bound and %s upper bound", p.Field, p.Min.Kind(), p.Max.Kind())
	}
	if p.Kind() == note.KindList {
		return fmt.Errorf("range on %s has list bounds", p.Field)
	}
	return nil
}

// Match implements Predicate.
func (p Range) Match(d Doc) bool {
	kind := p.Kind()
	for _, v := range d.Fields[p.Field] {
		if kind != note.KindInvalid && v.Kind() != kind {
			continue
		}
		if p.Min.IsValid() && note.Compare(v, p.Min) < 0 {
			continue
		}
		if p.Max.IsValid() && note.Compare(v, p.Max) > 0 {
			continue
		}
		return true
	}
	return false
}

func (p Range) String() string {
	var terms []string
	if p.Min.IsValid() {
		terms = append(terms, p.Field+">="+FormatValue(p.Min))
	}
	if p.Max.IsValid() {
		terms = append(terms, p.Field+"<="+FormatValue(p.Max))
	}
	if len(terms) == 0 {
		return p.Field + ">="
	}
	return strings.Join(terms, " ")
}

// Prefix matches documents with a string value in Field beginning with Prefix.
type Prefix struct {
	Field, Prefix string
}

// Match implements Predicate.
func (p Prefix) Match(d Doc) bool {
	for _, v := range d.Fields[p.Field] {
		if v.Kind() == note.KindString && strings.HasPrefix(v.Str(), p.Prefix) {
			return true
		}
	}
	return false
}

func (p Prefix) String() string {
	return p.Field + "^=" + FormatValue(note.String(p.Prefix))
}

// And matches documents matching all of its terms.
// An empty And matches everything.
type And []Predicate

// Match implements Predicate.
func (p And) Match(d Doc) bool {
	for _, term := range p {
		if !term.Match(d) {
			return false
		}
	}
	return true
}

func (p And) String() string {
	strs := make([]string, 0, len(p))
	for _, term := range p {
		strs = append(strs, term.String())
	}
	return strings.Join(strs, " ")
}

// All matches every document.
type All struct{}

// Match implements Predicate.
func (All) Match(Doc) bool { return true }

func (All) String() string { return "" }

// Validate checks that pred is built only from the known predicate types
// and that its ranges are well formed.
func Validate(pred Predicate) error {
	switch p := pred.(type) {
	case Eq, Prefix, All:
		return nil
	case Range:
		return p.validate()
	case And:
		for _, term := range p {
			if err := Validate(term); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return errors.New("nil predicate")
	}
	return fmt.Errorf("unsupported predicate type %T", pred)
}
