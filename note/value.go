package note

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// Kind is the type of a Value.
type Kind uint8

// Value kinds.
const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindTime
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindTime:
		return "time"
	case KindList:
		return "list"
	}
	return "invalid"
}

// Value is a field value:
// a string, an integer, a timestamp, or a list of Values.
// The zero Value is invalid.
type Value struct {
	kind Kind
	s    string
	i    int64
	t    time.Time
	l    []Value
}

// String produces a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int produces an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Time produces a timestamp Value.
// The time is normalized to UTC with no monotonic clock reading.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t.UTC().Round(0)} }

// List produces a list Value.
func List(vals ...Value) Value {
	l := make([]Value, len(vals))
	copy(l, vals)
	return Value{kind: KindList, l: l}
}

// Strings produces a list Value of strings.
func Strings(strs ...string) Value {
	l := make([]Value, 0, len(strs))
	for _, s := range strs {
		l = append(l, String(s))
	}
	return Value{kind: KindList, l: l}
}

// Kind tells the kind of v.
func (v Value) Kind() Kind { return v.kind }

// IsValid tells whether v is a valid (non-zero) Value.
// A time Value is valid only within the years 0001 through 9999,
// the range the wire encoding can represent.
func (v Value) IsValid() bool {
	switch v.kind {
	case KindList:
		for _, e := range v.l {
			if !e.IsValid() {
				return false
			}
		}
		return true
	case KindTime:
		return timestamppb.New(v.t).CheckValid() == nil
	}
	return v.kind >= KindString && v.kind <= KindList
}

// Str returns the string in a string Value.
func (v Value) Str() string { return v.s }

// Int64 returns the integer in an int Value.
func (v Value) Int64() int64 { return v.i }

// Time returns the timestamp in a time Value.
func (v Value) Time() time.Time { return v.t }

// Elems returns the elements of a list Value.
// The caller must not modify the result.
func (v Value) Elems() []Value { return v.l }

// Equal tells whether two Values are identical.
func (v Value) Equal(other Value) bool {
	return Compare(v, other) == 0
}

// Compare is a total order on Values.
// Values of different kinds order by kind.
// Strings order lexically, ints numerically, times chronologically,
// and lists lexicographically by element.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindString:
		return strings.Compare(a.s, b.s)
	case KindInt:
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		}
		return 0
	case KindTime:
		switch {
		case a.t.Before(b.t):
			return -1
		case a.t.After(b.t):
			return 1
		}
		return 0
	case KindList:
		for i := 0; i < len(a.l) && i < len(b.l); i++ {
			if c := Compare(a.l[i], b.l[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(a.l) < len(b.l):
			return -1
		case len(a.l) > len(b.l):
			return 1
		}
	}
	return 0
}

// SortValues sorts vals by Compare and removes duplicates.
func SortValues(vals []Value) []Value {
	sort.Slice(vals, func(i, j int) bool { return Compare(vals[i], vals[j]) < 0 })
	out := vals[:0]
	for i, v := range vals {
		if i > 0 && Compare(v, out[len(out)-1]) == 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.s)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindList:
		strs := make([]string, 0, len(v.l))
		for _, e := range v.l {
			strs = append(strs, e.String())
		}
		return "[" + strings.Join(strs, ", ") + "]"
	}
	return fmt.Sprintf("<invalid value kind %d>", v.kind)
}
