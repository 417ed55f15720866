package index

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pkg/errors"

	"github.com/bobg/notedb/note"
)

// ParsePredicate parses a query string.
// A query is a whitespace-separated list of terms,
// all of which must match:
//
//	field=value    Eq
//	field>=value   Range with a lower bound
//	field<=value   Range with an upper bound
//	field^=prefix  Prefix
//
// A value that parses as an integer is an int,
// one that parses as an RFC 3339 timestamp is a time,
// and anything else is a string.
// A double-quoted value (with Go escapes) is always a string.
// The empty query matches everything.
func ParsePredicate(s string) (Predicate, error) {
	terms, err := splitTerms(s)
	if err != nil {
		return nil, err
	}
	var and And
	for _, term := range terms {
		p, err := parseTerm(term)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing term %q", term)
		}
		and = append(and, p)
	}
	switch len(and) {
	case 0:
		return All{}, nil
	case 1:
		return and[0], nil
	}
	return and, nil
}

// splitTerms splits s at whitespace outside double quotes.
func splitTerms(s string) ([]string, error) {
	var (
		terms   []string
		cur     strings.Builder
		inQuote bool
		escaped bool
	)
	for _, c := range s {
		switch {
		case escaped:
			escaped = false
		case inQuote && c == '\\':
			escaped = true
		case c == '"':
			inQuote = !inQuote
		case !inQuote && unicode.IsSpace(c):
			if cur.Len() > 0 {
				terms = append(terms, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteRune(c)
	}
	if inQuote {
		return nil, errors.New("unterminated quote")
	}
	if cur.Len() > 0 {
		terms = append(terms, cur.String())
	}
	return terms, nil
}

func parseTerm(term string) (Predicate, error) {
	i := strings.IndexByte(term, '=')
	if i < 0 {
		return nil, errors.New("no operator")
	}
	var (
		field = term[:i]
		op    = "="
		raw   = term[i+1:]
	)
	if i > 0 {
		switch term[i-1] {
		case '>', '<', '^':
			field = term[:i-1]
			op = term[i-1 : i+1]
		}
	}
	if field == "" {
		return nil, errors.New("empty field name")
	}
	if strings.ContainsAny(field, `"`) {
		return nil, errors.New("quote in field name")
	}

	if (op == ">=" || op == "<=") && raw == "" {
		return Range{Field: field}, nil
	}

	v, err := ParseValue(raw)
	if err != nil {
		return nil, err
	}

	switch op {
	case ">=":
		return Range{Field: field, Min: v}, nil
	case "<=":
		return Range{Field: field, Max: v}, nil
	case "^=":
		if v.Kind() != note.KindString {
			return nil, errors.New("prefix must be a string")
		}
		return Prefix{Field: field, Prefix: v.Str()}, nil
	}
	return Eq{Field: field, Value: v}, nil
}

// ParseValue parses a scalar value as written in a predicate term:
// a quoted string, an integer, an RFC 3339 time, or else a bare string.
func ParseValue(raw string) (note.Value, error) {
	if strings.HasPrefix(raw, `"`) {
		s, err := strconv.Unquote(raw)
		if err != nil {
			return note.Value{}, errors.Wrapf(err, "unquoting %s", raw)
		}
		return note.String(s), nil
	}
	if strings.Contains(raw, `"`) {
		return note.Value{}, errors.Errorf("stray quote in %s", raw)
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return note.Int(i), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return note.Time(t), nil
	}
	return note.String(raw), nil
}

// FormatValue is the inverse of ParseValue for scalars.
func FormatValue(v note.Value) string {
	if v.Kind() == note.KindString {
		if _, err := strconv.ParseInt(v.Str(), 10, 64); err == nil {
			return strconv.Quote(v.Str())
		}
		if _, err := time.Parse(time.RFC3339Nano, v.Str()); err == nil {
			return strconv.Quote(v.Str())
		}
		if v.Str() == "" || strings.ContainsAny(v.Str(), `"\`) || strings.IndexFunc(v.Str(), unicode.IsSpace) >= 0 {
			return strconv.Quote(v.Str())
		}
		return v.Str()
	}
	return v.String()
}
