package index

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/notedb/note"
)

var valueComparer = cmp.Comparer(func(a, b note.Value) bool { return a.Equal(b) })

func TestParsePredicate(t *testing.T) {
	t0 := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	cases := []struct {
		in      string
		want    Predicate
		wantErr bool
	}{
		{in: "", want: All{}},
		{in: "   ", want: All{}},
		{in: "status=open", want: Eq{Field: "status", Value: note.String("open")}},
		{in: "number=42", want: Eq{Field: "number", Value: note.Int(42)}},
		{in: `number="42"`, want: Eq{Field: "number", Value: note.String("42")}},
		{in: "updated>=2024-05-06T07:08:09Z", want: Range{Field: "updated", Min: note.Time(t0)}},
		{in: "number<=-3", want: Range{Field: "number", Max: note.Int(-3)}},
		{in: "owner^=ali", want: Prefix{Field: "owner", Prefix: "ali"}},
		{in: `subject="fix the thing"`, want: Eq{Field: "subject", Value: note.String("fix the thing")}},
		{in: `subject="say \"hi\""`, want: Eq{Field: "subject", Value: note.String(`say "hi"`)}},
		{in: "topic=a=b", want: Eq{Field: "topic", Value: note.String("a=b")}},
		{in: "number>=", want: Range{Field: "number"}},
		{
			in: "status=open  number>=2\tnumber<=9",
			want: And{
				Eq{Field: "status", Value: note.String("open")},
				Range{Field: "number", Min: note.Int(2)},
				Range{Field: "number", Max: note.Int(9)},
			},
		},
		{in: "status", wantErr: true},
		{in: "=open", wantErr: true},
		{in: ">=3", wantErr: true},
		{in: `subject="unterminated`, wantErr: true},
		{in: `sub"ject=x`, wantErr: true},
		{in: `owner^=3`, wantErr: true},
		{in: `owner=a"b`, wantErr: true},
	}

	for _, c := range cases {
		c := c
		t.Run(c.in, func(t *testing.T) {
			got, err := ParsePredicate(c.in)
			if c.wantErr {
				if err == nil {
					t.Errorf("got %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(c.want, got, valueComparer); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}

			// The string form parses back to the same predicate.
			again, err := ParsePredicate(got.String())
			if err != nil {
				t.Fatalf("reparsing %q: %s", got.String(), err)
			}
			if diff := cmp.Diff(got, again, valueComparer); diff != "" {
				t.Errorf("reparse of %q mismatch (-want +got):\n%s", got.String(), diff)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	doc := Doc{
		Fields: map[string][]note.Value{
			"reviewers": {note.String("carol"), note.String("dave")},
			"number":    {note.Int(7)},
		},
	}

	cases := []struct {
		pred Predicate
		want bool
	}{
		{Eq{Field: "reviewers", Value: note.String("dave")}, true},
		{Eq{Field: "reviewers", Value: note.String("erin")}, false},
		{Eq{Field: "number", Value: note.String("7")}, false},
		{Range{Field: "number", Min: note.Int(7), Max: note.Int(7)}, true},
		{Range{Field: "number", Min: note.Int(8)}, false},
		{Range{Field: "number"}, true},
		{Range{Field: "missing"}, false},
		{Range{Field: "reviewers", Max: note.String("carol")}, true},
		{Prefix{Field: "reviewers", Prefix: "da"}, true},
		{Prefix{Field: "number", Prefix: "7"}, false},
		{And{}, true},
		{And{Eq{Field: "number", Value: note.Int(7)}, Prefix{Field: "reviewers", Prefix: "z"}}, false},
		{All{}, true},
	}
	for _, c := range cases {
		if got := c.pred.Match(doc); got != c.want {
			t.Errorf("%s: got %v, want %v", c.pred, got, c.want)
		}
	}
}
