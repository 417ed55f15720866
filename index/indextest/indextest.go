// Package indextest holds conformance tests shared by index backends.
package indextest

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/index"
	"github.com/bobg/notedb/note"
)

// ValueComparer lets cmp compare note.Values.
var ValueComparer = cmp.Comparer(func(a, b note.Value) bool { return a.Equal(b) })

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)

// Docs is the document set the conformance tests use.
func Docs() []index.Doc {
	return []index.Doc{
		{
			Key:      notedb.Key{Type: "change", ID: "1"},
			Revision: notedb.Blob("r1").Hash(),
			Fields: map[string][]note.Value{
				"type":     {note.String("change")},
				"status":   {note.String("open")},
				"owner":    {note.String("alice")},
				"number":   {note.Int(1)},
				"updated":  {note.Time(t0)},
				"hashtags": {note.String("perf"), note.String("ui")},
			},
		},
		{
			Key:      notedb.Key{Type: "change", ID: "2"},
			Revision: notedb.Blob("r2").Hash(),
			Fields: map[string][]note.Value{
				"type":     {note.String("change")},
				"status":   {note.String("merged")},
				"owner":    {note.String("bob")},
				"number":   {note.Int(2)},
				"updated":  {note.Time(t0.Add(time.Hour))},
				"hashtags": {note.String("perf")},
			},
		},
		{
			Key:      notedb.Key{Type: "change", ID: "3"},
			Revision: notedb.Blob("r3").Hash(),
			Fields: map[string][]note.Value{
				"type":    {note.String("change")},
				"status":  {note.String("open")},
				"owner":   {note.String("alicia")},
				"number":  {note.Int(30)},
				"updated": {note.Time(t0.Add(2 * time.Hour))},
			},
		},
		{
			Key:      notedb.Key{Type: "project", ID: "p"},
			Revision: notedb.Blob("r4").Hash(),
			Fields: map[string][]note.Value{
				"type":  {note.String("project")},
				"name":  {note.String("p")},
				"pairs": {note.List(note.String("a"), note.Int(1))},
			},
		},
	}
}

// Conformance exercises every operation of an index backend.
// The index must be empty.
func Conformance(ctx context.Context, t *testing.T, ix index.Index) {
	docs := Docs()
	for _, doc := range docs {
		if err := ix.Upsert(ctx, doc); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("get", func(t *testing.T) {
		for _, want := range docs {
			got, err := ix.Get(ctx, want.Key)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, got, ValueComparer); diff != "" {
				t.Errorf("%s mismatch (-want +got):\n%s", want.Key, diff)
			}
		}
		if _, err := ix.Get(ctx, notedb.Key{Type: "change", ID: "99"}); !notedb.IsNotFound(err) {
			t.Errorf("got %v for absent document, want not found", err)
		}
	})

	cases := []struct {
		query string
		want  []string
	}{
		{"", []string{"change/1", "change/2", "change/3", "project/p"}},
		{"status=open", []string{"change/1", "change/3"}},
		{"hashtags=perf", []string{"change/1", "change/2"}},
		{"hashtags=ui status=open", []string{"change/1"}},
		{"owner^=ali", []string{"change/1", "change/3"}},
		{"number>=2", []string{"change/2", "change/3"}},
		{"number>=2 number<=29", []string{"change/2"}},
		{"number=30", []string{"change/3"}},
		{`number="30"`, nil},
		{"updated<=" + t0.Add(time.Hour).Format(time.RFC3339Nano), []string{"change/1", "change/2"}},
		{"updated=" + t0.Format(time.RFC3339Nano), []string{"change/1"}},
		{"owner>=b", []string{"change/2"}},
		{"type=project", []string{"project/p"}},
		{"status=abandoned", nil},
		{"nosuchfield=x", nil},
	}
	for _, c := range cases {
		c := c
		t.Run("query "+c.query, func(t *testing.T) {
			pred, err := index.ParsePredicate(c.query)
			if err != nil {
				t.Fatal(err)
			}
			keys, err := ix.Query(ctx, pred, "", 100)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(c.want, keyStrings(keys)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("list elements", func(t *testing.T) {
		lcases := []struct {
			name string
			pred index.Predicate
			want []string
		}{
			{"equal", index.Eq{Field: "pairs", Value: note.List(note.String("a"), note.Int(1))}, []string{"project/p"}},
			{"shorter", index.Eq{Field: "pairs", Value: note.List(note.String("a"))}, nil},
			{"reordered", index.Eq{Field: "pairs", Value: note.List(note.Int(1), note.String("a"))}, nil},
			{"unbounded range", index.Range{Field: "pairs"}, []string{"project/p"}},
			{"int range", index.Range{Field: "pairs", Min: note.Int(0)}, nil},
		}
		for _, c := range lcases {
			keys, err := ix.Query(ctx, c.pred, "", 100)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(c.want, keyStrings(keys)); diff != "" {
				t.Errorf("%s: mismatch (-want +got):\n%s", c.name, diff)
			}
		}
	})

	t.Run("paging", func(t *testing.T) {
		var (
			got   []string
			token string
		)
		for pages := 0; ; pages++ {
			if pages > 10 {
				t.Fatal("too many pages")
			}
			keys, next, err := index.Search(ctx, ix, index.All{}, token, 1)
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, keyStrings(keys)...)
			if next == "" {
				break
			}
			token = next
		}
		want := []string{"change/1", "change/2", "change/3", "project/p"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}

		keys, err := ix.Query(ctx, index.All{}, "change/2", 100)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"change/3", "project/p"}, keyStrings(keys)); diff != "" {
			t.Errorf("after change/2 mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("replace", func(t *testing.T) {
		doc := docs[0].Clone()
		doc.Revision = notedb.Blob("r1b").Hash()
		doc.Fields["status"] = []note.Value{note.String("abandoned")}
		delete(doc.Fields, "hashtags")
		if err := ix.Upsert(ctx, doc); err != nil {
			t.Fatal(err)
		}

		keys, err := ix.Query(ctx, index.Eq{Field: "status", Value: note.String("open")}, "", 100)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"change/3"}, keyStrings(keys)); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
		keys, err = ix.Query(ctx, index.Eq{Field: "hashtags", Value: note.String("ui")}, "", 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 0 {
			t.Errorf("got %v, want no matches for removed hashtag", keyStrings(keys))
		}

		got, err := ix.Get(ctx, doc.Key)
		if err != nil {
			t.Fatal(err)
		}
		if got.Revision != doc.Revision {
			t.Errorf("got revision %s, want %s", got.Revision, doc.Revision)
		}
	})

	t.Run("delete", func(t *testing.T) {
		k := notedb.Key{Type: "change", ID: "2"}
		if err := ix.Delete(ctx, k); err != nil {
			t.Fatal(err)
		}
		if err := ix.Delete(ctx, k); err != nil {
			t.Errorf("deleting absent document: %s", err)
		}
		if _, err := ix.Get(ctx, k); !notedb.IsNotFound(err) {
			t.Errorf("got %v after delete, want not found", err)
		}
		keys, err := ix.Query(ctx, index.Eq{Field: "hashtags", Value: note.String("perf")}, "", 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 0 {
			t.Errorf("got %v, want no matches after delete", keyStrings(keys))
		}
	})

	t.Run("clear", func(t *testing.T) {
		if err := ix.Clear(ctx); err != nil {
			t.Fatal(err)
		}
		keys, err := ix.Query(ctx, index.All{}, "", 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 0 {
			t.Errorf("got %v after clear, want nothing", keyStrings(keys))
		}
	})
}

func keyStrings(keys []notedb.Key) []string {
	var out []string
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}
