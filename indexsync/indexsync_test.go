package indexsync_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/entity"
	"github.com/bobg/notedb/index"
	imem "github.com/bobg/notedb/index/mem"
	"github.com/bobg/notedb/indexsync"
	"github.com/bobg/notedb/note"
	"github.com/bobg/notedb/store/mem"
)

type fixture struct {
	s   *mem.Store
	ix  *imem.Index
	syn *indexsync.Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := mem.New()
	mat, err := entity.New(s, nil)
	if err != nil {
		t.Fatal(err)
	}
	ix := imem.New()
	syn := indexsync.New(s, mat, ix, &indexsync.Options{Workers: 3, QueueLen: 4})
	t.Cleanup(syn.Close)
	return &fixture{s: s, ix: ix, syn: syn}
}

// commit appends a revision to key's chain and advances its ref,
// without notifying the synchronizer.
func (f *fixture) commit(ctx context.Context, t *testing.T, key notedb.Key, deleted bool, fields ...note.Field) notedb.Hash {
	t.Helper()
	old, err := notedb.ReadRefOrZero(ctx, f.s, key.RefName())
	if err != nil {
		t.Fatal(err)
	}
	h, err := note.Put(ctx, f.s, note.Revision{Pred: old, Deleted: deleted, Fields: fields})
	if err != nil {
		t.Fatal(err)
	}
	if err = f.s.CompareAndSwap(ctx, key.RefName(), old, h); err != nil {
		t.Fatal(err)
	}
	return h
}

func (f *fixture) stale(ctx context.Context, t *testing.T, key notedb.Key) bool {
	t.Helper()
	stale, err := f.syn.DetectStale(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	return stale
}

func TestOnCommitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := notedb.Key{Type: "change", ID: "1"}

	if f.stale(ctx, t, key) {
		t.Error("absent entity reported stale")
	}

	h1 := f.commit(ctx, t, key, false, note.Set("status", note.String("open")))
	if !f.stale(ctx, t, key) {
		t.Error("unindexed entity not reported stale")
	}
	if err := f.syn.OnCommitted(ctx, key, h1); err != nil {
		t.Fatal(err)
	}
	if f.stale(ctx, t, key) {
		t.Error("entity stale after OnCommitted")
	}

	h2 := f.commit(ctx, t, key, false, note.Set("status", note.String("merged")), note.Add("hashtags", note.String("perf")))
	if !f.stale(ctx, t, key) {
		t.Error("entity not stale between commit and OnCommitted")
	}
	if err := f.syn.OnCommitted(ctx, key, h2); err != nil {
		t.Fatal(err)
	}
	if f.stale(ctx, t, key) {
		t.Error("entity stale after second OnCommitted")
	}

	doc, err := f.ix.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Revision != h2 {
		t.Errorf("got revision %s, want %s", doc.Revision, h2)
	}
	if !(index.Eq{Field: "hashtags", Value: note.String("perf")}).Match(doc) {
		t.Errorf("document %v lacks hashtag", doc.Fields)
	}

	h3 := f.commit(ctx, t, key, true)
	if !f.stale(ctx, t, key) {
		t.Error("deleted entity with live document not reported stale")
	}
	if err = f.syn.OnCommitted(ctx, key, h3); err != nil {
		t.Fatal(err)
	}
	if _, err = f.ix.Get(ctx, key); !notedb.IsNotFound(err) {
		t.Errorf("got %v for deleted entity's document, want not found", err)
	}
	if f.stale(ctx, t, key) {
		t.Error("deleted, unindexed entity reported stale")
	}
}

func TestOnCommittedOldHead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := notedb.Key{Type: "change", ID: "1"}

	h1 := f.commit(ctx, t, key, false, note.Set("status", note.String("open")))
	h2 := f.commit(ctx, t, key, false, note.Set("status", note.String("merged")))

	// A late notification for h1 indexes the live head instead.
	if err := f.syn.OnCommitted(ctx, key, h1); err != nil {
		t.Fatal(err)
	}
	doc, err := f.ix.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Revision != h2 {
		t.Errorf("got revision %s, want %s", doc.Revision, h2)
	}
}

func TestNotify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 40
	heads := make(map[notedb.Key]notedb.Hash)
	for i := 0; i < n; i++ {
		key := notedb.Key{Type: "change", ID: fmt.Sprint(i)}
		for j := 0; j < 3; j++ {
			h := f.commit(ctx, t, key, false, note.Set("n", note.Int(int64(j))))
			heads[key] = h
			f.syn.Notify(key, h)
		}
	}
	f.syn.Wait()

	if got := f.ix.Len(); got != n {
		t.Errorf("got %d documents, want %d", got, n)
	}
	for key, h := range heads {
		doc, err := f.ix.Get(ctx, key)
		if err != nil {
			t.Fatalf("getting %s: %s", key, err)
		}
		if doc.Revision != h {
			t.Errorf("%s: got revision %s, want %s", key, doc.Revision, h)
		}
	}
}

func TestReindexAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 100
	for i := 0; i < n; i++ {
		key := notedb.Key{Type: "change", ID: fmt.Sprint(i)}
		h := f.commit(ctx, t, key, false, note.Set("status", note.String("open")))
		if err := f.syn.OnCommitted(ctx, key, h); err != nil {
			t.Fatal(err)
		}
		if i%2 == 0 {
			f.commit(ctx, t, key, false, note.Set("status", note.String("merged")))
		}
	}

	// Corrupt the index.
	for i := 0; i < n; i += 3 {
		key := notedb.Key{Type: "change", ID: fmt.Sprint(i)}
		if err := f.ix.Delete(ctx, key); err != nil {
			t.Fatal(err)
		}
	}
	bogus := index.Doc{
		Key:      notedb.Key{Type: "change", ID: "ghost"},
		Revision: notedb.Blob("ghost").Hash(),
		Fields:   map[string][]note.Value{"status": {note.String("open")}},
	}
	if err := f.ix.Upsert(ctx, bogus); err != nil {
		t.Fatal(err)
	}

	got, err := f.syn.ReindexAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != n {
		t.Errorf("reindexed %d entities, want %d", got, n)
	}
	if l := f.ix.Len(); l != n {
		t.Errorf("index has %d documents, want %d", l, n)
	}

	err = f.s.ListRefs(ctx, notedb.EntityRefPrefix, func(name string, h notedb.Hash) error {
		key, err := notedb.KeyFromRefName(name)
		if err != nil {
			return err
		}
		doc, err := f.ix.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("getting %s: %w", key, err)
		}
		if doc.Revision != h {
			t.Errorf("%s: got revision %s, want %s", key, doc.Revision, h)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestQueryFresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var keys []notedb.Key
	for i := 0; i < 4; i++ {
		key := notedb.Key{Type: "change", ID: fmt.Sprint(i)}
		keys = append(keys, key)
		h := f.commit(ctx, t, key, false, note.Set("status", note.String("open")))
		if err := f.syn.OnCommitted(ctx, key, h); err != nil {
			t.Fatal(err)
		}
	}

	// Unindexed changes: 1 is merged, 2 is deleted, 3 gets a new field.
	f.commit(ctx, t, keys[1], false, note.Set("status", note.String("merged")))
	f.commit(ctx, t, keys[2], true)
	f.commit(ctx, t, keys[3], false, note.Set("owner", note.String("alice")))

	pred := index.Eq{Field: "status", Value: note.String("open")}

	stale, _, err := f.syn.Query(ctx, pred, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 4 {
		t.Errorf("got %d keys from stale index, want 4", len(stale))
	}

	fresh, next, err := f.syn.QueryFresh(ctx, pred, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if next != "" {
		t.Errorf("got next token %q, want none", next)
	}
	want := []notedb.Key{keys[0], keys[3]}
	if len(fresh) != len(want) {
		t.Fatalf("got %v, want %v", fresh, want)
	}
	for i := range want {
		if fresh[i] != want[i] {
			t.Errorf("result %d: got %s, want %s", i, fresh[i], want[i])
		}
	}

	for _, key := range keys {
		if f.stale(ctx, t, key) {
			t.Errorf("%s still stale after QueryFresh", key)
		}
	}
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := notedb.Key{Type: "project", ID: "p"}

	f.commit(ctx, t, key, false, note.Set("name", note.String("p")))
	repaired, err := f.syn.Refresh(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !repaired {
		t.Error("first Refresh did not repair")
	}
	repaired, err = f.syn.Refresh(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if repaired {
		t.Error("second Refresh repaired a current document")
	}
}

func TestCloseDrains(t *testing.T) {
	ctx := context.Background()
	s := mem.New()
	mat, err := entity.New(s, nil)
	if err != nil {
		t.Fatal(err)
	}
	ix := imem.New()
	syn := indexsync.New(s, mat, ix, nil)

	key := notedb.Key{Type: "change", ID: "1"}
	h, err := note.Put(ctx, s, note.Revision{Fields: []note.Field{note.Set("status", note.String("open"))}})
	if err != nil {
		t.Fatal(err)
	}
	if err = notedb.CreateRef(ctx, s, key.RefName(), h); err != nil {
		t.Fatal(err)
	}
	syn.Notify(key, h)
	syn.Close()
	syn.Close()

	if ix.Len() != 1 {
		t.Errorf("got %d documents after Close, want 1", ix.Len())
	}
	syn.Notify(key, h) // dropped, must not panic
}
