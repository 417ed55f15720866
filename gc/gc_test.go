package gc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bobg/notedb"
	. "github.com/bobg/notedb/gc"
	"github.com/bobg/notedb/note"
	"github.com/bobg/notedb/store/mem"
)

func put(ctx context.Context, t *testing.T, s notedb.Store, pred notedb.Hash, n int64) notedb.Hash {
	t.Helper()
	h, err := note.Put(ctx, s, note.Revision{Pred: pred, Fields: []note.Field{note.Set("n", note.Int(n))}})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestGC(t *testing.T) {
	ctx := context.Background()
	store := mem.New()

	// A chain of three under a ref.
	r1 := put(ctx, t, store, notedb.Zero, 1)
	r2 := put(ctx, t, store, r1, 2)
	r3 := put(ctx, t, store, r2, 3)
	key := notedb.Key{Type: "change", ID: "1"}
	if err := notedb.CreateRef(ctx, store, key.RefName(), r3); err != nil {
		t.Fatal(err)
	}

	// A revision that lost a race, and a stray blob.
	loser := put(ctx, t, store, r2, 99)
	stray, _, err := store.Put(ctx, notedb.Blob("stray"))
	if err != nil {
		t.Fatal(err)
	}

	// A chain under a non-entity ref is also kept.
	s1 := put(ctx, t, store, notedb.Zero, 100)
	if err := notedb.CreateRef(ctx, store, notedb.SequenceRefPrefix+"changes", s1); err != nil {
		t.Fatal(err)
	}

	k := NewMemKeep()
	if err = AddRefs(ctx, k, store, store, ""); err != nil {
		t.Fatal(err)
	}
	if k.Len() != 4 {
		t.Errorf("got %d kept objects, want 4", k.Len())
	}

	n, err := Run(ctx, store, k, &Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("dry run counted %d, want 2", n)
	}
	if _, err = store.Get(ctx, loser); err != nil {
		t.Errorf("dry run deleted %s: %v", loser, err)
	}

	n, err = Collect(ctx, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}

	for _, h := range []notedb.Hash{r1, r2, r3, s1} {
		if _, err := store.Get(ctx, h); err != nil {
			t.Errorf("getting kept object %s: %s", h, err)
		}
	}
	for _, h := range []notedb.Hash{loser, stray} {
		if _, err := store.Get(ctx, h); !notedb.IsNotFound(err) {
			t.Errorf("got %v for collected object %s, want not found", err, h)
		}
	}
}

func TestAddStopsAtKept(t *testing.T) {
	ctx := context.Background()
	store := mem.New()

	r1 := put(ctx, t, store, notedb.Zero, 1)
	r2 := put(ctx, t, store, r1, 2)

	k := NewMemKeep()
	if _, err := k.Add(ctx, r1); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, r1); err != nil {
		t.Fatal(err)
	}
	// r1 is already kept, so its absence is never noticed.
	if err := Add(ctx, k, store, r2); err != nil {
		t.Fatal(err)
	}
	if k.Len() != 2 {
		t.Errorf("got %d kept, want 2", k.Len())
	}

	// A missing object is kept without error.
	missing := notedb.Blob("missing").Hash()
	if err := Add(ctx, k, store, missing); err != nil {
		t.Fatal(err)
	}
	if ok, _ := k.Contains(ctx, missing); !ok {
		t.Error("missing object not kept")
	}
}

// racingStore runs a write the first time refs are listed,
// which is after Collect has listed objects and before it deletes any.
type racingStore struct {
	*mem.Store
	once  sync.Once
	write func()
}

func (s *racingStore) ListRefs(ctx context.Context, prefix string, f func(string, notedb.Hash) error) error {
	err := s.Store.ListRefs(ctx, prefix, f)
	s.once.Do(s.write)
	return err
}

func TestCollectConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{Store: mem.New()}

	r1 := put(ctx, t, store, notedb.Zero, 1)
	key := notedb.Key{Type: "change", ID: "1"}
	if err := notedb.CreateRef(ctx, store, key.RefName(), r1); err != nil {
		t.Fatal(err)
	}

	// A writer has put its revision but not yet moved the ref.
	pending := put(ctx, t, store, r1, 2)
	stray, _, err := store.Put(ctx, notedb.Blob("stray"))
	if err != nil {
		t.Fatal(err)
	}

	var fresh notedb.Hash
	store.write = func() {
		if err := store.CompareAndSwap(ctx, key.RefName(), r1, pending); err != nil {
			t.Error(err)
		}
		// An object written mid-collection and not yet referenced.
		h, _, err := store.Put(ctx, notedb.Blob("fresh"))
		if err != nil {
			t.Error(err)
		}
		fresh = h
	}

	n, err := Collect(ctx, store, &Options{Grace: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	for _, h := range []notedb.Hash{r1, pending, fresh} {
		if _, err := store.Get(ctx, h); err != nil {
			t.Errorf("getting %s: %s", h, err)
		}
	}
	if _, err := store.Get(ctx, stray); !notedb.IsNotFound(err) {
		t.Errorf("got %v for stray object, want not found", err)
	}
}

func TestCollectGraceCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := mem.New()
	stray, _, err := store.Put(ctx, notedb.Blob("stray"))
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err = Collect(ctx, store, &Options{Grace: time.Hour}); err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
	if _, err = store.Get(context.Background(), stray); err != nil {
		t.Errorf("canceled collection deleted %s: %v", stray, err)
	}
}
