package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/notedb"
)

// Refs tests the compare-and-swap semantics of a RefTable.
func Refs(ctx context.Context, t *testing.T, refs notedb.RefTable) {
	var (
		n1 = "refs/test/a/one"
		n2 = "refs/test/a/two"
		n3 = "refs/test/b/three"

		h1 = notedb.Blob("h1").Hash()
		h2 = notedb.Blob("h2").Hash()
		h3 = notedb.Blob("h3").Hash()
	)

	_, err := refs.ReadRef(ctx, n1)
	if !errors.Is(err, notedb.ErrNotFound) {
		t.Fatalf("got %v reading absent ref, want %s", err, notedb.ErrNotFound)
	}

	if err = notedb.CreateRef(ctx, refs, n1, h1); err != nil {
		t.Fatal(err)
	}
	if err = notedb.CreateRef(ctx, refs, n1, h2); !errors.Is(err, notedb.ErrConflict) {
		t.Fatalf("got %v creating existing ref, want %s", err, notedb.ErrConflict)
	}
	if err = refs.CompareAndSwap(ctx, n1, h2, h3); !errors.Is(err, notedb.ErrConflict) {
		t.Fatalf("got %v from CAS with wrong old value, want %s", err, notedb.ErrConflict)
	}
	checkRef(ctx, t, refs, n1, h1)

	if err = refs.CompareAndSwap(ctx, n1, h1, h2); err != nil {
		t.Fatal(err)
	}
	checkRef(ctx, t, refs, n1, h2)

	if err = notedb.CreateRef(ctx, refs, n2, h2); err != nil {
		t.Fatal(err)
	}
	if err = notedb.CreateRef(ctx, refs, n3, h3); err != nil {
		t.Fatal(err)
	}

	type pair struct {
		Name string
		H    notedb.Hash
	}
	list := func(prefix string) []pair {
		var got []pair
		err := refs.ListRefs(ctx, prefix, func(name string, h notedb.Hash) error {
			got = append(got, pair{Name: name, H: h})
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		return got
	}

	want := []pair{{Name: n1, H: h2}, {Name: n2, H: h2}}
	if diff := cmp.Diff(want, list("refs/test/a/")); diff != "" {
		t.Errorf("ListRefs mismatch (-want +got):\n%s", diff)
	}
	want = append(want, pair{Name: n3, H: h3})
	if diff := cmp.Diff(want, list("refs/test/")); diff != "" {
		t.Errorf("ListRefs mismatch (-want +got):\n%s", diff)
	}

	// Deletion is a CAS to Zero.
	if err = refs.CompareAndSwap(ctx, n2, h2, notedb.Zero); err != nil {
		t.Fatal(err)
	}
	_, err = refs.ReadRef(ctx, n2)
	if !errors.Is(err, notedb.ErrNotFound) {
		t.Fatalf("got %v reading deleted ref, want %s", err, notedb.ErrNotFound)
	}
	if diff := cmp.Diff([]pair{{Name: n1, H: h2}}, list("refs/test/a/")); diff != "" {
		t.Errorf("ListRefs after delete mismatch (-want +got):\n%s", diff)
	}
}

func checkRef(ctx context.Context, t *testing.T, refs notedb.RefReader, name string, want notedb.Hash) {
	t.Helper()
	got, err := refs.ReadRef(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("ref %s: got %s, want %s", name, got, want)
	}
}

// ConcurrentCAS runs several goroutines that each advance one ref a number of times,
// retrying on conflict.
// It checks that the successful transitions form a single unbroken chain,
// i.e. that no two writers ever both won from the same old value.
func ConcurrentCAS(ctx context.Context, t *testing.T, refs notedb.RefTable, writers, each int) {
	const name = "refs/test/concurrent"

	var (
		mu   sync.Mutex
		next = make(map[notedb.Hash]notedb.Hash) // old -> new, for every winning CAS
		wg   sync.WaitGroup
	)

	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				newHash := notedb.Blob(fmt.Sprintf("writer %d step %d", w, i)).Hash()
				for {
					old, err := notedb.ReadRefOrZero(ctx, refs, name)
					if err != nil {
						t.Error(err)
						return
					}
					err = refs.CompareAndSwap(ctx, name, old, newHash)
					if errors.Is(err, notedb.ErrConflict) {
						continue
					}
					if err != nil {
						t.Error(err)
						return
					}

					mu.Lock()
					if prev, ok := next[old]; ok {
						t.Errorf("two winners from %s: %s and %s", old, prev, newHash)
					}
					next[old] = newHash
					mu.Unlock()
					break
				}
			}
		}()
	}
	wg.Wait()

	var (
		h     = notedb.Zero
		steps int
	)
	for {
		n, ok := next[h]
		if !ok {
			break
		}
		h = n
		steps++
	}
	if steps != writers*each {
		t.Errorf("chain has %d steps, want %d", steps, writers*each)
	}
	checkRef(ctx, t, refs, name, h)
}

// Batch tests all-or-nothing semantics of CompareAndSwapMulti.
func Batch(ctx context.Context, t *testing.T, refs notedb.BatchRefTable) {
	var (
		n1 = "refs/batch/one"
		n2 = "refs/batch/two"
		h1 = notedb.Blob("b1").Hash()
		h2 = notedb.Blob("b2").Hash()
	)

	err := refs.CompareAndSwapMulti(ctx, []notedb.RefUpdate{
		{Name: n1, New: h1},
		{Name: n2, New: h1},
	})
	if err != nil {
		t.Fatal(err)
	}
	checkRef(ctx, t, refs, n1, h1)
	checkRef(ctx, t, refs, n2, h1)

	// The second update's old value is wrong, so neither may apply.
	err = refs.CompareAndSwapMulti(ctx, []notedb.RefUpdate{
		{Name: n1, Old: h1, New: h2},
		{Name: n2, Old: h2, New: h2},
	})
	if !errors.Is(err, notedb.ErrConflict) {
		t.Fatalf("got %v, want %s", err, notedb.ErrConflict)
	}
	checkRef(ctx, t, refs, n1, h1)
	checkRef(ctx, t, refs, n2, h1)
}
