package store_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/notedb"
	. "github.com/bobg/notedb/store"
	"github.com/bobg/notedb/store/mem"
)

func TestSync(t *testing.T) {
	const text = `abc def ghi jkl mno pqr stu`

	var (
		ctx    = context.Background()
		words  = strings.Fields(text)
		stores = make([]notedb.Store, 0, len(words))
	)
	for i := range words {
		s := mem.New()
		stores = append(stores, s)
		for j, word := range words {
			if i == j {
				continue
			}

			_, _, err := s.Put(ctx, notedb.Blob(word))
			if err != nil {
				t.Fatal(err)
			}
		}
	}

	err := Sync(ctx, stores)
	if err != nil {
		t.Fatal(err)
	}

	hashes := listHashes(ctx, t, stores[0])
	if len(hashes) != len(words) {
		t.Fatalf("got %d hashes, want %d", len(hashes), len(words))
	}

	for i := 1; i < len(stores); i++ {
		if diff := cmp.Diff(hashes, listHashes(ctx, t, stores[i])); diff != "" {
			t.Errorf("store %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestSyncBatches(t *testing.T) {
	var (
		ctx = context.Background()
		a   = mem.New()
		b   = mem.New()
	)
	// More objects than one copy batch, in both directions.
	for i := 0; i < 150; i++ {
		if _, _, err := a.Put(ctx, notedb.Blob(fmt.Sprintf("a%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 70; i++ {
		if _, _, err := b.Put(ctx, notedb.Blob(fmt.Sprintf("b%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	if err := Sync(ctx, []notedb.Store{a, b}); err != nil {
		t.Fatal(err)
	}

	ah, bh := listHashes(ctx, t, a), listHashes(ctx, t, b)
	if len(ah) != 220 {
		t.Errorf("got %d objects, want 220", len(ah))
	}
	if diff := cmp.Diff(ah, bh); diff != "" {
		t.Errorf("stores differ (-a +b):\n%s", diff)
	}
	for _, h := range bh {
		blob, err := b.Get(ctx, h)
		if err != nil {
			t.Fatal(err)
		}
		if blob.Hash() != h {
			t.Errorf("object %s copied with wrong content", h)
		}
	}
}

func listHashes(ctx context.Context, t *testing.T, s notedb.Getter) []notedb.Hash {
	var hashes []notedb.Hash
	err := s.ListHashes(ctx, notedb.Zero, func(h notedb.Hash) error {
		hashes = append(hashes, h)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return hashes
}

func TestCopyRefs(t *testing.T) {
	var (
		ctx = context.Background()
		src = mem.New()
		dst = mem.New()

		h1 = notedb.Blob("one").Hash()
		h2 = notedb.Blob("two").Hash()
	)

	for name, h := range map[string]notedb.Hash{
		"refs/entities/a": h1,
		"refs/entities/b": h2,
		"refs/other/c":    h1,
	} {
		if err := notedb.CreateRef(ctx, src, name, h); err != nil {
			t.Fatal(err)
		}
	}
	for name, h := range map[string]notedb.Hash{
		"refs/entities/a": h2,
		"refs/entities/z": h1,
	} {
		if err := notedb.CreateRef(ctx, dst, name, h); err != nil {
			t.Fatal(err)
		}
	}

	n, err := CopyRefs(ctx, src, dst, "refs/entities/")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("got %d refs changed, want 2", n)
	}

	got := make(map[string]notedb.Hash)
	err = dst.ListRefs(ctx, "", func(name string, h notedb.Hash) error {
		got[name] = h
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]notedb.Hash{
		"refs/entities/a": h1,
		"refs/entities/b": h2,
		"refs/entities/z": h1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	n, err = CopyRefs(ctx, src, dst, "refs/entities/")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("got %d refs changed on second copy, want 0", n)
	}
}
