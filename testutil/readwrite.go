package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bobg/notedb"
)

// ReadWrite permits testing a Store implementation
// by writing some blobs to it,
// then reading them back out to make sure they're the same.
// It also checks that Put is idempotent
// and that Get of an unknown hash yields notedb.ErrNotFound.
func ReadWrite(ctx context.Context, t *testing.T, store notedb.Store) {
	var blobs []notedb.Blob
	for i := 0; i < 50; i++ {
		blobs = append(blobs, notedb.Blob(fmt.Sprintf("blob number %d %s", i, bytes.Repeat([]byte{'x'}, i*37))))
	}
	blobs = append(blobs, notedb.Blob{})

	for i, b := range blobs {
		h, added, err := store.Put(ctx, b)
		if err != nil {
			t.Fatal(err)
		}
		if !added {
			t.Errorf("blob %d: got added=false on first Put, want true", i)
		}
		if h != b.Hash() {
			t.Errorf("blob %d: got hash %s, want %s", i, h, b.Hash())
		}

		h2, added, err := store.Put(ctx, b)
		if err != nil {
			t.Fatal(err)
		}
		if added {
			t.Errorf("blob %d: got added=true on second Put, want false", i)
		}
		if h2 != h {
			t.Errorf("blob %d: second Put gave hash %s, want %s", i, h2, h)
		}
	}

	for i, b := range blobs {
		got, err := store.Get(ctx, b.Hash())
		if err != nil {
			t.Fatalf("getting blob %d: %s", i, err)
		}
		if !bytes.Equal(got, b) {
			t.Errorf("blob %d: got %q, want %q", i, got, b)
		}
	}

	_, err := store.Get(ctx, notedb.Blob("never stored").Hash())
	if !errors.Is(err, notedb.ErrNotFound) {
		t.Errorf("got error %v for unknown hash, want %s", err, notedb.ErrNotFound)
	}
}
