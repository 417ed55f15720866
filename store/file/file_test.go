package file

import (
	"context"
	"testing"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/testutil"
)

func TestStore(t *testing.T) {
	testutil.ReadWrite(context.Background(), t, New(t.TempDir()))
}

func TestAllHashes(t *testing.T) {
	testutil.AllHashes(context.Background(), t, func() notedb.Store {
		return New(t.TempDir())
	})
}

func TestRefs(t *testing.T) {
	testutil.Refs(context.Background(), t, New(t.TempDir()))
}

func TestConcurrentCAS(t *testing.T) {
	testutil.ConcurrentCAS(context.Background(), t, New(t.TempDir()), 4, 10)
}

func TestSharedRoot(t *testing.T) {
	// Two Stores on one root stand in for two processes.
	var (
		ctx  = context.Background()
		root = t.TempDir()
		a    = New(root)
		b    = New(root)
		h    = notedb.Blob("x").Hash()
	)
	if err := notedb.CreateRef(ctx, a, "refs/x", h); err != nil {
		t.Fatal(err)
	}
	got, err := b.ReadRef(ctx, "refs/x")
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Errorf("got %s, want %s", got, h)
	}
	if err = notedb.CreateRef(ctx, b, "refs/x", h); err != notedb.ErrConflict {
		t.Errorf("got %v, want %s", err, notedb.ErrConflict)
	}
}

func TestBadRefName(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	for _, name := range []string{"refs/../escape", "notrefs/x", "refs/x.lock", "refs//x"} {
		if err := notedb.CreateRef(ctx, s, name, notedb.Blob("x").Hash()); err == nil {
			t.Errorf("created ref %q", name)
		}
	}
}
