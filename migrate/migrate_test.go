package migrate

import (
	"context"
	"testing"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/store/mem"
)

// seqOnly hides the BatchRefTable methods of a backend.
type seqOnly struct {
	notedb.Backend
}

func TestShardRefs(t *testing.T) {
	for _, batch := range []bool{true, false} {
		name := "sequential"
		if batch {
			name = "batch"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mem.New()

			var b notedb.Backend = s
			if !batch {
				b = seqOnly{Backend: s}
			}

			var (
				keys = []string{"change/1", "change/2", "account/alice"}
				want = make(map[string]notedb.Hash)
			)
			for _, ks := range keys {
				h, _, err := s.Put(ctx, notedb.Blob(ks))
				if err != nil {
					t.Fatal(err)
				}
				if err = notedb.CreateRef(ctx, s, notedb.EntityRefPrefix+ks, h); err != nil {
					t.Fatal(err)
				}
				k, err := notedb.ParseKey(ks)
				if err != nil {
					t.Fatal(err)
				}
				want[k.RefName()] = h
			}

			// Simulate a crash after the new ref for change/2 was created
			// but before the old one was removed.
			k2, _ := notedb.ParseKey("change/2")
			if err := notedb.CreateRef(ctx, s, k2.RefName(), want[k2.RefName()]); err != nil {
				t.Fatal(err)
			}

			for i := 0; i < 2; i++ {
				if err := ShardRefs(ctx, b); err != nil {
					t.Fatalf("run %d: %s", i, err)
				}
			}

			got := make(map[string]notedb.Hash)
			err := s.ListRefs(ctx, notedb.EntityRefPrefix, func(name string, h notedb.Hash) error {
				got[name] = h
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(want) {
				t.Errorf("got %d refs, want %d: %v", len(got), len(want), got)
			}
			for name, h := range want {
				if got[name] != h {
					t.Errorf("ref %s: got %s, want %s", name, got[name], h)
				}
				if _, err := notedb.KeyFromRefName(name); err != nil {
					t.Error(err)
				}
			}
		})
	}
}

func TestShardRefsCollision(t *testing.T) {
	ctx := context.Background()
	s := mem.New()

	k := notedb.Key{Type: "change", ID: "7"}
	if err := notedb.CreateRef(ctx, s, notedb.EntityRefPrefix+"change/7", notedb.Blob("a").Hash()); err != nil {
		t.Fatal(err)
	}
	if err := notedb.CreateRef(ctx, s, k.RefName(), notedb.Blob("b").Hash()); err != nil {
		t.Fatal(err)
	}
	if err := ShardRefs(ctx, s); err == nil {
		t.Error("got no error moving onto a different existing ref")
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	s := mem.New()

	r, err := NewRegistry(s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err = r.MigrateTo(ctx, r.Latest()); err != nil {
		t.Fatal(err)
	}
	if err = r.Check(ctx); err != nil {
		t.Error(err)
	}
}
