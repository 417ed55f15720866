package testutil

import (
	"context"
	"sort"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/notedb"
)

// AllHashes writes a random set of random blobs to an empty store
// and makes sure that the right set of hashes comes back in a call to ListHashes.
func AllHashes(ctx context.Context, t *testing.T, storeFactory func() notedb.Store) {
	if err := quick.Check(allHashesHelper(ctx, t, storeFactory), &quick.Config{MaxCount: 20}); err != nil {
		t.Error(err)
	}
}

func allHashesHelper(ctx context.Context, t *testing.T, storeFactory func() notedb.Store) func([][]byte) bool {
	return func(blobs [][]byte) bool {
		var (
			store = storeFactory()
			want  []notedb.Hash
		)
		for _, blob := range blobs {
			h, added, err := store.Put(ctx, blob)
			if err != nil {
				t.Fatal(err)
			}
			if added {
				want = append(want, h)
			}
		}
		var got []notedb.Hash
		err := store.ListHashes(ctx, notedb.Zero, func(h notedb.Hash) error {
			got = append(got, h)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		sort.Slice(want, func(i, j int) bool { return want[i].Less(want[j]) })

		if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Less(got[j]) }) {
			t.Log("ListHashes results are not in order")
			return false
		}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}
		return true
	}
}
