package notedb_test

import (
	"context"
	"errors"
	"testing"
	"testing/quick"

	. "github.com/bobg/notedb"
	"github.com/bobg/notedb/store/mem"
)

func TestMulti(t *testing.T) {
	ctx := context.Background()

	err := quick.Check(func(yesBlobs, noBlobs map[string]struct{}) bool {
		s := mem.New()

		blobs := make([]Blob, 0, len(yesBlobs))
		for b := range yesBlobs {
			blobs = append(blobs, []byte(b))
		}

		hashMap, err := PutMulti(ctx, s, blobs)
		if err != nil {
			t.Log(err)
			return false
		}

		hashes := make([]Hash, 0, len(hashMap))
		for h := range hashMap {
			hashes = append(hashes, h)
		}
		got, err := GetMulti(ctx, s, hashes)
		if err != nil {
			t.Log(err)
			return false
		}
		for h := range hashMap {
			if _, ok := got[h]; !ok {
				t.Logf("hash %s missing after GetMulti", h)
				return false
			}
		}
		for h := range got {
			if _, ok := hashMap[h]; !ok {
				t.Logf("got unexpected hash %s after GetMulti", h)
				return false
			}
		}

		noHashes := make(map[Hash]string)
		for b := range noBlobs {
			if _, ok := yesBlobs[b]; ok {
				// Filter anything out of noBlobs that also exists in yesBlobs.
				continue
			}
			h := Blob(b).Hash()
			noHashes[h] = b
			hashes = append(hashes, h)
		}

		if len(noHashes) == 0 {
			return true
		}

		got, err = GetMulti(ctx, s, hashes)
		if err == nil {
			t.Log("got no error from second GetMulti, want MultiErr")
			return false
		}

		merr, ok := err.(MultiErr)
		if !ok {
			t.Logf("got %T error from second GetMulti, want MultiErr", err)
			return false
		}
		for h, e := range merr {
			if _, ok := noHashes[h]; !ok {
				t.Logf("got unexpected error for h %s after second GetMulti", h)
				return false
			}
			if !errors.Is(e, ErrNotFound) {
				t.Logf("got error %s for hash %s after second GetMulti, want %s", e, h, ErrNotFound)
				return false
			}
		}
		for h, noBlob := range noHashes {
			if _, ok := merr[h]; !ok {
				t.Logf("hash %s missing from MultiErr after second GetMulti (blob %s)", h, noBlob)
				return false
			}
		}
		for h := range hashMap {
			if _, ok := got[h]; !ok {
				t.Logf("hash %s missing after GetMulti", h)
				return false
			}
		}
		for h := range got {
			if _, ok := hashMap[h]; !ok {
				t.Logf("got unexpected hash %s after GetMulti", h)
				return false
			}
		}

		return true
	}, nil)
	if err != nil {
		t.Error(err)
	}
}
