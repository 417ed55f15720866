package notedb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MaxMultiConcurrency bounds the Get or Put calls in flight
// for one call to GetMulti or PutMulti.
const MaxMultiConcurrency = 16

// GetMulti fetches several objects concurrently.
// The result maps each hash found in g to its blob.
// Hashes that could not be fetched are reported in a MultiErr,
// so when the error is a MultiErr
// every input hash is in exactly one of the two maps.
func GetMulti(ctx context.Context, g Getter, hashes []Hash) (map[Hash]Blob, error) {
	var (
		mu     sync.Mutex
		res    = make(map[Hash]Blob, len(hashes))
		errmap MultiErr
	)

	var eg errgroup.Group
	eg.SetLimit(MaxMultiConcurrency)
	for _, h := range hashes {
		h := h
		eg.Go(func() error {
			blob, err := g.Get(ctx, h)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if errmap == nil {
					errmap = make(MultiErr)
				}
				errmap[h] = err
				return nil
			}
			res[h] = blob
			return nil
		})
	}
	eg.Wait()

	if errmap == nil {
		return res, nil
	}
	return res, errmap
}

// MultiErr maps hashes to the errors encountered
// getting or putting their objects in GetMulti or PutMulti.
type MultiErr map[Hash]error

func (e MultiErr) Error() string {
	hashes := make([]Hash, 0, len(e))
	for h := range e {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Less(hashes[j]) })

	strs := make([]string, 0, len(hashes))
	for _, h := range hashes {
		strs = append(strs, fmt.Sprintf("%s: %s", h, e[h]))
	}
	return fmt.Sprintf("%d object error(s): %s", len(e), strings.Join(strs, "; "))
}

// PutMulti stores several objects concurrently.
// The result maps each stored blob's hash to whether it was new to s.
// Blobs that could not be stored are reported in a MultiErr.
func PutMulti(ctx context.Context, s Store, blobs []Blob) (map[Hash]bool, error) {
	var (
		mu     sync.Mutex
		res    = make(map[Hash]bool, len(blobs))
		errmap MultiErr
	)

	var eg errgroup.Group
	eg.SetLimit(MaxMultiConcurrency)
	for _, blob := range blobs {
		blob := blob
		eg.Go(func() error {
			h, added, err := s.Put(ctx, blob)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if errmap == nil {
					errmap = make(MultiErr)
				}
				errmap[blob.Hash()] = err
				return nil
			}
			res[h] = res[h] || added
			return nil
		})
	}
	eg.Wait()

	if errmap == nil {
		return res, nil
	}
	return res, errmap
}
