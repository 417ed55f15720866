package store

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/notedb"
)

// syncBatch is the number of missing objects Sync copies per round of
// concurrent gets and puts.
const syncBatch = 64

// Sync synchronizes the objects of two or more stores.
// It runs ListHashes on all input stores.
// When a hash is found to be in some but not all stores,
// its blob is added to the stores where it's missing.
// Copies are made in batches with notedb.GetMulti and notedb.PutMulti.
// Refs are not touched; see CopyRefs.
func Sync(ctx context.Context, stores []notedb.Store) error {
	if len(stores) < 2 {
		return nil
	}

	type tuple struct {
		i  int // index in stores
		ch <-chan notedb.Hash
		h  *notedb.Hash
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx2 := errgroup.WithContext(ctx)

	tuples := make([]*tuple, 0, len(stores))
	for i, s := range stores {
		s := s
		ch := make(chan notedb.Hash)
		eg.Go(func() error {
			defer close(ch)
			return s.ListHashes(ctx2, notedb.Zero, func(h notedb.Hash) error {
				select {
				case <-ctx2.Done():
					return ctx2.Err()
				case ch <- h:
				}
				return nil
			})
		})
		tuples = append(tuples, &tuple{i: i, ch: ch})
	}

	errch := make(chan error, 1)

	go func() {
		errch <- eg.Wait()
	}()

	advance := func(tup *tuple) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case h, ok := <-tup.ch:
			if ok {
				tup.h = &h
			} else {
				tup.h = nil
			}
		}
		return nil
	}

	for _, tup := range tuples {
		if err := advance(tup); err != nil {
			return err
		}
	}

	var pending []copyReq

	for {
		sort.Slice(tuples, func(i, j int) bool {
			hi := tuples[i].h
			hj := tuples[j].h
			if hi != nil {
				if hj != nil {
					return hi.Less(*hj)
				}
				return true
			}
			return false
		})

		if tuples[0].h == nil {
			// We've reached the end of input on all channels.
			if err := copyObjects(ctx, stores, pending); err != nil {
				return err
			}
			return <-errch
		}

		h := *(tuples[0].h)

		havers := []*tuple{tuples[0]}
		i := 1
		for i < len(tuples) && tuples[i].h != nil && *(tuples[i].h) == h {
			havers = append(havers, tuples[i])
			i++
		}

		if i < len(tuples) {
			req := copyReq{src: havers[0].i, h: h}
			for _, tup := range tuples[i:] {
				req.dsts = append(req.dsts, tup.i)
			}
			pending = append(pending, req)
			if len(pending) >= syncBatch {
				if err := copyObjects(ctx, stores, pending); err != nil {
					return err
				}
				pending = nil
			}
		}

		for _, tup := range havers {
			if err := advance(tup); err != nil {
				return err
			}
		}
	}
}

// copyReq is an object to copy from stores[src] to each of stores[dsts].
type copyReq struct {
	src  int
	h    notedb.Hash
	dsts []int
}

func copyObjects(ctx context.Context, stores []notedb.Store, reqs []copyReq) error {
	if len(reqs) == 0 {
		return nil
	}

	bySrc := make(map[int][]notedb.Hash)
	for _, req := range reqs {
		bySrc[req.src] = append(bySrc[req.src], req.h)
	}
	blobs := make(map[notedb.Hash]notedb.Blob, len(reqs))
	for src, hashes := range bySrc {
		got, err := notedb.GetMulti(ctx, stores[src], hashes)
		if err != nil {
			return errors.Wrap(err, "getting objects")
		}
		for h, blob := range got {
			blobs[h] = blob
		}
	}

	byDst := make(map[int][]notedb.Blob)
	for _, req := range reqs {
		for _, dst := range req.dsts {
			byDst[dst] = append(byDst[dst], blobs[req.h])
		}
	}
	for dst, bs := range byDst {
		if _, err := notedb.PutMulti(ctx, stores[dst], bs); err != nil {
			return errors.Wrap(err, "storing objects")
		}
	}
	return nil
}

// CopyRefs makes each ref in dst whose name begins with prefix
// match the same-named ref in src.
// Refs present only in dst are left alone.
// It returns the number of refs changed.
//
// The objects those refs point to must already be in dst's object store
// (see Sync).
// A ref that changes in dst concurrently is reported as notedb.ErrConflict.
func CopyRefs(ctx context.Context, src notedb.RefReader, dst notedb.RefTable, prefix string) (int, error) {
	var n int
	err := src.ListRefs(ctx, prefix, func(name string, h notedb.Hash) error {
		cur, err := notedb.ReadRefOrZero(ctx, dst, name)
		if err != nil {
			return errors.Wrapf(err, "reading ref %s", name)
		}
		if cur == h {
			return nil
		}
		if err = dst.CompareAndSwap(ctx, name, cur, h); err != nil {
			return errors.Wrapf(err, "updating ref %s", name)
		}
		n++
		return nil
	})
	return n, err
}
