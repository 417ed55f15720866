// Package replica implements a backend that replicates objects to several nested stores.
package replica

import (
	"context"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/store"
)

var _ notedb.Backend = (*Store)(nil)

// Store is a backend that delegates object reads and writes to two sets of nested stores.
// One set is synchronous:
// writes to all of these must succeed before a call to Put returns,
// and an error from any will cause Put to fail.
// The other set is asynchronous:
// a call to Put queues writes on these stores but does not wait for them to finish.
// However, if any asynchronous write encounters an error,
// the whole Store is put into an error state and further operations will fail.
//
// Refs are not replicated.
// They live only in the primary backend,
// whose object store is also the first synchronous store.
// Use store.CopyRefs to bring mirrors' refs up to date.
type Store struct {
	primary notedb.Backend
	sync    []notedb.Store
	async   []asyncChans
	cancel  context.CancelFunc

	mu  sync.Mutex // protects err
	err error      // the error from an async goroutine, if any
}

type asyncChans struct {
	blobs chan<- notedb.Blob
	errs  <-chan error
}

// New produces a new Store.
// The primary backend holds refs and is the first synchronous object store;
// mirrors adds more synchronous stores.
// The set of asynchronous stores may be empty.
// If there are any asynchronous stores,
// goroutines are launched for them,
// and canceling the given context object causes those to exit,
// placing the Store in an error state.
//
// Normally, writes to asynchronous stores do not block calls to Put,
// but the queue for each nested store has a fixed length given by n,
// which must be 1 or greater.
// If any async store falls too far behind,
// Put will block until all requests can be queued.
func New(ctx context.Context, primary notedb.Backend, mirrors, async []notedb.Store, n int) *Store {
	result := &Store{
		primary: primary,
		sync:    append([]notedb.Store{primary}, mirrors...),
	}

	if len(async) > 0 {
		ctx, result.cancel = context.WithCancel(ctx)

		selectCases := make([]reflect.SelectCase, 1+len(async))

		for i, a := range async {
			var (
				blobs = make(chan notedb.Blob, n)
				errs  = make(chan error, 1)
			)

			result.async = append(result.async, asyncChans{blobs: blobs, errs: errs})

			selectCases[i].Dir = reflect.SelectRecv
			selectCases[i].Chan = reflect.ValueOf(errs)

			go runAsync(ctx, a, blobs, errs)
		}

		selectCases[len(async)].Dir = reflect.SelectRecv
		selectCases[len(async)].Chan = reflect.ValueOf(ctx.Done())

		go func() {
			_, errval, ok := reflect.Select(selectCases)
			if ok {
				result.cancel()
				result.mu.Lock()
				result.err = errval.Interface().(error)
				result.mu.Unlock()
			}
		}()
	}

	return result
}

// Close stops the asynchronous goroutines, if any.
func (s *Store) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Runs as a goroutine until ctx is canceled or an error occurs (which it writes to errs).
func runAsync(ctx context.Context, store notedb.Store, blobs <-chan notedb.Blob, errs chan<- error) {
	defer close(errs)

	for {
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return

		case blob := <-blobs:
			_, _, err := store.Put(ctx, blob)
			if err != nil {
				errs <- err
				return
			}
		}
	}
}

// Put implements notedb.Store.Put.
// The blob is stored in all synchronous nested stores.
// An error from any of them causes Put to return an error.
//
// The value of `added`
// (the boolean return value)
// is the primary store's.
//
// A request to write the blob is queued for any asynchronous nested stores.
// Normally this does not block the call to Put,
// but if any async store falls too far behind,
// Put must wait for space to open in its request queue before proceeding.
// The size of this queue is given by the int passed to New.
func (s *Store) Put(ctx context.Context, blob notedb.Blob) (notedb.Hash, bool, error) {
	if err := s.checkErr(); err != nil {
		return notedb.Zero, false, errors.Wrap(err, "in async-store goroutine")
	}

	var (
		h     notedb.Hash
		added bool
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, store := range s.sync {
		i, store := i, store
		g.Go(func() error {
			hh, a, err := store.Put(gctx, blob)
			if err != nil {
				return err
			}
			if i == 0 {
				h, added = hh, a
			}
			return nil
		})
	}

	for _, a := range s.async {
		select {
		case <-ctx.Done():
			return notedb.Zero, false, ctx.Err()

		case a.blobs <- blob:
		}
	}

	if err := g.Wait(); err != nil {
		return notedb.Zero, false, err
	}
	return h, added, nil
}

// Get implements notedb.Getter.
// It delegates the request to all of the synchronous stores in s.
// returning the result from the first one to respond without error
// and canceling the request to the others.
// If all synchronous stores respond with an error,
// one of those errors is returned.
func (s *Store) Get(ctx context.Context, h notedb.Hash) (notedb.Blob, error) {
	if err := s.checkErr(); err != nil {
		return nil, errors.Wrap(err, "in async-store goroutine")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group

	ch := make(chan notedb.Blob)
	for _, store := range s.sync {
		store := store
		g.Go(func() error {
			blob, err := store.Get(ctx, h)
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ch <- blob:
			}
			return nil
		})
	}

	errch := make(chan error, 1)
	go func() {
		errch <- g.Wait()
	}()

	select {
	case blob := <-ch:
		return blob, nil
	case err := <-errch:
		// Every getter failed.
		return nil, err
	}
}

// ListHashes implements notedb.Getter.
// It delegates the request to all of the synchronous stores in s
// and synthesizes the result from the union of their hashes.
func (s *Store) ListHashes(ctx context.Context, start notedb.Hash, f func(notedb.Hash) error) error {
	if err := s.checkErr(); err != nil {
		return errors.Wrap(err, "in async-store goroutine")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	chans := make([]chan notedb.Hash, len(s.sync))
	for i, store := range s.sync {
		i, store := i, store
		chans[i] = make(chan notedb.Hash, 1)
		g.Go(func() error {
			defer close(chans[i])
			return store.ListHashes(ctx, start, func(h notedb.Hash) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case chans[i] <- h:
					return nil
				}
			})
		})
	}

	// A zero entry in next means that channel is exhausted.
	next := make([]notedb.Hash, len(s.sync))
	for i, ch := range chans {
		next[i] = <-ch
	}

	for {
		var (
			best      notedb.Hash
			bestIndex = -1
		)
		for i, h := range next {
			if h.IsZero() {
				continue
			}
			if bestIndex < 0 || h.Less(best) {
				best, bestIndex = h, i
			}
		}
		if bestIndex < 0 {
			break
		}
		if err := f(best); err != nil {
			cancel()
			g.Wait()
			return err
		}
		for i, h := range next {
			if h == best {
				next[i] = <-chans[i]
			}
		}
	}

	return g.Wait()
}

// ReadRef implements notedb.RefReader using the primary backend.
func (s *Store) ReadRef(ctx context.Context, name string) (notedb.Hash, error) {
	return s.primary.ReadRef(ctx, name)
}

// ListRefs implements notedb.RefReader using the primary backend.
func (s *Store) ListRefs(ctx context.Context, prefix string, f func(string, notedb.Hash) error) error {
	return s.primary.ListRefs(ctx, prefix, f)
}

// CompareAndSwap implements notedb.RefTable using the primary backend.
func (s *Store) CompareAndSwap(ctx context.Context, name string, oldHash, newHash notedb.Hash) error {
	if err := s.checkErr(); err != nil {
		return errors.Wrap(err, "in async-store goroutine")
	}
	return s.primary.CompareAndSwap(ctx, name, oldHash, newHash)
}

func (s *Store) checkErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Register adds the "replica" backend type to r.
//
// The "primary" parameter is the nested backend holding refs.
// "mirrors" and "async" are optional lists of nested backends
// receiving synchronous and asynchronous object writes.
// "queuelen" sets the async queue length (default 10).
func Register(r *store.Registry) {
	r.Register("replica", func(ctx context.Context, conf map[string]interface{}) (notedb.Backend, error) {
		primary, err := r.CreateNested(ctx, conf, "primary")
		if err != nil {
			return nil, err
		}
		mirrors, err := createList(ctx, r, conf, "mirrors")
		if err != nil {
			return nil, err
		}
		async, err := createList(ctx, r, conf, "async")
		if err != nil {
			return nil, err
		}
		queueLen, ok := store.IntParam(conf, "queuelen")
		if !ok {
			queueLen = 10
		}
		return New(ctx, primary, mirrors, async, queueLen), nil
	})
}

func createList(ctx context.Context, r *store.Registry, conf map[string]interface{}, param string) ([]notedb.Store, error) {
	items, _ := conf[param].([]interface{})
	var result []notedb.Store
	for i, item := range items {
		nested, ok := item.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("%s item %d is not a map", param, i)
		}
		s, err := r.CreateFromConfig(ctx, nested)
		if err != nil {
			return nil, errors.Wrapf(err, "creating %s item %d", param, i)
		}
		result = append(result, s)
	}
	return result, nil
}
