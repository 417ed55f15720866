package repo

import (
	"context"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/entity"
	"github.com/bobg/notedb/note"
)

// Mutator computes the field operations of an entity's next revision
// from its current state.
// The state is nil if the entity does not exist or is deleted;
// a revision written on top of a deleted entity restores it.
//
// A Mutator may be called several times for one update,
// once per attempt,
// each time with the state as of that attempt.
// It must not retain st.
// Returning no fields makes the update a no-op.
// Returning an error aborts the update with that error.
type Mutator func(st *entity.State) ([]note.Field, error)

// Result describes the outcome of an update.
type Result struct {
	Key notedb.Key

	// Applied is false if the mutator asked for no change.
	Applied bool

	// Head is the entity's head after the update.
	// For a no-op it is the head the mutator saw.
	Head notedb.Hash

	// Attempts is the number of times the update read the entity's head.
	Attempts int
}

// ProposeUpdate applies mut to the entity with the given key
// and commits the result with compare-and-swap.
// When another writer commits first,
// ProposeUpdate re-reads the new head and calls mut again,
// so no concurrent update is lost.
// After too many lost races it gives up with notedb.ErrBusy.
// If ctx is canceled it returns the context's error;
// in either case nothing has been committed.
func (r *Repo) ProposeUpdate(ctx context.Context, key notedb.Key, mut Mutator) (*Result, error) {
	return r.update(ctx, key, mut, false)
}

// Delete marks the entity with the given key deleted.
// Its history remains readable.
// Deleting an entity that does not exist is notedb.ErrNotFound.
func (r *Repo) Delete(ctx context.Context, key notedb.Key) (*Result, error) {
	return r.update(ctx, key, func(*entity.State) ([]note.Field, error) { return nil, nil }, true)
}

func (r *Repo) update(ctx context.Context, key notedb.Key, mut Mutator, del bool) (*Result, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var (
		res  = &Result{Key: key}
		name = key.RefName()
		log  = r.log.WithField("key", key)
	)

	op := func() error {
		res.Attempts++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		head, st, err := r.current(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		res.Head = head

		if del && st == nil {
			return backoff.Permanent(errors.Wrapf(notedb.ErrNotFound, "deleting %s", key))
		}
		fields, err := mut(st)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !del && len(fields) == 0 {
			return nil
		}

		h, err := r.putRevision(ctx, note.Revision{Pred: head, Deleted: del, Fields: fields})
		if err != nil {
			return backoff.Permanent(err)
		}
		err = r.b.CompareAndSwap(ctx, name, head, h)
		if notedb.IsConflict(err) {
			r.m.Conflict()
			log.WithField("attempt", res.Attempts).Debug("lost race, rebasing")
			return err
		}
		if err != nil {
			return backoff.Permanent(errors.Wrapf(err, "updating ref of %s", key))
		}

		res.Applied = true
		res.Head = h
		return nil
	}

	err := backoff.Retry(op, r.backoff(ctx))
	switch {
	case notedb.IsConflict(err):
		r.m.Write("busy", res.Attempts)
		log.WithField("attempts", res.Attempts).Warn("update gave up")
		return nil, errors.Wrapf(notedb.ErrBusy, "updating %s after %d attempts", key, res.Attempts)

	case err != nil:
		r.m.Write("error", res.Attempts)
		return nil, err

	case !res.Applied:
		r.m.Write("noop", res.Attempts)
		return res, nil
	}

	r.m.Write("applied", res.Attempts)
	log.WithFields(logrus.Fields{"head": res.Head, "attempts": res.Attempts}).Debug("update applied")
	r.indexed(ctx, key, res.Head)
	return res, nil
}

// current reads the head of an entity and materializes it.
// The state is nil if the entity does not exist or is deleted.
func (r *Repo) current(ctx context.Context, key notedb.Key) (notedb.Hash, *entity.State, error) {
	head, err := notedb.ReadRefOrZero(ctx, r.b, key.RefName())
	if err != nil {
		return notedb.Zero, nil, errors.Wrapf(err, "reading ref of %s", key)
	}
	if head.IsZero() {
		return head, nil, nil
	}
	st, err := r.mat.Materialize(ctx, head)
	if err != nil {
		return notedb.Zero, nil, errors.Wrapf(err, "materializing %s", key)
	}
	if st.Deleted {
		return head, nil, nil
	}
	return head, st, nil
}

// UpdateMany applies a mutator to each of several entities as one compound operation.
// It holds the Repo's resource lock on all the keys throughout,
// so compound operations over overlapping keys do not interleave.
//
// If the backend can swap several refs atomically (notedb.BatchRefTable),
// the updates commit together or not at all,
// retrying with rebase as ProposeUpdate does.
// Otherwise each update commits on its own in key order,
// and an error leaves the earlier ones committed.
func (r *Repo) UpdateMany(ctx context.Context, muts map[notedb.Key]Mutator) (map[notedb.Key]*Result, error) {
	keys := make([]notedb.Key, 0, len(muts))
	for k := range muts {
		if err := k.Validate(); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.String())
	}
	tok, err := r.locks.Lock(ctx, ids...)
	if err != nil {
		return nil, errors.Wrap(err, "locking entities")
	}
	defer tok.Release()

	if bt, ok := r.b.(notedb.BatchRefTable); ok {
		return r.updateBatch(ctx, bt, keys, muts)
	}

	r.log.WithField("keys", ids).Debug("backend has no batch update; committing one at a time")
	results := make(map[notedb.Key]*Result, len(keys))
	for _, k := range keys {
		res, err := r.ProposeUpdate(ctx, k, muts[k])
		if err != nil {
			return results, errors.Wrapf(err, "updating %s", k)
		}
		results[k] = res
	}
	return results, nil
}

func (r *Repo) updateBatch(ctx context.Context, bt notedb.BatchRefTable, keys []notedb.Key, muts map[notedb.Key]Mutator) (map[notedb.Key]*Result, error) {
	var (
		results  map[notedb.Key]*Result
		attempts int
	)

	op := func() error {
		attempts++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		results = make(map[notedb.Key]*Result, len(keys))

		var updates []notedb.RefUpdate
		for _, k := range keys {
			head, st, err := r.current(ctx, k)
			if err != nil {
				return backoff.Permanent(err)
			}
			res := &Result{Key: k, Head: head, Attempts: attempts}
			results[k] = res

			fields, err := muts[k](st)
			if err != nil {
				return backoff.Permanent(errors.Wrapf(err, "computing update of %s", k))
			}
			if len(fields) == 0 {
				continue
			}
			h, err := r.putRevision(ctx, note.Revision{Pred: head, Fields: fields})
			if err != nil {
				return backoff.Permanent(err)
			}
			res.Head = h
			res.Applied = true
			updates = append(updates, notedb.RefUpdate{Name: k.RefName(), Old: head, New: h})
		}
		if len(updates) == 0 {
			return nil
		}

		err := bt.CompareAndSwapMulti(ctx, updates)
		if notedb.IsConflict(err) {
			r.m.Conflict()
			r.log.WithField("attempt", attempts).Debug("batch lost race, rebasing")
			return err
		}
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "updating refs"))
		}
		return nil
	}

	err := backoff.Retry(op, r.backoff(ctx))
	if notedb.IsConflict(err) {
		r.m.Write("busy", attempts)
		return nil, errors.Wrapf(notedb.ErrBusy, "updating %d entities after %d attempts", len(keys), attempts)
	}
	if err != nil {
		r.m.Write("error", attempts)
		return nil, err
	}

	for _, k := range keys {
		res := results[k]
		if !res.Applied {
			r.m.Write("noop", attempts)
			continue
		}
		r.m.Write("applied", attempts)
		r.indexed(ctx, k, res.Head)
	}
	return results, nil
}
