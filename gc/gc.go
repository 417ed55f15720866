// Package gc removes objects that no ref can reach.
//
// Run is the basic two passes.
// The first builds a Keep: the set of objects reachable from refs
// by following revision predecessor links.
// The second lists every object in the store and deletes those not kept.
// Run must not race with writers.
//
// Collect tolerates writers.
// It deletes only objects that existed before marking began,
// and only if they are still unreachable after a grace period
// and a second mark.
// A writer whose put and ref update straddle the whole collection
// can still lose its object,
// so the grace period should exceed the longest write.
package gc

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/metrics"
)

// Store is an object store that can delete.
type Store interface {
	notedb.Getter
	notedb.Deleter
}

// Options configures Run.
type Options struct {
	// DryRun counts the objects that would be deleted without deleting them.
	DryRun bool

	// Grace is how long Collect waits before its second mark.
	Grace time.Duration

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Run runs a garbage collection on s,
// with k the set of objects to keep.
// It returns the number of objects deleted.
// The options may be nil.
func Run(ctx context.Context, s Store, k Keep, opts *Options) (int, error) {
	if opts == nil {
		opts = &Options{}
	}
	all, err := listHashes(ctx, s)
	if err != nil {
		return 0, err
	}
	doomed, err := unkept(ctx, k, all)
	if err != nil {
		return 0, err
	}
	return sweep(ctx, s, doomed, opts)
}

func listHashes(ctx context.Context, s notedb.Getter) ([]notedb.Hash, error) {
	var out []notedb.Hash
	err := s.ListHashes(ctx, notedb.Zero, func(h notedb.Hash) error {
		out = append(out, h)
		return nil
	})
	return out, errors.Wrap(err, "listing objects")
}

func unkept(ctx context.Context, k Keep, hashes []notedb.Hash) ([]notedb.Hash, error) {
	var out []notedb.Hash
	for _, h := range hashes {
		found, err := k.Contains(ctx, h)
		if err != nil {
			return nil, err
		}
		if !found {
			out = append(out, h)
		}
	}
	return out, nil
}

func sweep(ctx context.Context, s Store, doomed []notedb.Hash, opts *Options) (int, error) {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if opts.DryRun {
		for _, h := range doomed {
			log.WithField("hash", h).Debug("would delete")
		}
		return len(doomed), nil
	}

	var n int
	for _, h := range doomed {
		if err := s.Delete(ctx, h); err != nil {
			opts.Metrics.Collected(n)
			return n, errors.Wrapf(err, "deleting %s", h)
		}
		n++
	}
	opts.Metrics.Collected(n)
	log.WithField("count", n).Info("garbage collected")
	return n, nil
}

// Backend is a backend that can delete objects.
type Backend interface {
	notedb.Backend
	notedb.Deleter
}

// Collect protects everything reachable from any ref in b
// and deletes the rest,
// sparing objects written while it runs.
// The options may be nil.
func Collect(ctx context.Context, b Backend, opts *Options) (int, error) {
	if opts == nil {
		opts = &Options{}
	}

	// Objects not in this listing are newer than the mark and are spared.
	all, err := listHashes(ctx, b)
	if err != nil {
		return 0, err
	}

	k := NewMemKeep()
	if err = AddRefs(ctx, k, b, b, ""); err != nil {
		return 0, err
	}
	doomed, err := unkept(ctx, k, all)
	if err != nil {
		return 0, err
	}
	if len(doomed) == 0 {
		return sweep(ctx, b, nil, opts)
	}

	if opts.Grace > 0 && !opts.DryRun {
		timer := time.NewTimer(opts.Grace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	// Refs that moved since the first mark protect their new chains.
	// Marking stops at kept objects, so this pass only walks what is new.
	if err = AddRefs(ctx, k, b, b, ""); err != nil {
		return 0, err
	}
	if doomed, err = unkept(ctx, k, doomed); err != nil {
		return 0, err
	}
	return sweep(ctx, b, doomed, opts)
}
