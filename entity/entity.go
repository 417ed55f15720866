// Package entity folds revision chains into entity state.
package entity

import (
	"context"
	"io"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/metrics"
	"github.com/bobg/notedb/note"
)

// DefaultCacheSize is the number of materialized states a Materializer keeps
// when Options.CacheSize is zero.
const DefaultCacheSize = 1024

// Options configures a Materializer.
type Options struct {
	// CacheSize is the number of materialized states to cache, keyed by head hash.
	// Zero means DefaultCacheSize; negative disables the cache.
	CacheSize int

	// NoVerify skips checking that fetched objects hash to their addresses.
	// Use it only with a store that already guarantees this.
	NoVerify bool

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Materializer computes entity state from revision chains in an object store.
// It is safe for concurrent use.
type Materializer struct {
	g        notedb.Getter
	cache    *lru.Cache
	noVerify bool
	log      logrus.FieldLogger
	m        *metrics.Metrics
}

// New produces a Materializer reading from g.
// The options may be nil.
func New(g notedb.Getter, opts *Options) (*Materializer, error) {
	if opts == nil {
		opts = &Options{}
	}
	m := &Materializer{
		g:        g,
		noVerify: opts.NoVerify,
		log:      opts.Logger,
		m:        opts.Metrics,
	}
	if m.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		m.log = l
	}

	size := opts.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	if size > 0 {
		c, err := lru.New(size)
		if err != nil {
			return nil, errors.Wrap(err, "creating cache")
		}
		m.cache = c
	}
	return m, nil
}

// Materialize folds the chain ending at head.
// It returns notedb.ErrNotFound if head is notedb.Zero,
// and a *notedb.CorruptChainError if the chain is broken or cyclic.
//
// The walk toward the root stops at the first revision whose state is cached,
// so materializing a head that extends a recently materialized one
// folds only the new revisions.
// The result belongs to the caller.
func (m *Materializer) Materialize(ctx context.Context, head notedb.Hash) (*State, error) {
	if head.IsZero() {
		return nil, notedb.ErrNotFound
	}
	if st, ok := m.cached(head); ok {
		m.m.Materialized("hit", 0)
		return st.Clone(), nil
	}

	var (
		base   *State
		chain  []Entry
		seen   = make(map[notedb.Hash]bool)
		result = "miss"
	)
	for h := head; !h.IsZero(); {
		if seen[h] {
			return nil, &notedb.CorruptChainError{Head: head, At: h, Reason: "cycle"}
		}
		seen[h] = true

		if h != head {
			if st, ok := m.cached(h); ok {
				base = st
				result = "partial"
				break
			}
		}

		r, err := m.fetch(ctx, head, h)
		if err != nil {
			return nil, err
		}
		chain = append(chain, Entry{Hash: h, Revision: r})
		h = r.Pred
	}

	st := base.Clone()
	if st == nil {
		st = newState()
	}
	for i := len(chain) - 1; i >= 0; i-- {
		st.apply(chain[i].Hash, chain[i].Revision)
	}

	m.log.WithFields(logrus.Fields{
		"head":   head,
		"folded": len(chain),
		"cache":  result,
	}).Debug("materialized")
	m.m.Materialized(result, len(chain))

	if m.cache != nil {
		m.cache.Add(head, st)
	}
	return st.Clone(), nil
}

// Entry is one revision in a chain, together with its hash.
type Entry struct {
	Hash     notedb.Hash
	Revision note.Revision
}

// History returns the chain ending at head, oldest first.
func (m *Materializer) History(ctx context.Context, head notedb.Hash) ([]Entry, error) {
	if head.IsZero() {
		return nil, notedb.ErrNotFound
	}
	var (
		chain []Entry
		seen  = make(map[notedb.Hash]bool)
	)
	for h := head; !h.IsZero(); {
		if seen[h] {
			return nil, &notedb.CorruptChainError{Head: head, At: h, Reason: "cycle"}
		}
		seen[h] = true
		r, err := m.fetch(ctx, head, h)
		if err != nil {
			return nil, err
		}
		chain = append(chain, Entry{Hash: h, Revision: r})
		h = r.Pred
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Purge empties the cache.
func (m *Materializer) Purge() {
	if m.cache != nil {
		m.cache.Purge()
	}
}

func (m *Materializer) cached(h notedb.Hash) (*State, bool) {
	if m.cache == nil {
		return nil, false
	}
	v, ok := m.cache.Get(h)
	if !ok {
		return nil, false
	}
	return v.(*State), true
}

func (m *Materializer) fetch(ctx context.Context, head, h notedb.Hash) (note.Revision, error) {
	if err := ctx.Err(); err != nil {
		return note.Revision{}, err
	}

	if !m.noVerify {
		r, err := note.Get(ctx, m.g, h)
		var cc *notedb.CorruptChainError
		switch {
		case errors.As(err, &cc):
			cc.Head = head
			return note.Revision{}, cc
		case notedb.IsNotFound(err):
			return note.Revision{}, m.missing(head, h)
		}
		return r, err
	}

	b, err := m.g.Get(ctx, h)
	if notedb.IsNotFound(err) {
		return note.Revision{}, m.missing(head, h)
	}
	if err != nil {
		return note.Revision{}, errors.Wrapf(err, "getting revision %s", h)
	}
	r, err := note.Decode(b)
	if err != nil {
		return note.Revision{}, &notedb.CorruptChainError{Head: head, At: h, Reason: "undecodable revision", Err: err}
	}
	return r, nil
}

func (m *Materializer) missing(head, h notedb.Hash) error {
	reason := "missing predecessor"
	if h == head {
		reason = "missing head object"
	}
	m.log.WithFields(logrus.Fields{"head": head, "at": h}).Error(reason)
	return &notedb.CorruptChainError{Head: head, At: h, Reason: reason}
}
