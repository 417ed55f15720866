// Package indexsync keeps a secondary index consistent with entity refs.
//
// After a successful ref update the writer notifies a Synchronizer,
// which reads the ref's live head, materializes the entity there,
// and writes the index document, recording the head it indexed.
// Notifications are processed off the writer's critical path,
// so the index may lag the refs.
// Readers needing fresh results detect and repair the lag
// with DetectStale, Refresh, and QueryFresh.
package indexsync

import (
	"context"
	"hash/fnv"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/entity"
	"github.com/bobg/notedb/index"
	"github.com/bobg/notedb/lock"
	"github.com/bobg/notedb/metrics"
)

// Default values for Options fields.
const (
	DefaultWorkers  = 4
	DefaultQueueLen = 256
)

// Options configures a Synchronizer.
type Options struct {
	// Workers is the number of goroutines processing notifications,
	// and the parallelism of ReindexAll.
	Workers int

	// QueueLen is the number of pending notifications each worker can hold
	// before Notify blocks.
	QueueLen int

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Synchronizer propagates ref updates into an index.
// It is safe for concurrent use.
type Synchronizer struct {
	refs    notedb.RefReader
	mat     *entity.Materializer
	ix      index.Index
	keys    *lock.Table
	workers int
	log     logrus.FieldLogger
	m       *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	queues  []chan notedb.Key
	running sync.WaitGroup // worker goroutines
	pending sync.WaitGroup // queued notifications

	mu     sync.RWMutex // protects closed
	closed bool
}

// New produces a Synchronizer that reads refs from refs,
// materializes entities with mat,
// and writes documents to ix.
// It starts worker goroutines that run until Close.
// The options may be nil.
func New(refs notedb.RefReader, mat *entity.Materializer, ix index.Index, opts *Options) *Synchronizer {
	if opts == nil {
		opts = &Options{}
	}
	s := &Synchronizer{
		refs:    refs,
		mat:     mat,
		ix:      ix,
		workers: opts.Workers,
		log:     opts.Logger,
		m:       opts.Metrics,
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	s.keys = lock.New(s.log)

	queueLen := opts.QueueLen
	if queueLen <= 0 {
		queueLen = DefaultQueueLen
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	for i := 0; i < s.workers; i++ {
		q := make(chan notedb.Key, queueLen)
		s.queues = append(s.queues, q)
		s.running.Add(1)
		go s.work(q)
	}
	return s
}

// Index is the index s writes to.
func (s *Synchronizer) Index() index.Index {
	return s.ix
}

func (s *Synchronizer) work(q <-chan notedb.Key) {
	defer s.running.Done()
	for key := range q {
		s.m.QueueDelta(-1)
		if err := s.index(s.ctx, key); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("indexing failed; document left stale")
		}
		s.pending.Done()
	}
}

// OnCommitted indexes key synchronously.
// It is called after a successful ref update to head,
// but the revision indexed is the ref's live head,
// which may be newer.
func (s *Synchronizer) OnCommitted(ctx context.Context, key notedb.Key, head notedb.Hash) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"key": key, "head": head}).Debug("committed")
	return s.index(ctx, key)
}

// Notify queues key for indexing and returns.
// Notifications for one key are processed in order by a single worker.
// If the worker's queue is full, Notify blocks until there is room.
// After Close, Notify does nothing.
func (s *Synchronizer) Notify(key notedb.Key, head notedb.Hash) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.log.WithField("key", key).Warn("notification after close dropped")
		return
	}

	s.log.WithFields(logrus.Fields{"key": key, "head": head}).Debug("queued")
	s.pending.Add(1)
	s.m.QueueDelta(1)
	s.queues[s.shard(key)] <- key
}

func (s *Synchronizer) shard(key notedb.Key) int {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(len(s.queues)))
}

// Wait blocks until every notification queued so far has been processed.
func (s *Synchronizer) Wait() {
	s.pending.Wait()
}

// Close processes the notifications already queued,
// then stops the workers.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()

	s.running.Wait()
	s.cancel()
}

// index brings key's document up to date with its ref.
// Concurrent calls for the same key are serialized,
// so a slower call that read an older head cannot overwrite a newer document.
func (s *Synchronizer) index(ctx context.Context, key notedb.Key) error {
	tok, err := s.keys.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer tok.Release()

	head, err := notedb.ReadRefOrZero(ctx, s.refs, key.RefName())
	if err != nil {
		return errors.Wrapf(err, "reading ref of %s", key)
	}
	if head.IsZero() {
		return s.remove(ctx, key)
	}

	st, err := s.mat.Materialize(ctx, head)
	if err != nil {
		return errors.Wrapf(err, "materializing %s at %s", key, head)
	}
	if st.Deleted {
		return s.remove(ctx, key)
	}

	if err = s.ix.Upsert(ctx, index.Project(key, st)); err != nil {
		return errors.Wrapf(err, "indexing %s", key)
	}
	s.m.Indexed("upsert")
	s.log.WithFields(logrus.Fields{"key": key, "revision": head}).Debug("indexed")
	return nil
}

func (s *Synchronizer) remove(ctx context.Context, key notedb.Key) error {
	if err := s.ix.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "removing %s from index", key)
	}
	s.m.Indexed("delete")
	s.log.WithField("key", key).Debug("unindexed")
	return nil
}

// DetectStale tells whether key's index document lags its ref.
// The document is current if it records the ref's live head,
// or if there is no document and the entity is absent or deleted.
func (s *Synchronizer) DetectStale(ctx context.Context, key notedb.Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	head, err := notedb.ReadRefOrZero(ctx, s.refs, key.RefName())
	if err != nil {
		return false, errors.Wrapf(err, "reading ref of %s", key)
	}
	doc, err := s.ix.Get(ctx, key)
	if notedb.IsNotFound(err) {
		if head.IsZero() {
			return false, nil
		}
		st, err := s.mat.Materialize(ctx, head)
		if err != nil {
			return false, errors.Wrapf(err, "materializing %s at %s", key, head)
		}
		return !st.Deleted, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "getting index document of %s", key)
	}
	return doc.Revision != head, nil
}

// Refresh re-indexes key if its document is stale.
// It reports whether a repair happened.
func (s *Synchronizer) Refresh(ctx context.Context, key notedb.Key) (bool, error) {
	stale, err := s.DetectStale(ctx, key)
	if err != nil || !stale {
		return false, err
	}
	if err = s.index(ctx, key); err != nil {
		return false, err
	}
	s.m.Repaired()
	s.log.WithField("key", key).Info("repaired stale index document")
	return true, nil
}

// Query runs a paged query against the index as it stands.
// See index.Search.
func (s *Synchronizer) Query(ctx context.Context, pred index.Predicate, token string, limit int) ([]notedb.Key, string, error) {
	return index.Search(ctx, s.ix, pred, token, limit)
}

// QueryFresh is like Query,
// but it first refreshes the document of each key in the page
// and drops keys whose refreshed documents no longer match.
// An entity that has newly come to match pred
// is found only if its document was already current;
// ReindexAll repairs the whole index.
func (s *Synchronizer) QueryFresh(ctx context.Context, pred index.Predicate, token string, limit int) ([]notedb.Key, string, error) {
	keys, next, err := s.Query(ctx, pred, token, limit)
	if err != nil {
		return nil, "", err
	}
	var result []notedb.Key
	for _, key := range keys {
		repaired, err := s.Refresh(ctx, key)
		if err != nil {
			return nil, "", err
		}
		if !repaired {
			result = append(result, key)
			continue
		}
		doc, err := s.ix.Get(ctx, key)
		if notedb.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, "", errors.Wrapf(err, "getting index document of %s", key)
		}
		if pred.Match(doc) {
			result = append(result, key)
		}
	}
	return result, next, nil
}

// ReindexAll clears the index and rebuilds it from the refs.
// It returns the number of entity refs processed.
// Writes that commit during ReindexAll
// are reflected in the index once their notifications are processed.
func (s *Synchronizer) ReindexAll(ctx context.Context) (int, error) {
	if err := s.ix.Clear(ctx); err != nil {
		return 0, errors.Wrap(err, "clearing index")
	}

	var keys []notedb.Key
	err := s.refs.ListRefs(ctx, notedb.EntityRefPrefix, func(name string, _ notedb.Hash) error {
		key, err := notedb.KeyFromRefName(name)
		if err != nil {
			s.log.WithError(err).WithField("ref", name).Warn("skipping malformed entity ref")
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "listing entity refs")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			return s.index(gctx, key)
		})
	}
	n := len(keys)
	if err := g.Wait(); err != nil {
		return n, errors.Wrap(err, "reindexing")
	}
	s.log.WithField("count", n).Info("reindexed")
	return n, nil
}
