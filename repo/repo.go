// Package repo is the read, write, and query API over a notedb backend.
//
// A Repo ties together an object store and ref table,
// the entity materializer,
// the schema version registry,
// and an index synchronizer.
// Writes go through ProposeUpdate,
// which retries with rebase when it loses a compare-and-swap race.
package repo

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/entity"
	"github.com/bobg/notedb/index"
	"github.com/bobg/notedb/indexsync"
	"github.com/bobg/notedb/lock"
	"github.com/bobg/notedb/metrics"
	"github.com/bobg/notedb/migrate"
	"github.com/bobg/notedb/note"
	"github.com/bobg/notedb/schema"
)

// Defaults for Options fields.
const (
	DefaultMaxRetries    = 10
	DefaultRetryInterval = 5 * time.Millisecond
)

// Options configures a Repo.
type Options struct {
	// MaxRetries bounds the number of times ProposeUpdate
	// re-reads and rebases after losing a compare-and-swap race.
	MaxRetries int

	// RetryInterval is the initial wait between attempts.
	// It grows exponentially.
	RetryInterval time.Duration

	// SyncIndex makes writes index the updated entity before returning,
	// instead of queueing it for a background worker.
	SyncIndex bool

	// Init writes the latest schema version record to a backend that has none.
	// Use it only for new, empty backends.
	Init bool

	// AutoMigrate runs pending schema migrations during Open.
	AutoMigrate bool

	// CacheSize is passed to the materializer. See entity.Options.
	CacheSize int

	// IndexWorkers and IndexQueueLen are passed to the index synchronizer.
	// See indexsync.Options.
	IndexWorkers, IndexQueueLen int

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Repo is a handle on a notedb backend and its index.
// It is safe for concurrent use.
// Call Close when done.
type Repo struct {
	b      notedb.Backend
	mat    *entity.Materializer
	sync   *indexsync.Synchronizer
	schema *schema.Registry
	locks  *lock.Table

	maxRetries    int
	retryInterval time.Duration
	syncIndex     bool

	log logrus.FieldLogger
	m   *metrics.Metrics
}

// Open produces a Repo over b, indexing into ix.
// It refuses a backend whose schema version differs from the latest known one
// (after Init and AutoMigrate, if requested),
// returning a *notedb.SchemaMismatchError if the backend is newer
// and a *notedb.MigrationNeededError if it is older.
// The options may be nil.
func Open(ctx context.Context, b notedb.Backend, ix index.Index, opts *Options) (*Repo, error) {
	if opts == nil {
		opts = &Options{}
	}
	r := &Repo{
		b:             b,
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		syncIndex:     opts.SyncIndex,
		log:           opts.Logger,
		m:             opts.Metrics,
	}
	if r.maxRetries <= 0 {
		r.maxRetries = DefaultMaxRetries
	}
	if r.retryInterval <= 0 {
		r.retryInterval = DefaultRetryInterval
	}
	if r.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		r.log = l
	}

	reg, err := migrate.NewRegistry(b, &schema.Options{Logger: r.log, Metrics: r.m})
	if err != nil {
		return nil, errors.Wrap(err, "creating schema registry")
	}
	if opts.Init {
		if err = reg.Init(ctx); err != nil {
			return nil, errors.Wrap(err, "initializing schema version")
		}
	}
	if opts.AutoMigrate {
		if err = reg.MigrateTo(ctx, reg.Latest()); err != nil {
			return nil, err
		}
	}
	if err = reg.Check(ctx); err != nil {
		return nil, err
	}
	r.schema = reg

	r.mat, err = entity.New(b, &entity.Options{
		CacheSize: opts.CacheSize,
		Logger:    r.log,
		Metrics:   r.m,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating materializer")
	}

	r.locks = lock.New(r.log)
	r.sync = indexsync.New(b, r.mat, ix, &indexsync.Options{
		Workers:  opts.IndexWorkers,
		QueueLen: opts.IndexQueueLen,
		Logger:   r.log,
		Metrics:  r.m,
	})
	return r, nil
}

// Close waits for queued indexing to finish and stops the index workers.
func (r *Repo) Close() {
	r.sync.Close()
}

// Backend is the backend r reads and writes.
func (r *Repo) Backend() notedb.Backend { return r.b }

// Synchronizer is r's index synchronizer.
func (r *Repo) Synchronizer() *indexsync.Synchronizer { return r.sync }

// Schema is r's schema version registry.
func (r *Repo) Schema() *schema.Registry { return r.schema }

// ReadEntity materializes the entity with the given key.
// It returns notedb.ErrNotFound if the entity does not exist or is deleted.
func (r *Repo) ReadEntity(ctx context.Context, key notedb.Key) (*entity.State, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	head, err := r.b.ReadRef(ctx, key.RefName())
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", key)
	}
	st, err := r.mat.Materialize(ctx, head)
	if err != nil {
		return nil, errors.Wrapf(err, "materializing %s", key)
	}
	if st.Deleted {
		return nil, errors.Wrapf(notedb.ErrNotFound, "%s is deleted", key)
	}
	return st, nil
}

// History returns the revisions of the entity with the given key, oldest first.
// It includes the revisions of a deleted entity.
func (r *Repo) History(ctx context.Context, key notedb.Key) ([]entity.Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	head, err := r.b.ReadRef(ctx, key.RefName())
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", key)
	}
	return r.mat.History(ctx, head)
}

// Search pages through the keys of entities whose index documents match pred.
// See index.Search.
func (r *Repo) Search(ctx context.Context, pred index.Predicate, token string, limit int) ([]notedb.Key, string, error) {
	return r.sync.Query(ctx, pred, token, limit)
}

// SearchFresh is like Search
// but repairs stale index documents among the results before returning them.
func (r *Repo) SearchFresh(ctx context.Context, pred index.Predicate, token string, limit int) ([]notedb.Key, string, error) {
	return r.sync.QueryFresh(ctx, pred, token, limit)
}

// Wait blocks until queued indexing is done.
func (r *Repo) Wait() {
	r.sync.Wait()
}

// indexed hands a committed update to the synchronizer.
func (r *Repo) indexed(ctx context.Context, key notedb.Key, head notedb.Hash) {
	if !r.syncIndex {
		r.sync.Notify(key, head)
		return
	}
	if err := r.sync.OnCommitted(ctx, key, head); err != nil {
		// The document stays stale until a freshness check or reindex repairs it.
		r.log.WithError(err).WithField("key", key).Warn("indexing after commit failed")
	}
}

func (r *Repo) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retryInterval
	eb.MaxInterval = 100 * r.retryInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.maxRetries)), ctx)
}

// putRevision stores a revision and returns its hash.
func (r *Repo) putRevision(ctx context.Context, rev note.Revision) (notedb.Hash, error) {
	h, err := note.Put(ctx, r.b, rev)
	return h, errors.Wrap(err, "storing revision")
}
