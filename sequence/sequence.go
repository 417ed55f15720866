// Package sequence allocates increasing integer ids, such as change numbers,
// from a counter stored under refs/sequences/<name>.
//
// The ref points to a revision holding the next unallocated value.
// A Sequence reserves a batch of values at a time with compare-and-swap
// and hands them out from memory,
// so several processes may share one counter.
// Values reserved by a process that exits unused are skipped, never reissued.
package sequence

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/note"
)

// ValueField is the field of the counter revision holding the next value.
const ValueField = "value"

// Options configures a Sequence.
type Options struct {
	// Start is the first value of a new counter. Default 1.
	Start int64

	// Batch is the number of values reserved at a time. Default 1.
	Batch int64

	// MaxRetries bounds the compare-and-swap attempts per reservation. Default 10.
	MaxRetries int

	Logger logrus.FieldLogger
}

// Sequence is a handle on one named counter.
// It is safe for concurrent use.
type Sequence struct {
	b          notedb.Backend
	ref        string
	start      int64
	batch      int64
	maxRetries int
	log        logrus.FieldLogger

	mu          sync.Mutex
	next, limit int64 // reserved and not yet handed out: [next, limit)
}

// New produces a Sequence for the counter with the given name.
// The options may be nil.
func New(b notedb.Backend, name string, opts *Options) (*Sequence, error) {
	if name == "" {
		return nil, errors.New("empty sequence name")
	}
	if opts == nil {
		opts = &Options{}
	}
	s := &Sequence{
		b:          b,
		ref:        notedb.SequenceRefPrefix + name,
		start:      opts.Start,
		batch:      opts.Batch,
		maxRetries: opts.MaxRetries,
		log:        opts.Logger,
	}
	if s.start == 0 {
		s.start = 1
	}
	if s.batch <= 0 {
		s.batch = 1
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 10
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	s.log = s.log.WithField("sequence", name)
	return s, nil
}

// Next allocates a value.
// Each value is returned at most once across all processes sharing the backend.
// Values from one Sequence increase;
// values from different Sequences on the same counter interleave.
func (s *Sequence) Next(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= s.limit {
		first, err := s.reserve(ctx, s.batch)
		if err != nil {
			return 0, err
		}
		s.next, s.limit = first, first+s.batch
	}
	v := s.next
	s.next++
	return v, nil
}

// Peek reads the next unreserved value from storage
// without allocating anything.
func (s *Sequence) Peek(ctx context.Context) (int64, error) {
	v, _, err := s.read(ctx)
	return v, err
}

func (s *Sequence) read(ctx context.Context) (int64, notedb.Hash, error) {
	head, err := notedb.ReadRefOrZero(ctx, s.b, s.ref)
	if err != nil {
		return 0, notedb.Zero, errors.Wrapf(err, "reading %s", s.ref)
	}
	if head.IsZero() {
		return s.start, head, nil
	}
	rev, err := note.Get(ctx, s.b, head)
	if err != nil {
		return 0, notedb.Zero, errors.Wrapf(err, "reading counter %s", s.ref)
	}
	for _, f := range rev.Fields {
		if f.Name == ValueField && f.Op == note.OpSet && f.Value.Kind() == note.KindInt {
			return f.Value.Int64(), head, nil
		}
	}
	return 0, notedb.Zero, fmt.Errorf("counter %s (%s) has no %s field", s.ref, head, ValueField)
}

// reserve advances the stored counter by n and returns its old value.
func (s *Sequence) reserve(ctx context.Context, n int64) (int64, error) {
	var (
		first    int64
		attempts int
	)
	op := func() error {
		attempts++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		v, head, err := s.read(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		h, err := note.Put(ctx, s.b, note.Revision{Fields: []note.Field{note.Set(ValueField, note.Int(v+n))}})
		if err != nil {
			return backoff.Permanent(err)
		}
		err = s.b.CompareAndSwap(ctx, s.ref, head, h)
		if notedb.IsConflict(err) {
			s.log.WithField("attempt", attempts).Debug("reservation lost race")
			return err
		}
		if err != nil {
			return backoff.Permanent(errors.Wrapf(err, "updating %s", s.ref))
		}
		first = v
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 2 * time.Millisecond
	eb.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.maxRetries)), ctx))
	if notedb.IsConflict(err) {
		return 0, errors.Wrapf(notedb.ErrBusy, "reserving from %s after %d attempts", s.ref, attempts)
	}
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"first": first, "count": n}).Debug("reserved")
	return first, nil
}
