// Package schema tracks the storage format version of a backend
// and drives forward migrations.
//
// The version record is a revision chain under notedb.SchemaVersionRef.
// Each record's sole field is the "version" int
// and it names the previous record as its predecessor,
// so the ref's history is the migration log.
// Updates to the record use compare-and-swap like any other ref.
package schema

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/metrics"
	"github.com/bobg/notedb/note"
)

// VersionField is the only field of a version record.
const VersionField = "version"

// Step migrates a backend from Version-1 to Version.
// Run must be idempotent:
// it may be re-invoked after a crash part way through.
type Step struct {
	Version int
	Name    string
	Run     func(context.Context, notedb.Backend) error
}

// Options configures a Registry.
type Options struct {
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Registry is the set of known schema versions and the steps between them.
type Registry struct {
	b     notedb.Backend
	floor int
	steps []Step
	log   logrus.FieldLogger
	m     *metrics.Metrics
}

// New produces a Registry for b.
// A backend with no version record is at version floor.
// The steps must migrate to floor+1, floor+2, and so on, with no gaps.
func New(b notedb.Backend, floor int, steps []Step, opts *Options) (*Registry, error) {
	for i, s := range steps {
		if want := floor + 1 + i; s.Version != want {
			return nil, fmt.Errorf("step %d (%s) has version %d, want %d", i, s.Name, s.Version, want)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("step %d (%s) has no Run function", s.Version, s.Name)
		}
	}
	if opts == nil {
		opts = &Options{}
	}
	r := &Registry{
		b:     b,
		floor: floor,
		steps: steps,
		log:   opts.Logger,
		m:     opts.Metrics,
	}
	if r.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		r.log = l
	}
	return r, nil
}

// Floor is the version of a backend with no version record.
func (r *Registry) Floor() int { return r.floor }

// Latest is the highest version this registry can migrate to.
func (r *Registry) Latest() int { return r.floor + len(r.steps) }

// CurrentVersion reads the stored version.
func (r *Registry) CurrentVersion(ctx context.Context) (int, error) {
	v, _, err := r.current(ctx)
	return v, err
}

func (r *Registry) current(ctx context.Context) (int, notedb.Hash, error) {
	head, err := notedb.ReadRefOrZero(ctx, r.b, notedb.SchemaVersionRef)
	if err != nil {
		return 0, notedb.Zero, errors.Wrap(err, "reading schema version ref")
	}
	if head.IsZero() {
		return r.floor, notedb.Zero, nil
	}
	rev, err := note.Get(ctx, r.b, head)
	if err != nil {
		return 0, notedb.Zero, errors.Wrap(err, "reading schema version record")
	}
	for _, f := range rev.Fields {
		if f.Name == VersionField && f.Op == note.OpSet && f.Value.Kind() == note.KindInt {
			return int(f.Value.Int64()), head, nil
		}
	}
	return 0, notedb.Zero, fmt.Errorf("schema version record %s has no %s field", head, VersionField)
}

// Check reports a *notedb.SchemaMismatchError
// if the stored version is newer than Latest,
// and a *notedb.MigrationNeededError if it is older.
func (r *Registry) Check(ctx context.Context) error {
	v, err := r.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	switch {
	case v > r.Latest():
		return &notedb.SchemaMismatchError{Stored: v, Supported: r.Latest()}
	case v < r.Latest():
		return &notedb.MigrationNeededError{Stored: v, Latest: r.Latest()}
	}
	return nil
}

// Init writes a version record at Latest if there is none.
// It is for new, empty backends that need no migration.
func (r *Registry) Init(ctx context.Context) error {
	_, head, err := r.current(ctx)
	if err != nil {
		return err
	}
	if !head.IsZero() {
		return nil
	}
	err = r.commit(ctx, notedb.Zero, r.Latest())
	if errors.Is(err, notedb.ErrConflict) {
		// Someone else initialized it.
		return nil
	}
	if err != nil {
		return err
	}
	r.log.WithField("version", r.Latest()).Info("schema version initialized")
	return nil
}

// MigrateTo runs the steps from the stored version up to target, in order,
// committing the version record after each one.
// It refuses to downgrade.
// If a step fails, the result is a *notedb.MigrationInterruptedError
// and the stored version is that of the last step that succeeded;
// calling MigrateTo again resumes from there.
func (r *Registry) MigrateTo(ctx context.Context, target int) error {
	if target > r.Latest() {
		return fmt.Errorf("target version %d is beyond latest known version %d", target, r.Latest())
	}
	cur, head, err := r.current(ctx)
	if err != nil {
		return err
	}
	if cur > r.Latest() {
		return &notedb.SchemaMismatchError{Stored: cur, Supported: r.Latest()}
	}
	if target < cur {
		return fmt.Errorf("cannot downgrade from version %d to %d", cur, target)
	}

	for v := cur + 1; v <= target; v++ {
		if err := ctx.Err(); err != nil {
			return &notedb.MigrationInterruptedError{Version: v, Err: err}
		}

		step := r.steps[v-r.floor-1]
		log := r.log.WithFields(logrus.Fields{"version": v, "step": step.Name})
		log.Info("running migration step")
		start := time.Now()

		if err := step.Run(ctx, r.b); err != nil {
			log.WithError(err).Error("migration step failed")
			return &notedb.MigrationInterruptedError{Version: v, Err: err}
		}
		if err := r.commit(ctx, head, v); err != nil {
			return &notedb.MigrationInterruptedError{Version: v, Err: errors.Wrap(err, "committing version")}
		}
		r.m.MigrationStep()
		log.WithField("elapsed", time.Since(start)).Info("migration step committed")

		if _, head, err = r.current(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) commit(ctx context.Context, head notedb.Hash, v int) error {
	rev := note.Revision{
		Pred:   head,
		Fields: []note.Field{note.Set(VersionField, note.Int(int64(v)))},
	}
	h, err := note.Put(ctx, r.b, rev)
	if err != nil {
		return err
	}
	return r.b.CompareAndSwap(ctx, notedb.SchemaVersionRef, head, h)
}
