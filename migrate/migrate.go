// Package migrate holds the built-in schema migration steps.
package migrate

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/schema"
)

// Floor is the version of a backend with no version record:
// the original, unsharded ref layout.
const Floor = 1

// Steps are the built-in migrations, in order.
func Steps() []schema.Step {
	return []schema.Step{
		{Version: 2, Name: "shard-entity-refs", Run: ShardRefs},
	}
}

// NewRegistry produces a schema registry for b with the built-in steps.
func NewRegistry(b notedb.Backend, opts *schema.Options) (*schema.Registry, error) {
	return schema.New(b, Floor, Steps(), opts)
}

// ShardRefs moves every entity ref from the legacy layout
// refs/entities/<type>/<id>
// to the sharded layout
// refs/entities/<type>/<shard>/<id>.
// It is idempotent: refs already moved are left alone,
// and a move interrupted between creating the new ref and deleting the old one
// is completed.
func ShardRefs(ctx context.Context, b notedb.Backend) error {
	type move struct {
		from string
		key  notedb.Key
		h    notedb.Hash
	}

	var moves []move
	err := b.ListRefs(ctx, notedb.EntityRefPrefix, func(name string, h notedb.Hash) error {
		rest := strings.TrimPrefix(name, notedb.EntityRefPrefix)
		parts := strings.Split(rest, "/")
		if len(parts) != 2 {
			return nil
		}
		k, err := notedb.ParseKey(rest)
		if err != nil {
			return errors.Wrapf(err, "legacy ref %s", name)
		}
		moves = append(moves, move{from: name, key: k, h: h})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "listing entity refs")
	}

	batch, _ := b.(notedb.BatchRefTable)

	for _, m := range moves {
		to := m.key.RefName()
		if batch != nil {
			err = batch.CompareAndSwapMulti(ctx, []notedb.RefUpdate{
				{Name: to, Old: notedb.Zero, New: m.h},
				{Name: m.from, Old: m.h, New: notedb.Zero},
			})
			if err == nil {
				continue
			}
			if !errors.Is(err, notedb.ErrConflict) {
				return errors.Wrapf(err, "moving %s", m.from)
			}
			// Fall through to the one-at-a-time path,
			// which sorts out which half already happened.
		}

		err = notedb.CreateRef(ctx, b, to, m.h)
		if errors.Is(err, notedb.ErrConflict) {
			cur, err := b.ReadRef(ctx, to)
			if err != nil {
				return errors.Wrapf(err, "reading %s", to)
			}
			if cur != m.h {
				return errors.Errorf("cannot move %s: %s already exists with a different value", m.from, to)
			}
		} else if err != nil {
			return errors.Wrapf(err, "creating %s", to)
		}

		err = b.CompareAndSwap(ctx, m.from, m.h, notedb.Zero)
		if err != nil {
			return errors.Wrapf(err, "removing %s", m.from)
		}
	}
	return nil
}
