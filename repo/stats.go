package repo

import (
	"context"

	"github.com/pkg/errors"

	"github.com/bobg/notedb"
)

// Stats summarizes the contents of a Repo.
type Stats struct {
	SchemaVersion int            `yaml:"schema_version"`
	Objects       int            `yaml:"objects"`
	Entities      map[string]int `yaml:"entities"` // by type
	BadRefs       int            `yaml:"bad_refs,omitempty"`
	Sequences     int            `yaml:"sequences,omitempty"`
}

// Stats counts objects and refs.
// It reads every ref and every object hash, so it is slow on a large backend.
func (r *Repo) Stats(ctx context.Context) (*Stats, error) {
	v, err := r.schema.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	s := &Stats{SchemaVersion: v, Entities: make(map[string]int)}

	err = r.b.ListRefs(ctx, notedb.EntityRefPrefix, func(name string, _ notedb.Hash) error {
		k, err := notedb.KeyFromRefName(name)
		if err != nil {
			s.BadRefs++
			return nil
		}
		s.Entities[k.Type]++
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing entity refs")
	}

	err = r.b.ListRefs(ctx, notedb.SequenceRefPrefix, func(string, notedb.Hash) error {
		s.Sequences++
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing sequence refs")
	}

	err = r.b.ListHashes(ctx, notedb.Zero, func(notedb.Hash) error {
		s.Objects++
		return nil
	})
	return s, errors.Wrap(err, "listing objects")
}
