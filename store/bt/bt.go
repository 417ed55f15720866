// Package bt implements a backend on Google Cloud Bigtable.
//
// Blobs are rows keyed "b:<hex hash>" in the "blob" column family.
// Refs are rows keyed "r:<ref name>" in the "ref" column family,
// holding the hex hash they point to.
// Compare-and-swap uses conditional mutations.
package bt

import (
	"context"
	"strings"

	"cloud.google.com/go/bigtable"
	"github.com/pkg/errors"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/store"
)

var (
	_ notedb.Backend = &Store{}
	_ notedb.Deleter = &Store{}
)

const (
	blobfam = "blob"
	blobcol = "blob"
	reffam  = "ref"
	refcol  = "ref"

	blobPrefix = "b:"
	refPrefix  = "r:"
)

var errEmptyItems = errors.New("empty items")

// Store is a Google Cloud Bigtable-backed implementation of a backend.
type Store struct {
	t *bigtable.Table
}

// New produces a new Store.
// The table must already exist with the column families created by Setup.
func New(t *bigtable.Table) *Store {
	return &Store{t: t}
}

// Setup creates the named table and its column families.
// Ones that already exist are left alone.
func Setup(ctx context.Context, admin *bigtable.AdminClient, table string) error {
	err := admin.CreateTable(ctx, table)
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return errors.Wrapf(err, "creating table %s", table)
	}
	for _, fam := range []string{blobfam, reffam} {
		err = admin.CreateColumnFamily(ctx, table, fam)
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return errors.Wrapf(err, "creating column family %s", fam)
		}
	}
	return nil
}

// Get gets the blob with hash h.
func (s *Store) Get(ctx context.Context, h notedb.Hash) (notedb.Blob, error) {
	row, err := s.t.ReadRow(ctx, blobKey(h), bigtable.RowFilter(bigtable.LatestNFilter(1)))
	if err != nil {
		return nil, errors.Wrapf(err, "reading row %s", h)
	}
	if len(row) == 0 {
		return nil, notedb.ErrNotFound
	}
	items := row[blobfam]
	if len(items) == 0 {
		return nil, errEmptyItems
	}
	return notedb.Blob(items[0].Value), nil
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, blob notedb.Blob) (notedb.Hash, bool, error) {
	mut := bigtable.NewMutation()
	mut.Set(blobfam, blobcol, bigtable.Now(), blob)

	// Apply mut only if the row has no cells.
	cmut := bigtable.NewCondMutation(bigtable.LatestNFilter(1), nil, mut)

	var alreadyPresent bool
	h := blob.Hash()
	err := s.t.Apply(ctx, blobKey(h), cmut, bigtable.GetCondMutationResult(&alreadyPresent))
	if err != nil {
		return notedb.Zero, false, errors.Wrapf(err, "writing row %s", h)
	}
	return h, !alreadyPresent, nil
}

// Delete removes a blob.
func (s *Store) Delete(ctx context.Context, h notedb.Hash) error {
	mut := bigtable.NewMutation()
	mut.DeleteRow()
	return s.t.Apply(ctx, blobKey(h), mut)
}

// ListHashes produces all blob hashes in the store, in lexicographic order.
func (s *Store) ListHashes(ctx context.Context, start notedb.Hash, f func(notedb.Hash) error) error {
	var innerErr error
	rowFn := func(row bigtable.Row) bool {
		key := row.Key()
		h, err := notedb.HashFromHex(strings.TrimPrefix(key, blobPrefix))
		if err != nil {
			innerErr = errors.Wrapf(err, "extracting hash from key %s", key)
			return false
		}
		if err = f(h); err != nil {
			innerErr = err
			return false
		}
		return true
	}

	// Row keys sort bytewise; ";" is the byte after ":".
	rng := bigtable.NewRange(blobKey(start)+"\x00", "b;")
	err := s.t.ReadRows(ctx, rng, rowFn, bigtable.RowFilter(bigtable.StripValueFilter()))
	if err != nil {
		return err
	}
	return innerErr
}

// ReadRef implements notedb.RefReader.
func (s *Store) ReadRef(ctx context.Context, name string) (notedb.Hash, error) {
	row, err := s.t.ReadRow(ctx, refKey(name), bigtable.RowFilter(bigtable.LatestNFilter(1)))
	if err != nil {
		return notedb.Zero, errors.Wrapf(err, "reading ref %s", name)
	}
	if len(row) == 0 {
		return notedb.Zero, notedb.ErrNotFound
	}
	return refValue(row)
}

func refValue(row bigtable.Row) (notedb.Hash, error) {
	items := row[reffam]
	if len(items) == 0 {
		return notedb.Zero, errEmptyItems
	}
	h, err := notedb.HashFromHex(string(items[0].Value))
	return h, errors.Wrapf(err, "decoding ref row %s", row.Key())
}

// ListRefs implements notedb.RefReader.
func (s *Store) ListRefs(ctx context.Context, prefix string, f func(string, notedb.Hash) error) error {
	var innerErr error
	rowFn := func(row bigtable.Row) bool {
		h, err := refValue(row)
		if err != nil {
			innerErr = err
			return false
		}
		if err = f(strings.TrimPrefix(row.Key(), refPrefix), h); err != nil {
			innerErr = err
			return false
		}
		return true
	}
	err := s.t.ReadRows(ctx, bigtable.PrefixRange(refKey(prefix)), rowFn, bigtable.RowFilter(bigtable.LatestNFilter(1)))
	if err != nil {
		return err
	}
	return innerErr
}

// CompareAndSwap implements notedb.RefTable.
// The check and the write happen in one conditional mutation,
// which Bigtable applies atomically per row.
func (s *Store) CompareAndSwap(ctx context.Context, name string, oldHash, newHash notedb.Hash) error {
	if oldHash.IsZero() && newHash.IsZero() {
		_, err := s.ReadRef(ctx, name)
		if notedb.IsNotFound(err) {
			return nil
		}
		if err == nil {
			return notedb.ErrConflict
		}
		return err
	}

	write := bigtable.NewMutation()
	if newHash.IsZero() {
		write.DeleteRow()
	} else {
		write.DeleteCellsInColumn(reffam, refcol)
		write.Set(reffam, refcol, bigtable.Now(), []byte(newHash.String()))
	}

	var (
		cmut *bigtable.Mutation
		// Whether the filter must match for the swap to happen.
		want bool
	)
	if oldHash.IsZero() {
		// Apply write only if the row has no cells.
		cmut = bigtable.NewCondMutation(bigtable.LatestNFilter(1), nil, write)
	} else {
		filter := bigtable.ChainFilters(
			bigtable.FamilyFilter(reffam),
			bigtable.LatestNFilter(1),
			bigtable.ValueFilter("^"+oldHash.String()+"$"),
		)
		cmut = bigtable.NewCondMutation(filter, write, nil)
		want = true
	}

	var matched bool
	err := s.t.Apply(ctx, refKey(name), cmut, bigtable.GetCondMutationResult(&matched))
	if err != nil {
		return errors.Wrapf(err, "updating ref %s", name)
	}
	if matched != want {
		return notedb.ErrConflict
	}
	return nil
}

func blobKey(h notedb.Hash) string {
	return blobPrefix + h.String()
}

func refKey(name string) string {
	return refPrefix + name
}

// Register adds the "bt" backend type to r.
func Register(r *store.Registry) {
	r.Register("bt", func(ctx context.Context, conf map[string]interface{}) (notedb.Backend, error) {
		project, ok := conf["project"].(string)
		if !ok {
			return nil, errors.New(`missing "project" parameter`)
		}
		instance, ok := conf["instance"].(string)
		if !ok {
			return nil, errors.New(`missing "instance" parameter`)
		}
		table, ok := conf["table"].(string)
		if !ok {
			return nil, errors.New(`missing "table" parameter`)
		}

		var options []option.ClientOption

		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		options = append(options, option.WithCredentialsFile(creds))
		c, err := bigtable.NewClient(ctx, project, instance, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating bigtable client")
		}
		return New(c.Open(table)), nil
	})
}
