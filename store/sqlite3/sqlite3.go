// Package sqlite3 implements a backend in a SQLite database.
package sqlite3

import (
	"context"
	"database/sql"
	stderrs "errors"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/store"
)

var (
	_ notedb.Backend       = &Store{}
	_ notedb.BatchRefTable = &Store{}
	_ notedb.Deleter       = &Store{}
)

// Store is a Sqlite-based backend.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `blobs` and `refs` tables if they do not exist.
// (If they do exist, they must have the columns, constraints, and indexing described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS blobs (
  hash BLOB PRIMARY KEY NOT NULL,
  data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS refs (
  name TEXT PRIMARY KEY NOT NULL,
  hash BLOB NOT NULL
);
`

// New produces a new Store using `db` for storage.
// It expects to create tables `blobs` and `refs`,
// or for those tables already to exist with the correct schema.
// (See variable Schema.)
//
// Concurrent writers need a busy timeout,
// and callers that write while iterating need WAL mode;
// open the database with e.g. "file:x.db?_busy_timeout=10000&_journal_mode=WAL".
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, err
}

// Get gets the blob with hash h.
func (s *Store) Get(ctx context.Context, h notedb.Hash) (notedb.Blob, error) {
	const q = `SELECT data FROM blobs WHERE hash = $1`

	var b []byte
	err := s.db.QueryRowContext(ctx, q, h).Scan(&b)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, notedb.ErrNotFound
	}
	return b, errors.Wrapf(err, "getting blob %s", h)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b notedb.Blob) (notedb.Hash, bool, error) {
	const q = `INSERT INTO blobs (hash, data) VALUES ($1, $2) ON CONFLICT DO NOTHING`

	h := b.Hash()
	res, err := s.db.ExecContext(ctx, q, h, []byte(b))
	if err != nil {
		return notedb.Zero, false, errors.Wrap(err, "inserting blob")
	}

	aff, err := res.RowsAffected()
	if err != nil {
		return notedb.Zero, false, errors.Wrap(err, "counting affected rows")
	}
	return h, aff > 0, nil
}

// Delete removes a blob.
func (s *Store) Delete(ctx context.Context, h notedb.Hash) error {
	const q = `DELETE FROM blobs WHERE hash = $1`
	_, err := s.db.ExecContext(ctx, q, h)
	return errors.Wrapf(err, "deleting blob %s", h)
}

// ListHashes produces all blob hashes in the store, in lexicographic order.
func (s *Store) ListHashes(ctx context.Context, start notedb.Hash, f func(notedb.Hash) error) error {
	const q = `SELECT hash FROM blobs WHERE hash > $1 ORDER BY hash`
	return sqlutil.ForQueryRows(ctx, s.db, q, start, f)
}

// ReadRef implements notedb.RefReader.
func (s *Store) ReadRef(ctx context.Context, name string) (notedb.Hash, error) {
	return readRef(ctx, s.db, name)
}

// ListRefs implements notedb.RefReader.
func (s *Store) ListRefs(ctx context.Context, prefix string, f func(string, notedb.Hash) error) error {
	const q = `SELECT name, hash FROM refs WHERE substr(name, 1, length($1)) = $1 ORDER BY name`
	return sqlutil.ForQueryRows(ctx, s.db, q, prefix, f)
}

// CompareAndSwap implements notedb.RefTable.
func (s *Store) CompareAndSwap(ctx context.Context, name string, oldHash, newHash notedb.Hash) error {
	return cas(ctx, s.db, name, oldHash, newHash)
}

// CompareAndSwapMulti implements notedb.BatchRefTable.
func (s *Store) CompareAndSwapMulti(ctx context.Context, updates []notedb.RefUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	for _, u := range updates {
		if err = cas(ctx, tx, u.Name, u.Old, u.New); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

type execQueryer interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func readRef(ctx context.Context, db execQueryer, name string) (notedb.Hash, error) {
	const q = `SELECT hash FROM refs WHERE name = $1`

	var h notedb.Hash
	err := db.QueryRowContext(ctx, q, name).Scan(&h)
	if stderrs.Is(err, sql.ErrNoRows) {
		return notedb.Zero, notedb.ErrNotFound
	}
	return h, errors.Wrapf(err, "reading ref %s", name)
}

// Each case is a single statement, so it is atomic.
func cas(ctx context.Context, db execQueryer, name string, oldHash, newHash notedb.Hash) error {
	var (
		res sql.Result
		err error
	)
	switch {
	case oldHash.IsZero() && newHash.IsZero():
		_, err = readRef(ctx, db, name)
		if errors.Is(err, notedb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return notedb.ErrConflict

	case oldHash.IsZero():
		const q = `INSERT INTO refs (name, hash) VALUES ($1, $2) ON CONFLICT DO NOTHING`
		res, err = db.ExecContext(ctx, q, name, newHash)

	case newHash.IsZero():
		const q = `DELETE FROM refs WHERE name = $1 AND hash = $2`
		res, err = db.ExecContext(ctx, q, name, oldHash)

	default:
		const q = `UPDATE refs SET hash = $1 WHERE name = $2 AND hash = $3`
		res, err = db.ExecContext(ctx, q, newHash, name, oldHash)
	}
	if err != nil {
		return errors.Wrapf(err, "updating ref %s", name)
	}

	aff, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting affected rows")
	}
	if aff == 0 {
		return notedb.ErrConflict
	}
	return nil
}

// Register adds the "sqlite3" backend type to r.
func Register(r *store.Registry) {
	r.Register("sqlite3", func(ctx context.Context, conf map[string]interface{}) (notedb.Backend, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("sqlite3", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
