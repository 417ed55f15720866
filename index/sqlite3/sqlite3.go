// Package sqlite3 implements an index in a SQLite database.
package sqlite3

import (
	"context"
	"database/sql"
	"encoding/hex"
	stderrs "errors"
	"fmt"
	"strings"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/index"
	"github.com/bobg/notedb/note"
)

var _ index.Index = &Index{}

// Schema is the SQL that New executes.
//
// Each document is a row in `docs`,
// with its fields serialized as a note revision of Set operations.
// Each field value is also a row in `terms`,
// which queries search.
// Times are stored as Unix seconds in column i and nanoseconds in column n.
// Lists nested in collections are stored in column s
// as the hex of their encoding, which only equality can search.
const Schema = `
CREATE TABLE IF NOT EXISTS docs (
  key TEXT PRIMARY KEY NOT NULL,
  revision BLOB NOT NULL,
  fields BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS terms (
  key TEXT NOT NULL,
  field TEXT NOT NULL,
  kind INTEGER NOT NULL,
  s TEXT,
  i INTEGER,
  n INTEGER
);

CREATE INDEX IF NOT EXISTS terms_field ON terms (field, kind, s, i, n);
CREATE INDEX IF NOT EXISTS terms_key ON terms (key);
`

// Index is a SQLite-based index.
type Index struct {
	db *sql.DB
}

// New produces a new Index using db for storage.
// It creates the tables in Schema if they do not exist.
func New(ctx context.Context, db *sql.DB) (*Index, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Index{db: db}, errors.Wrap(err, "creating index schema")
}

// Upsert implements index.Index.
func (x *Index) Upsert(ctx context.Context, doc index.Doc) error {
	fields, err := encodeFields(doc)
	if err != nil {
		return errors.Wrapf(err, "encoding fields of %s", doc.Key)
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	k := doc.Key.String()

	const q1 = `INSERT INTO docs (key, revision, fields) VALUES ($1, $2, $3) ON CONFLICT (key) DO UPDATE SET revision = $2, fields = $3`
	if _, err = tx.ExecContext(ctx, q1, k, doc.Revision, fields); err != nil {
		return errors.Wrapf(err, "writing document %s", k)
	}

	const q2 = `DELETE FROM terms WHERE key = $1`
	if _, err = tx.ExecContext(ctx, q2, k); err != nil {
		return errors.Wrapf(err, "deleting terms of %s", k)
	}

	const q3 = `INSERT INTO terms (key, field, kind, s, i, n) VALUES ($1, $2, $3, $4, $5, $6)`
	for _, name := range doc.Names() {
		for _, v := range doc.Fields[name] {
			var s, i, n interface{}
			switch v.Kind() {
			case note.KindString:
				s = v.Str()
			case note.KindInt:
				i = v.Int64()
			case note.KindTime:
				i, n = v.Time().Unix(), v.Time().Nanosecond()
			case note.KindList:
				if s, err = listTerm(v); err != nil {
					return errors.Wrapf(err, "encoding term %s of %s", name, k)
				}
			default:
				continue
			}
			if _, err = tx.ExecContext(ctx, q3, k, name, int(v.Kind()), s, i, n); err != nil {
				return errors.Wrapf(err, "writing term %s of %s", name, k)
			}
		}
	}

	return errors.Wrap(tx.Commit(), "committing transaction")
}

// Delete implements index.Index.
func (x *Index) Delete(ctx context.Context, key notedb.Key) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	k := key.String()
	if _, err = tx.ExecContext(ctx, `DELETE FROM docs WHERE key = $1`, k); err != nil {
		return errors.Wrapf(err, "deleting document %s", k)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM terms WHERE key = $1`, k); err != nil {
		return errors.Wrapf(err, "deleting terms of %s", k)
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// Get implements index.Index.
func (x *Index) Get(ctx context.Context, key notedb.Key) (index.Doc, error) {
	const q = `SELECT revision, fields FROM docs WHERE key = $1`

	var (
		rev    notedb.Hash
		fields []byte
	)
	err := x.db.QueryRowContext(ctx, q, key.String()).Scan(&rev, &fields)
	if stderrs.Is(err, sql.ErrNoRows) {
		return index.Doc{}, notedb.ErrNotFound
	}
	if err != nil {
		return index.Doc{}, errors.Wrapf(err, "reading document %s", key)
	}
	doc := index.Doc{Key: key, Revision: rev}
	doc.Fields, err = decodeFields(fields)
	return doc, errors.Wrapf(err, "decoding fields of %s", key)
}

// Query implements index.Index.
func (x *Index) Query(ctx context.Context, pred index.Predicate, after string, limit int) ([]notedb.Key, error) {
	if err := index.Validate(pred); err != nil {
		return nil, err
	}

	var (
		w    where
		a    = w.arg(after)
		cond = w.pred(pred)
		lim  = w.arg(limit)
		q    = fmt.Sprintf(`SELECT key FROM docs WHERE key > %s AND %s ORDER BY key LIMIT %s`, a, cond, lim)
	)

	var result []notedb.Key
	args := append(w.args, func(s string) error {
		k, err := notedb.ParseKey(s)
		if err != nil {
			return errors.Wrapf(err, "parsing indexed key %s", s)
		}
		result = append(result, k)
		return nil
	})
	err := sqlutil.ForQueryRows(ctx, x.db, q, args...)
	return result, err
}

// Clear implements index.Index.
func (x *Index) Clear(ctx context.Context) error {
	_, err := x.db.ExecContext(ctx, `DELETE FROM docs; DELETE FROM terms;`)
	return errors.Wrap(err, "clearing index")
}

// where accumulates a SQL condition and its positional arguments.
// Placeholders are ?NNN so their numbering need not follow their order in the text.
type where struct {
	args []interface{}
}

func (w *where) arg(v interface{}) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("?%d", len(w.args))
}

func (w *where) pred(pred index.Predicate) string {
	switch p := pred.(type) {
	case index.All:
		return "1"

	case index.And:
		if len(p) == 0 {
			return "1"
		}
		conds := make([]string, 0, len(p))
		for _, term := range p {
			conds = append(conds, w.pred(term))
		}
		return "(" + strings.Join(conds, " AND ") + ")"

	case index.Eq:
		v := p.Value
		switch v.Kind() {
		case note.KindString:
			return w.term(p.Field, v.Kind(), "t.s = "+w.arg(v.Str()))
		case note.KindInt:
			return w.term(p.Field, v.Kind(), "t.i = "+w.arg(v.Int64()))
		case note.KindTime:
			return w.term(p.Field, v.Kind(), fmt.Sprintf("t.i = %s AND t.n = %s", w.arg(v.Time().Unix()), w.arg(v.Time().Nanosecond())))
		case note.KindList:
			lt, err := listTerm(v)
			if err != nil {
				return "0"
			}
			return w.term(p.Field, v.Kind(), "t.s = "+w.arg(lt))
		}
		return "0"

	case index.Prefix:
		a := w.arg(p.Prefix)
		return w.term(p.Field, note.KindString, fmt.Sprintf("substr(t.s, 1, length(%s)) = %s", a, a))

	case index.Range:
		kind := p.Kind()
		if kind == note.KindInvalid {
			return fmt.Sprintf("EXISTS (SELECT 1 FROM terms t WHERE t.key = docs.key AND t.field = %s)", w.arg(p.Field))
		}
		var conds []string
		if p.Min.IsValid() {
			conds = append(conds, w.bound(p.Min, ">="))
		}
		if p.Max.IsValid() {
			conds = append(conds, w.bound(p.Max, "<="))
		}
		return w.term(p.Field, kind, strings.Join(conds, " AND "))
	}
	return "0"
}

func (w *where) term(field string, kind note.Kind, cond string) string {
	return fmt.Sprintf("EXISTS (SELECT 1 FROM terms t WHERE t.key = docs.key AND t.field = %s AND t.kind = %s AND %s)", w.arg(field), w.arg(int(kind)), cond)
}

func (w *where) bound(v note.Value, op string) string {
	switch v.Kind() {
	case note.KindString:
		return "t.s " + op + " " + w.arg(v.Str())
	case note.KindInt:
		return "t.i " + op + " " + w.arg(v.Int64())
	case note.KindTime:
		return fmt.Sprintf("(t.i, t.n) %s (%s, %s)", op, w.arg(v.Time().Unix()), w.arg(v.Time().Nanosecond()))
	}
	return "0"
}

func listTerm(v note.Value) (string, error) {
	b, err := note.Encode(note.Revision{Fields: []note.Field{note.Set("v", v)}})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// encodeFields serializes a document's fields as a note revision
// with one Set of a list per field, in name order.
func encodeFields(doc index.Doc) ([]byte, error) {
	var r note.Revision
	for _, name := range doc.Names() {
		r.Fields = append(r.Fields, note.Set(name, note.List(doc.Fields[name]...)))
	}
	return note.Encode(r)
}

func decodeFields(b []byte) (map[string][]note.Value, error) {
	r, err := note.Decode(b)
	if err != nil {
		return nil, err
	}
	fields := make(map[string][]note.Value, len(r.Fields))
	for _, f := range r.Fields {
		fields[f.Name] = append([]note.Value(nil), f.Value.Elems()...)
	}
	return fields, nil
}

// Register adds the "sqlite3" index type to r.
// The "conn" parameter is the database DSN.
func Register(r *index.Registry) {
	r.Register("sqlite3", func(ctx context.Context, conf map[string]interface{}) (index.Index, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("sqlite3", conn)
		if err != nil {
			return nil, errors.Wrapf(err, "opening db %s", conn)
		}
		return New(ctx, db)
	})
}
