package sqlite3

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/bobg/notedb/index"
	"github.com/bobg/notedb/index/indextest"
)

func withIndex(t *testing.T, f func(*Index)) {
	ctx := context.Background()

	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	x, err := New(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	f(x)
}

func TestConformance(t *testing.T) {
	withIndex(t, func(x *Index) {
		indextest.Conformance(context.Background(), t, x)
	})
}

func TestMismatchedRange(t *testing.T) {
	withIndex(t, func(x *Index) {
		_, err := x.Query(context.Background(), index.Range{Field: "f", Min: indextest.Docs()[0].Fields["number"][0], Max: indextest.Docs()[0].Fields["owner"][0]}, "", 10)
		if err == nil {
			t.Error("got no error for range with mismatched bounds")
		}
	})
}

func TestRegister(t *testing.T) {
	r := index.NewRegistry()
	Register(r)
	ix, err := r.CreateFromConfig(context.Background(), map[string]interface{}{
		"type": "sqlite3",
		"conn": "file:" + filepath.Join(t.TempDir(), "reg.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	ix.(*Index).db.Close()
}
