package lru

import (
	"context"
	"testing"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/store"
	"github.com/bobg/notedb/store/file"
	"github.com/bobg/notedb/store/mem"
	"github.com/bobg/notedb/testutil"
)

func TestStore(t *testing.T) {
	s, err := New(mem.New(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	testutil.ReadWrite(context.Background(), t, s)
}

func TestRefs(t *testing.T) {
	s, err := New(mem.New(), 1000)
	if err != nil {
		t.Fatal(err)
	}
	testutil.Refs(context.Background(), t, s)

	b, ok := s.(notedb.BatchRefTable)
	if !ok {
		t.Fatal("cache over a batch backend is not a batch backend")
	}
	testutil.Batch(context.Background(), t, b)
}

func TestNoBatch(t *testing.T) {
	s, err := New(file.New(t.TempDir()), 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(notedb.BatchRefTable); ok {
		t.Error("cache over a non-batch backend claims batch support")
	}
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	nested := mem.New()
	s, err := New(nested, 10)
	if err != nil {
		t.Fatal(err)
	}
	h, _, err := s.Put(ctx, notedb.Blob("x"))
	if err != nil {
		t.Fatal(err)
	}
	if err = s.(notedb.Deleter).Delete(ctx, h); err != nil {
		t.Fatal(err)
	}
	if _, err = s.Get(ctx, h); !notedb.IsNotFound(err) {
		t.Errorf("got %v after delete, want not found", err)
	}
}

func TestRegister(t *testing.T) {
	r := store.NewRegistry()
	mem.Register(r)
	Register(r)

	s, err := r.CreateFromConfig(context.Background(), map[string]interface{}{
		"type":   "lru",
		"size":   100,
		"nested": map[string]interface{}{"type": "mem"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*BatchStore); !ok {
		t.Errorf("got %T, want *BatchStore", s)
	}
}
