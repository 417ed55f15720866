package mem

import (
	"context"
	"testing"

	"github.com/bobg/notedb/index"
	"github.com/bobg/notedb/index/indextest"
)

func TestConformance(t *testing.T) {
	indextest.Conformance(context.Background(), t, New())
}

func TestLen(t *testing.T) {
	var (
		ctx = context.Background()
		x   = New()
	)
	for _, doc := range indextest.Docs() {
		if err := x.Upsert(ctx, doc); err != nil {
			t.Fatal(err)
		}
	}
	if err := x.Upsert(ctx, indextest.Docs()[0]); err != nil {
		t.Fatal(err)
	}
	if got := x.Len(); got != len(indextest.Docs()) {
		t.Errorf("got %d documents, want %d", got, len(indextest.Docs()))
	}
}

func TestRegister(t *testing.T) {
	r := index.NewRegistry()
	Register(r)
	ix, err := r.CreateFromConfig(context.Background(), map[string]interface{}{"type": "mem"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ix.(*Index); !ok {
		t.Errorf("got %T, want *Index", ix)
	}
}
