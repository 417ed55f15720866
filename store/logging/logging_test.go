package logging

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/store"
	"github.com/bobg/notedb/store/mem"
	"github.com/bobg/notedb/testutil"
)

func newLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func TestStore(t *testing.T) {
	logger, _ := newLogger()
	testutil.ReadWrite(context.Background(), t, New(mem.New(), logger))
}

func TestRefs(t *testing.T) {
	logger, _ := newLogger()
	s := New(mem.New(), logger)
	testutil.Refs(context.Background(), t, s)
	testutil.Batch(context.Background(), t, s.(notedb.BatchRefTable))
}

func TestEntries(t *testing.T) {
	var (
		ctx          = context.Background()
		logger, hook = newLogger()
		s            = New(mem.New(), logger)
	)

	h, _, err := s.Put(ctx, notedb.Blob("hello"))
	if err != nil {
		t.Fatal(err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Message != "Put" || entry.Level != logrus.DebugLevel {
		t.Fatalf("got entry %+v after Put", entry)
	}
	if entry.Data["added"] != true {
		t.Errorf("got added=%v, want true", entry.Data["added"])
	}

	if err = notedb.CreateRef(ctx, s, "refs/x", h); err != nil {
		t.Fatal(err)
	}
	if err = notedb.CreateRef(ctx, s, "refs/x", h); !notedb.IsConflict(err) {
		t.Fatalf("got %v, want conflict", err)
	}
	if entry = hook.LastEntry(); entry.Message != "CompareAndSwap: conflict" {
		t.Errorf("got message %q after conflicting CAS", entry.Message)
	}

	if _, err = s.Get(ctx, notedb.Blob("absent").Hash()); !notedb.IsNotFound(err) {
		t.Fatalf("got %v, want not found", err)
	}
	if entry = hook.LastEntry(); entry.Level != logrus.WarnLevel {
		t.Errorf("got level %s for failed Get, want warning", entry.Level)
	}
}

func TestRegister(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	r := store.NewRegistry()
	mem.Register(r)
	Register(r, logger)

	s, err := r.CreateFromConfig(context.Background(), map[string]interface{}{
		"type":   "logging",
		"name":   "primary",
		"nested": map[string]interface{}{"type": "mem"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*BatchStore); !ok {
		t.Errorf("got %T, want *BatchStore", s)
	}
}
