package schema_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/note"
	"github.com/bobg/notedb/schema"
	"github.com/bobg/notedb/store/mem"
)

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	b := mem.New()

	var (
		ran      []int
		failNext = true
	)
	steps := []schema.Step{
		{Version: 4, Name: "four", Run: func(context.Context, notedb.Backend) error {
			ran = append(ran, 4)
			return nil
		}},
		{Version: 5, Name: "five", Run: func(context.Context, notedb.Backend) error {
			if failNext {
				failNext = false
				return errors.New("simulated crash")
			}
			ran = append(ran, 5)
			return nil
		}},
	}
	r, err := schema.New(b, 3, steps, nil)
	if err != nil {
		t.Fatal(err)
	}

	v, err := r.CurrentVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != 3 {
		t.Fatalf("got initial version %d, want 3", v)
	}
	var needed *notedb.MigrationNeededError
	if err = r.Check(ctx); !errors.As(err, &needed) {
		t.Errorf("got %v from Check before migration, want MigrationNeededError", err)
	}
	if notedb.IsIntegrity(err) {
		t.Error("pending migration reported as an integrity error")
	}

	err = r.MigrateTo(ctx, 5)
	var interrupted *notedb.MigrationInterruptedError
	if !errors.As(err, &interrupted) {
		t.Fatalf("got %v, want MigrationInterruptedError", err)
	}
	if interrupted.Version != 5 {
		t.Errorf("interrupted at version %d, want 5", interrupted.Version)
	}
	if v, err = r.CurrentVersion(ctx); err != nil {
		t.Fatal(err)
	}
	if v != 4 {
		t.Errorf("got version %d after interruption, want 4", v)
	}

	if err = r.MigrateTo(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if v, err = r.CurrentVersion(ctx); err != nil {
		t.Fatal(err)
	}
	if v != 5 {
		t.Errorf("got version %d, want 5", v)
	}
	if diff := cmp.Diff([]int{4, 5}, ran); diff != "" {
		t.Errorf("steps run mismatch (-want +got):\n%s", diff)
	}
	if err = r.Check(ctx); err != nil {
		t.Errorf("Check after migration: %s", err)
	}

	// Each record holds only the version and links to the one before.
	head, err := b.ReadRef(ctx, notedb.SchemaVersionRef)
	if err != nil {
		t.Fatal(err)
	}
	var versions []int64
	for h := head; !h.IsZero(); {
		rev, err := note.Get(ctx, b, h)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{schema.VersionField}, fieldNames(rev)); diff != "" {
			t.Errorf("record %s fields mismatch (-want +got):\n%s", h, diff)
		}
		versions = append(versions, rev.Fields[0].Value.Int64())
		h = rev.Pred
	}
	if diff := cmp.Diff([]int64{5, 4}, versions); diff != "" {
		t.Errorf("version chain mismatch (-want +got):\n%s", diff)
	}

	// Re-running at the target does nothing.
	if err = r.MigrateTo(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 2 {
		t.Errorf("steps re-ran: %v", ran)
	}

	if err = r.MigrateTo(ctx, 4); err == nil {
		t.Error("downgrade succeeded")
	}
	if err = r.MigrateTo(ctx, 6); err == nil {
		t.Error("migration beyond latest succeeded")
	}
}

func TestNewer(t *testing.T) {
	ctx := context.Background()
	b := mem.New()

	noop := func(context.Context, notedb.Backend) error { return nil }
	newer, err := schema.New(b, 1, []schema.Step{{Version: 2, Run: noop}, {Version: 3, Run: noop}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err = newer.Init(ctx); err != nil {
		t.Fatal(err)
	}

	older, err := schema.New(b, 1, []schema.Step{{Version: 2, Run: noop}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var mismatch *notedb.SchemaMismatchError
	if err = older.Check(ctx); !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want SchemaMismatchError", err)
	}
	if mismatch.Stored != 3 || mismatch.Supported != 2 {
		t.Errorf("got stored=%d supported=%d, want 3 and 2", mismatch.Stored, mismatch.Supported)
	}
	if err = older.MigrateTo(ctx, 2); !errors.As(err, &mismatch) {
		t.Errorf("got %v migrating a newer store, want SchemaMismatchError", err)
	}
}

func TestGaps(t *testing.T) {
	noop := func(context.Context, notedb.Backend) error { return nil }
	_, err := schema.New(mem.New(), 1, []schema.Step{{Version: 2, Run: noop}, {Version: 4, Run: noop}}, nil)
	if err == nil {
		t.Error("registry with a gap was accepted")
	}
}

func fieldNames(rev note.Revision) []string {
	var names []string
	for _, f := range rev.Fields {
		names = append(names, f.Name)
	}
	return names
}

func TestInitRecord(t *testing.T) {
	ctx := context.Background()
	noop := func(context.Context, notedb.Backend) error { return nil }

	// Two stores initialized separately get byte-identical records.
	var heads []notedb.Hash
	for i := 0; i < 2; i++ {
		b := mem.New()
		r, err := schema.New(b, 1, []schema.Step{{Version: 2, Run: noop}}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err = r.Init(ctx); err != nil {
			t.Fatal(err)
		}
		h, err := b.ReadRef(ctx, notedb.SchemaVersionRef)
		if err != nil {
			t.Fatal(err)
		}
		heads = append(heads, h)
	}
	if heads[0] != heads[1] {
		t.Errorf("got different records %s and %s", heads[0], heads[1])
	}
}
