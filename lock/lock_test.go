package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTryLock(t *testing.T) {
	tbl := New(nil)

	a, ok := tbl.TryLock("x", "y")
	if !ok {
		t.Fatal("could not lock x, y")
	}
	if _, ok = tbl.TryLock("y", "z"); ok {
		t.Fatal("locked y twice")
	}
	// All or nothing: z must not have been taken by the failed attempt.
	b, ok := tbl.TryLock("z")
	if !ok {
		t.Fatal("could not lock z")
	}
	if diff := cmp.Diff([]string{"x", "y", "z"}, tbl.Held()); diff != "" {
		t.Errorf("held mismatch (-want +got):\n%s", diff)
	}

	a.Unlock("y")
	if diff := cmp.Diff([]string{"x"}, a.IDs()); diff != "" {
		t.Errorf("token ids mismatch (-want +got):\n%s", diff)
	}
	c, ok := tbl.TryLock("y")
	if !ok {
		t.Fatal("could not lock y after partial release")
	}

	a.Release()
	a.Release()
	b.Release()
	c.Release()
	if held := tbl.Held(); len(held) != 0 {
		t.Errorf("still held: %v", held)
	}
	if a.ID == b.ID {
		t.Error("tokens share an id")
	}
}

func TestLockWaits(t *testing.T) {
	ctx := context.Background()
	tbl := New(nil)

	a, ok := tbl.TryLock("r1", "r2")
	if !ok {
		t.Fatal("could not lock")
	}

	got := make(chan *Token)
	go func() {
		tok, err := tbl.Lock(ctx, "r2", "r3")
		if err != nil {
			t.Error(err)
		}
		got <- tok
	}()

	select {
	case <-got:
		t.Fatal("Lock returned while r2 was held")
	case <-time.After(50 * time.Millisecond):
	}

	a.Unlock("r1")
	select {
	case <-got:
		t.Fatal("Lock returned while r2 was still held")
	case <-time.After(50 * time.Millisecond):
	}

	a.Unlock("r2")
	select {
	case tok := <-got:
		tok.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("Lock did not return after release")
	}
}

func TestLockCanceled(t *testing.T) {
	tbl := New(nil)
	a, _ := tbl.TryLock("r")
	defer a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tbl.Lock(ctx, "r"); err != context.DeadlineExceeded {
		t.Errorf("got %v, want %s", err, context.DeadlineExceeded)
	}
}

func TestExclusion(t *testing.T) {
	ctx := context.Background()
	tbl := New(nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  = make(map[string]bool)
		counter int
	)
	sets := [][]string{{"a", "b"}, {"b", "c"}, {"c", "a"}, {"a"}}
	for i := 0; i < 40; i++ {
		ids := sets[i%len(sets)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := tbl.Lock(ctx, ids...)
			if err != nil {
				t.Error(err)
				return
			}
			defer tok.Release()

			mu.Lock()
			for _, id := range ids {
				if inside[id] {
					t.Errorf("%s granted twice", id)
				}
				inside[id] = true
			}
			counter++
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			for _, id := range ids {
				inside[id] = false
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if counter != 40 {
		t.Errorf("got %d grants, want 40", counter)
	}
}
