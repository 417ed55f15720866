package sequence

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/bobg/notedb/store/mem"
)

func TestNext(t *testing.T) {
	ctx := context.Background()
	b := mem.New()

	s, err := New(b, "changes", &Options{Start: 100})
	if err != nil {
		t.Fatal(err)
	}
	for want := int64(100); want < 105; want++ {
		got, err := s.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
	peek, err := s.Peek(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if peek != 105 {
		t.Errorf("got peek %d, want 105", peek)
	}

	other, err := New(b, "accounts", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, err := other.Next(ctx); err != nil {
		t.Fatal(err)
	} else if got != 1 {
		t.Errorf("got %d from fresh counter, want 1", got)
	}
}

func TestBatch(t *testing.T) {
	ctx := context.Background()
	b := mem.New()

	s1, err := New(b, "changes", &Options{Batch: 10})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := New(b, "changes", &Options{Batch: 10})
	if err != nil {
		t.Fatal(err)
	}

	v1, err := s1.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := s2.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != 1 || v2 != 11 {
		t.Errorf("got %d and %d, want 1 and 11", v1, v2)
	}
	if v, _ := s1.Next(ctx); v != 2 {
		t.Errorf("got %d from reserved batch, want 2", v)
	}
	if peek, _ := s1.Peek(ctx); peek != 21 {
		t.Errorf("got peek %d, want 21", peek)
	}
}

func TestConcurrent(t *testing.T) {
	const (
		handles = 4
		each    = 50
	)

	ctx := context.Background()
	b := mem.New()

	var (
		mu  sync.Mutex
		got []int64
		wg  sync.WaitGroup
	)
	for i := 0; i < handles; i++ {
		s, err := New(b, "changes", &Options{Batch: 3, MaxRetries: 1000})
		if err != nil {
			t.Fatal(err)
		}
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < each; k++ {
					v, err := s.Next(ctx)
					if err != nil {
						t.Error(err)
						return
					}
					mu.Lock()
					got = append(got, v)
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	if len(got) != handles*2*each {
		t.Fatalf("got %d values, want %d", len(got), handles*2*each)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i := 1; i < len(got); i++ {
		if got[i] == got[i-1] {
			t.Fatalf("value %d allocated twice", got[i])
		}
	}
}

func TestEmptyName(t *testing.T) {
	if _, err := New(mem.New(), "", nil); err == nil {
		t.Error("got no error for empty name")
	}
}
