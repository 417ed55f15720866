package change

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/index"
	imem "github.com/bobg/notedb/index/mem"
	"github.com/bobg/notedb/note"
	"github.com/bobg/notedb/repo"
	"github.com/bobg/notedb/sequence"
	"github.com/bobg/notedb/store/mem"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func setup(ctx context.Context, t *testing.T) (*repo.Repo, *sequence.Sequence) {
	t.Helper()
	b := mem.New()
	r, err := repo.Open(ctx, b, imem.New(), &repo.Options{Init: true, SyncIndex: true, MaxRetries: 100})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	seq, err := sequence.New(b, "changes", nil)
	if err != nil {
		t.Fatal(err)
	}
	return r, seq
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	r, seq := setup(ctx, t)

	c, err := Create(ctx, r, seq, Info{
		ChangeID: "I0123",
		Project:  "p",
		Branch:   "main",
		Owner:    "alice",
		Subject:  "Fix bug",
		Commit:   "c1",
		Hashtags: []string{"perf", "ui"},
	}, t0)
	if err != nil {
		t.Fatal(err)
	}
	want := &Change{
		Number:   1,
		ChangeID: "I0123",
		Project:  "p",
		Branch:   "main",
		Owner:    "alice",
		Subject:  "Fix bug",
		Status:   StatusNew,
		PatchSet: 1,
		Commit:   "c1",
		Created:  t0,
		Updated:  t0,
		Hashtags: []string{"perf", "ui"},
		Head:     c.Head,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	c2, err := Create(ctx, r, seq, Info{Project: "p", Branch: "main", Owner: "bob"}, t0)
	if err != nil {
		t.Fatal(err)
	}
	if c2.Number != 2 {
		t.Errorf("got number %d, want 2", c2.Number)
	}

	if _, err = Create(ctx, r, seq, Info{Project: "p"}, t0); err == nil {
		t.Error("got no error creating change without owner")
	}

	keys, _, err := r.Search(ctx, index.And{
		index.Eq{Field: index.TypeField, Value: note.String(Type)},
		index.Eq{Field: FieldHashtags, Value: note.String("perf")},
	}, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]notedb.Key{Key(1)}, keys); diff != "" {
		t.Errorf("search mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateExisting(t *testing.T) {
	ctx := context.Background()
	r, _ := setup(ctx, t)

	// A counter that restarts at 1 collides with change 1.
	b := r.Backend()
	seq1, err := sequence.New(b, "a", nil)
	if err != nil {
		t.Fatal(err)
	}
	seq2, err := sequence.New(b, "b", nil)
	if err != nil {
		t.Fatal(err)
	}
	info := Info{Project: "p", Branch: "main", Owner: "alice"}
	if _, err = Create(ctx, r, seq1, info, t0); err != nil {
		t.Fatal(err)
	}
	if _, err = Create(ctx, r, seq2, info, t0); !errors.Is(err, ErrExists) {
		t.Errorf("got %v, want %s", err, ErrExists)
	}
}

func TestModify(t *testing.T) {
	ctx := context.Background()
	r, seq := setup(ctx, t)

	c, err := Create(ctx, r, seq, Info{Project: "p", Branch: "main", Owner: "alice", Commit: "c1", Hashtags: []string{"perf"}}, t0)
	if err != nil {
		t.Fatal(err)
	}

	t1 := t0.Add(time.Hour)
	_, err = Modify(ctx, r, c.Number, t1, func(c *Change, u *Update) error {
		u.SetPatchSet(c.PatchSet+1, "c2")
		u.AddHashtags("ui")
		u.RemoveHashtags("perf")
		u.PutReviewer("bob", Reviewer)
		u.PutReviewer("carol", CC)
		u.SetTopic("t")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err = Read(ctx, r, c.Number)
	if err != nil {
		t.Fatal(err)
	}
	if c.PatchSet != 2 || c.Commit != "c2" || c.Topic != "t" || !c.Updated.Equal(t1) || !c.Created.Equal(t0) {
		t.Errorf("got %+v after modify", c)
	}
	if diff := cmp.Diff([]string{"ui"}, c.Hashtags); diff != "" {
		t.Errorf("hashtags mismatch (-want +got):\n%s", diff)
	}

	// Moving a reviewer to CC.
	_, err = Modify(ctx, r, c.Number, t1, func(_ *Change, u *Update) error {
		u.PutReviewer("bob", CC)
		u.SetTopic("")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err = Read(ctx, r, c.Number)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Reviewers) != 0 || c.Topic != "" {
		t.Errorf("got reviewers %v and topic %q, want none", c.Reviewers, c.Topic)
	}
	if diff := cmp.Diff([]string{"bob", "carol"}, c.CCs); diff != "" {
		t.Errorf("CCs mismatch (-want +got):\n%s", diff)
	}

	_, err = Modify(ctx, r, c.Number, t1, func(c *Change, u *Update) error {
		u.SetPatchSet(c.PatchSet, "c3")
		return nil
	})
	if err == nil {
		t.Error("got no error reusing a patch set number")
	}

	_, err = Modify(ctx, r, c.Number, t1, func(_ *Change, u *Update) error {
		u.SetStatus(StatusMerged)
		u.SetSubmissionID("s1")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = Modify(ctx, r, c.Number, t1, func(_ *Change, u *Update) error {
		u.SetStatus(StatusAbandoned)
		return nil
	})
	if err == nil {
		t.Error("got no error abandoning a merged change")
	}

	res, err := Modify(ctx, r, c.Number, t1, func(*Change, *Update) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied {
		t.Error("empty update was applied")
	}

	if _, err = Modify(ctx, r, 99, t1, func(*Change, *Update) error { return nil }); !notedb.IsNotFound(err) {
		t.Errorf("got %v modifying absent change, want not found", err)
	}
}

func TestConcurrentHashtags(t *testing.T) {
	ctx := context.Background()
	r, seq := setup(ctx, t)

	c, err := Create(ctx, r, seq, Info{Project: "p", Branch: "main", Owner: "alice"}, t0)
	if err != nil {
		t.Fatal(err)
	}

	tags := []string{"a", "b", "c", "d", "e", "f"}
	var wg sync.WaitGroup
	for _, tag := range tags {
		tag := tag
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Modify(ctx, r, c.Number, t0, func(_ *Change, u *Update) error {
				u.AddHashtags(tag)
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	c, err = Read(ctx, r, c.Number)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(tags, c.Hashtags); diff != "" {
		t.Errorf("hashtags mismatch (-want +got):\n%s", diff)
	}
}

func TestApprovals(t *testing.T) {
	ctx := context.Background()
	r, seq := setup(ctx, t)

	c, err := Create(ctx, r, seq, Info{Project: "p", Branch: "main", Owner: "alice"}, t0)
	if err != nil {
		t.Fatal(err)
	}

	vote := func(f func(u *Update)) {
		t.Helper()
		_, err := Modify(ctx, r, c.Number, t0, func(_ *Change, u *Update) error {
			f(u)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if c, err = Read(ctx, r, c.Number); err != nil {
			t.Fatal(err)
		}
	}

	vote(func(u *Update) {
		u.PutApproval("bob", "Code-Review", 1)
		u.PutApproval("bob", "Verified", 1)
	})
	vote(func(u *Update) { u.PutApproval("bob", "Code-Review", -2) })

	want := []Approval{
		{Account: "bob", Label: "Code-Review", Value: -2},
		{Account: "bob", Label: "Verified", Value: 1},
	}
	if diff := cmp.Diff(want, c.Approvals); diff != "" {
		t.Errorf("approvals mismatch (-want +got):\n%s", diff)
	}

	vote(func(u *Update) { u.PutApproval("bob", "Verified", 0) })
	if _, ok := c.Vote("bob", "Verified"); ok {
		t.Error("zero vote did not remove Verified")
	}
	if v, ok := c.Vote("bob", "Code-Review"); !ok || v != -2 {
		t.Errorf("got Code-Review %d (%v), want -2", v, ok)
	}

	vote(func(u *Update) { u.RemoveApproval("bob", "Code-Review") })
	if len(c.Approvals) != 0 {
		t.Errorf("got approvals %v, want none", c.Approvals)
	}
}

func TestConcurrentVotes(t *testing.T) {
	ctx := context.Background()
	r, seq := setup(ctx, t)

	c, err := Create(ctx, r, seq, Info{Project: "p", Branch: "main", Owner: "alice"}, t0)
	if err != nil {
		t.Fatal(err)
	}

	// Each reviewer votes +1 and then changes its mind to +2,
	// racing with all the others.
	accounts := []string{"a", "b", "c", "d", "e", "f"}
	var wg sync.WaitGroup
	for _, account := range accounts {
		account := account
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, v := range []int64{1, 2} {
				_, err := Modify(ctx, r, c.Number, t0, func(_ *Change, u *Update) error {
					u.PutApproval(account, "Code-Review", v)
					return nil
				})
				if err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	c, err = Read(ctx, r, c.Number)
	if err != nil {
		t.Fatal(err)
	}
	want := make(map[string]int64)
	for _, account := range accounts {
		want[account] = 2
	}
	if diff := cmp.Diff(want, c.Votes("Code-Review")); diff != "" {
		t.Errorf("votes mismatch (-want +got):\n%s", diff)
	}
	if len(c.Approvals) != len(accounts) {
		t.Errorf("got %d approvals, want %d", len(c.Approvals), len(accounts))
	}
}

func TestMessagesAndFlags(t *testing.T) {
	ctx := context.Background()
	r, seq := setup(ctx, t)

	c, err := Create(ctx, r, seq, Info{Project: "p", Branch: "main", Owner: "alice", WorkInProgress: true}, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !c.WorkInProgress || c.Private {
		t.Errorf("got wip=%v private=%v, want true false", c.WorkInProgress, c.Private)
	}

	t1, t2 := t0.Add(time.Minute), t0.Add(2*time.Minute)
	_, err = Modify(ctx, r, c.Number, t2, func(c *Change, u *Update) error {
		u.SetPatchSet(c.PatchSet+1, "c2")
		u.AddMessage("alice", "Uploaded patch set 2.")
		u.SetWorkInProgress(false)
		u.SetPrivate(true)
		u.SetAssignee("bob")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = Modify(ctx, r, c.Number, t1, func(_ *Change, u *Update) error {
		u.AddMessage("bob", "Looks good.")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	c, err = Read(ctx, r, c.Number)
	if err != nil {
		t.Fatal(err)
	}
	want := []Message{
		{Time: t1, Author: "bob", PatchSet: 2, Text: "Looks good."},
		{Time: t2, Author: "alice", PatchSet: 2, Text: "Uploaded patch set 2."},
	}
	if diff := cmp.Diff(want, c.Messages); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if c.WorkInProgress || !c.Private || c.Assignee != "bob" {
		t.Errorf("got wip=%v private=%v assignee=%q", c.WorkInProgress, c.Private, c.Assignee)
	}

	_, err = Modify(ctx, r, c.Number, t2, func(_ *Change, u *Update) error {
		u.SetAssignee("")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if c, err = Read(ctx, r, c.Number); err != nil {
		t.Fatal(err)
	}
	if c.Assignee != "" {
		t.Errorf("got assignee %q after clearing it", c.Assignee)
	}
}
