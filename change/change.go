// Package change is the typed view of the code-review change record.
//
// A change is an entity of type "change" whose id is its decimal number.
// Scalar attributes such as status and subject are last-writer-wins fields;
// hashtags, reviewers, CCs, approvals, and messages are collections
// updated element by element, so concurrent edits to them merge.
package change

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/entity"
	"github.com/bobg/notedb/note"
	"github.com/bobg/notedb/repo"
	"github.com/bobg/notedb/sequence"
)

// Type is the entity type of changes.
const Type = "change"

// Field names.
const (
	FieldNumber       = "number"
	FieldChangeID     = "change_id"
	FieldProject      = "project"
	FieldBranch       = "branch"
	FieldOwner        = "owner"
	FieldSubject      = "subject"
	FieldTopic        = "topic"
	FieldStatus       = "status"
	FieldPatchSet     = "patch_set"
	FieldCommit       = "commit"
	FieldSubmissionID = "submission_id"
	FieldCreated      = "created"
	FieldUpdated      = "updated"
	FieldHashtags     = "hashtags"
	FieldReviewers    = "reviewers"
	FieldCCs          = "ccs"
	FieldAssignee     = "assignee"
	FieldPrivate      = "private"
	FieldApprovals    = "approvals"
	FieldMessages     = "messages"

	FieldWorkInProgress = "wip"
)

// Status is the state of a change.
type Status string

// Statuses.
const (
	StatusNew       Status = "NEW"
	StatusMerged    Status = "MERGED"
	StatusAbandoned Status = "ABANDONED"
)

// IsOpen tells whether a change with this status may still be merged.
func (s Status) IsOpen() bool { return s == StatusNew }

func (s Status) valid() bool {
	switch s {
	case StatusNew, StatusMerged, StatusAbandoned:
		return true
	}
	return false
}

// ErrExists is returned when creating a change whose number is taken.
var ErrExists = errors.New("change exists")

// Change is a materialized change.
type Change struct {
	Number       int64
	ChangeID     string
	Project      string
	Branch       string
	Owner        string
	Subject      string
	Topic        string
	Status       Status
	PatchSet     int64
	Commit       string
	SubmissionID string
	Created      time.Time
	Updated      time.Time
	Hashtags     []string
	Reviewers    []string
	CCs          []string
	Assignee     string
	Private      bool
	Approvals    []Approval
	Messages     []Message

	WorkInProgress bool

	// Head is the revision this view was materialized from.
	Head notedb.Hash
}

// Key is the entity key of the change with the given number.
func Key(number int64) notedb.Key {
	return notedb.Key{Type: Type, ID: strconv.FormatInt(number, 10)}
}

// FromState builds a Change from its materialized state.
func FromState(st *entity.State) (*Change, error) {
	c := &Change{
		Number:       st.Int(FieldNumber),
		ChangeID:     st.Str(FieldChangeID),
		Project:      st.Str(FieldProject),
		Branch:       st.Str(FieldBranch),
		Owner:        st.Str(FieldOwner),
		Subject:      st.Str(FieldSubject),
		Topic:        st.Str(FieldTopic),
		Status:       Status(st.Str(FieldStatus)),
		PatchSet:     st.Int(FieldPatchSet),
		Commit:       st.Str(FieldCommit),
		SubmissionID: st.Str(FieldSubmissionID),
		Created:      st.Time(FieldCreated),
		Updated:      st.Time(FieldUpdated),
		Hashtags:     st.Strings(FieldHashtags),
		Reviewers:    st.Strings(FieldReviewers),
		CCs:          st.Strings(FieldCCs),
		Assignee:     st.Str(FieldAssignee),
		Head:         st.Head,

		WorkInProgress: st.Int(FieldWorkInProgress) != 0,
		Private:        st.Int(FieldPrivate) != 0,
	}
	if c.Number <= 0 {
		return nil, fmt.Errorf("change at %s has no number", st.Head)
	}
	if v, ok := st.Get(FieldApprovals); ok {
		for _, e := range v.Elems() {
			a, err := parseApproval(e)
			if err != nil {
				return nil, errors.Wrapf(err, "change %d", c.Number)
			}
			c.Approvals = append(c.Approvals, a)
		}
	}
	if v, ok := st.Get(FieldMessages); ok {
		for _, e := range v.Elems() {
			m, err := parseMessage(e)
			if err != nil {
				return nil, errors.Wrapf(err, "change %d", c.Number)
			}
			c.Messages = append(c.Messages, m)
		}
	}
	if !c.Status.valid() {
		return nil, fmt.Errorf("change %d has invalid status %q", c.Number, c.Status)
	}
	return c, nil
}

// Read reads the change with the given number.
func Read(ctx context.Context, r *repo.Repo, number int64) (*Change, error) {
	st, err := r.ReadEntity(ctx, Key(number))
	if err != nil {
		return nil, err
	}
	return FromState(st)
}

// Info is what it takes to create a change.
type Info struct {
	ChangeID string
	Project  string
	Branch   string
	Owner    string
	Subject  string
	Commit   string
	Topic    string
	Hashtags []string
	Private  bool

	WorkInProgress bool
}

// Create allocates a number from seq and writes a new change with patch set 1.
func Create(ctx context.Context, r *repo.Repo, seq *sequence.Sequence, info Info, now time.Time) (*Change, error) {
	if info.Project == "" || info.Branch == "" || info.Owner == "" {
		return nil, errors.New("change needs a project, branch, and owner")
	}
	number, err := seq.Next(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "allocating change number")
	}

	u := NewUpdate(now)
	u.set(FieldNumber, note.Int(number))
	u.set(FieldChangeID, note.String(info.ChangeID))
	u.set(FieldProject, note.String(info.Project))
	u.set(FieldBranch, note.String(info.Branch))
	u.set(FieldOwner, note.String(info.Owner))
	u.set(FieldCreated, note.Time(now))
	u.SetStatus(StatusNew)
	u.SetSubject(info.Subject)
	u.SetPatchSet(1, info.Commit)
	if info.Topic != "" {
		u.SetTopic(info.Topic)
	}
	u.AddHashtags(info.Hashtags...)
	if info.WorkInProgress {
		u.SetWorkInProgress(true)
	}
	if info.Private {
		u.SetPrivate(true)
	}

	key := Key(number)
	_, err = r.ProposeUpdate(ctx, key, func(st *entity.State) ([]note.Field, error) {
		if st != nil {
			return nil, errors.Wrapf(ErrExists, "creating %s", key)
		}
		return u.Fields(), nil
	})
	if err != nil {
		return nil, err
	}
	return Read(ctx, r, number)
}

// Modify updates the change with the given number.
// The function f records its edits in u, looking at c as needed.
// It may be called more than once if other writers interfere,
// each time with a fresh c and an empty u.
func Modify(ctx context.Context, r *repo.Repo, number int64, now time.Time, f func(c *Change, u *Update) error) (*repo.Result, error) {
	key := Key(number)
	return r.ProposeUpdate(ctx, key, func(st *entity.State) ([]note.Field, error) {
		if st == nil {
			return nil, errors.Wrapf(notedb.ErrNotFound, "change %d", number)
		}
		c, err := FromState(st)
		if err != nil {
			return nil, err
		}
		u := NewUpdate(now)
		u.base = c
		if err = f(c, u); err != nil {
			return nil, err
		}
		if u.status != "" && u.status != c.Status && !c.Status.IsOpen() {
			return nil, fmt.Errorf("change %d is %s", number, c.Status)
		}
		if u.patchSet != 0 && u.patchSet <= c.PatchSet {
			return nil, fmt.Errorf("change %d already has patch set %d", number, c.PatchSet)
		}
		return u.Fields(), nil
	})
}
