package change

import (
	"time"

	"github.com/bobg/notedb/note"
)

// Update accumulates edits to a change.
// The zero Update is not usable; call NewUpdate.
type Update struct {
	now      time.Time
	fields   []note.Field
	status   Status
	patchSet int64

	// base is the change being modified, nil when creating.
	base *Change
}

// NewUpdate produces an empty Update timestamped now.
func NewUpdate(now time.Time) *Update {
	return &Update{now: now}
}

func (u *Update) set(name string, v note.Value) {
	u.fields = append(u.fields, note.Set(name, v))
}

// SetStatus changes the status.
// A merged or abandoned change cannot change status.
func (u *Update) SetStatus(s Status) {
	u.status = s
	u.set(FieldStatus, note.String(string(s)))
}

// SetSubject changes the subject.
func (u *Update) SetSubject(s string) {
	u.set(FieldSubject, note.String(s))
}

// SetTopic changes the topic. An empty topic removes it.
func (u *Update) SetTopic(topic string) {
	if topic == "" {
		u.fields = append(u.fields, note.Unset(FieldTopic))
		return
	}
	u.set(FieldTopic, note.String(topic))
}

// SetPatchSet records a new patch set and its commit.
// Patch set numbers must increase.
func (u *Update) SetPatchSet(n int64, commit string) {
	u.patchSet = n
	u.set(FieldPatchSet, note.Int(n))
	u.set(FieldCommit, note.String(commit))
}

// SetSubmissionID records the submission that merged the change.
func (u *Update) SetSubmissionID(id string) {
	u.set(FieldSubmissionID, note.String(id))
}

// AddHashtags adds hashtags.
func (u *Update) AddHashtags(tags ...string) {
	if len(tags) > 0 {
		u.fields = append(u.fields, note.Add(FieldHashtags, note.Strings(tags...).Elems()...))
	}
}

// RemoveHashtags removes hashtags.
func (u *Update) RemoveHashtags(tags ...string) {
	if len(tags) > 0 {
		u.fields = append(u.fields, note.Remove(FieldHashtags, note.Strings(tags...).Elems()...))
	}
}

// ReviewerState is the role of an account on a change.
type ReviewerState int

// Reviewer states.
const (
	Reviewer ReviewerState = iota
	CC
)

// PutReviewer adds an account as a reviewer or CC,
// moving it from the other role if necessary.
func (u *Update) PutReviewer(account string, state ReviewerState) {
	from, to := FieldCCs, FieldReviewers
	if state == CC {
		from, to = to, from
	}
	u.fields = append(u.fields,
		note.Remove(from, note.String(account)),
		note.Add(to, note.String(account)),
	)
}

// RemoveReviewer removes an account from both roles.
func (u *Update) RemoveReviewer(account string) {
	u.fields = append(u.fields,
		note.Remove(FieldReviewers, note.String(account)),
		note.Remove(FieldCCs, note.String(account)),
	)
}

// SetAssignee changes the assignee. An empty account removes it.
func (u *Update) SetAssignee(account string) {
	if account == "" {
		u.fields = append(u.fields, note.Unset(FieldAssignee))
		return
	}
	u.set(FieldAssignee, note.String(account))
}

// SetWorkInProgress marks or unmarks the change as work in progress.
func (u *Update) SetWorkInProgress(wip bool) {
	u.flag(FieldWorkInProgress, wip)
}

// SetPrivate marks or unmarks the change as private.
func (u *Update) SetPrivate(private bool) {
	u.flag(FieldPrivate, private)
}

func (u *Update) flag(name string, on bool) {
	if on {
		u.set(name, note.Int(1))
	} else {
		u.fields = append(u.fields, note.Unset(name))
	}
}

// PutApproval records account's vote on label,
// replacing any earlier vote by the same account on the same label.
// A zero value removes the vote.
// Votes by different accounts, or on different labels, merge.
func (u *Update) PutApproval(account, label string, value int64) {
	u.RemoveApproval(account, label)
	if value != 0 {
		u.fields = append(u.fields, note.Add(FieldApprovals, approvalValue(account, label, value)))
	}
}

// RemoveApproval removes account's vote on label, if any.
func (u *Update) RemoveApproval(account, label string) {
	if u.base == nil {
		return
	}
	var old []note.Value
	for _, a := range u.base.Approvals {
		if a.Account == account && a.Label == label {
			old = append(old, approvalValue(a.Account, a.Label, a.Value))
		}
	}
	if len(old) > 0 {
		u.fields = append(u.fields, note.Remove(FieldApprovals, old...))
	}
}

// AddMessage appends a change message
// written by author against the current patch set.
func (u *Update) AddMessage(author, text string) {
	ps := u.patchSet
	if ps == 0 && u.base != nil {
		ps = u.base.PatchSet
	}
	u.fields = append(u.fields, note.Add(FieldMessages, messageValue(Message{
		Time:     u.now,
		Author:   author,
		PatchSet: ps,
		Text:     text,
	})))
}

// Empty tells whether u has no edits.
func (u *Update) Empty() bool {
	return len(u.fields) == 0
}

// Fields are the field operations of u,
// plus a new updated time if u is not empty.
func (u *Update) Fields() []note.Field {
	if u.Empty() {
		return nil
	}
	return append(append([]note.Field(nil), u.fields...), note.Set(FieldUpdated, note.Time(u.now)))
}
