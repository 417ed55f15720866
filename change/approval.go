package change

import (
	"fmt"
	"time"

	"github.com/bobg/notedb/note"
)

// Approval is one account's vote on one label, such as Code-Review +2.
type Approval struct {
	Account string
	Label   string
	Value   int64
}

// Vote returns account's vote on label.
func (c *Change) Vote(account, label string) (int64, bool) {
	for _, a := range c.Approvals {
		if a.Account == account && a.Label == label {
			return a.Value, true
		}
	}
	return 0, false
}

// Votes collects the votes on label, by account.
func (c *Change) Votes(label string) map[string]int64 {
	out := make(map[string]int64)
	for _, a := range c.Approvals {
		if a.Label == label {
			out[a.Account] = a.Value
		}
	}
	return out
}

// An approval is stored as the list [account, label, value].
func approvalValue(account, label string, value int64) note.Value {
	return note.List(note.String(account), note.String(label), note.Int(value))
}

func parseApproval(v note.Value) (Approval, error) {
	e := v.Elems()
	if v.Kind() != note.KindList || len(e) != 3 || e[0].Kind() != note.KindString || e[1].Kind() != note.KindString || e[2].Kind() != note.KindInt {
		return Approval{}, fmt.Errorf("malformed approval %s", v)
	}
	return Approval{Account: e[0].Str(), Label: e[1].Str(), Value: e[2].Int64()}, nil
}

// Message is a comment posted on a change.
type Message struct {
	Time     time.Time
	Author   string
	PatchSet int64
	Text     string
}

// A message is stored as the list [time, author, patch set, text].
// Leading with the time keeps the collection in posting order.
func messageValue(m Message) note.Value {
	return note.List(note.Time(m.Time), note.String(m.Author), note.Int(m.PatchSet), note.String(m.Text))
}

func parseMessage(v note.Value) (Message, error) {
	e := v.Elems()
	if v.Kind() != note.KindList || len(e) != 4 || e[0].Kind() != note.KindTime || e[1].Kind() != note.KindString || e[2].Kind() != note.KindInt || e[3].Kind() != note.KindString {
		return Message{}, fmt.Errorf("malformed message %s", v)
	}
	return Message{Time: e[0].Time(), Author: e[1].Str(), PatchSet: e[2].Int64(), Text: e[3].Str()}, nil
}
