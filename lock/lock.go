// Package lock grants exclusive, process-local access
// to arbitrary sets of resource identifiers.
//
// A grant covers all requested identifiers or none of them,
// so two compound operations over overlapping sets never interleave
// and never deadlock each other by acquiring halves.
package lock

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Table is a set of held resource identifiers.
// The zero Table is not usable; call New.
type Table struct {
	mu      sync.Mutex
	held    map[string]*Token
	changed chan struct{} // closed and replaced whenever something is released
	log     logrus.FieldLogger
}

// Token represents a grant of some identifiers.
type Token struct {
	// ID distinguishes tokens in logs.
	ID string

	t   *Table
	ids map[string]struct{}
}

// New produces a new, empty Table.
// The logger may be nil.
func New(log logrus.FieldLogger) *Table {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Table{
		held:    make(map[string]*Token),
		changed: make(chan struct{}),
		log:     log,
	}
}

// TryLock grants all of ids, or none of them if any is already held.
func (t *Table) TryLock(ids ...string) (*Token, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tok, _ := t.tryLocked(ids)
	return tok, tok != nil
}

// Lock waits until all of ids can be granted at once, then grants them.
// It returns the context's error if the context is canceled first.
func (t *Table) Lock(ctx context.Context, ids ...string) (*Token, error) {
	for {
		t.mu.Lock()
		tok, changed := t.tryLocked(ids)
		t.mu.Unlock()

		if tok != nil {
			return tok, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// Caller must hold t.mu.
// On failure the result includes the channel to wait on.
func (t *Table) tryLocked(ids []string) (*Token, <-chan struct{}) {
	for _, id := range ids {
		if _, ok := t.held[id]; ok {
			return nil, t.changed
		}
	}
	tok := &Token{
		ID:  uuid.NewString(),
		t:   t,
		ids: make(map[string]struct{}, len(ids)),
	}
	for _, id := range ids {
		tok.ids[id] = struct{}{}
		t.held[id] = tok
	}
	t.log.WithFields(logrus.Fields{"token": tok.ID, "ids": ids}).Debug("lock granted")
	return tok, nil
}

// Held lists the identifiers currently held, in sorted order.
func (t *Table) Held() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.held))
	for id := range t.held {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IDs lists the identifiers still held by tok, in sorted order.
func (tok *Token) IDs() []string {
	tok.t.mu.Lock()
	defer tok.t.mu.Unlock()

	ids := make([]string, 0, len(tok.ids))
	for id := range tok.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Unlock releases some of the identifiers held by tok.
// Identifiers not held by tok are ignored.
func (tok *Token) Unlock(ids ...string) {
	tok.t.mu.Lock()
	defer tok.t.mu.Unlock()

	var released bool
	for _, id := range ids {
		if _, ok := tok.ids[id]; !ok {
			continue
		}
		delete(tok.ids, id)
		delete(tok.t.held, id)
		released = true
	}
	if released {
		tok.t.broadcastLocked()
	}
}

// Release releases everything held by tok.
// It is safe to call more than once.
func (tok *Token) Release() {
	tok.t.mu.Lock()
	defer tok.t.mu.Unlock()

	if len(tok.ids) == 0 {
		return
	}
	for id := range tok.ids {
		delete(tok.t.held, id)
	}
	tok.ids = nil
	tok.t.log.WithField("token", tok.ID).Debug("lock released")
	tok.t.broadcastLocked()
}

// Caller must hold t.mu.
func (t *Table) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
