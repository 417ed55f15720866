// Package notedb is a versioned document store
// built on immutable, content-addressed revision objects.
//
// An object store holds byte sequences,
// or _blobs_,
// indexed by their sha2-256 hash.
// Blobs never change once stored.
//
// The only mutable state is a table of named _refs_,
// each pointing to a blob hash.
// Refs change only by compare-and-swap:
// a writer names the value it expects a ref to have,
// and the update fails with ErrConflict if anyone got there first.
//
// An entity
// (a change record, say)
// is a chain of revisions.
// Each revision is a blob (see the note subpackage)
// naming its predecessor and a list of field operations.
// The entity's ref points to the newest revision,
// its _head_.
// Folding the chain from oldest to newest
// (see the entity subpackage)
// yields the entity's current state.
//
// A write stores a new revision whose predecessor is the head it observed,
// then swaps the ref from that head to the new revision.
// Losers of the race re-read, rebase, and try again
// (see the repo subpackage).
//
// A secondary index answers queries over entity fields.
// It is updated after each successful write
// and repairs itself when found to lag the refs
// (see the indexsync subpackage).
//
// Backends for objects and refs live under store/.
package notedb
