package notedb

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is the error returned
	// when a ref, object, or entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is the error returned by CompareAndSwap
	// when the ref's current value differs from the expected one.
	ErrConflict = errors.New("conflict")

	// ErrBusy is the error returned when a write
	// lost the compare-and-swap race on every allowed attempt.
	ErrBusy = errors.New("busy")
)

// IsNotFound tells whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict tells whether err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// CorruptChainError reports a broken or cyclic revision chain.
// It is never retried.
type CorruptChainError struct {
	Head   Hash   // head of the chain being walked
	At     Hash   // the offending object
	Reason string // e.g. "missing predecessor"
	Err    error  // underlying cause, if any
}

func (e *CorruptChainError) Error() string {
	s := fmt.Sprintf("corrupt chain at %s (head %s): %s", e.At, e.Head, e.Reason)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *CorruptChainError) Unwrap() error { return e.Err }

// SchemaMismatchError is returned when the stored schema version
// is newer than this code supports.
type SchemaMismatchError struct {
	Stored, Supported int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("stored schema version %d is newer than supported version %d", e.Stored, e.Supported)
}

// MigrationNeededError is returned when the stored schema version
// is older than the latest one and the backend must be migrated before use.
// It is not an integrity error.
type MigrationNeededError struct {
	Stored, Latest int
}

func (e *MigrationNeededError) Error() string {
	return fmt.Sprintf("stored schema version %d is older than %d; migration needed", e.Stored, e.Latest)
}

// MigrationInterruptedError is returned when a migration step fails.
// Version is the step that failed;
// the stored version is still Version-1
// and rerunning the migration resumes from there.
type MigrationInterruptedError struct {
	Version int
	Err     error
}

func (e *MigrationInterruptedError) Error() string {
	return fmt.Sprintf("migration to version %d interrupted: %s", e.Version, e.Err)
}

func (e *MigrationInterruptedError) Unwrap() error { return e.Err }

// IsIntegrity tells whether err reports a storage integrity problem
// requiring operator attention,
// as opposed to an ordinary condition like ErrNotFound.
func IsIntegrity(err error) bool {
	var (
		cc *CorruptChainError
		sm *SchemaMismatchError
	)
	return errors.As(err, &cc) || errors.As(err, &sm)
}
