/*
errors.go - Centralized error types for the storage engine

PURPOSE:
  All error types for the container/journal/transaction layer in one place,
  mirroring the error-kind taxonomy of spec.md §7 (ProgrammingError,
  Rollback, UserException, control-plane violations, PersisterAppendFailed).

USAGE:
  Domain schemas can wrap these with errors.Is()/errors.As():

    if errors.Is(err, storage.ErrFollowerWriteNotAllowed) {
        return http.StatusMethodNotAllowed
    }

SEE ALSO:
  - transaction.go: raises FollowerWriteNotAllowed/ShutdownInProgress/PersisterAppendFailed (PoisonedError once poisoned)
  - container.go: raises the ProgrammingError-class panics
  - replication.go: raises AlreadyMaster/ExternalAuthority/ReplayMismatch
*/
package storage

import (
	"errors"
	"fmt"
)

// =============================================================================
// PROGRAMMING ERRORS - panic values; these indicate invariant breaches, not
// recoverable conditions. Caught only at the transaction boundary so a
// storage-wide panic doesn't take down the process running the engine.
// =============================================================================

var (
	// ErrMutationOutsideTransaction is raised (as a panic) when Add/Erase is
	// called on a container with no bound read-write journal.
	ErrMutationOutsideTransaction = errors.New("storage: mutation attempted outside an active read-write transaction")

	// ErrReadOutsideTransaction is raised (as a panic) when a container is
	// read with no active transaction bound.
	ErrReadOutsideTransaction = errors.New("storage: container read attempted outside an active transaction")

	// ErrJournalNotEmpty is raised if AssertEmpty finds leftover journal
	// state at transaction start - indicates the engine failed to clear a
	// prior transaction's journal.
	ErrJournalNotEmpty = errors.New("storage: journal is not empty at transaction start")
)

// =============================================================================
// CONTROL-PLANE ERRORS - returned (not panicked) from transaction entry points
// =============================================================================

var (
	// ErrFollowerWriteNotAllowed is returned by ReadWriteTransaction when the
	// storage's publish authority is held externally.
	ErrFollowerWriteNotAllowed = errors.New("storage: write transactions are not allowed on a follower")

	// ErrShutdownInProgress is returned once GracefulShutdown has latched.
	ErrShutdownInProgress = errors.New("storage: shutdown in progress, no new transactions accepted")

	// ErrAlreadyMaster is returned by FlipToMaster on a storage that already
	// holds publish authority.
	ErrAlreadyMaster = errors.New("storage: already master")

	// ErrExternalAuthority is returned by Storage.FlipToMaster (see
	// replication.go) while the stream's publisher token is still on
	// loan to an external owner via LendPublishAuthority.
	ErrExternalAuthority = errors.New("storage: publisher token is held externally")

	// ErrPersisterAppendFailed marks a storage as poisoned: the persister
	// could not durably append a committed transaction. There is no safe
	// continuation; subsequent transactions fail fast with this error.
	ErrPersisterAppendFailed = errors.New("storage: persister append failed, storage is poisoned")

	// ErrReplayMismatch is reported by Storage.FollowerError (see
	// replication.go) once a follower's live subscription aborts
	// because an arriving record's index did not immediately follow the
	// last one applied.
	ErrReplayMismatch = errors.New("storage: replay index/us mismatch")
)

// PoisonedError wraps the original append failure that poisoned a storage.
type PoisonedError struct {
	Cause error
}

func (e *PoisonedError) Error() string {
	return fmt.Sprintf("storage: poisoned by persister append failure: %v", e.Cause)
}

func (e *PoisonedError) Unwrap() error { return ErrPersisterAppendFailed }
