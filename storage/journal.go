/*
journal.go - Transaction-scoped mutation journal

PURPOSE:
  Implements spec.md §4.2: a per-transaction commit_log of emitted
  Mutations plus a rollback_log of inverse closures sufficient to undo
  every effect in memory. Containers never talk to the persister or to
  each other directly - they only ever append to the journal bound to
  them for the duration of one transaction.

SEE ALSO:
  - container.go: the only caller of record()/recordSilent()
  - transaction.go: owns journal lifecycle (new at begin, commit/rollback)
*/
package storage

import "github.com/warp/storage-engine/clock"

// InverseOp undoes, in memory, exactly one container mutation.
type InverseOp func()

// journal is the transaction-scoped mutation log. Not exported: user code
// only ever sees it indirectly through ReadWriteHandle/ReadOnlyHandle.
type journal struct {
	clock    clock.Clock
	readOnly bool

	beginUS int64
	lastUS  int64

	commitLog   []Mutation
	rollbackLog []InverseOp
	metaFields  map[string]string
}

func newJournal(clk clock.Clock, readOnly bool) *journal {
	now := clk.Now()
	return &journal{
		clock:      clk,
		readOnly:   readOnly,
		beginUS:    now,
		lastUS:     now - 1,
		metaFields: make(map[string]string),
	}
}

// assertEmpty confirms no leftover state from a prior transaction leaked
// into this one (spec.md §4.2 "AssertEmpty").
func (j *journal) assertEmpty() error {
	if len(j.commitLog) != 0 || len(j.rollbackLog) != 0 {
		return ErrJournalNotEmpty
	}
	return nil
}

// nextUS synthesizes a strictly-increasing microsecond timestamp within
// this transaction, even if the injected clock hasn't advanced between
// calls (spec.md invariant 1).
func (j *journal) nextUS() int64 {
	if j.readOnly {
		panic(ErrMutationOutsideTransaction)
	}
	now := j.clock.Now()
	if now <= j.lastUS {
		now = j.lastUS + 1
	}
	j.lastUS = now
	return now
}

// record appends a persisted mutation and its inverse in lockstep.
func (j *journal) record(mut Mutation, inv InverseOp) {
	j.commitLog = append(j.commitLog, mut)
	j.rollbackLog = append(j.rollbackLog, inv)
}

// recordSilent appends an inverse with no corresponding persisted
// mutation - used for bookkeeping-only effects (e.g. last-modified
// tracking on an Erase of an absent key) that must still be undone on
// rollback but never force a transaction record into existence
// (spec.md invariant 7, "no empty transactions").
func (j *journal) recordSilent(inv InverseOp) {
	j.rollbackLog = append(j.rollbackLog, inv)
}

// SetMeta attaches a meta-field; visible on the persisted Transaction
// only if the transaction ultimately commits a non-empty commit_log.
func (j *journal) SetMeta(key, value string) {
	j.metaFields[key] = value
}

// rollback replays the inverse log in reverse order and clears both logs.
func (j *journal) rollback() {
	for i := len(j.rollbackLog) - 1; i >= 0; i-- {
		j.rollbackLog[i]()
	}
	j.commitLog = nil
	j.rollbackLog = nil
}

// drain clears the journal after a successful commit.
func (j *journal) drain() []Mutation {
	mutations := j.commitLog
	j.commitLog = nil
	j.rollbackLog = nil
	return mutations
}
