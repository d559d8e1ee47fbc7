/*
transaction.go - Single-writer transaction engine

PURPOSE:
  Implements spec.md §4.3: a single mutex serializes every transaction on
  one storage; ReadWriteTransaction/ReadOnlyTransaction run user code
  against bound container handles and translate the outcome into a
  Result. Exception-driven rollback signaling (spec.md §9) is replaced
  with an explicit Outcome[T] return value plus an ordinary Go error for
  the "user code threw" case - there is no panic-based control flow here
  except to convert a runtime panic inside user code into an Exception
  result instead of crashing the storage.

STATE MACHINE:
  See spec.md §4.3 for the full diagram. This file's ReadWriteTransaction
  implements it directly: Active -> (commit ok, non-empty journal) ->
  Persisting -> Committed, or Active -> (commit ok, empty journal) ->
  Committed (no record), or Active -> RolledBack / Exception.

SEE ALSO:
  - journal.go: the per-transaction mutation log this file commits/rolls back
  - container.go: bind/unbind contract every container satisfies
  - metrics: commit/rollback counters published here
*/
package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/storage-engine/clock"
	"github.com/warp/storage-engine/metrics"
)

// TransactionMeta carries per-transaction bookkeeping (spec.md §3).
type TransactionMeta struct {
	BeginUS int64             `json:"begin_us"`
	EndUS   int64             `json:"end_us"`
	Fields  map[string]string `json:"fields"`
}

// Transaction is the unit of durability (spec.md §3): one committed
// transaction, one persisted record, one or more ordered mutations.
type Transaction struct {
	Meta      TransactionMeta `json:"meta"`
	Mutations []Mutation      `json:"-"`
}

// ResultKind tags the outcome of a transaction attempt.
type ResultKind string

const (
	ResultCommitted  ResultKind = "Committed"
	ResultRolledBack ResultKind = "RolledBack"
	ResultException  ResultKind = "Exception"
)

// Result is the tagged variant returned by every transaction entry point.
type Result[T any] struct {
	Kind  ResultKind
	Value T
	Err   error
}

// Outcome is how a read-write transaction body signals its own intended
// disposition, replacing the source's exception-based RollbackSignal /
// RollbackSignalWithValue (spec.md §9).
type Outcome[T any] struct {
	rolledBack bool
	value      T
}

// Commit signals that the transaction should be committed with value v.
func Commit[T any](v T) Outcome[T] { return Outcome[T]{value: v} }

// Rollback signals a clean rollback with no payload.
func Rollback[T any]() Outcome[T] { return Outcome[T]{rolledBack: true} }

// RollbackWith signals a clean rollback carrying value v.
func RollbackWith[T any](v T) Outcome[T] { return Outcome[T]{rolledBack: true, value: v} }

// boundContainer is satisfied by every container type (Dictionary,
// Matrix, Vector). The transaction engine binds/unbinds all registered
// containers at the start/end of every transaction attempt.
type boundContainer interface {
	bindReadWrite(j *journal)
	bindReadOnly()
	unbind()

	// containerName matches Mutation.ContainerName() so ApplyTransaction
	// can route a replayed mutation to the container that produced it.
	containerName() string

	// applyMutation replays an already-committed mutation directly into
	// this container's state, bypassing the journal entirely - there is
	// nothing to roll back, the mutation is already a durable fact. It
	// returns an error (never matches) if m was not produced by this
	// container.
	applyMutation(m Mutation) error
}

// Publisher is the engine's view of durability: commit a Transaction to
// the ordered event stream and report whether this storage currently
// holds write authority. stream.Stream[Transaction] implements this
// interface without storage importing stream (see stream/stream.go).
type Publisher interface {
	Publish(tx Transaction) (index uint64, us int64, err error)
	IsMaster() bool
}

// ReadWriteHandle is the mutable view of a schema's containers passed
// into a ReadWriteTransaction body. Schema packages embed *journal
// access through their own accessor methods; the handle itself only
// carries the borrowed journal (spec.md §9: "non-Sync journal handle
// created by the engine and passed by borrow into the user closure").
type ReadWriteHandle struct {
	j *journal
}

// SetMeta attaches a meta-field to the in-flight transaction.
func (h *ReadWriteHandle) SetMeta(key, value string) { h.j.SetMeta(key, value) }

// ReadOnlyHandle is the immutable view passed into a ReadOnlyTransaction
// body. It carries no journal: any container Add/Erase call bound under
// a read-only handle panics with ErrMutationOutsideTransaction by
// construction, resolving spec.md §9's open question about read-only
// mutation attempts without a runtime downcast check.
type ReadOnlyHandle struct{}

// Engine is the single-writer transaction engine for one storage
// (spec.md §4.3). It owns the storage mutex and the registered
// containers; it does not own the containers' data, only their
// transaction lifecycle.
type Engine struct {
	mu         sync.Mutex
	clock      clock.Clock
	containers []boundContainer
	publisher  Publisher
	metrics    *metrics.Metrics
	log        zerolog.Logger

	shuttingDown atomic.Bool
	poisoned     atomic.Value // error
}

// NewEngine wires an Engine over the given containers and publisher.
// containers must be registered in the order a schema wants its
// mutations to be replayed (not meaningful for correctness, only for
// readability of the persisted log).
func NewEngine(clk clock.Clock, publisher Publisher, m *metrics.Metrics, log zerolog.Logger, containers ...boundContainer) *Engine {
	if m == nil {
		m = metrics.NoOp()
	}
	return &Engine{
		clock:      clk,
		containers: containers,
		publisher:  publisher,
		metrics:    m,
		log:        log,
	}
}

// ApplyTransaction replays an already-committed Transaction directly
// into the engine's containers, routing each mutation by
// ContainerName() to the matching registered container. Used both to
// rebuild in-memory state from a persister's existing history at
// startup and, on a follower, to apply mutations arriving from the
// master's stream (spec.md §5). It takes the engine's mutex, same as
// any other transaction.
func (e *Engine) ApplyTransaction(tx Transaction) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	byName := make(map[string]boundContainer, len(e.containers))
	for _, c := range e.containers {
		byName[c.containerName()] = c
	}
	for _, m := range tx.Mutations {
		c, ok := byName[m.ContainerName()]
		if !ok {
			return fmt.Errorf("storage: no container registered for mutation container %q", m.ContainerName())
		}
		if err := c.applyMutation(m); err != nil {
			return fmt.Errorf("storage: apply %s: %w", m.MutationName(), err)
		}
	}
	return nil
}

// GracefulShutdown latches a flag causing all subsequent transactions to
// fail fast with ErrShutdownInProgress. In-flight transactions run to
// completion.
func (e *Engine) GracefulShutdown() {
	e.shuttingDown.Store(true)
}

// Poison marks the storage unusable after an unrecoverable persister
// failure (spec.md §7 PersisterAppendFailed).
func (e *Engine) Poison(cause error) {
	e.poisoned.Store(&PoisonedError{Cause: cause})
	e.log.Error().Err(cause).Msg("storage engine poisoned")
}

func (e *Engine) poisonedErr() error {
	v := e.poisoned.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// ReadWriteTransaction runs fn under the storage's single mutex,
// commits its journal if non-empty, and reports the outcome. An
// optional then callback, if supplied, runs under the same mutex
// immediately after the outcome is known but before the mutex is
// released - the "two-step transaction" of spec.md §4.3.
func ReadWriteTransaction[T any](e *Engine, fn func(h *ReadWriteHandle) (Outcome[T], error), then ...func(Result[T])) Result[T] {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := e.runReadWrite(fn)
	for _, t := range then {
		t(result)
	}
	return result
}

func (e *Engine) runReadWrite[T any](fn func(h *ReadWriteHandle) (Outcome[T], error)) Result[T] {
	if err := e.poisonedErr(); err != nil {
		return Result[T]{Kind: ResultException, Err: err}
	}
	if e.shuttingDown.Load() {
		return Result[T]{Kind: ResultException, Err: ErrShutdownInProgress}
	}
	if !e.publisher.IsMaster() {
		return Result[T]{Kind: ResultException, Err: ErrFollowerWriteNotAllowed}
	}

	start := time.Now()
	j := newJournal(e.clock, false)
	if err := j.assertEmpty(); err != nil {
		panic(err) // programming error: a fresh journal is never non-empty
	}
	for _, c := range e.containers {
		c.bindReadWrite(j)
	}
	defer func() {
		for _, c := range e.containers {
			c.unbind()
		}
	}()

	outcome, err := e.runBody(j, fn)
	if err != nil {
		j.rollback()
		e.metrics.TransactionRolledBack()
		e.log.Debug().Err(err).Msg("transaction raised an error, rolled back")
		return Result[T]{Kind: ResultException, Err: err}
	}
	if outcome.rolledBack {
		j.rollback()
		e.metrics.TransactionRolledBack()
		return Result[T]{Kind: ResultRolledBack, Value: outcome.value}
	}

	mutations := j.commitLog
	if len(mutations) == 0 {
		j.drain() // keeps bookkeeping such as last-modified; discards its inverses unrun
		return Result[T]{Kind: ResultCommitted, Value: outcome.value}
	}

	j.drain()
	tx := Transaction{
		Meta: TransactionMeta{
			BeginUS: j.beginUS,
			EndUS:   e.clock.Now(),
			Fields:  j.metaFields,
		},
		Mutations: mutations,
	}
	idx, us, perr := e.publisher.Publish(tx)
	if perr != nil {
		e.Poison(perr)
		return Result[T]{Kind: ResultException, Err: fmt.Errorf("%w: %v", ErrPersisterAppendFailed, perr)}
	}
	e.metrics.ObserveCommitDuration(time.Since(start))
	e.metrics.TransactionCommitted()
	e.log.Debug().Uint64("index", idx).Int64("us", us).Int("mutations", len(mutations)).Msg("transaction committed")
	return Result[T]{Kind: ResultCommitted, Value: outcome.value}
}

func (e *Engine) runBody[T any](j *journal, fn func(h *ReadWriteHandle) (Outcome[T], error)) (oc Outcome[T], ferr error) {
	defer func() {
		if r := recover(); r != nil {
			ferr = fmt.Errorf("storage: panic in transaction body: %v", r)
		}
	}()
	return fn(&ReadWriteHandle{j: j})
}

// ReadOnlyTransaction runs fn under the storage's single mutex against
// read-only container handles. fn may not mutate (there is no handle
// type that would let it); any error fn returns becomes an Exception
// result.
func ReadOnlyTransaction[T any](e *Engine, fn func(h *ReadOnlyHandle) (T, error)) Result[T] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.poisonedErr(); err != nil {
		return Result[T]{Kind: ResultException, Err: err}
	}
	if e.shuttingDown.Load() {
		return Result[T]{Kind: ResultException, Err: ErrShutdownInProgress}
	}

	for _, c := range e.containers {
		c.bindReadOnly()
	}
	defer func() {
		for _, c := range e.containers {
			c.unbind()
		}
	}()

	val, err := e.runReadOnlyBody(fn)
	if err != nil {
		return Result[T]{Kind: ResultException, Err: err}
	}
	return Result[T]{Kind: ResultCommitted, Value: val}
}

func (e *Engine) runReadOnlyBody[T any](fn func(h *ReadOnlyHandle) (T, error)) (v T, ferr error) {
	defer func() {
		if r := recover(); r != nil {
			ferr = fmt.Errorf("storage: panic in transaction body: %v", r)
		}
	}()
	return fn(&ReadOnlyHandle{})
}
