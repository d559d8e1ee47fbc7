package storage_test

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storage-engine/clock"
	"github.com/warp/storage-engine/metrics"
	"github.com/warp/storage-engine/storage"
)

func TestReadWriteTransaction_FollowerRejectsWrites(t *testing.T) {
	// GIVEN: an engine whose publisher reports IsMaster() == false
	// WHEN: a read-write transaction is attempted
	// THEN: it fails fast with ErrFollowerWriteNotAllowed, no container touched

	d := storage.NewDictionary[string, item]("items", false, nil)
	clk := clock.NewMock(1000)
	e := storage.NewEngine(clk, fakePublisher{master: false}, metrics.NoOp(), zerolog.Nop(), d)

	res := storage.ReadWriteTransaction(e, func(h *storage.ReadWriteHandle) (storage.Outcome[struct{}], error) {
		d.Add(item{ID: "a"})
		return storage.Commit(struct{}{}), nil
	})
	require.Equal(t, storage.ResultException, res.Kind)
	assert.ErrorIs(t, res.Err, storage.ErrFollowerWriteNotAllowed)
}

func TestReadWriteTransaction_PersisterFailurePoisonsStorage(t *testing.T) {
	// GIVEN: a publisher whose Publish always fails
	// WHEN: a transaction with a non-empty journal commits
	// THEN: the transaction reports Exception wrapping ErrPersisterAppendFailed,
	//   and every subsequent transaction fails fast the same way (poisoned)

	d := storage.NewDictionary[string, item]("items", false, nil)
	clk := clock.NewMock(1000)
	boom := errors.New("disk full")
	e := storage.NewEngine(clk, failingPublisher{err: boom}, metrics.NoOp(), zerolog.Nop(), d)

	res := storage.ReadWriteTransaction(e, func(h *storage.ReadWriteHandle) (storage.Outcome[struct{}], error) {
		d.Add(item{ID: "a"})
		return storage.Commit(struct{}{}), nil
	})
	require.Equal(t, storage.ResultException, res.Kind)
	assert.ErrorIs(t, res.Err, storage.ErrPersisterAppendFailed)

	res2 := storage.ReadWriteTransaction(e, func(h *storage.ReadWriteHandle) (storage.Outcome[struct{}], error) {
		d.Add(item{ID: "b"})
		return storage.Commit(struct{}{}), nil
	})
	require.Equal(t, storage.ResultException, res2.Kind)
	var poisoned *storage.PoisonedError
	assert.ErrorAs(t, res2.Err, &poisoned)
}

func TestReadWriteTransaction_BodyPanicBecomesException(t *testing.T) {
	// GIVEN: a transaction body that panics
	// WHEN: it's run
	// THEN: the panic is recovered into an Exception result, not a crash

	d := storage.NewDictionary[string, item]("items", false, nil)
	clk := clock.NewMock(1000)
	e := storage.NewEngine(clk, fakePublisher{master: true}, metrics.NoOp(), zerolog.Nop(), d)

	res := storage.ReadWriteTransaction(e, func(h *storage.ReadWriteHandle) (storage.Outcome[struct{}], error) {
		panic("boom")
	})
	require.Equal(t, storage.ResultException, res.Kind)
	assert.Contains(t, res.Err.Error(), "boom")
}

func TestReadWriteTransaction_EmptyJournal_CommitsWithoutPublishing(t *testing.T) {
	// GIVEN: a transaction body that mutates nothing
	// WHEN: it commits
	// THEN: the publisher is never invoked (invariant 7: no empty transactions)

	d := storage.NewDictionary[string, item]("items", false, nil)
	clk := clock.NewMock(1000)
	pub := &countingPublisher{master: true}
	e := storage.NewEngine(clk, pub, metrics.NoOp(), zerolog.Nop(), d)

	res := storage.ReadWriteTransaction(e, func(h *storage.ReadWriteHandle) (storage.Outcome[int], error) {
		return storage.Commit(42), nil
	})
	require.Equal(t, storage.ResultCommitted, res.Kind)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, 0, pub.calls)
}

func TestEngine_GracefulShutdown_RejectsSubsequentTransactions(t *testing.T) {
	d := storage.NewDictionary[string, item]("items", false, nil)
	clk := clock.NewMock(1000)
	e := storage.NewEngine(clk, fakePublisher{master: true}, metrics.NoOp(), zerolog.Nop(), d)

	e.GracefulShutdown()
	res := storage.ReadWriteTransaction(e, func(h *storage.ReadWriteHandle) (storage.Outcome[struct{}], error) {
		return storage.Commit(struct{}{}), nil
	})
	require.Equal(t, storage.ResultException, res.Kind)
	assert.ErrorIs(t, res.Err, storage.ErrShutdownInProgress)
}

func TestEngine_ApplyTransaction_ReplaysMutationsByContainerName(t *testing.T) {
	// GIVEN: a committed Transaction produced by a real master engine,
	//   round-tripped through the wire codec
	// WHEN: ApplyTransaction is called against a second, fresh engine
	//   (simulating a follower rebuilding from persisted history)
	// THEN: the second engine's Dictionary reflects the same mutation

	source := storage.NewDictionary[string, item]("items", false, nil)
	clk := clock.NewMock(1000)
	pub := &capturingPublisher{master: true}
	sourceEngine := storage.NewEngine(clk, pub, metrics.NoOp(), zerolog.Nop(), source)

	storage.ReadWriteTransaction(sourceEngine, func(h *storage.ReadWriteHandle) (storage.Outcome[struct{}], error) {
		source.Add(item{ID: "a", Name: "Alice"})
		return storage.Commit(struct{}{}), nil
	})
	require.NotNil(t, pub.last)

	env, err := storage.EncodeTransaction(*pub.last)
	require.NoError(t, err)

	reg := make(storage.MutationRegistry)
	reg.Register("items",
		storage.DecodeDictUpdated[string, item]("items"),
		storage.DecodeDictDeleted[string]("items"))
	decoded, err := storage.DecodeTransaction(env, reg)
	require.NoError(t, err)

	target := storage.NewDictionary[string, item]("items", false, nil)
	targetEngine := storage.NewEngine(clk, fakePublisher{master: false}, metrics.NoOp(), zerolog.Nop(), target)
	require.NoError(t, targetEngine.ApplyTransaction(decoded))

	res := storage.ReadOnlyTransaction(targetEngine, func(h *storage.ReadOnlyHandle) (item, error) {
		v, _ := target.Get("a")
		return v, nil
	})
	assert.Equal(t, "Alice", res.Value.Name)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(tx storage.Transaction) (uint64, int64, error) {
	return 0, 0, f.err
}
func (f failingPublisher) IsMaster() bool { return true }

type countingPublisher struct {
	master bool
	calls  int
}

func (p *countingPublisher) Publish(tx storage.Transaction) (uint64, int64, error) {
	p.calls++
	return uint64(p.calls - 1), 0, nil
}
func (p *countingPublisher) IsMaster() bool { return p.master }

// capturingPublisher records the last Transaction handed to Publish, so
// tests can feed it straight into the wire codec without a real persister.
type capturingPublisher struct {
	master bool
	last   *storage.Transaction
}

func (p *capturingPublisher) Publish(tx storage.Transaction) (uint64, int64, error) {
	p.last = &tx
	return 0, tx.Meta.EndUS, nil
}
func (p *capturingPublisher) IsMaster() bool { return p.master }
