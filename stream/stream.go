/*
Package stream is the ordered, replicated event log sitting between the
transaction engine and a durable persister.go backend.

PURPOSE:
  Implements spec.md §5's publish/subscribe layer: Stream[T] durably
  appends committed transactions (via an injected Persister), assigns
  each one an index and a wall timestamp, and fans the result out to any
  subscribers - chiefly a follower storage replaying the master's log.

IMPORT-CYCLE AVOIDANCE (spec.md §9 design note):
  storage.Publisher is the two-method interface
  {Publish(tx) (idx, us, err); IsMaster() bool}. Stream[T] satisfies it
  structurally for any T (in practice T = storage.Transaction) without
  this package importing storage: Stream encodes/decodes T via injected
  functions rather than calling storage.MarshalTransaction itself. The
  wiring order is storage -> stream -> persister; stream never imports
  storage.

GROUNDED ON:
  - original_source/Storage/persister/sherlock.h: idxts_t pairing, the
    Own/External authority terminology (here: IsMaster/FlipToMaster), and
    replay-then-subscribe startup sequencing.
  - AntoineToussaint-timeoff doc-header style.

SEE ALSO:
  - persister/persister.go: the underlying append-only log
  - stream/follower.go: the subscriber side that replays into a follower
  - storage/transaction.go: the Publisher consumer
*/
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/warp/storage-engine/clock"
	"github.com/warp/storage-engine/metrics"
	"github.com/warp/storage-engine/persister"
)

// Subscription is returned by Subscribe; call Cancel to stop receiving.
type Subscription struct {
	cancel func()
}

func (s Subscription) Cancel() { s.cancel() }

type subscriber[T any] struct {
	id int
	fn func(entry T, index uint64, us int64)
}

// Stream durably publishes values of type T through an underlying
// Persister and fans them out to subscribers in commit order. The zero
// value is not usable; construct with NewStream.
type Stream[T any] struct {
	mu          sync.Mutex
	p           persister.Persister
	clock       clock.Clock
	metrics     *metrics.Metrics
	encode      func(T) ([]byte, error)
	decode      func([]byte) (T, error)
	isMaster    atomic.Bool
	external    atomic.Bool
	subscribers []subscriber[T]
	nextSubID   int
}

// NewStream wraps p, marking this Stream as holding publish authority
// (master) by default. Pass master=false to construct a follower
// stream that starts out rejecting Publish calls until FlipToMaster.
func NewStream[T any](p persister.Persister, clk clock.Clock, m *metrics.Metrics, master bool, encode func(T) ([]byte, error), decode func([]byte) (T, error)) *Stream[T] {
	if m == nil {
		m = metrics.NoOp()
	}
	s := &Stream[T]{p: p, clock: clk, metrics: m, encode: encode, decode: decode}
	s.isMaster.Store(master)
	return s
}

// IsMaster reports whether this stream currently accepts Publish calls.
// Part of storage.Publisher.
func (s *Stream[T]) IsMaster() bool {
	return s.isMaster.Load()
}

// Publish durably appends entry and notifies subscribers. Part of
// storage.Publisher.
func (s *Stream[T]) Publish(entry T) (uint64, int64, error) {
	if !s.isMaster.Load() {
		return 0, 0, fmt.Errorf("stream: publish attempted without master authority")
	}
	payload, err := s.encode(entry)
	if err != nil {
		return 0, 0, fmt.Errorf("stream: encode: %w", err)
	}
	us := s.clock.Now()
	idx, err := s.p.Append(context.Background(), us, payload)
	if err != nil {
		s.metrics.PersisterAppendFailed()
		return 0, 0, fmt.Errorf("stream: append: %w", err)
	}
	s.metrics.PersisterAppend()
	s.notify(entry, idx, us)
	return idx, us, nil
}

// Replay calls fn once per already-persisted record, in index order,
// starting at fromIndex. Used both at startup (to rebuild in-memory
// container state) and by a newly-attached follower catching up.
func (s *Stream[T]) Replay(ctx context.Context, fromIndex uint64, fn func(entry T, index uint64, us int64) error) error {
	return s.p.Iterate(ctx, fromIndex, func(r persister.Record) (bool, error) {
		entry, err := s.decode(r.Payload)
		if err != nil {
			return false, fmt.Errorf("stream: decode record %d: %w", r.Index, err)
		}
		if err := fn(entry, r.Index, r.US); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Subscribe registers fn to be called (synchronously, from Publish, after
// the stream's lock has been released) for every subsequent Publish.
// Returns a Subscription
// whose Cancel removes it.
func (s *Stream[T]) Subscribe(fn func(entry T, index uint64, us int64)) Subscription {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers = append(s.subscribers, subscriber[T]{id: id, fn: fn})
	count := len(s.subscribers)
	s.mu.Unlock()
	s.metrics.SetStreamSubscribers(count)

	return Subscription{cancel: func() {
		s.mu.Lock()
		for i, sub := range s.subscribers {
			if sub.id == id {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				break
			}
		}
		count := len(s.subscribers)
		s.mu.Unlock()
		s.metrics.SetStreamSubscribers(count)
	}}
}

func (s *Stream[T]) notify(entry T, index uint64, us int64) {
	s.mu.Lock()
	subs := make([]subscriber[T], len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(entry, index, us)
	}
}

// LendAuthority marks this stream's publish authority as handed to an
// external owner outside the normal master/follower pairing (spec.md §9
// "Streams with movable publisher token"). FlipToMaster fails with
// ErrAuthorityExternal until ReturnAuthority clears it.
func (s *Stream[T]) LendAuthority() error {
	if s.isMaster.Load() {
		return fmt.Errorf("stream: cannot lend authority while holding master")
	}
	if !s.external.CompareAndSwap(false, true) {
		return fmt.Errorf("stream: authority is already lent externally")
	}
	return nil
}

// ReturnAuthority clears a previously lent authority token, letting
// FlipToMaster proceed again.
func (s *Stream[T]) ReturnAuthority() error {
	if !s.external.CompareAndSwap(true, false) {
		return fmt.Errorf("stream: no externally-lent authority to return")
	}
	return nil
}

// FlipToMaster grants this stream publish authority. Returns
// ErrAlreadyMaster if this stream already holds it, or
// ErrAuthorityExternal if the publisher token is still on loan - callers
// translate these into the storage-level sentinels (see
// storage/replication.go).
func (s *Stream[T]) FlipToMaster() error {
	if s.isMaster.Load() {
		return ErrAlreadyMaster
	}
	if s.external.Load() {
		return ErrAuthorityExternal
	}
	if !s.isMaster.CompareAndSwap(false, true) {
		return ErrAlreadyMaster
	}
	return nil
}

// Size reports how many records have been durably appended.
func (s *Stream[T]) Size(ctx context.Context) (uint64, error) {
	return s.p.Size(ctx)
}
