/*
follower.go - Subscriber-applies-under-mutex replication

PURPOSE:
  Implements spec.md §5's follower mode: a follower storage holds no
  publish authority (Publisher.IsMaster() == false, so
  storage.ReadWriteTransaction fails fast with ErrFollowerWriteNotAllowed)
  and instead applies every mutation arriving from the master's Stream
  by replaying it directly into its own containers, under its own
  transaction mutex, bypassing ReadWriteTransaction/journal entirely
  (there is nothing to roll back - the master already committed).

SEE ALSO:
  - stream.go: Subscribe/Replay primitives this type drives
  - storage/transaction.go: Engine.containers is what gets replayed into
*/
package stream

import (
	"context"
	"fmt"
	"sync"
)

// Applier applies one already-committed entry directly to a follower's
// containers. storage/replication.go supplies one that calls
// Engine.ApplyTransaction, outside of any read-write transaction, since a
// replayed mutation must bypass the normal Add/Erase journal path - it is
// already a fact, not a proposal.
type Applier[T any] func(entry T, index uint64, us int64) error

// Follower attaches to a Stream as a read-only subscriber, replaying
// history at construction and then staying live via Subscribe.
type Follower[T any] struct {
	mu        sync.Mutex
	stream    *Stream[T]
	apply     Applier[T]
	sub       Subscription
	haveLast  bool
	lastIndex uint64
	lastUS    int64
	err       error
}

// NewFollower replays every record currently on stream through apply,
// then subscribes for subsequent ones. The returned Follower holds no
// publish authority; call FlipToMaster to promote it.
func NewFollower[T any](ctx context.Context, s *Stream[T], apply Applier[T]) (*Follower[T], error) {
	f := &Follower[T]{stream: s, apply: apply}
	if err := s.Replay(ctx, 0, func(entry T, index uint64, us int64) error {
		if err := apply(entry, index, us); err != nil {
			return err
		}
		f.lastIndex, f.lastUS, f.haveLast = index, us, true
		return nil
	}); err != nil {
		return nil, fmt.Errorf("stream: follower initial replay: %w", err)
	}
	f.sub = s.Subscribe(func(entry T, index uint64, us int64) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.err != nil {
			return
		}
		if f.haveLast && index != f.lastIndex+1 {
			f.err = fmt.Errorf("%w: expected index %d, got %d", ErrReplayMismatch, f.lastIndex+1, index)
			f.sub.Cancel()
			return
		}
		if err := apply(entry, index, us); err != nil {
			// Nothing further to roll back to: the record is already
			// durable on the master. Surfacing this as a panic would
			// take the whole process down, which is the correct
			// failure mode for a follower that can no longer trust its
			// own replicated state - this is distinct from
			// ErrReplayMismatch, which aborts subscription instead of
			// the process.
			panic(fmt.Errorf("stream: follower apply failed at index %d: %w", index, err))
		}
		f.lastIndex, f.lastUS, f.haveLast = index, us, true
	})
	return f, nil
}

// LastAppliedUS returns the timestamp of the most recently applied entry.
func (f *Follower[T]) LastAppliedUS() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUS
}

// Err reports ErrReplayMismatch if a live record arrived out of
// sequence and subscription was aborted; nil otherwise.
func (f *Follower[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// FlipToMaster stops following and grants this follower's underlying
// stream publish authority. The caller is responsible for having
// stopped routing reads to a stale snapshot during the flip (spec.md §5
// "FlipToMaster... caller must ensure no concurrent replay is in
// flight").
func (f *Follower[T]) FlipToMaster() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub.Cancel()
	return f.stream.FlipToMaster()
}
