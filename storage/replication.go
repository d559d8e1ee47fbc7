/*
replication.go - Master/follower wiring over stream.Stream[Transaction]

PURPOSE:
  Ties the transaction engine to a concrete stream.Stream[Transaction]
  and, for followers, a stream.Follower[Transaction] that replays
  committed transactions directly into this storage's containers via
  Engine.ApplyTransaction (spec.md §5). This is the only file in the
  storage package that imports stream/persister - schemas call
  NewMaster/NewFollower instead of constructing an Engine and a Stream
  by hand.

SEE ALSO:
  - transaction.go: Engine, ApplyTransaction, the Publisher interface
  - stream/stream.go, stream/follower.go: what this file wires together
  - demo/schema.go: registers the MutationRegistry passed in here
*/
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/storage-engine/clock"
	"github.com/warp/storage-engine/metrics"
	"github.com/warp/storage-engine/persister"
	"github.com/warp/storage-engine/stream"
)

// Storage bundles an Engine with the stream.Stream[Transaction] backing
// its Publisher, so FlipToMaster has something concrete to call.
type Storage struct {
	Engine   *Engine
	stream   *stream.Stream[Transaction]
	follower *stream.Follower[Transaction]
}

// NewMaster constructs a Storage that owns publish authority from the
// start and rebuilds in-memory container state from any history already
// in p (e.g. reopening a file-backed persister after a restart), then
// accepts new transactions. reg must decode every mutation variant the
// given containers can produce; pass an empty MutationRegistry for a
// fresh, empty persister.
func NewMaster(ctx context.Context, clk clock.Clock, p persister.Persister, m *metrics.Metrics, log zerolog.Logger, reg MutationRegistry, containers ...boundContainer) (*Storage, error) {
	st := stream.NewStream[Transaction](p, clk, m, true, MarshalTransaction, unmarshalWith(reg))
	e := NewEngine(clk, st, m, log, containers...)
	if err := replayHistory(ctx, st, e); err != nil {
		return nil, err
	}
	return &Storage{Engine: e, stream: st}, nil
}

// NewFollower constructs a Storage with no publish authority: it
// rebuilds state from p's existing history, then stays subscribed,
// applying every subsequently published Transaction via
// Engine.ApplyTransaction as it arrives.
func NewFollower(ctx context.Context, clk clock.Clock, p persister.Persister, m *metrics.Metrics, log zerolog.Logger, reg MutationRegistry, containers ...boundContainer) (*Storage, error) {
	st := stream.NewStream[Transaction](p, clk, m, false, MarshalTransaction, unmarshalWith(reg))
	e := NewEngine(clk, st, m, log, containers...)
	f, err := stream.NewFollower[Transaction](ctx, st, func(tx Transaction, index uint64, us int64) error {
		return e.ApplyTransaction(tx)
	})
	if err != nil {
		return nil, err
	}
	return &Storage{Engine: e, stream: st, follower: f}, nil
}

func replayHistory(ctx context.Context, st *stream.Stream[Transaction], e *Engine) error {
	return st.Replay(ctx, 0, func(tx Transaction, index uint64, us int64) error {
		return e.ApplyTransaction(tx)
	})
}

// FlipToMaster promotes a follower Storage to master. Returns
// ErrAlreadyMaster if this storage already held authority, or
// ErrExternalAuthority if the stream's publisher token is still on loan
// to an external owner (spec.md §4.5).
func (s *Storage) FlipToMaster() error {
	if s.follower == nil {
		return ErrAlreadyMaster
	}
	if err := s.follower.FlipToMaster(); err != nil {
		switch {
		case errors.Is(err, stream.ErrAlreadyMaster):
			return ErrAlreadyMaster
		case errors.Is(err, stream.ErrAuthorityExternal):
			return ErrExternalAuthority
		default:
			return fmt.Errorf("storage: flip to master: %w", err)
		}
	}
	return nil
}

// LendPublishAuthority marks this storage's publisher token as handed
// to an external owner, so a concurrent FlipToMaster fails with
// ErrExternalAuthority until ReturnPublishAuthority clears it (spec.md
// §9 "movable publisher token").
func (s *Storage) LendPublishAuthority() error {
	if err := s.stream.LendAuthority(); err != nil {
		return fmt.Errorf("storage: lend publish authority: %w", err)
	}
	return nil
}

// ReturnPublishAuthority clears a previously lent publisher token.
func (s *Storage) ReturnPublishAuthority() error {
	if err := s.stream.ReturnAuthority(); err != nil {
		return fmt.Errorf("storage: return publish authority: %w", err)
	}
	return nil
}

// IsMaster reports whether this storage currently accepts writes.
func (s *Storage) IsMaster() bool { return s.stream.IsMaster() }

// FollowerError reports ErrReplayMismatch if this storage is a follower
// whose subscription aborted because a live record arrived out of
// sequence (spec.md §7); nil for a healthy follower or a master.
func (s *Storage) FollowerError() error {
	if s.follower == nil {
		return nil
	}
	if err := s.follower.Err(); err != nil {
		if errors.Is(err, stream.ErrReplayMismatch) {
			return fmt.Errorf("%w: %v", ErrReplayMismatch, err)
		}
		return err
	}
	return nil
}

func unmarshalWith(reg MutationRegistry) func([]byte) (Transaction, error) {
	return func(b []byte) (Transaction, error) {
		return UnmarshalTransaction(b, reg)
	}
}
