/*
Package persistertest is a shared conformance suite for every
persister.Persister backend.

PURPOSE:
  spec.md §5 pins one Persister contract across three backends
  (in-memory, file, Redis Streams); this package runs the same
  table-driven assertions against whichever constructor a backend's own
  test file supplies, instead of three independently hand-rolled test
  files that can silently drift apart. Grounded on storj-storj's
  private/kvstore/testsuite, which runs one exported suite as subtests
  against every kvstore.Store implementation's constructor.

USAGE:
  func TestConformance(t *testing.T) {
      persistertest.Run(t, func(t *testing.T) persister.Persister {
          p, err := file.Open(tempLogPath(t))
          require.NoError(t, err)
          t.Cleanup(func() { p.Close() })
          return p
      })
  }
*/
package persistertest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storage-engine/persister"
)

// Run exercises the common Persister contract against a freshly
// constructed instance. newPersister is called once per subtest so
// backends needing per-test isolation (a temp file, a fresh miniredis)
// get it for free.
func Run(t *testing.T, newPersister func(t *testing.T) persister.Persister) {
	t.Helper()

	t.Run("AppendAssignsDenseSequentialIndices", func(t *testing.T) {
		p := newPersister(t)
		ctx := context.Background()

		idx1, err := p.Append(ctx, 100, []byte(`{"a":1}`))
		require.NoError(t, err)
		idx2, err := p.Append(ctx, 200, []byte(`{"a":2}`))
		require.NoError(t, err)

		assert.Equal(t, uint64(0), idx1)
		assert.Equal(t, uint64(1), idx2)

		size, err := p.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), size)
	})

	t.Run("IterateVisitsRecordsInOrderFromIndex", func(t *testing.T) {
		p := newPersister(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := p.Append(ctx, int64(i*10), []byte(`{}`))
			require.NoError(t, err)
		}

		var seen []uint64
		require.NoError(t, p.Iterate(ctx, 2, func(r persister.Record) (bool, error) {
			seen = append(seen, r.Index)
			return true, nil
		}))
		assert.Equal(t, []uint64{2, 3, 4}, seen)
	})

	t.Run("IterateStopsWhenFnReturnsFalse", func(t *testing.T) {
		p := newPersister(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := p.Append(ctx, int64(i), []byte(`{}`))
			require.NoError(t, err)
		}

		var seen []uint64
		require.NoError(t, p.Iterate(ctx, 0, func(r persister.Record) (bool, error) {
			seen = append(seen, r.Index)
			return r.Index < 2, nil
		}))
		assert.Equal(t, []uint64{0, 1, 2}, seen)
	})

	t.Run("AppendPreservesPayloadBytesIndependentlyOfCallersSlice", func(t *testing.T) {
		p := newPersister(t)
		ctx := context.Background()
		payload := []byte(`{"mutate":"me"}`)
		_, err := p.Append(ctx, 1, payload)
		require.NoError(t, err)
		payload[2] = 'X'

		var stored []byte
		require.NoError(t, p.Iterate(ctx, 0, func(r persister.Record) (bool, error) {
			stored = r.Payload
			return true, nil
		}))
		assert.Equal(t, `{"mutate":"me"}`, string(stored))
	})

	t.Run("RecordsCarryTheirAssignedUS", func(t *testing.T) {
		p := newPersister(t)
		ctx := context.Background()
		_, err := p.Append(ctx, 111, []byte(`{"v":1}`))
		require.NoError(t, err)
		_, err = p.Append(ctx, 222, []byte(`{"v":2}`))
		require.NoError(t, err)

		var us []int64
		require.NoError(t, p.Iterate(ctx, 0, func(r persister.Record) (bool, error) {
			us = append(us, r.US)
			return true, nil
		}))
		assert.Equal(t, []int64{111, 222}, us)
	})
}
