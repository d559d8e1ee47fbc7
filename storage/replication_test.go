package storage_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storage-engine/clock"
	"github.com/warp/storage-engine/metrics"
	"github.com/warp/storage-engine/persister"
	"github.com/warp/storage-engine/storage"
)

func itemRegistry() storage.MutationRegistry {
	reg := make(storage.MutationRegistry)
	reg.Register("items",
		storage.DecodeDictUpdated[string, item]("items"),
		storage.DecodeDictDeleted[string]("items"))
	return reg
}

func TestNewMaster_FlipToMaster_AlreadyMaster(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(1000)
	p := persister.NewMemory()
	d := storage.NewDictionary[string, item]("items", false, nil)

	st, err := storage.NewMaster(ctx, clk, p, metrics.NoOp(), zerolog.Nop(), itemRegistry(), d)
	require.NoError(t, err)

	err = st.FlipToMaster()
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrAlreadyMaster)
}

func TestNewFollower_FlipToMaster_PromotesAfterReplayingHistory(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(1000)
	p := persister.NewMemory()

	masterDict := storage.NewDictionary[string, item]("items", false, nil)
	master, err := storage.NewMaster(ctx, clk, p, metrics.NoOp(), zerolog.Nop(), itemRegistry(), masterDict)
	require.NoError(t, err)

	storage.ReadWriteTransaction(master.Engine, func(h *storage.ReadWriteHandle) (storage.Outcome[struct{}], error) {
		masterDict.Add(item{ID: "a", Name: "Alice"})
		return storage.Commit(struct{}{}), nil
	})

	followerDict := storage.NewDictionary[string, item]("items", false, nil)
	follower, err := storage.NewFollower(ctx, clk, p, metrics.NoOp(), zerolog.Nop(), itemRegistry(), followerDict)
	require.NoError(t, err)

	res := storage.ReadOnlyTransaction(follower.Engine, func(h *storage.ReadOnlyHandle) (item, error) {
		v, _ := followerDict.Get("a")
		return v, nil
	})
	assert.Equal(t, "Alice", res.Value.Name, "follower replayed the master's persisted history")

	require.NoError(t, follower.FlipToMaster())
	assert.True(t, follower.IsMaster())
}

func TestStorage_FlipToMaster_WhileAuthorityLentExternally_FailsWithExternalAuthority(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(1000)
	p := persister.NewMemory()
	d := storage.NewDictionary[string, item]("items", false, nil)

	follower, err := storage.NewFollower(ctx, clk, p, metrics.NoOp(), zerolog.Nop(), itemRegistry(), d)
	require.NoError(t, err)

	require.NoError(t, follower.LendPublishAuthority())

	err = follower.FlipToMaster()
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrExternalAuthority)
	assert.False(t, follower.IsMaster())

	require.NoError(t, follower.ReturnPublishAuthority())
	require.NoError(t, follower.FlipToMaster())
	assert.True(t, follower.IsMaster())
}

func TestStorage_FollowerError_NilForHealthyFollowerAndMaster(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(1000)

	master, err := storage.NewMaster(ctx, clk, persister.NewMemory(), metrics.NoOp(), zerolog.Nop(), itemRegistry(),
		storage.NewDictionary[string, item]("items", false, nil))
	require.NoError(t, err)
	assert.NoError(t, master.FollowerError())

	follower, err := storage.NewFollower(ctx, clk, persister.NewMemory(), metrics.NoOp(), zerolog.Nop(), itemRegistry(),
		storage.NewDictionary[string, item]("items", false, nil))
	require.NoError(t, err)
	assert.NoError(t, follower.FollowerError())
}
