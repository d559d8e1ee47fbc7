package stream_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storage-engine/clock"
	"github.com/warp/storage-engine/persister"
	"github.com/warp/storage-engine/stream"
)

func TestFollower_NewFollower_ReplaysExistingHistory(t *testing.T) {
	// GIVEN: a stream with two records already published before the
	//   follower attaches
	// WHEN: NewFollower is constructed
	// THEN: apply is called for both, in order, during construction

	p := persister.NewMemory()
	clk := clock.NewMock(100)
	s := stream.NewStream[string](p, clk, nil, true, encodeString, decodeString)
	s.Publish("a")
	s.Publish("b")

	var applied []string
	f, err := stream.NewFollower[string](context.Background(), s, func(entry string, index uint64, us int64) error {
		applied = append(applied, entry)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, applied)
	assert.Equal(t, int64(100), f.LastAppliedUS())
}

func TestFollower_SubsequentPublishes_AreAppliedLive(t *testing.T) {
	p := persister.NewMemory()
	clk := clock.NewMock(100)
	s := stream.NewStream[string](p, clk, nil, true, encodeString, decodeString)

	var applied []string
	_, err := stream.NewFollower[string](context.Background(), s, func(entry string, index uint64, us int64) error {
		applied = append(applied, entry)
		return nil
	})
	require.NoError(t, err)

	s.Publish("c")
	assert.Equal(t, []string{"c"}, applied)
}

func TestFollower_InitialReplayError_FailsConstruction(t *testing.T) {
	p := persister.NewMemory()
	clk := clock.NewMock(100)
	s := stream.NewStream[string](p, clk, nil, true, encodeString, decodeString)
	s.Publish("a")

	boom := errors.New("corrupt")
	_, err := stream.NewFollower[string](context.Background(), s, func(entry string, index uint64, us int64) error {
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestFollower_LiveApplyFailure_Panics(t *testing.T) {
	// GIVEN: a follower that has finished its initial (empty) replay
	// WHEN: a live publish's apply fails
	// THEN: it panics rather than silently diverging from the master

	p := persister.NewMemory()
	clk := clock.NewMock(100)
	s := stream.NewStream[string](p, clk, nil, true, encodeString, decodeString)

	_, err := stream.NewFollower[string](context.Background(), s, func(entry string, index uint64, us int64) error {
		return errors.New("apply failed")
	})
	require.NoError(t, err, "no records yet, so the initial replay itself doesn't fail")

	assert.Panics(t, func() { s.Publish("boom") })
}

func TestFollower_FlipToMaster_CancelsSubscriptionAndGrantsAuthority(t *testing.T) {
	p := persister.NewMemory()
	clk := clock.NewMock(100)
	s := stream.NewStream[string](p, clk, nil, false, encodeString, decodeString)

	var applied []string
	f, err := stream.NewFollower[string](context.Background(), s, func(entry string, index uint64, us int64) error {
		applied = append(applied, entry)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.FlipToMaster())
	assert.True(t, s.IsMaster())

	_, _, err = s.Publish("now-master")
	require.NoError(t, err)
	assert.Empty(t, applied, "the follower's subscription was cancelled by FlipToMaster")
}
