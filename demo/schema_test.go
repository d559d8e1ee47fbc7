package demo_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storage-engine/clock"
	"github.com/warp/storage-engine/demo"
	"github.com/warp/storage-engine/metrics"
	"github.com/warp/storage-engine/persister"
	"github.com/warp/storage-engine/storage"
)

func newMasterSchema(t *testing.T) *demo.Schema {
	t.Helper()
	p := persister.NewMemory()
	clk := clock.NewMock(1000)
	s, err := demo.NewSchema(context.Background(), clk, p, metrics.NoOp(), zerolog.Nop(), true)
	require.NoError(t, err)
	return s
}

func TestSchema_OpenAccount_MintsIDAndRecordsEvent(t *testing.T) {
	s := newMasterSchema(t)

	res := s.OpenAccount("Alice")
	require.Equal(t, storage.ResultCommitted, res.Kind)
	assert.NotEmpty(t, res.Value)
	assert.True(t, s.AccountExists(res.Value))
}

func TestSchema_Deposit_CreditsHoldingAndSupportsReadingBalance(t *testing.T) {
	s := newMasterSchema(t)
	acc := s.OpenAccount("Alice").Value

	res := s.Deposit(acc, "USD", decimal.NewFromInt(100))
	require.Equal(t, storage.ResultCommitted, res.Kind)
	assert.True(t, decimal.NewFromInt(100).Equal(res.Value))

	bal := s.Balance(acc, "USD")
	assert.True(t, decimal.NewFromInt(100).Equal(bal.Value))
}

func TestSchema_Deposit_UnknownAccount_RollsBack(t *testing.T) {
	s := newMasterSchema(t)
	res := s.Deposit("does-not-exist", "USD", decimal.NewFromInt(10))
	require.Equal(t, storage.ResultException, res.Kind)
	assert.Error(t, res.Err)
}

func TestSchema_Deposit_NonPositiveAmount_RollsBack(t *testing.T) {
	s := newMasterSchema(t)
	acc := s.OpenAccount("Alice").Value
	res := s.Deposit(acc, "USD", decimal.Zero)
	require.Equal(t, storage.ResultException, res.Kind)
}

func TestSchema_Transfer_MovesBalanceBetweenAccounts(t *testing.T) {
	s := newMasterSchema(t)
	alice := s.OpenAccount("Alice").Value
	bob := s.OpenAccount("Bob").Value
	s.Deposit(alice, "USD", decimal.NewFromInt(100))

	res := s.Transfer(alice, bob, "USD", decimal.NewFromInt(40))
	require.Equal(t, storage.ResultCommitted, res.Kind)

	assert.True(t, decimal.NewFromInt(60).Equal(s.Balance(alice, "USD").Value))
	assert.True(t, decimal.NewFromInt(40).Equal(s.Balance(bob, "USD").Value))
}

func TestSchema_Transfer_InsufficientBalance_RollsBackLeavingBothUntouched(t *testing.T) {
	s := newMasterSchema(t)
	alice := s.OpenAccount("Alice").Value
	bob := s.OpenAccount("Bob").Value
	s.Deposit(alice, "USD", decimal.NewFromInt(10))

	res := s.Transfer(alice, bob, "USD", decimal.NewFromInt(999))
	require.Equal(t, storage.ResultException, res.Kind)

	assert.True(t, decimal.NewFromInt(10).Equal(s.Balance(alice, "USD").Value))
	assert.True(t, decimal.Zero.Equal(s.Balance(bob, "USD").Value))
}

func TestSchema_FollowerReplaysHistoryFromPersister(t *testing.T) {
	// GIVEN: a master schema with some committed activity against a
	//   shared persister
	// WHEN: a second schema opens the same persister as a follower
	// THEN: the follower's reads reflect the master's committed state

	p := persister.NewMemory()
	clk := clock.NewMock(1000)
	master, err := demo.NewSchema(context.Background(), clk, p, metrics.NoOp(), zerolog.Nop(), true)
	require.NoError(t, err)

	acc := master.OpenAccount("Alice").Value
	master.Deposit(acc, "USD", decimal.NewFromInt(50))

	follower, err := demo.NewSchema(context.Background(), clk, p, metrics.NoOp(), zerolog.Nop(), false)
	require.NoError(t, err)

	assert.False(t, follower.Storage().IsMaster())
	assert.True(t, follower.AccountExists(acc))
	assert.True(t, decimal.NewFromInt(50).Equal(follower.Balance(acc, "USD").Value))

	writeRes := follower.Deposit(acc, "USD", decimal.NewFromInt(1))
	require.Equal(t, storage.ResultException, writeRes.Kind)
	assert.ErrorIs(t, writeRes.Err, storage.ErrFollowerWriteNotAllowed)
}

func TestSchema_BuildRESTServer_MountsRegisteredFields(t *testing.T) {
	s := newMasterSchema(t)
	srv := s.BuildRESTServer("/api/v1")
	require.NotNil(t, srv)
	require.NotNil(t, srv.Router())
}
