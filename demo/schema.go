/*
Package demo is a worked example schema built directly on package
storage - a tiny ledger of accounts, per-asset holdings, and an event
log - exercising all three container shapes (Dictionary, Matrix,
Vector) and shopspring/decimal for exact-precision amounts, the same
way AntoineToussaint-timeoff/timeoff used decimal for PTO balances.

This package is not part of the engine; it exists so cmd/server has
something concrete to serve and so the container/transaction/stream
machinery in package storage has an end-to-end exerciser beyond its own
unit tests.

SEE ALSO:
  - storage/container.go: Dictionary/Matrix/Vector this schema instantiates
  - storage/replication.go: NewMaster/NewFollower this schema wires
  - cmd/server/main.go: serves this schema over REST
*/
package demo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/storage-engine/clock"
	"github.com/warp/storage-engine/metrics"
	"github.com/warp/storage-engine/persister"
	"github.com/warp/storage-engine/rest"
	"github.com/warp/storage-engine/storage"
)

// Account is a ledger account. Implements storage.KeyInitializer[string]
// so the REST projection's POST verb can mint an ID on create.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (a Account) Key() string              { return a.ID }
func (a Account) InitializeOwnKey() string { return uuid.New().String() }
func (a *Account) SetKey(id string)        { a.ID = id }

// Holding is one (account, asset) balance cell. Many-to-many: an
// account holds many assets, an asset is held by many accounts.
type Holding struct {
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
}

func (h Holding) Row() string { return h.AccountID }
func (h Holding) Col() string { return h.Asset }

// Event is an append-only domain event (Vector entry).
type Event struct {
	Kind      string `json:"kind"`
	AccountID string `json:"account_id"`
	Asset     string `json:"asset,omitempty"`
	US        int64  `json:"us"`
}

const (
	containerAccounts = "accounts"
	containerHoldings = "holdings"
	containerEvents   = "events"
)

// Schema wires the three containers above into one storage.Storage and
// exposes ledger-shaped operations over them.
type Schema struct {
	accounts *storage.Dictionary[string, Account]
	holdings *storage.Matrix[string, string, Holding]
	events   *storage.Vector[Event]
	store    *storage.Storage
	p        persister.Persister
}

func newContainers() (*storage.Dictionary[string, Account], *storage.Matrix[string, string, Holding], *storage.Vector[Event]) {
	accounts := storage.NewDictionary[string, Account](containerAccounts, true, func(a, b string) bool { return a < b })
	holdings := storage.NewMatrix[string, string, Holding](containerHoldings, false, false, nil, nil)
	events := storage.NewVector[Event](containerEvents)
	return accounts, holdings, events
}

func mutationRegistry() storage.MutationRegistry {
	reg := make(storage.MutationRegistry)
	reg.Register(containerAccounts,
		storage.DecodeDictUpdated[string, Account](containerAccounts),
		storage.DecodeDictDeleted[string](containerAccounts))
	reg.Register(containerHoldings,
		storage.DecodeMatrixUpdated[string, string, Holding](containerHoldings),
		storage.DecodeMatrixDeleted[string, string](containerHoldings))
	reg.Register(containerEvents,
		storage.DecodeDictUpdated[int, Event](containerEvents),
		storage.DecodeDictDeleted[int](containerEvents))
	return reg
}

// NewSchema builds a Schema backed by p, as master if master is true or
// as a follower replaying/staying subscribed to p otherwise.
func NewSchema(ctx context.Context, clk clock.Clock, p persister.Persister, m *metrics.Metrics, log zerolog.Logger, master bool) (*Schema, error) {
	accounts, holdings, events := newContainers()
	reg := mutationRegistry()

	var st *storage.Storage
	var err error
	if master {
		st, err = storage.NewMaster(ctx, clk, p, m, log, reg, accounts, holdings, events)
	} else {
		st, err = storage.NewFollower(ctx, clk, p, m, log, reg, accounts, holdings, events)
	}
	if err != nil {
		return nil, fmt.Errorf("demo: build schema: %w", err)
	}
	return &Schema{accounts: accounts, holdings: holdings, events: events, store: st, p: p}, nil
}

// Storage exposes the underlying storage.Storage (for FlipToMaster,
// IsMaster, and REST wiring).
func (s *Schema) Storage() *storage.Storage { return s.store }

// OpenAccount creates a new account with the given name and returns its
// minted ID.
func (s *Schema) OpenAccount(name string) storage.Result[string] {
	return storage.ReadWriteTransaction(s.store.Engine, func(h *storage.ReadWriteHandle) (storage.Outcome[string], error) {
		acc := Account{Name: name}
		acc.ID = acc.InitializeOwnKey()
		s.accounts.Add(acc)
		s.events.Append(Event{Kind: "AccountOpened", AccountID: acc.ID})
		h.SetMeta("op", "OpenAccount")
		return storage.Commit(acc.ID), nil
	})
}

// Deposit credits amount of asset into accountID's holding, creating the
// cell if it doesn't yet exist. Rolls back with an error if the account
// doesn't exist or amount is not positive.
func (s *Schema) Deposit(accountID, asset string, amount decimal.Decimal) storage.Result[decimal.Decimal] {
	return storage.ReadWriteTransaction(s.store.Engine, func(h *storage.ReadWriteHandle) (storage.Outcome[decimal.Decimal], error) {
		if !amount.IsPositive() {
			return storage.Rollback[decimal.Decimal](), fmt.Errorf("demo: deposit amount must be positive, got %s", amount)
		}
		if !s.accounts.Has(accountID) {
			return storage.Rollback[decimal.Decimal](), fmt.Errorf("demo: unknown account %q", accountID)
		}
		existing, _ := s.holdings.Get(accountID, asset)
		newAmount := existing.Amount.Add(amount)
		s.holdings.Add(Holding{AccountID: accountID, Asset: asset, Amount: newAmount})
		s.events.Append(Event{Kind: "Deposited", AccountID: accountID, Asset: asset})
		h.SetMeta("op", "Deposit")
		return storage.Commit(newAmount), nil
	})
}

// Transfer moves amount of asset from one account's holding to another's,
// rolling back if the source has insufficient balance.
func (s *Schema) Transfer(fromID, toID, asset string, amount decimal.Decimal) storage.Result[struct{}] {
	return storage.ReadWriteTransaction(s.store.Engine, func(h *storage.ReadWriteHandle) (storage.Outcome[struct{}], error) {
		if !amount.IsPositive() {
			return storage.Rollback[struct{}](), fmt.Errorf("demo: transfer amount must be positive, got %s", amount)
		}
		from, ok := s.holdings.Get(fromID, asset)
		if !ok || from.Amount.LessThan(amount) {
			return storage.Rollback[struct{}](), fmt.Errorf("demo: insufficient %s balance on account %q", asset, fromID)
		}
		to, _ := s.holdings.Get(toID, asset)

		s.holdings.Add(Holding{AccountID: fromID, Asset: asset, Amount: from.Amount.Sub(amount)})
		s.holdings.Add(Holding{AccountID: toID, Asset: asset, Amount: to.Amount.Add(amount)})
		s.events.Append(Event{Kind: "Transferred", AccountID: fromID, Asset: asset})
		h.SetMeta("op", "Transfer")
		return storage.Commit(struct{}{}), nil
	})
}

// Balance reads accountID's holding of asset (zero if no such cell).
func (s *Schema) Balance(accountID, asset string) storage.Result[decimal.Decimal] {
	return storage.ReadOnlyTransaction(s.store.Engine, func(h *storage.ReadOnlyHandle) (decimal.Decimal, error) {
		holding, _ := s.holdings.Get(accountID, asset)
		return holding.Amount, nil
	})
}

// stringCodec is the identity KeyCodec for plain string keys.
var stringCodec = rest.KeyCodec[string]{
	Parse:  func(s string) (string, error) { return s, nil },
	Format: func(s string) string { return s },
}

// BuildRESTServer mounts this schema's three containers under prefix,
// wiring the follower-405 rule to the underlying Storage's IsMaster.
func (s *Schema) BuildRESTServer(prefix string) *rest.Server {
	srv := rest.NewServer(prefix, s.store.IsMaster, s.p)
	srv.RegisterField(rest.NewDictionaryField[string, Account](containerAccounts, s.store.Engine, s.accounts, stringCodec))
	srv.RegisterField(rest.NewMatrixField[string, string, Holding](containerHoldings, s.store.Engine, s.holdings, stringCodec, stringCodec))
	return srv
}

// AccountExists reports whether accountID has been opened.
func (s *Schema) AccountExists(accountID string) bool {
	r := storage.ReadOnlyTransaction(s.store.Engine, func(h *storage.ReadOnlyHandle) (bool, error) {
		return s.accounts.Has(accountID), nil
	})
	return r.Value
}
