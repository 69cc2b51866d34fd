// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), SQLite (embedded
// single-node deployments) and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pitchx/founder-exchange/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a row whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrConcurrencyConflict is returned when a pool changed between the
	// read and the commit of a trade. Safe to retry.
	ErrConcurrencyConflict = errors.New("store: concurrent pool modification")

	// ErrInsufficientBalance is returned when a commit would overdraw an investor.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrInsufficientShares is returned when a commit would make a holding negative.
	ErrInsufficientShares = errors.New("store: insufficient shares")

	// ErrTxDone is returned when a trade transaction is used after commit.
	ErrTxDone = errors.New("store: trade transaction already committed")
)

// Store is the persistence interface. Pools are mutated only through
// RunTrade; everything else is either create-once or read-only.
type Store interface {
	// --- Events (owned by an external collaborator) ---

	// CreateEvent persists a new event.
	CreateEvent(ctx context.Context, event *model.Event) error

	// GetEvent retrieves an event by its ID.
	GetEvent(ctx context.Context, id string) (*model.Event, error)

	// UpdateEventStatus changes an event's status.
	UpdateEventStatus(ctx context.Context, id, status string) error

	// --- Founder pools ---

	// CreatePool persists a new founder pool.
	CreatePool(ctx context.Context, pool *model.FounderPool) error

	// GetPool retrieves a pool by founder ID. No lock is taken; the result
	// may be stale by the time the caller reads it.
	GetPool(ctx context.Context, founderID string) (*model.FounderPool, error)

	// ListPools returns all pools.
	ListPools(ctx context.Context) ([]model.FounderPool, error)

	// --- Investors ---

	// CreateInvestor persists a new investor.
	CreateInvestor(ctx context.Context, investor *model.Investor) error

	// GetInvestor retrieves an investor by ID.
	GetInvestor(ctx context.Context, id string) (*model.Investor, error)

	// GetHoldings returns every holding row of an investor.
	GetHoldings(ctx context.Context, investorID string) ([]model.InvestorHolding, error)

	// --- Immutable logs ---

	// GetTradesByFounder returns trades for a founder in commit order.
	GetTradesByFounder(ctx context.Context, founderID string) ([]model.Trade, error)

	// GetTradesByInvestor returns trades for an investor in time order.
	GetTradesByInvestor(ctx context.Context, investorID string) ([]model.Trade, error)

	// GetPriceHistory returns a founder's price points in commit order.
	// A zero since or until leaves that side of the range open.
	GetPriceHistory(ctx context.Context, founderID string, since, until time.Time) ([]model.PriceHistoryPoint, error)

	// --- Trade execution ---

	// RunTrade runs fn with exclusive access to one founder's pool. Writes
	// staged through TradeTx.Commit become visible together when fn returns
	// nil, and not at all otherwise.
	RunTrade(ctx context.Context, founderID string, fn func(ctx context.Context, tx TradeTx) error) error
}

// TradeTx is the view of the store inside RunTrade. Reads reflect the
// latest committed state at the time they are made.
type TradeTx interface {
	// Pool re-reads the founder pool the transaction was opened for.
	Pool(ctx context.Context) (*model.FounderPool, error)

	// Investor reads an investor.
	Investor(ctx context.Context, id string) (*model.Investor, error)

	// Holding reads the investor's holding in this founder. A zero holding
	// is returned when the investor never traded the founder.
	Holding(ctx context.Context, investorID string) (*model.InvestorHolding, error)

	// Event reads the event the pool belongs to.
	Event(ctx context.Context, id string) (*model.Event, error)

	// Commit writes the whole trade and returns the investor as updated.
	// It may be called once.
	Commit(ctx context.Context, c *TradeCommit) (*model.Investor, error)
}

// TradeCommit is every row one trade writes.
type TradeCommit struct {
	// Pool is the new pool state. Its Version must be exactly one past
	// the stored version or the commit fails with ErrConcurrencyConflict.
	Pool *model.FounderPool

	// Trade is appended to the trade log.
	Trade *model.Trade

	// Point is appended to the price history.
	Point *model.PriceHistoryPoint

	// BalanceDelta is added to the investor's balance. The commit fails
	// with ErrInsufficientBalance if the result would be negative.
	BalanceDelta decimal.Decimal

	// Holding is the investor's new holding in this founder.
	Holding *model.InvestorHolding
}
