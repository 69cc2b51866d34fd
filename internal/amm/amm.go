// Package amm implements the constant-product automated market maker that
// prices founder shares.
//
// A founder pool holds shares and cash with shares × cash = k. Buying shares
// out of the pool forces cash in until the product is restored; selling puts
// shares back and pays cash out. Price is cash / shares, capped at MaxPrice.
//
// Quotes and executions share these functions, so a quote computed against a
// given pool state is exactly what the executor would commit against that
// same state. All monetary values use shopspring/decimal, never float64 for
// money. Share counts are integers.
package amm

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pitchx/founder-exchange/internal/model"
)

var (
	// ErrInvalidShares is returned when a trade quantity is not a positive integer.
	ErrInvalidShares = errors.New("amm: share count must be positive")

	// ErrMinReserveBreach is returned when a buy would leave the pool at or
	// below its minimum share reserve.
	ErrMinReserveBreach = errors.New("amm: trade would deplete pool below minimum reserve")

	// ErrShareOverflow is returned when a sell would push the pool's share
	// count past what an int64 can hold.
	ErrShareOverflow = errors.New("amm: share count overflows pool")

	// ErrInvalidPool is returned for pool parameters that cannot form a market.
	ErrInvalidPool = errors.New("amm: invalid pool parameters")

	// MaxPrice caps the quoted price per share.
	MaxPrice = decimal.NewFromInt(100)

	// Scale is the number of decimal places kept for cash and prices.
	Scale int32 = 8

	unit = decimal.New(1, -Scale)
)

// Quote is the outcome of a simulated trade. It never mutates the pool.
type Quote struct {
	Type           model.TradeType `json:"type"`
	Shares         int64           `json:"shares"`
	Amount         decimal.Decimal `json:"amount"` // cost of a buy or payout of a sell, always >= 0
	PricePerShare  decimal.Decimal `json:"price_per_share"`
	StartPrice     decimal.Decimal `json:"start_price"`
	ResultingPrice decimal.Decimal `json:"resulting_price"`
	NewShares      int64           `json:"new_shares"`
	NewCash        decimal.Decimal `json:"new_cash"`
}

// SignedAmount returns the ledger amount: positive cost for buys, negative
// payout for sells.
func (q Quote) SignedAmount() decimal.Decimal {
	if q.Type == model.Sell {
		return q.Amount.Neg()
	}
	return q.Amount
}

// NewPool builds a founder pool from its creation parameters. The constant
// k is fixed here and never changes afterwards.
func NewPool(founderID, eventID, name string, initialShares int64, initialCash decimal.Decimal, minReserve int64) (*model.FounderPool, error) {
	if initialShares <= 0 {
		return nil, fmt.Errorf("%w: initial shares must be positive", ErrInvalidPool)
	}
	if !initialCash.IsPositive() {
		return nil, fmt.Errorf("%w: initial cash must be positive", ErrInvalidPool)
	}
	if minReserve < 0 || minReserve >= initialShares {
		return nil, fmt.Errorf("%w: min reserve must be in [0, initial shares)", ErrInvalidPool)
	}

	now := time.Now().UTC()
	pool := &model.FounderPool{
		FounderID:        founderID,
		EventID:          eventID,
		Name:             name,
		SharesInPool:     initialShares,
		CashInPool:       initialCash,
		KConstant:        initialCash.Mul(decimal.NewFromInt(initialShares)),
		MinReserveShares: minReserve,
		InitialShares:    initialShares,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	pool.CurrentPrice = CurrentPrice(pool)
	return pool, nil
}

// CurrentPrice returns min(cash / shares, MaxPrice). An empty share pool
// prices at the cap.
func CurrentPrice(pool *model.FounderPool) decimal.Decimal {
	return priceOf(pool.SharesInPool, pool.CashInPool)
}

func priceOf(shares int64, cash decimal.Decimal) decimal.Decimal {
	if shares <= 0 {
		return MaxPrice
	}
	price := cash.DivRound(decimal.NewFromInt(shares), Scale)
	if price.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return price
}

// MarketCap values the shares issued out of the pool at the current price:
//
//	marketCap = price × (initialShares − sharesInPool)
func MarketCap(pool *model.FounderPool, initialShares int64) decimal.Decimal {
	issued := initialShares - pool.SharesInPool
	return CurrentPrice(pool).Mul(decimal.NewFromInt(issued))
}

// cashFor returns k / shares rounded up to Scale. Rounding always favours
// the pool, so a round trip can never extract cash.
func cashFor(k decimal.Decimal, shares int64) decimal.Decimal {
	q, r := k.QuoRem(decimal.NewFromInt(shares), Scale)
	if !r.IsZero() {
		q = q.Add(unit)
	}
	return q
}

// SimulateBuy computes the cost of taking shares out of the pool:
//
//	newShares = shares − n          (must stay above the min reserve)
//	newCash   = k / newShares
//	cost      = newCash − cash
func SimulateBuy(pool *model.FounderPool, shares int64) (Quote, error) {
	if shares <= 0 {
		return Quote{}, ErrInvalidShares
	}
	newShares := pool.SharesInPool - shares
	if newShares <= pool.MinReserveShares {
		return Quote{}, fmt.Errorf("%w: %d shares would leave %d in pool (reserve %d)",
			ErrMinReserveBreach, shares, newShares, pool.MinReserveShares)
	}

	newCash := cashFor(pool.KConstant, newShares)
	cost := newCash.Sub(pool.CashInPool)

	return Quote{
		Type:           model.Buy,
		Shares:         shares,
		Amount:         cost,
		PricePerShare:  cost.DivRound(decimal.NewFromInt(shares), Scale),
		StartPrice:     CurrentPrice(pool),
		ResultingPrice: priceOf(newShares, newCash),
		NewShares:      newShares,
		NewCash:        newCash,
	}, nil
}

// SimulateSell computes the payout for putting shares back into the pool:
//
//	newShares = shares + n
//	newCash   = k / newShares
//	payout    = cash − newCash
func SimulateSell(pool *model.FounderPool, shares int64) (Quote, error) {
	if shares <= 0 {
		return Quote{}, ErrInvalidShares
	}
	if shares > math.MaxInt64-pool.SharesInPool {
		return Quote{}, fmt.Errorf("%w: selling %d into %d", ErrShareOverflow, shares, pool.SharesInPool)
	}
	newShares := pool.SharesInPool + shares
	newCash := cashFor(pool.KConstant, newShares)
	payout := pool.CashInPool.Sub(newCash)

	return Quote{
		Type:           model.Sell,
		Shares:         shares,
		Amount:         payout,
		PricePerShare:  payout.DivRound(decimal.NewFromInt(shares), Scale),
		StartPrice:     CurrentPrice(pool),
		ResultingPrice: priceOf(newShares, newCash),
		NewShares:      newShares,
		NewCash:        newCash,
	}, nil
}

// Simulate dispatches on the trade type.
func Simulate(pool *model.FounderPool, typ model.TradeType, shares int64) (Quote, error) {
	switch typ {
	case model.Buy:
		return SimulateBuy(pool, shares)
	case model.Sell:
		return SimulateSell(pool, shares)
	}
	return Quote{}, fmt.Errorf("amm: unknown trade type %q", typ)
}

// Apply returns the candidate pool state after q. The input is not modified.
func Apply(pool *model.FounderPool, q Quote, at time.Time) *model.FounderPool {
	next := *pool
	next.SharesInPool = q.NewShares
	next.CashInPool = q.NewCash
	next.CurrentPrice = q.ResultingPrice
	next.Version = pool.Version + 1
	next.UpdatedAt = at
	return &next
}
