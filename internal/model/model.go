// Package model defines the core domain types shared across the exchange.
// All monetary values use shopspring/decimal, never float64 for money.
// Share counts are whole numbers and use int64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeType is the direction of a trade against a founder pool.
type TradeType string

const (
	Buy  TradeType = "buy"
	Sell TradeType = "sell"
)

// ParseTradeType normalizes and validates a trade type string.
func ParseTradeType(s string) (TradeType, error) {
	switch TradeType(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("unknown trade type %q", s)
}

// PricePointSource tells where a price history point came from.
type PricePointSource string

const (
	SourceTrade    PricePointSource = "trade"
	SourceInterval PricePointSource = "interval"
)

// Event status values. Trading is allowed only while an event is active.
const (
	EventDraft  = "draft"
	EventActive = "active"
	EventClosed = "closed"
)

// Event is the pitch competition a founder pool belongs to. It is owned by an
// external collaborator; the engine only reads its status.
type Event struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// FounderPool is the constant-product reserve for one founder.
// Invariant: SharesInPool * CashInPool ≈ KConstant.
type FounderPool struct {
	FounderID        string          `json:"founder_id" db:"founder_id"`
	EventID          string          `json:"event_id" db:"event_id"`
	Name             string          `json:"name" db:"name"`
	SharesInPool     int64           `json:"shares_in_pool" db:"shares_in_pool"`
	CashInPool       decimal.Decimal `json:"cash_in_pool" db:"cash_in_pool"`
	KConstant        decimal.Decimal `json:"k_constant" db:"k_constant"`
	MinReserveShares int64           `json:"min_reserve_shares" db:"min_reserve_shares"`
	InitialShares    int64           `json:"initial_shares" db:"initial_shares"`
	CurrentPrice     decimal.Decimal `json:"current_price" db:"current_price"`
	Version          int64           `json:"version" db:"version"` // committed trades so far
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable record of a committed trade.
// Once created, these are never modified or deleted.
type Trade struct {
	ID             string          `json:"id" db:"id"`
	InvestorID     string          `json:"investor_id" db:"investor_id"`
	FounderID      string          `json:"founder_id" db:"founder_id"`
	EventID        string          `json:"event_id" db:"event_id"`
	Type           TradeType       `json:"type" db:"type"`
	Shares         int64           `json:"shares" db:"shares"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`                   // signed: +cost paid, -payout received
	PricePerShare  decimal.Decimal `json:"price_per_share" db:"price_per_share"` // average fill price
	ResultingPrice decimal.Decimal `json:"resulting_price" db:"resulting_price"`
	Sequence       int64           `json:"sequence" db:"sequence"` // pool version after this trade
	Note           string          `json:"note,omitempty" db:"note"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}

// PriceHistoryPoint is an immutable snapshot of a pool's price.
type PriceHistoryPoint struct {
	FounderID    string           `json:"founder_id" db:"founder_id"`
	Price        decimal.Decimal  `json:"price" db:"price"`
	SharesInPool int64            `json:"shares_in_pool" db:"shares_in_pool"`
	CashInPool   decimal.Decimal  `json:"cash_in_pool" db:"cash_in_pool"`
	Source       PricePointSource `json:"source" db:"source"`
	Sequence     int64            `json:"sequence" db:"sequence"`
	Timestamp    time.Time        `json:"timestamp" db:"timestamp"`
}

// Investor is a simulated trader with a cash balance.
type Investor struct {
	ID             string          `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	CurrentBalance decimal.Decimal `json:"current_balance" db:"current_balance"`
	InitialBalance decimal.Decimal `json:"initial_balance" db:"initial_balance"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// InvestorHolding is an investor's position in one founder. Rows persist at
// zero shares; the cost basis is reset to zero when the position closes.
type InvestorHolding struct {
	InvestorID string          `json:"investor_id" db:"investor_id"`
	FounderID  string          `json:"founder_id" db:"founder_id"`
	Shares     int64           `json:"shares" db:"shares"`
	CostBasis  decimal.Decimal `json:"cost_basis" db:"cost_basis"` // weighted average price paid
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Change event entity names.
const (
	EntityFounderPool     = "founder_pool"
	EntityInvestor        = "investor"
	EntityInvestorHolding = "investor_holding"
	EntityTrade           = "trade"
)

// ChangeEvent is emitted after a committed write so subscribers can refresh
// derived views without polling.
type ChangeEvent struct {
	Entity    string    `json:"entity"`
	ID        string    `json:"id"`
	NewState  any       `json:"new_state"`
	Timestamp time.Time `json:"timestamp"`
}

// HoldingValuation is a holding marked to the pool's current price.
type HoldingValuation struct {
	FounderID         string          `json:"founder_id"`
	FounderName       string          `json:"founder_name"`
	Shares            int64           `json:"shares"`
	CostBasis         decimal.Decimal `json:"cost_basis"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	CurrentValue      decimal.Decimal `json:"current_value"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	ProfitLoss        decimal.Decimal `json:"profit_loss"`
	ProfitLossPercent decimal.Decimal `json:"profit_loss_percent"`
}

// Portfolio aggregates all holdings of an investor with valuation totals.
type Portfolio struct {
	InvestorID     string             `json:"investor_id"`
	Holdings       []HoldingValuation `json:"holdings"`
	HoldingsValue  decimal.Decimal    `json:"holdings_value"`
	CurrentBalance decimal.Decimal    `json:"current_balance"`
	InitialBalance decimal.Decimal    `json:"initial_balance"`
	TotalValue     decimal.Decimal    `json:"total_value"`
	ProfitLoss     decimal.Decimal    `json:"profit_loss"`
	ROIPercent     decimal.Decimal    `json:"roi_percent"`
}
