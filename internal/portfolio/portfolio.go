// Package portfolio marks investor holdings to current pool prices.
//
// Every valuation is computed from the store on demand and nothing is
// cached, so a portfolio is never older than the query that produced it.
package portfolio

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pitchx/founder-exchange/internal/amm"
	"github.com/pitchx/founder-exchange/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Reader is the slice of the store the valuator needs.
type Reader interface {
	GetInvestor(ctx context.Context, id string) (*model.Investor, error)
	GetHoldings(ctx context.Context, investorID string) ([]model.InvestorHolding, error)
	GetPool(ctx context.Context, founderID string) (*model.FounderPool, error)
}

// ValueHolding marks one holding to the pool's current price:
//
//	currentValue = shares × currentPrice
//	profitLoss   = currentValue − shares × costBasis
func ValueHolding(h model.InvestorHolding, pool *model.FounderPool) model.HoldingValuation {
	shares := decimal.NewFromInt(h.Shares)
	price := amm.CurrentPrice(pool)
	value := shares.Mul(price)
	cost := shares.Mul(h.CostBasis)
	pl := value.Sub(cost)

	plPercent := decimal.Zero
	if cost.IsPositive() {
		plPercent = pl.Div(cost).Mul(hundred).Round(2)
	}

	return model.HoldingValuation{
		FounderID:         h.FounderID,
		FounderName:       pool.Name,
		Shares:            h.Shares,
		CostBasis:         h.CostBasis,
		CurrentPrice:      price,
		CurrentValue:      value.Round(amm.Scale),
		TotalCost:         cost.Round(amm.Scale),
		ProfitLoss:        pl.Round(amm.Scale),
		ProfitLossPercent: plPercent,
	}
}

// Valuate builds an investor's portfolio. Closed positions (zero shares) are
// left out of the holdings list.
//
//	totalValue = Σ currentValue + currentBalance
//	roiPercent = (totalValue / initialBalance − 1) × 100
func Valuate(ctx context.Context, r Reader, investorID string) (*model.Portfolio, error) {
	inv, err := r.GetInvestor(ctx, investorID)
	if err != nil {
		return nil, err
	}
	holdings, err := r.GetHoldings(ctx, investorID)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}

	p := &model.Portfolio{
		InvestorID:     inv.ID,
		Holdings:       []model.HoldingValuation{},
		HoldingsValue:  decimal.Zero,
		CurrentBalance: inv.CurrentBalance,
		InitialBalance: inv.InitialBalance,
	}
	for _, h := range holdings {
		if h.Shares == 0 {
			continue
		}
		pool, err := r.GetPool(ctx, h.FounderID)
		if err != nil {
			return nil, fmt.Errorf("load pool %s: %w", h.FounderID, err)
		}
		v := ValueHolding(h, pool)
		p.Holdings = append(p.Holdings, v)
		p.HoldingsValue = p.HoldingsValue.Add(v.CurrentValue)
	}

	p.TotalValue = p.HoldingsValue.Add(inv.CurrentBalance)
	p.ProfitLoss = p.TotalValue.Sub(inv.InitialBalance)
	p.ROIPercent = decimal.Zero
	if inv.InitialBalance.IsPositive() {
		p.ROIPercent = p.TotalValue.Div(inv.InitialBalance).Sub(decimal.NewFromInt(1)).Mul(hundred).Round(4)
	}
	return p, nil
}
