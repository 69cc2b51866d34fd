// Package invariant checks founder pool states before they are committed.
//
// The simulator already refuses trades that would breach the reserve. The
// validator is an independent second check on the candidate state itself,
// so numeric drift or a code path that skips the simulator is caught before
// anything is written.
package invariant

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pitchx/founder-exchange/internal/model"
)

var (
	// ErrViolation is wrapped by every failed check.
	ErrViolation = errors.New("invariant: pool state violation")

	// DefaultTolerance is the allowed relative drift of shares × cash from k (0.01%).
	DefaultTolerance = decimal.NewFromFloat(0.0001)

	// DefaultMaxPrice is the price ceiling.
	DefaultMaxPrice = decimal.NewFromInt(100)
)

// Validator holds the limits a pool state must respect.
type Validator struct {
	// Tolerance is the maximum |shares × cash − k| / k.
	Tolerance decimal.Decimal

	// MaxPrice is the highest price a committed state may carry.
	MaxPrice decimal.Decimal
}

// NewValidator creates a validator with the default tolerance and price cap.
func NewValidator() *Validator {
	return &Validator{
		Tolerance: DefaultTolerance,
		MaxPrice:  DefaultMaxPrice,
	}
}

// Check validates a single pool state. All failed checks are reported.
func (v *Validator) Check(p *model.FounderPool) error {
	var errs []error

	if !p.KConstant.IsPositive() {
		errs = append(errs, fmt.Errorf("%w: k must be positive, got %s", ErrViolation, p.KConstant))
	} else {
		product := p.CashInPool.Mul(decimal.NewFromInt(p.SharesInPool))
		drift := product.Sub(p.KConstant).Abs().Div(p.KConstant)
		if drift.GreaterThan(v.Tolerance) {
			errs = append(errs, fmt.Errorf("%w: constant product drift %s exceeds %s",
				ErrViolation, drift.StringFixed(8), v.Tolerance))
		}
	}

	if p.SharesInPool <= p.MinReserveShares {
		errs = append(errs, fmt.Errorf("%w: shares in pool %d not above reserve %d",
			ErrViolation, p.SharesInPool, p.MinReserveShares))
	}

	if !p.CashInPool.IsPositive() {
		errs = append(errs, fmt.Errorf("%w: cash in pool must be positive, got %s", ErrViolation, p.CashInPool))
	}

	if p.CurrentPrice.IsNegative() || p.CurrentPrice.GreaterThan(v.MaxPrice) {
		errs = append(errs, fmt.Errorf("%w: price %s outside [0, %s]", ErrViolation, p.CurrentPrice, v.MaxPrice))
	}

	return errors.Join(errs...)
}

// CheckTransition validates the candidate state and its relation to the
// state it replaces: k is fixed, versions advance by one, buys take shares
// out of the pool and sells put them back.
func (v *Validator) CheckTransition(before, after *model.FounderPool, typ model.TradeType) error {
	var errs []error
	if err := v.Check(after); err != nil {
		errs = append(errs, err)
	}

	if !after.KConstant.Equal(before.KConstant) {
		errs = append(errs, fmt.Errorf("%w: k changed from %s to %s", ErrViolation, before.KConstant, after.KConstant))
	}
	if after.Version != before.Version+1 {
		errs = append(errs, fmt.Errorf("%w: version %d does not follow %d", ErrViolation, after.Version, before.Version))
	}

	switch typ {
	case model.Buy:
		if after.SharesInPool >= before.SharesInPool {
			errs = append(errs, fmt.Errorf("%w: buy did not decrease pool shares (%d -> %d)",
				ErrViolation, before.SharesInPool, after.SharesInPool))
		}
	case model.Sell:
		if after.SharesInPool <= before.SharesInPool {
			errs = append(errs, fmt.Errorf("%w: sell did not increase pool shares (%d -> %d)",
				ErrViolation, before.SharesInPool, after.SharesInPool))
		}
	}

	return errors.Join(errs...)
}
