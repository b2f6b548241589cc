// Package risk sizes positions and gates entries on market conditions.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/types"
)

// PositionSizer converts a notional amount into an asset quantity.
type PositionSizer struct {
	quantityPrecision int32
}

// NewPositionSizer creates a sizer that floors quantities to the given
// number of decimal places.
func NewPositionSizer(quantityPrecision int32) *PositionSizer {
	if quantityPrecision < 0 {
		quantityPrecision = 0
	}
	return &PositionSizer{quantityPrecision: quantityPrecision}
}

// Calculate determines the position quantity.
//
// Formula:
//
//	quantity = floor(notional / referencePrice, quantityPrecision)
//
// Rounding down guarantees quantity * referencePrice <= notional.
func (p *PositionSizer) Calculate(notional, referencePrice decimal.Decimal) (decimal.Decimal, error) {
	if !referencePrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: reference price %s must be positive", types.ErrSizing, referencePrice)
	}
	if !notional.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: notional %s must be positive", types.ErrSizing, notional)
	}

	qty, _ := notional.QuoRem(referencePrice, p.quantityPrecision)
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: notional %s buys less than one lot at %s",
			types.ErrSizing, notional, referencePrice)
	}
	return qty, nil
}

// QuantityPrecision returns the number of decimal places of sized quantities.
func (p *PositionSizer) QuantityPrecision() int32 {
	return p.quantityPrecision
}
