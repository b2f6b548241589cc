// Package pricing derives bracket price levels from an entry fill.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/types"
)

// DefaultStopLimitOffset is the distance between a stop trigger and its limit price.
var DefaultStopLimitOffset = decimal.NewFromInt(5)

// Config holds the default bracket distances.
type Config struct {
	StopDelta       decimal.Decimal // default |entry - stop trigger|
	TakeProfitDelta decimal.Decimal // default |take profit - entry|
	RiskRewardRatio decimal.Decimal // zero disables risk:reward sizing of the target
	StopLimitOffset decimal.Decimal // slippage allowance past the stop trigger
	PricePrecision  int32
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StopDelta:       decimal.NewFromInt(100),
		TakeProfitDelta: decimal.NewFromInt(100),
		StopLimitOffset: DefaultStopLimitOffset,
		PricePrecision:  0,
	}
}

// Model computes price levels. It holds no mutable state.
type Model struct {
	cfg Config
}

// NewModel creates a price model.
func NewModel(cfg Config) *Model {
	if cfg.StopLimitOffset.IsNegative() {
		cfg.StopLimitOffset = decimal.Zero
	}
	return &Model{cfg: cfg}
}

// Config returns the model configuration.
func (m *Model) Config() Config {
	return m.cfg
}

// Levels computes stop and take-profit prices around entry for direction.
//
//	stopTrigger = entry -/+ stopDelta       (or metadata trigger override)
//	stopLimit   = stopTrigger -/+ offset
//	takeProfit  = entry +/- tpDelta
//	tpDelta     = R * |entry - stopTrigger| if R > 0, else override, else default
func (m *Model) Levels(direction types.Side, entry decimal.Decimal, md types.Metadata) (types.PriceLevels, error) {
	if direction != types.SideLong && direction != types.SideShort {
		return types.PriceLevels{}, fmt.Errorf("%w: direction %s", types.ErrConfiguration, direction)
	}
	if !entry.IsPositive() {
		return types.PriceLevels{}, fmt.Errorf("%w: entry %s", types.ErrInvalidPrice, entry)
	}

	sign := decimal.NewFromInt(1)
	if direction == types.SideShort {
		sign = sign.Neg()
	}

	stopTrigger, err := m.stopTrigger(entry, sign, md)
	if err != nil {
		return types.PriceLevels{}, err
	}
	stopLimit := stopTrigger.Sub(sign.Mul(m.cfg.StopLimitOffset))

	tpDelta, err := m.takeProfitDelta(entry, stopTrigger, md)
	if err != nil {
		return types.PriceLevels{}, err
	}
	takeProfit := entry.Add(sign.Mul(tpDelta))

	levels := types.PriceLevels{
		Entry:       m.round(entry),
		StopTrigger: m.round(stopTrigger),
		StopLimit:   m.round(stopLimit),
		TakeProfit:  m.round(takeProfit),
	}

	if md.TrailingStopBy.Valid && md.TrailingStopBy.Decimal.IsPositive() {
		activation := entry
		if md.TrailingStopTriggerPrice.Valid {
			activation = md.TrailingStopTriggerPrice.Decimal
		}
		levels.Trailing = &types.TrailingStop{
			TrailBy:         m.round(md.TrailingStopBy.Decimal),
			ActivationPrice: m.round(activation),
		}
	}

	if err := Validate(direction, levels); err != nil {
		return types.PriceLevels{}, err
	}
	return levels, nil
}

func (m *Model) stopTrigger(entry, sign decimal.Decimal, md types.Metadata) (decimal.Decimal, error) {
	if md.StopTriggerPrice.Valid {
		return md.StopTriggerPrice.Decimal, nil
	}

	delta := m.cfg.StopDelta
	if md.StopDelta.Valid {
		delta = md.StopDelta.Decimal.Round(0)
	}
	if !delta.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no positive stop delta", types.ErrConfiguration)
	}
	return entry.Sub(sign.Mul(delta)), nil
}

func (m *Model) takeProfitDelta(entry, stopTrigger decimal.Decimal, md types.Metadata) (decimal.Decimal, error) {
	ratio := m.cfg.RiskRewardRatio
	if md.RiskRewardRatio.Valid {
		ratio = md.RiskRewardRatio.Decimal
	}
	if ratio.IsPositive() {
		return ratio.Mul(entry.Sub(stopTrigger).Abs()), nil
	}

	delta := m.cfg.TakeProfitDelta
	if md.TakeProfitDelta.Valid {
		delta = md.TakeProfitDelta.Decimal
	}
	if !delta.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no positive take profit delta", types.ErrConfiguration)
	}
	return delta, nil
}

func (m *Model) round(p decimal.Decimal) decimal.Decimal {
	return p.Round(m.cfg.PricePrecision)
}

// Validate checks the ordering invariant of a bracket.
func Validate(direction types.Side, l types.PriceLevels) error {
	var ok bool
	switch direction {
	case types.SideLong:
		ok = l.StopTrigger.LessThan(l.Entry) && l.Entry.LessThan(l.TakeProfit) &&
			l.StopLimit.LessThanOrEqual(l.StopTrigger)
	case types.SideShort:
		ok = l.StopTrigger.GreaterThan(l.Entry) && l.Entry.GreaterThan(l.TakeProfit) &&
			l.StopLimit.GreaterThanOrEqual(l.StopTrigger)
	}
	if !ok {
		return fmt.Errorf("%w: %s stop=%s entry=%s target=%s",
			types.ErrInvalidPriceLevels, direction, l.StopTrigger, l.Entry, l.TakeProfit)
	}
	if !l.StopLimit.IsPositive() || !l.StopTrigger.IsPositive() || !l.TakeProfit.IsPositive() {
		return fmt.Errorf("%w: non-positive level", types.ErrInvalidPriceLevels)
	}
	return nil
}

// PnLPercent returns the leveraged percentage return of a position.
// The result is negative when the stop leg closed the position.
func PnLPercent(entry, exit decimal.Decimal, leverage int, leg types.ExitLeg) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	pct := exit.Sub(entry).Abs().Div(entry).Mul(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(int64(leverage)))
	if leg == types.ExitLegStop {
		return pct.Neg()
	}
	return pct
}

// SignedPnLPercent returns the leveraged percentage return from the actual
// price movement, used when the exit did not come from a bracket leg.
func SignedPnLPercent(direction types.Side, entry, exit decimal.Decimal, leverage int) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	move := exit.Sub(entry)
	if direction == types.SideShort {
		move = move.Neg()
	}
	return move.Div(entry).Mul(decimal.NewFromInt(100)).Mul(decimal.NewFromInt(int64(leverage)))
}
