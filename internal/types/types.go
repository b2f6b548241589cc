// Package types defines shared types used across the trading system.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a position.
type Side int

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// EntrySide returns the order side that opens a position in this direction.
func (s Side) EntrySide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide returns the order side that closes a position in this direction.
func (s Side) ExitSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ParseSide converts "long"/"buy" and "short"/"sell" (any case) into a Side.
func ParseSide(v string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "long", "buy":
		return SideLong, true
	case "short", "sell":
		return SideShort, true
	default:
		return SideFlat, false
	}
}

// OrderSide is the side of an individual order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus represents the state of an order on the exchange.
type OrderStatus int

const (
	OrderStatusOpen OrderStatus = iota
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusOpen:
		return "OPEN"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCanceled:
		return "CANCELED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// ExitLeg identifies which order closed a position.
type ExitLeg string

const (
	ExitLegStop       ExitLeg = "stop"
	ExitLegTakeProfit ExitLeg = "take_profit"
	// ExitLegFlatten marks a position closed by an emergency market order.
	ExitLegFlatten ExitLeg = "flatten"
)

// Metadata carries optional per-signal overrides of the configured defaults.
type Metadata struct {
	StopDelta                decimal.NullDecimal
	TakeProfitDelta          decimal.NullDecimal
	RiskRewardRatio          decimal.NullDecimal
	StopTriggerPrice         decimal.NullDecimal
	TrailingStopBy           decimal.NullDecimal
	TrailingStopTriggerPrice decimal.NullDecimal
}

// SignalSource holds informational fields describing where a signal came from.
type SignalSource struct {
	Indicator string
	Exchange  string
	Close     decimal.Decimal
}

// TradeSignal is an instruction to open a bracketed position.
// It is passed by value and never modified after dispatch.
type TradeSignal struct {
	ID               string
	Symbol           string
	Direction        Side
	NotionalQuantity decimal.Decimal
	Metadata         Metadata
	Source           SignalSource
	ReceivedAt       time.Time
}

// TrailingStop describes a trailing protective stop.
type TrailingStop struct {
	TrailBy         decimal.Decimal
	ActivationPrice decimal.Decimal
}

// PriceLevels are the entry and protective prices of a bracket.
// For long positions StopTrigger < Entry < TakeProfit; inverted for short.
type PriceLevels struct {
	Entry       decimal.Decimal
	StopTrigger decimal.Decimal
	StopLimit   decimal.Decimal
	TakeProfit  decimal.Decimal
	Trailing    *TrailingStop
}

// Outcome is the realized result of one position. Exactly one is produced
// for every position that reaches the polling phase.
type Outcome struct {
	ID         string
	SignalID   string
	Symbol     string
	Direction  Side
	Quantity   decimal.Decimal
	Leverage   int
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	ExitLeg    ExitLeg
	PnLPercent decimal.Decimal
	Levels     PriceLevels
	Escalation string // non-empty when the position was closed outside the normal bracket
	Source     SignalSource
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// IsWin returns true if the outcome realized a profit.
func (o Outcome) IsWin() bool {
	return o.PnLPercent.IsPositive()
}

// Candle is one OHLC bar.
type Candle struct {
	Symbol   string
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Instrument holds exchange precision rules for a symbol.
type Instrument struct {
	Symbol            string
	PricePrecision    int32 // decimal places for prices
	QuantityPrecision int32 // decimal places for quantities
}

// RoundPrice rounds half-up to the instrument's price precision.
func (i Instrument) RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(i.PricePrecision)
}

// FloorQuantity rounds a quantity down to the instrument's quantity precision.
func (i Instrument) FloorQuantity(q decimal.Decimal) decimal.Decimal {
	return q.RoundFloor(i.QuantityPrecision)
}
