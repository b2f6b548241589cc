// Package exchange defines the capability interface the trading engine needs
// from a derivatives venue.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/types"
)

// Adapter is the narrow set of exchange operations used by the engine.
// Prices and quantities passed in are already rounded; adapters never re-round.
// Failures are wrapped in types.ErrExchange.
type Adapter interface {
	// Name identifies the venue in logs and notifications.
	Name() string

	// GetOpenPosition returns nil when the account is flat on symbol.
	GetOpenPosition(ctx context.Context, symbol string) (*Position, error)
	GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	CancelAllOrders(ctx context.Context, symbol string) error
	// SetLeverage is idempotent: repeating it with the current value succeeds.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (OrderRef, error)
	PlaceStopOrder(ctx context.Context, req StopOrderRequest) (OrderRef, error)
	PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (OrderRef, error)

	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)
	// CancelOrder succeeds without effect when the order is already terminal.
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// CandleSource is implemented by adapters that serve historical candles.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
}

// TrailingStopPlacer is implemented by adapters that support trailing stops.
type TrailingStopPlacer interface {
	PlaceTrailingStopOrder(ctx context.Context, req TrailingStopRequest) (OrderRef, error)
}

// MarketOrderRequest opens or reduces a position at market.
type MarketOrderRequest struct {
	Symbol        string
	Side          types.OrderSide
	Quantity      decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// StopOrderRequest places a protective stop. A zero LimitPrice requests a
// stop-market order.
type StopOrderRequest struct {
	Symbol        string
	Side          types.OrderSide
	TriggerPrice  decimal.Decimal
	LimitPrice    decimal.Decimal
	Quantity      decimal.Decimal
	ClosePosition bool
	ClientOrderID string
}

// LimitOrderRequest places a resting limit order.
type LimitOrderRequest struct {
	Symbol        string
	Side          types.OrderSide
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// TrailingStopRequest places a stop that follows the price by TrailBy once
// ActivationPrice trades.
type TrailingStopRequest struct {
	Symbol          string
	Side            types.OrderSide
	TrailBy         decimal.Decimal
	ActivationPrice decimal.Decimal
	Quantity        decimal.Decimal
	ClientOrderID   string
}

// OrderRef is returned on successful submission. AvgFillPrice is set when
// the venue reports the fill synchronously.
type OrderRef struct {
	OrderID       string
	ClientOrderID string
	Status        types.OrderStatus
	AvgFillPrice  decimal.Decimal
	FilledQty     decimal.Decimal
}

// Filled returns true if the reference already carries a fill.
func (r OrderRef) Filled() bool {
	return r.Status == types.OrderStatusFilled && r.AvgFillPrice.IsPositive()
}

// Order is the venue's view of an order.
type Order struct {
	OrderID      string
	Symbol       string
	Side         types.OrderSide
	Type         string
	Status       types.OrderStatus
	Price        decimal.Decimal
	StopPrice    decimal.Decimal
	Quantity     decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	UpdatedAt    time.Time
}

// Position is an open position reported by the venue.
type Position struct {
	Symbol     string
	Side       types.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   int
	MarginMode string
}

// Kind identifies an adapter implementation.
type Kind string

const (
	KindBinanceFutures Kind = "binance-futures"
	KindPaper          Kind = "paper"
)

// ParseKind validates an adapter name. Spot venues are refused.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch Kind(name) {
	case KindBinanceFutures, KindPaper:
		return Kind(name), nil
	}
	if strings.Contains(name, "spot") {
		return "", fmt.Errorf("%w: %q", types.ErrSpotUnsupported, s)
	}
	return "", fmt.Errorf("%w: unknown exchange %q", types.ErrConfiguration, s)
}

// Wrap tags err as an exchange failure of op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", types.ErrExchange, op, err)
}
