// Package paper provides a simulated derivatives exchange for dry runs and tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/exchange"
	"github.com/tathienbao/bracketbot/internal/types"
)

// PriceSource supplies live prices to the simulator.
type PriceSource interface {
	GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Config holds paper trading configuration.
type Config struct {
	Slippage   decimal.Decimal // absolute price slippage applied to market fills
	MarginMode string

	// PriceSource, when set, is consulted on every read so resting orders
	// trigger against real prices.
	PriceSource PriceSource
}

// DefaultConfig returns default paper trading config.
func DefaultConfig() Config {
	return Config{
		Slippage:   decimal.Zero,
		MarginMode: "CROSSED",
	}
}

type orderKind int

const (
	kindMarket orderKind = iota
	kindLimit
	kindStop
	kindTrailing
)

type order struct {
	exchange.Order
	kind          orderKind
	reduceOnly    bool
	closePosition bool
	trailBy       decimal.Decimal
	activation    decimal.Decimal
	activated     bool
	extreme       decimal.Decimal
}

// Broker implements exchange.Adapter in memory.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	candles   map[string][]types.Candle
	positions map[string]*exchange.Position
	leverage  map[string]int
	orders    map[string]*order
	failures  map[string]error
	calls     map[string]int

	nextOrderID atomic.Int64
}

// NewBroker creates a new paper exchange.
func NewBroker(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MarginMode == "" {
		cfg.MarginMode = "CROSSED"
	}

	return &Broker{
		cfg:       cfg,
		logger:    logger,
		prices:    make(map[string]decimal.Decimal),
		candles:   make(map[string][]types.Candle),
		positions: make(map[string]*exchange.Position),
		leverage:  make(map[string]int),
		orders:    make(map[string]*order),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

// Name returns the venue name.
func (b *Broker) Name() string {
	return "paper"
}

// SetPrice records a trade at price and triggers any resting orders it crosses.
func (b *Broker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setPriceLocked(symbol, price)
}

// SetCandles replaces the candle history served for symbol.
func (b *Broker) SetCandles(symbol string, candles []types.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.candles[symbol] = append([]types.Candle(nil), candles...)
}

// SetPosition injects an existing position, e.g. one opened outside the bot.
func (b *Broker) SetPosition(pos exchange.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := pos
	b.positions[pos.Symbol] = &p
}

// SetOrderStatus forces an order into status, simulating venue-side events
// such as rejections or manual cancellation.
func (b *Broker) SetOrderStatus(orderID string, status types.OrderStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return types.ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

// FailNext makes the next call of op return err. Op names match the
// Adapter method names.
func (b *Broker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = err
}

// Calls returns how many times op was invoked.
func (b *Broker) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Leverage returns the leverage configured for symbol.
func (b *Broker) Leverage(symbol string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leverage[symbol]
}

// begin records a call and returns an injected failure, if any.
// Must be called with b.mu held.
func (b *Broker) begin(op string) error {
	b.calls[op]++
	if err, ok := b.failures[op]; ok {
		delete(b.failures, op)
		return exchange.Wrap(op, err)
	}
	return nil
}

// refresh pulls a live price when a source is configured.
func (b *Broker) refresh(ctx context.Context, symbol string) {
	if b.cfg.PriceSource == nil {
		return
	}
	price, err := b.cfg.PriceSource.GetLastPrice(ctx, symbol)
	if err != nil {
		b.logger.Warn("paper price refresh failed", "symbol", symbol, "err", err)
		return
	}
	b.SetPrice(symbol, price)
}

// GetOpenPosition returns the simulated position or nil when flat.
func (b *Broker) GetOpenPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	b.refresh(ctx, symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.begin("GetOpenPosition"); err != nil {
		return nil, err
	}
	pos, ok := b.positions[symbol]
	if !ok || !pos.Quantity.IsPositive() {
		return nil, nil
	}
	p := *pos
	return &p, nil
}

// GetLastPrice returns the last simulated trade price.
func (b *Broker) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.refresh(ctx, symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.begin("GetLastPrice"); err != nil {
		return decimal.Zero, err
	}
	price, ok := b.prices[symbol]
	if !ok {
		return decimal.Zero, exchange.Wrap("GetLastPrice", fmt.Errorf("no price for %s", symbol))
	}
	return price, nil
}

// GetCandles returns up to limit of the most recent candles.
func (b *Broker) GetCandles(_ context.Context, symbol, _ string, limit int) ([]types.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.begin("GetCandles"); err != nil {
		return nil, err
	}
	c := b.candles[symbol]
	if limit > 0 && len(c) > limit {
		c = c[len(c)-limit:]
	}
	return append([]types.Candle(nil), c...), nil
}

// CancelAllOrders cancels every open order on symbol.
func (b *Broker) CancelAllOrders(_ context.Context, symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.begin("CancelAllOrders"); err != nil {
		return err
	}
	for _, o := range b.orders {
		if o.Symbol == symbol && o.Status == types.OrderStatusOpen {
			o.Status = types.OrderStatusCanceled
			o.UpdatedAt = time.Now()
		}
	}
	return nil
}

// SetLeverage records leverage for symbol. Repeating the current value is a no-op.
func (b *Broker) SetLeverage(_ context.Context, symbol string, leverage int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.begin("SetLeverage"); err != nil {
		return err
	}
	if leverage < 1 {
		return exchange.Wrap("SetLeverage", fmt.Errorf("leverage %d out of range", leverage))
	}
	if b.leverage[symbol] == leverage {
		return nil
	}
	b.leverage[symbol] = leverage
	b.logger.Debug("paper leverage set", "symbol", symbol, "leverage", leverage)
	return nil
}

// PlaceMarketOrder fills immediately at the last price plus slippage.
func (b *Broker) PlaceMarketOrder(_ context.Context, req exchange.MarketOrderRequest) (exchange.OrderRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.begin("PlaceMarketOrder"); err != nil {
		return exchange.OrderRef{}, err
	}
	if !req.Quantity.IsPositive() {
		return exchange.OrderRef{}, exchange.Wrap("PlaceMarketOrder", fmt.Errorf("quantity %s", req.Quantity))
	}
	price, ok := b.prices[req.Symbol]
	if !ok {
		return exchange.OrderRef{}, exchange.Wrap("PlaceMarketOrder", fmt.Errorf("no price for %s", req.Symbol))
	}

	o := b.newOrderLocked(req.Symbol, req.Side, kindMarket, "MARKET", req.Quantity)
	o.reduceOnly = req.ReduceOnly

	if req.Side == types.OrderSideBuy {
		price = price.Add(b.cfg.Slippage)
	} else {
		price = price.Sub(b.cfg.Slippage)
	}
	b.fillLocked(o, price)

	return refOf(o), nil
}

// PlaceStopOrder rests a stop until the price crosses its trigger.
func (b *Broker) PlaceStopOrder(_ context.Context, req exchange.StopOrderRequest) (exchange.OrderRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.begin("PlaceStopOrder"); err != nil {
		return exchange.OrderRef{}, err
	}
	if !req.TriggerPrice.IsPositive() {
		return exchange.OrderRef{}, exchange.Wrap("PlaceStopOrder", fmt.Errorf("trigger %s", req.TriggerPrice))
	}

	typ := "STOP"
	if req.LimitPrice.IsZero() {
		typ = "STOP_MARKET"
	}
	o := b.newOrderLocked(req.Symbol, req.Side, kindStop, typ, req.Quantity)
	o.StopPrice = req.TriggerPrice
	o.Price = req.LimitPrice
	o.reduceOnly = true
	o.closePosition = req.ClosePosition

	return refOf(o), nil
}

// PlaceLimitOrder rests a limit order until the price reaches it.
func (b *Broker) PlaceLimitOrder(_ context.Context, req exchange.LimitOrderRequest) (exchange.OrderRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.begin("PlaceLimitOrder"); err != nil {
		return exchange.OrderRef{}, err
	}
	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		return exchange.OrderRef{}, exchange.Wrap("PlaceLimitOrder", fmt.Errorf("price %s quantity %s", req.Price, req.Quantity))
	}

	o := b.newOrderLocked(req.Symbol, req.Side, kindLimit, "LIMIT", req.Quantity)
	o.Price = req.Price
	o.reduceOnly = req.ReduceOnly

	return refOf(o), nil
}

// PlaceTrailingStopOrder rests a trailing stop.
func (b *Broker) PlaceTrailingStopOrder(_ context.Context, req exchange.TrailingStopRequest) (exchange.OrderRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.begin("PlaceTrailingStopOrder"); err != nil {
		return exchange.OrderRef{}, err
	}
	if !req.TrailBy.IsPositive() {
		return exchange.OrderRef{}, exchange.Wrap("PlaceTrailingStopOrder", fmt.Errorf("trail %s", req.TrailBy))
	}

	o := b.newOrderLocked(req.Symbol, req.Side, kindTrailing, "TRAILING_STOP_MARKET", req.Quantity)
	o.trailBy = req.TrailBy
	o.activation = req.ActivationPrice
	o.reduceOnly = true

	return refOf(o), nil
}

// GetOrder returns the simulated order.
func (b *Broker) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	b.refresh(ctx, symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.begin("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := b.orders[orderID]
	if !ok || o.Symbol != symbol {
		return nil, exchange.Wrap("GetOrder", fmt.Errorf("%w: %s", types.ErrOrderNotFound, orderID))
	}
	out := o.Order
	return &out, nil
}

// CancelOrder cancels an open order. Unknown and terminal orders are a no-op.
func (b *Broker) CancelOrder(_ context.Context, symbol, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.begin("CancelOrder"); err != nil {
		return err
	}
	o, ok := b.orders[orderID]
	if !ok || o.Symbol != symbol {
		return nil
	}
	if o.Status == types.OrderStatusOpen {
		o.Status = types.OrderStatusCanceled
		o.UpdatedAt = time.Now()
	}
	return nil
}

func (b *Broker) newOrderLocked(symbol string, side types.OrderSide, kind orderKind, typ string, qty decimal.Decimal) *order {
	id := fmt.Sprintf("PAPER-%d", b.nextOrderID.Add(1))
	o := &order{
		Order: exchange.Order{
			OrderID:   id,
			Symbol:    symbol,
			Side:      side,
			Type:      typ,
			Status:    types.OrderStatusOpen,
			Quantity:  qty,
			UpdatedAt: time.Now(),
		},
		kind: kind,
	}
	b.orders[id] = o

	b.logger.Debug("paper order placed",
		"order_id", id,
		"symbol", symbol,
		"side", side,
		"type", typ,
		"quantity", qty,
	)
	return o
}

func (b *Broker) setPriceLocked(symbol string, price decimal.Decimal) {
	b.prices[symbol] = price

	for _, o := range b.orders {
		if o.Symbol != symbol || o.Status != types.OrderStatusOpen {
			continue
		}
		if fill, ok := o.triggered(price); ok {
			b.fillLocked(o, fill)
		}
	}
}

// triggered reports whether price crosses the order and at what price it fills.
func (o *order) triggered(price decimal.Decimal) (decimal.Decimal, bool) {
	buy := o.Side == types.OrderSideBuy

	switch o.kind {
	case kindLimit:
		if (buy && price.LessThanOrEqual(o.Price)) || (!buy && price.GreaterThanOrEqual(o.Price)) {
			return o.Price, true
		}
	case kindStop:
		if (buy && price.GreaterThanOrEqual(o.StopPrice)) || (!buy && price.LessThanOrEqual(o.StopPrice)) {
			if o.Price.IsPositive() {
				return o.Price, true
			}
			return o.StopPrice, true
		}
	case kindTrailing:
		if !o.activated {
			if o.activation.IsZero() || (buy && price.LessThanOrEqual(o.activation)) || (!buy && price.GreaterThanOrEqual(o.activation)) {
				o.activated = true
				o.extreme = price
			}
			return decimal.Zero, false
		}
		if buy {
			o.extreme = decimal.Min(o.extreme, price)
			if price.GreaterThanOrEqual(o.extreme.Add(o.trailBy)) {
				return price, true
			}
		} else {
			o.extreme = decimal.Max(o.extreme, price)
			if price.LessThanOrEqual(o.extreme.Sub(o.trailBy)) {
				return price, true
			}
		}
	}
	return decimal.Zero, false
}

func (b *Broker) fillLocked(o *order, price decimal.Decimal) {
	qty := o.Quantity
	pos := b.positions[o.Symbol]

	if o.reduceOnly {
		if pos == nil || !pos.Quantity.IsPositive() || pos.Side.ExitSide() != o.Side {
			// nothing to reduce
			o.Status = types.OrderStatusCanceled
			o.UpdatedAt = time.Now()
			return
		}
		if o.closePosition || qty.IsZero() || qty.GreaterThan(pos.Quantity) {
			qty = pos.Quantity
		}
	}

	o.Status = types.OrderStatusFilled
	o.FilledQty = qty
	o.AvgFillPrice = price
	o.UpdatedAt = time.Now()

	b.applyFillLocked(o.Symbol, o.Side, qty, price)

	b.logger.Info("paper order filled",
		"order_id", o.OrderID,
		"symbol", o.Symbol,
		"side", o.Side,
		"quantity", qty,
		"price", price,
	)
}

func (b *Broker) applyFillLocked(symbol string, side types.OrderSide, qty, price decimal.Decimal) {
	dir := types.SideLong
	if side == types.OrderSideSell {
		dir = types.SideShort
	}

	pos, ok := b.positions[symbol]
	if !ok || !pos.Quantity.IsPositive() {
		b.positions[symbol] = &exchange.Position{
			Symbol:     symbol,
			Side:       dir,
			Quantity:   qty,
			EntryPrice: price,
			Leverage:   b.leverage[symbol],
			MarginMode: b.cfg.MarginMode,
		}
		return
	}

	if pos.Side == dir {
		total := pos.Quantity.Add(qty)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(price.Mul(qty)).Div(total)
		pos.Quantity = total
		return
	}

	switch remaining := pos.Quantity.Sub(qty); {
	case remaining.IsPositive():
		pos.Quantity = remaining
	case remaining.IsZero():
		delete(b.positions, symbol)
	default:
		pos.Side = dir
		pos.Quantity = remaining.Neg()
		pos.EntryPrice = price
	}
}

func refOf(o *order) exchange.OrderRef {
	return exchange.OrderRef{
		OrderID:      o.OrderID,
		Status:       o.Status,
		AvgFillPrice: o.AvgFillPrice,
		FilledQty:    o.FilledQty,
	}
}

// ErrInjected is a convenience failure for FailNext.
var ErrInjected = errors.New("injected failure")

// Ensure Broker implements the exchange interfaces.
var (
	_ exchange.Adapter            = (*Broker)(nil)
	_ exchange.CandleSource       = (*Broker)(nil)
	_ exchange.TrailingStopPlacer = (*Broker)(nil)
)
