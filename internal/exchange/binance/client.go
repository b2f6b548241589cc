package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tathienbao/bracketbot/internal/exchange"
	"github.com/tathienbao/bracketbot/internal/types"
)

// Binance error codes treated as success.
const (
	codeNoNeedToChangeMargin = -4046 // margin type already set
	codeUnknownOrder         = -2011 // cancel of an unknown or closed order
)

// Trailing stop callback bounds, in percent.
var (
	minCallbackRate = decimal.RequireFromString("0.1")
	maxCallbackRate = decimal.NewFromInt(5)
)

// Client implements exchange.Adapter on Binance USDⓈ-M futures.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	api     *futures.Client
	limiter *rate.Limiter
}

// NewClient creates a Binance futures adapter.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = DefaultConfig().MaxRequestsPerSecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.MarginMode == "" {
		cfg.MarginMode = DefaultConfig().MarginMode
	}

	api := futures.NewClient(cfg.APIKey, cfg.APISecret)
	switch {
	case cfg.BaseURL != "":
		api.BaseURL = cfg.BaseURL
	case cfg.Testnet:
		api.BaseURL = testnetBaseURL
	}

	return &Client{
		cfg:     cfg,
		logger:  logger,
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
	}
}

// Name returns the venue name.
func (c *Client) Name() string {
	if c.cfg.Testnet {
		return "binance-futures-testnet"
	}
	return "binance-futures"
}

// call waits for the rate limiter and bounds the request by RequestTimeout.
func (c *Client) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	return callCtx, cancel, nil
}

// GetOpenPosition returns the one-way position on symbol or nil when flat.
func (c *Client) GetOpenPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, exchange.Wrap("get position", err)
	}
	defer cancel()

	risks, err := c.api.NewGetPositionRiskService().Symbol(symbol).Do(callCtx)
	if err != nil {
		return nil, exchange.Wrap("get position", err)
	}

	for _, r := range risks {
		amt, err := decimal.NewFromString(r.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}
		pos := &exchange.Position{
			Symbol:     r.Symbol,
			Side:       types.SideLong,
			Quantity:   amt.Abs(),
			EntryPrice: parseDecimal(r.EntryPrice),
			MarginMode: strings.ToUpper(r.MarginType),
		}
		if amt.IsNegative() {
			pos.Side = types.SideShort
		}
		if lev, err := strconv.Atoi(r.Leverage); err == nil {
			pos.Leverage = lev
		}
		return pos, nil
	}
	return nil, nil
}

// GetLastPrice returns the latest traded price.
func (c *Client) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return decimal.Zero, exchange.Wrap("last price", err)
	}
	defer cancel()

	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(callCtx)
	if err != nil {
		return decimal.Zero, exchange.Wrap("last price", err)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return decimal.Zero, exchange.Wrap("last price", err)
		}
		return price, nil
	}
	return decimal.Zero, exchange.Wrap("last price", fmt.Errorf("no price for %s", symbol))
}

// GetCandles returns the most recent klines.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, exchange.Wrap("klines", err)
	}
	defer cancel()

	svc := c.api.NewKlinesService().Symbol(symbol).Interval(interval)
	if limit > 0 {
		if limit > 1500 {
			limit = 1500
		}
		svc = svc.Limit(limit)
	}
	klines, err := svc.Do(callCtx)
	if err != nil {
		return nil, exchange.Wrap("klines", err)
	}

	candles := make([]types.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, types.Candle{
			Symbol:   symbol,
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     parseDecimal(k.Open),
			High:     parseDecimal(k.High),
			Low:      parseDecimal(k.Low),
			Close:    parseDecimal(k.Close),
			Volume:   parseDecimal(k.Volume),
		})
	}
	return candles, nil
}

// CancelAllOrders cancels every open order on symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return exchange.Wrap("cancel all", err)
	}
	defer cancel()

	if err := c.api.NewCancelAllOpenOrdersService().Symbol(symbol).Do(callCtx); err != nil {
		return exchange.Wrap("cancel all", err)
	}
	return nil
}

// SetLeverage applies the margin mode and leverage. Both calls are safe to
// repeat with the values already in effect.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return exchange.Wrap("margin type", err)
	}
	err = c.api.NewChangeMarginTypeService().
		Symbol(symbol).
		MarginType(futures.MarginType(strings.ToUpper(c.cfg.MarginMode))).
		Do(callCtx)
	cancel()
	if err != nil && !isAPICode(err, codeNoNeedToChangeMargin) {
		return exchange.Wrap("margin type", err)
	}

	callCtx, cancel, err = c.call(ctx)
	if err != nil {
		return exchange.Wrap("leverage", err)
	}
	defer cancel()

	res, err := c.api.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(callCtx)
	if err != nil {
		return exchange.Wrap("leverage", err)
	}

	c.logger.Debug("leverage set",
		"symbol", symbol,
		"leverage", res.Leverage,
		"margin_mode", c.cfg.MarginMode,
	)
	return nil
}

// PlaceMarketOrder submits a market order and asks for the fill in the response.
func (c *Client) PlaceMarketOrder(ctx context.Context, req exchange.MarketOrderRequest) (exchange.OrderRef, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(req.Quantity.String()).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	return c.submit(ctx, "market order", svc)
}

// PlaceStopOrder submits a STOP (limit) or STOP_MARKET order.
func (c *Client) PlaceStopOrder(ctx context.Context, req exchange.StopOrderRequest) (exchange.OrderRef, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideType(req.Side)).
		StopPrice(req.TriggerPrice.String())

	if req.LimitPrice.IsZero() {
		svc = svc.Type(futures.OrderTypeStopMarket)
	} else {
		svc = svc.Type(futures.OrderTypeStop).
			Price(req.LimitPrice.String()).
			TimeInForce(futures.TimeInForceTypeGTC)
	}

	if req.ClosePosition && req.LimitPrice.IsZero() {
		svc = svc.ClosePosition(true)
	} else {
		svc = svc.Quantity(req.Quantity.String()).ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	return c.submit(ctx, "stop order", svc)
}

// PlaceLimitOrder submits a GTC limit order.
func (c *Client) PlaceLimitOrder(ctx context.Context, req exchange.LimitOrderRequest) (exchange.OrderRef, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideType(req.Side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Price(req.Price.String()).
		Quantity(req.Quantity.String())
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	return c.submit(ctx, "limit order", svc)
}

// PlaceTrailingStopOrder submits a TRAILING_STOP_MARKET order. The absolute
// trail distance is converted into Binance's percentage callback rate.
func (c *Client) PlaceTrailingStopOrder(ctx context.Context, req exchange.TrailingStopRequest) (exchange.OrderRef, error) {
	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideType(req.Side)).
		Type(futures.OrderTypeTrailingStopMarket).
		Quantity(req.Quantity.String()).
		ReduceOnly(true).
		CallbackRate(CallbackRate(req.TrailBy, req.ActivationPrice).String())
	if req.ActivationPrice.IsPositive() {
		svc = svc.ActivationPrice(req.ActivationPrice.String())
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	return c.submit(ctx, "trailing stop", svc)
}

func (c *Client) submit(ctx context.Context, op string, svc *futures.CreateOrderService) (exchange.OrderRef, error) {
	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return exchange.OrderRef{}, exchange.Wrap(op, err)
	}
	defer cancel()

	res, err := svc.Do(callCtx)
	if err != nil {
		return exchange.OrderRef{}, exchange.Wrap(op, err)
	}

	ref := exchange.OrderRef{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Status:        orderStatus(string(res.Status)),
		AvgFillPrice:  parseDecimal(res.AvgPrice),
		FilledQty:     parseDecimal(res.ExecutedQuantity),
	}

	c.logger.Info("order submitted",
		"op", op,
		"symbol", res.Symbol,
		"order_id", ref.OrderID,
		"status", ref.Status,
	)
	return ref, nil
}

// GetOrder fetches an order's status and fill.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, exchange.Wrap("get order", fmt.Errorf("%w: %q", types.ErrOrderNotFound, orderID))
	}

	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return nil, exchange.Wrap("get order", err)
	}
	defer cancel()

	o, err := c.api.NewGetOrderService().Symbol(symbol).OrderID(id).Do(callCtx)
	if err != nil {
		return nil, exchange.Wrap("get order", err)
	}

	return &exchange.Order{
		OrderID:      orderID,
		Symbol:       o.Symbol,
		Side:         types.OrderSide(o.Side),
		Type:         string(o.Type),
		Status:       orderStatus(string(o.Status)),
		Price:        parseDecimal(o.Price),
		StopPrice:    parseDecimal(o.StopPrice),
		Quantity:     parseDecimal(o.OrigQuantity),
		FilledQty:    parseDecimal(o.ExecutedQuantity),
		AvgFillPrice: parseDecimal(o.AvgPrice),
		UpdatedAt:    time.UnixMilli(o.UpdateTime),
	}, nil
}

// CancelOrder cancels one order. Unknown or already closed orders are a no-op.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		c.logger.Warn("cancel of malformed order id", "symbol", symbol, "order_id", orderID)
		return exchange.Wrap("cancel order", fmt.Errorf("%w: %q", types.ErrOrderNotFound, orderID))
	}

	callCtx, cancel, err := c.call(ctx)
	if err != nil {
		return exchange.Wrap("cancel order", err)
	}
	defer cancel()

	if _, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(callCtx); err != nil {
		if isAPICode(err, codeUnknownOrder) {
			c.logger.Debug("cancel of closed order ignored", "symbol", symbol, "order_id", orderID)
			return nil
		}
		return exchange.Wrap("cancel order", err)
	}
	return nil
}

// CallbackRate converts an absolute trail distance into Binance's callback
// percentage, clamped to [0.1, 5] with one decimal place.
func CallbackRate(trailBy, reference decimal.Decimal) decimal.Decimal {
	if !reference.IsPositive() {
		return minCallbackRate
	}
	r := trailBy.Div(reference).Mul(decimal.NewFromInt(100)).Round(1)
	if r.LessThan(minCallbackRate) {
		return minCallbackRate
	}
	if r.GreaterThan(maxCallbackRate) {
		return maxCallbackRate
	}
	return r
}

func orderStatus(s string) types.OrderStatus {
	switch futures.OrderStatusType(s) {
	case futures.OrderStatusTypeFilled:
		return types.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return types.OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return types.OrderStatusRejected
	default:
		// NEW, PARTIALLY_FILLED and the insurance/ADL variants are still working.
		return types.OrderStatusOpen
	}
}

func sideType(s types.OrderSide) futures.SideType {
	if s == types.OrderSideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func isAPICode(err error, code int64) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// Ensure Client implements the exchange interfaces.
var (
	_ exchange.Adapter            = (*Client)(nil)
	_ exchange.CandleSource       = (*Client)(nil)
	_ exchange.TrailingStopPlacer = (*Client)(nil)
)
