package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/alerting"
	"github.com/tathienbao/bracketbot/internal/exchange"
	"github.com/tathienbao/bracketbot/internal/metrics"
	"github.com/tathienbao/bracketbot/internal/persistence"
	"github.com/tathienbao/bracketbot/internal/risk"
	"github.com/tathienbao/bracketbot/internal/types"
)

// EntryState is a step of the entry pipeline.
type EntryState int

const (
	EntryInit EntryState = iota
	EntryPreconditionsChecked
	EntryLeverageSet
	EntrySubmitted
	EntryDone
	EntryAborted
)

// String returns the state name.
func (s EntryState) String() string {
	switch s {
	case EntryInit:
		return "INIT"
	case EntryPreconditionsChecked:
		return "PRECONDITIONS_CHECKED"
	case EntryLeverageSet:
		return "LEVERAGE_SET"
	case EntrySubmitted:
		return "ENTRY_SUBMITTED"
	case EntryDone:
		return "DONE"
	case EntryAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// position is a confirmed entry handed to exit management.
type position struct {
	signal     types.TradeSignal
	symbol     string
	direction  types.Side
	quantity   decimal.Decimal
	entryPrice decimal.Decimal
	leverage   int
	entryID    string
	openedAt   time.Time
}

type entryController struct {
	e      *Engine
	sig    types.TradeSignal
	state  EntryState
	logger *slog.Logger
}

func newEntryController(e *Engine, sig types.TradeSignal, logger *slog.Logger) *entryController {
	return &entryController{e: e, sig: sig, state: EntryInit, logger: logger}
}

func (c *entryController) transition(to EntryState) {
	c.logger.Debug("entry state", "from", c.state, "to", to)
	c.state = to
}

func (c *entryController) abort(err error) (*position, error) {
	c.transition(EntryAborted)
	return nil, err
}

// run executes the entry pipeline. Nothing is placed on the exchange unless
// every precondition holds.
func (c *entryController) run(ctx context.Context) (*position, error) {
	ex := c.e.exchange
	sig := c.sig

	existing, err := ex.GetOpenPosition(ctx, sig.Symbol)
	if err != nil {
		return c.abort(fmt.Errorf("check open position: %w", err))
	}
	if existing != nil {
		return c.abort(fmt.Errorf("%w: %s already %s %s", types.ErrPositionConflict, sig.Symbol, existing.Side, existing.Quantity))
	}

	if c.e.gate.Enabled() {
		var src risk.CandleSource
		if cs, ok := ex.(exchange.CandleSource); ok {
			src = cs
		}
		atr, err := c.e.gate.Check(ctx, src, sig.Symbol)
		if err != nil {
			return c.abort(err)
		}
		c.logger.Debug("volatility gate passed", "atr", atr)
	}
	c.transition(EntryPreconditionsChecked)

	if c.e.cfg.CancelOpenOrders {
		if err := ex.CancelAllOrders(ctx, sig.Symbol); err != nil {
			return c.abort(fmt.Errorf("cancel stale orders: %w", err))
		}
	}
	if err := ex.SetLeverage(ctx, sig.Symbol, c.e.cfg.Leverage); err != nil {
		return c.abort(fmt.Errorf("set leverage: %w", err))
	}
	c.transition(EntryLeverageSet)

	price, err := ex.GetLastPrice(ctx, sig.Symbol)
	if err != nil {
		return c.abort(fmt.Errorf("reference price: %w", err))
	}
	qty, err := c.e.sizer.Calculate(sig.NotionalQuantity, price)
	if err != nil {
		return c.abort(err)
	}

	timer := metrics.NewTimer()
	req := exchange.MarketOrderRequest{
		Symbol:        sig.Symbol,
		Side:          sig.Direction.EntrySide(),
		Quantity:      qty,
		ClientOrderID: clientOrderID("en"),
	}
	ref, err := ex.PlaceMarketOrder(ctx, req)
	c.e.recorder.RecordOrderLatency(timer.Elapsed())
	if err != nil {
		c.e.recorder.RecordOrder(sig.Symbol, "entry", "rejected")
		return c.abort(fmt.Errorf("%w: %w", types.ErrEntryRejected, err))
	}
	c.e.recorder.RecordOrder(sig.Symbol, "entry", "submitted")
	c.transition(EntrySubmitted)

	c.logger.Info("entry submitted",
		"order_id", ref.OrderID,
		"side", req.Side,
		"quantity", qty,
		"reference_price", price,
	)

	fill, err := c.confirm(ctx, ref)
	if err != nil {
		return c.abort(c.unwind(ctx, ref, err))
	}

	filledQty := qty
	if fill.FilledQty.IsPositive() {
		filledQty = fill.FilledQty
	}

	c.e.journalOrder(ctx, persistence.OrderRecord{
		SignalID: sig.ID,
		Symbol:   sig.Symbol,
		Role:     persistence.RoleEntry,
		OrderID:  ref.OrderID,
		Side:     string(req.Side),
		Price:    fill.AvgFillPrice,
		Quantity: filledQty,
		Status:   types.OrderStatusFilled.String(),
	})

	c.transition(EntryDone)
	c.logger.Info("entry filled",
		"order_id", ref.OrderID,
		"fill_price", fill.AvgFillPrice,
		"quantity", filledQty,
	)

	return &position{
		signal:     sig,
		symbol:     sig.Symbol,
		direction:  sig.Direction,
		quantity:   filledQty,
		entryPrice: fill.AvgFillPrice,
		leverage:   c.e.cfg.Leverage,
		entryID:    ref.OrderID,
		openedAt:   time.Now(),
	}, nil
}

// confirm waits for the entry order to report a fill price.
func (c *entryController) confirm(ctx context.Context, ref exchange.OrderRef) (exchange.OrderRef, error) {
	if ref.Filled() {
		return ref, nil
	}

	ex := c.e.exchange
	ticker := time.NewTicker(c.e.cfg.EntryConfirmInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.e.cfg.EntryConfirmTimeout)
	defer deadline.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			cancelErr := c.cancelEntry(ctx, ref)
			return exchange.OrderRef{}, joinErrs(fmt.Errorf("%w: confirmation interrupted: %w", types.ErrEntryRejected, ctx.Err()), cancelErr)
		case <-deadline.C:
			return c.giveUp(ctx, ref)
		case <-ticker.C:
		}

		o, err := ex.GetOrder(ctx, c.sig.Symbol, ref.OrderID)
		if err != nil {
			failures++
			c.e.recorder.RecordError("poll")
			c.logger.Warn("entry status query failed", "order_id", ref.OrderID, "failures", failures, "err", err)
			if failures >= c.e.cfg.MaxPollFailures {
				cancelErr := c.cancelEntry(ctx, ref)
				return exchange.OrderRef{}, joinErrs(fmt.Errorf("%w: entry order %s status unknown after %d failed queries: %w",
					types.ErrExchange, ref.OrderID, failures, err), cancelErr)
			}
			continue
		}
		failures = 0

		switch o.Status {
		case types.OrderStatusFilled:
			if o.AvgFillPrice.IsPositive() {
				return orderRef(o), nil
			}
		case types.OrderStatusCanceled, types.OrderStatusRejected:
			return exchange.OrderRef{}, fmt.Errorf("%w: entry order %s %s", types.ErrEntryRejected, ref.OrderID, o.Status)
		}
	}
}

// giveUp cancels an unconfirmed entry. A fill that lands before the cancel
// is still accepted.
func (c *entryController) giveUp(ctx context.Context, ref exchange.OrderRef) (exchange.OrderRef, error) {
	ex := c.e.exchange
	bg := context.WithoutCancel(ctx)

	cancelErr := c.cancelEntry(ctx, ref)
	o, err := ex.GetOrder(bg, c.sig.Symbol, ref.OrderID)
	if err == nil && o.Status == types.OrderStatusFilled && o.AvgFillPrice.IsPositive() {
		return orderRef(o), nil
	}

	rejected := fmt.Errorf("%w: entry order %s not confirmed within %s", types.ErrEntryRejected, ref.OrderID, c.e.cfg.EntryConfirmTimeout)
	return exchange.OrderRef{}, joinErrs(rejected, cancelErr)
}

// cancelEntry cancels a possibly resting entry order. An unknown order is
// not an error.
func (c *entryController) cancelEntry(ctx context.Context, ref exchange.OrderRef) error {
	err := c.e.exchange.CancelOrder(context.WithoutCancel(ctx), c.sig.Symbol, ref.OrderID)
	if err != nil && !errors.Is(err, types.ErrOrderNotFound) {
		c.logger.Warn("failed to cancel entry order", "order_id", ref.OrderID, "err", err)
		return err
	}
	return nil
}

// unwind closes whatever an unconfirmed entry left open on the exchange.
// An entry cancelled or rejected after a partial fill still leaves a position.
func (c *entryController) unwind(ctx context.Context, ref exchange.OrderRef, cause error) error {
	flatRef, qty, err := c.e.flatten(ctx, c.sig.ID, c.sig.Symbol)
	if err != nil {
		c.logger.Error("unconfirmed entry could not be unwound", "order_id", ref.OrderID, "err", err)
		c.e.alert(ctx, alerting.SeverityCritical, "Unconfirmed entry may be unprotected",
			"symbol", c.sig.Symbol,
			"direction", c.sig.Direction.String(),
			"order_id", ref.OrderID,
			"error", err.Error(),
		)
		return joinErrs(cause, err)
	}
	if qty.IsPositive() {
		c.e.alert(ctx, alerting.SeverityCritical, "Unconfirmed entry flattened",
			"symbol", c.sig.Symbol,
			"direction", c.sig.Direction.String(),
			"order_id", ref.OrderID,
			"quantity", qty.String(),
			"flatten_order_id", flatRef.OrderID,
		)
	}
	return cause
}

func orderRef(o *exchange.Order) exchange.OrderRef {
	return exchange.OrderRef{
		OrderID:      o.OrderID,
		Status:       o.Status,
		AvgFillPrice: o.AvgFillPrice,
		FilledQty:    o.FilledQty,
	}
}
