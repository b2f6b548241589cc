package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/alerting"
	"github.com/tathienbao/bracketbot/internal/exchange"
	"github.com/tathienbao/bracketbot/internal/persistence"
	"github.com/tathienbao/bracketbot/internal/pricing"
	"github.com/tathienbao/bracketbot/internal/types"
	"golang.org/x/sync/errgroup"
)

// ExitState is a step of exit management.
type ExitState int

const (
	ExitBracketPending ExitState = iota
	ExitBracketPlaced
	ExitPolling
	ExitResolved
)

// String returns the state name.
func (s ExitState) String() string {
	switch s {
	case ExitBracketPending:
		return "BRACKET_PENDING"
	case ExitBracketPlaced:
		return "BRACKET_PLACED"
	case ExitPolling:
		return "POLLING"
	case ExitResolved:
		return "RESOLVED"
	default:
		return "UNKNOWN"
	}
}

type exitController struct {
	e      *Engine
	pos    *position
	logger *slog.Logger

	state    ExitState
	levels   types.PriceLevels
	stopID   string
	targetID string

	emitOnce sync.Once
}

func newExitController(e *Engine, pos *position, logger *slog.Logger) *exitController {
	return &exitController{e: e, pos: pos, logger: logger, state: ExitBracketPending}
}

func (c *exitController) transition(to ExitState) {
	c.logger.Debug("exit state", "from", c.state, "to", to)
	c.state = to
}

// run places the bracket and polls until one leg resolves the position.
func (c *exitController) run(ctx context.Context) (*types.Outcome, error) {
	levels, err := c.e.prices.Levels(c.pos.direction, c.pos.entryPrice, c.pos.signal.Metadata)
	if err != nil {
		return nil, c.unprotected(ctx, err)
	}
	c.levels = levels

	c.logger.Info("bracket levels",
		"entry", levels.Entry,
		"stop_trigger", levels.StopTrigger,
		"stop_limit", levels.StopLimit,
		"take_profit", levels.TakeProfit,
	)

	if err := c.placeBracket(ctx); err != nil {
		return nil, err
	}
	c.transition(ExitPolling)

	return c.poll(ctx)
}

// unprotected closes a filled entry that could not get a bracket.
func (c *exitController) unprotected(ctx context.Context, cause error) error {
	_, _, flatErr := c.e.flatten(ctx, c.pos.signal.ID, c.pos.symbol)

	c.e.alert(ctx, alerting.SeverityCritical, "Position could not be protected",
		"symbol", c.pos.symbol,
		"direction", c.pos.direction.String(),
		"entry", c.pos.entryPrice.String(),
		"error", cause.Error(),
	)
	return fmt.Errorf("bracket not placed: %w", joinErrs(cause, flatErr))
}

// placeBracket submits both legs concurrently. When either leg fails the
// other is cancelled and the position flattened.
func (c *exitController) placeBracket(ctx context.Context) error {
	var (
		g                  errgroup.Group
		stopRef, targetRef exchange.OrderRef
		stopErr, targetErr error
	)
	g.Go(func() error {
		stopRef, stopErr = c.placeStop(ctx)
		return stopErr
	})
	g.Go(func() error {
		targetRef, targetErr = c.placeTarget(ctx)
		return targetErr
	})

	if err := g.Wait(); err == nil {
		c.stopID = stopRef.OrderID
		c.targetID = targetRef.OrderID
		c.transition(ExitBracketPlaced)
		c.logger.Info("bracket placed", "stop_order_id", c.stopID, "target_order_id", c.targetID)
		return nil
	}

	bg := context.WithoutCancel(ctx)
	var cleanup []error
	if stopErr == nil {
		cleanup = append(cleanup, c.e.exchange.CancelOrder(bg, c.pos.symbol, stopRef.OrderID))
	}
	if targetErr == nil {
		cleanup = append(cleanup, c.e.exchange.CancelOrder(bg, c.pos.symbol, targetRef.OrderID))
	}
	_, _, flatErr := c.e.flatten(ctx, c.pos.signal.ID, c.pos.symbol)
	cleanup = append(cleanup, flatErr)

	c.logger.Error("bracket placement failed, position flattened",
		"stop_err", stopErr,
		"target_err", targetErr,
		"flatten_err", flatErr,
	)
	c.e.alert(ctx, alerting.SeverityCritical, "Partial bracket, position flattened",
		"symbol", c.pos.symbol,
		"direction", c.pos.direction.String(),
		"quantity", c.pos.quantity.String(),
		"error", errors.Join(stopErr, targetErr).Error(),
	)

	return joinErrs(fmt.Errorf("%w: %w", types.ErrPartialBracket, errors.Join(stopErr, targetErr)), cleanup...)
}

func (c *exitController) placeStop(ctx context.Context) (exchange.OrderRef, error) {
	side := c.pos.direction.ExitSide()

	var (
		ref   exchange.OrderRef
		err   error
		price decimal.Decimal
	)
	trailer, canTrail := c.e.exchange.(exchange.TrailingStopPlacer)
	switch {
	case c.levels.Trailing != nil && canTrail:
		price = c.levels.Trailing.ActivationPrice
		ref, err = trailer.PlaceTrailingStopOrder(ctx, exchange.TrailingStopRequest{
			Symbol:          c.pos.symbol,
			Side:            side,
			TrailBy:         c.levels.Trailing.TrailBy,
			ActivationPrice: c.levels.Trailing.ActivationPrice,
			Quantity:        c.pos.quantity,
			ClientOrderID:   clientOrderID("ts"),
		})
	default:
		if c.levels.Trailing != nil {
			c.logger.Warn("trailing stop not supported by exchange, using fixed stop", "exchange", c.e.exchange.Name())
		}
		req := exchange.StopOrderRequest{
			Symbol:        c.pos.symbol,
			Side:          side,
			TriggerPrice:  c.levels.StopTrigger,
			LimitPrice:    c.levels.StopLimit,
			Quantity:      c.pos.quantity,
			ClientOrderID: clientOrderID("sl"),
		}
		if c.e.cfg.StopMarket {
			req.LimitPrice = decimal.Zero
			req.ClosePosition = true
		}
		price = req.TriggerPrice
		ref, err = c.e.exchange.PlaceStopOrder(ctx, req)
	}

	c.recordLeg(ctx, persistence.RoleStop, side, price, ref, err)
	return ref, err
}

func (c *exitController) placeTarget(ctx context.Context) (exchange.OrderRef, error) {
	side := c.pos.direction.ExitSide()
	ref, err := c.e.exchange.PlaceLimitOrder(ctx, exchange.LimitOrderRequest{
		Symbol:        c.pos.symbol,
		Side:          side,
		Price:         c.levels.TakeProfit,
		Quantity:      c.pos.quantity,
		ReduceOnly:    true,
		ClientOrderID: clientOrderID("tp"),
	})

	c.recordLeg(ctx, persistence.RoleTakeProfit, side, c.levels.TakeProfit, ref, err)
	return ref, err
}

func (c *exitController) recordLeg(ctx context.Context, role string, side types.OrderSide, price decimal.Decimal, ref exchange.OrderRef, err error) {
	if err != nil {
		c.e.recorder.RecordOrder(c.pos.symbol, role, "rejected")
		return
	}
	c.e.recorder.RecordOrder(c.pos.symbol, role, "submitted")
	c.e.journalOrder(ctx, persistence.OrderRecord{
		SignalID: c.pos.signal.ID,
		Symbol:   c.pos.symbol,
		Role:     role,
		OrderID:  ref.OrderID,
		Side:     string(side),
		Price:    price,
		Quantity: c.pos.quantity,
		Status:   ref.Status.String(),
	})
}

// poll queries both legs every PollInterval until one is terminal.
// Cancelling ctx stops polling and leaves the bracket resting.
func (c *exitController) poll(ctx context.Context) (*types.Outcome, error) {
	ex := c.e.exchange
	ticker := time.NewTicker(c.e.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Warn("exit polling stopped, bracket left on exchange",
				"stop_order_id", c.stopID,
				"target_order_id", c.targetID,
			)
			return nil, fmt.Errorf("exit polling: %w", ctx.Err())
		case <-ticker.C:
		}

		c.e.recorder.RecordPollIteration(c.pos.symbol)

		stop, err := ex.GetOrder(ctx, c.pos.symbol, c.stopID)
		if err == nil {
			var target *exchange.Order
			if target, err = ex.GetOrder(ctx, c.pos.symbol, c.targetID); err == nil {
				failures = 0
				if outcome, done, err := c.evaluate(ctx, stop, target); done {
					return outcome, err
				}
				continue
			}
		}

		failures++
		c.e.recorder.RecordError("poll")
		c.logger.Warn("bracket status query failed", "failures", failures, "err", err)
		if failures >= c.e.cfg.MaxPollFailures {
			return nil, c.unmonitored(ctx, failures, err)
		}
	}
}

// evaluate settles the position once either leg is terminal. done is false
// while both legs are still resting.
func (c *exitController) evaluate(ctx context.Context, stop, target *exchange.Order) (*types.Outcome, bool, error) {
	var (
		outcome *types.Outcome
		err     error
	)
	switch {
	case stop.Status == types.OrderStatusFilled:
		if target.Status == types.OrderStatusFilled {
			c.logger.Warn("both bracket legs filled, reporting stop")
		}
		outcome, err = c.resolve(ctx, types.ExitLegStop, stop)
	case target.Status == types.OrderStatusFilled:
		outcome, err = c.resolve(ctx, types.ExitLegTakeProfit, target)
	case stop.Status.IsFinal():
		outcome, err = c.escalate(ctx, types.ExitLegStop, stop)
	case target.Status.IsFinal():
		outcome, err = c.escalate(ctx, types.ExitLegTakeProfit, target)
	default:
		return nil, false, nil
	}
	return outcome, true, err
}

// unmonitored gives up on a bracket whose status cannot be read. Both legs
// stay on the exchange and no outcome is emitted.
func (c *exitController) unmonitored(ctx context.Context, failures int, cause error) error {
	c.logger.Error("bracket status unavailable, giving up monitoring",
		"stop_order_id", c.stopID,
		"target_order_id", c.targetID,
		"failures", failures,
		"err", cause,
	)
	c.e.alert(ctx, alerting.SeverityCritical, "Bracket unmonitored",
		"symbol", c.pos.symbol,
		"direction", c.pos.direction.String(),
		"stop_order_id", c.stopID,
		"target_order_id", c.targetID,
		"error", cause.Error(),
	)
	return fmt.Errorf("%w: %d consecutive bracket status queries failed: %w", types.ErrExchange, failures, cause)
}

// other returns the leg opposite to leg and its order id.
func (c *exitController) other(leg types.ExitLeg) (types.ExitLeg, string) {
	if leg == types.ExitLegStop {
		return types.ExitLegTakeProfit, c.targetID
	}
	return types.ExitLegStop, c.stopID
}

// resolve reports a filled leg and cancels the losing one.
func (c *exitController) resolve(ctx context.Context, leg types.ExitLeg, filled *exchange.Order) (*types.Outcome, error) {
	c.transition(ExitResolved)

	_, loserID := c.other(leg)
	if err := c.e.exchange.CancelOrder(context.WithoutCancel(ctx), c.pos.symbol, loserID); err != nil {
		c.logger.Warn("failed to cancel losing leg", "order_id", loserID, "err", err)
		c.e.alert(ctx, alerting.SeverityHigh, "Losing bracket leg not cancelled",
			"symbol", c.pos.symbol,
			"order_id", loserID,
			"error", err.Error(),
		)
	}
	return c.settle(ctx, leg, filled)
}

// settle reports a filled leg whose counterpart is already terminal.
func (c *exitController) settle(ctx context.Context, leg types.ExitLeg, filled *exchange.Order) (*types.Outcome, error) {
	exit := filled.AvgFillPrice
	if !exit.IsPositive() {
		exit = c.levelPrice(leg)
	}
	pnl := pricing.PnLPercent(c.pos.entryPrice, exit, c.pos.leverage, leg)

	outcome := c.outcome(leg, exit, pnl, "")
	c.emit(ctx, outcome)
	return outcome, nil
}

// escalate handles a leg that ended without a fill. The other leg is
// checked once more; if it did not fill either, it is cancelled and any
// remaining position is flattened at market. A fill of the other leg seen
// before or right after its cancel is reported as that leg.
func (c *exitController) escalate(ctx context.Context, leg types.ExitLeg, failed *exchange.Order) (*types.Outcome, error) {
	bg := context.WithoutCancel(ctx)
	otherLeg, otherID := c.other(leg)

	if o, err := c.e.exchange.GetOrder(bg, c.pos.symbol, otherID); err == nil && o.Status == types.OrderStatusFilled {
		return c.resolve(ctx, otherLeg, o)
	}

	c.transition(ExitResolved)
	reason := fmt.Sprintf("%s leg %s", leg, failed.Status)

	cancelErr := c.e.exchange.CancelOrder(bg, c.pos.symbol, otherID)
	// the other leg may have filled before the cancel reached the exchange
	if o, err := c.e.exchange.GetOrder(bg, c.pos.symbol, otherID); err == nil && o.Status == types.OrderStatusFilled {
		c.logger.Warn("bracket leg ended without fill, other leg filled during cancel", "leg", leg, "status", failed.Status)
		return c.settle(ctx, otherLeg, o)
	}

	ref, flattened, flatErr := c.e.flatten(ctx, c.pos.signal.ID, c.pos.symbol)
	if flatErr != nil {
		reason += "; flatten failed"
	}

	exit := ref.AvgFillPrice
	if !exit.IsPositive() {
		if last, err := c.e.exchange.GetLastPrice(bg, c.pos.symbol); err == nil {
			exit = last
		} else {
			exit = c.pos.entryPrice
		}
	}
	pnl := pricing.SignedPnLPercent(c.pos.direction, c.pos.entryPrice, exit, c.pos.leverage)

	c.e.recorder.RecordEscalation(string(leg))
	c.logger.Error("bracket leg ended without fill",
		"leg", leg,
		"status", failed.Status,
		"flattened_quantity", flattened,
		"exit_price", exit,
		"cancel_err", cancelErr,
		"flatten_err", flatErr,
	)
	c.e.alert(ctx, alerting.SeverityCritical, "Bracket leg failed",
		"symbol", c.pos.symbol,
		"direction", c.pos.direction.String(),
		"reason", reason,
		"exit_price", exit.String(),
	)

	outcome := c.outcome(types.ExitLegFlatten, exit, pnl, reason)
	c.emit(ctx, outcome)
	return outcome, joinErrs(fmt.Errorf("%w: %s", types.ErrLegRejected, reason), cancelErr, flatErr)
}

func (c *exitController) levelPrice(leg types.ExitLeg) decimal.Decimal {
	if leg == types.ExitLegTakeProfit {
		return c.levels.TakeProfit
	}
	if c.e.cfg.StopMarket {
		return c.levels.StopTrigger
	}
	return c.levels.StopLimit
}

func (c *exitController) outcome(leg types.ExitLeg, exit, pnl decimal.Decimal, escalation string) *types.Outcome {
	return &types.Outcome{
		ID:         uuid.New().String(),
		SignalID:   c.pos.signal.ID,
		Symbol:     c.pos.symbol,
		Direction:  c.pos.direction,
		Quantity:   c.pos.quantity,
		Leverage:   c.pos.leverage,
		EntryPrice: c.pos.entryPrice,
		ExitPrice:  exit,
		ExitLeg:    leg,
		PnLPercent: pnl,
		Levels:     c.levels,
		Escalation: escalation,
		Source:     c.pos.signal.Source,
		OpenedAt:   c.pos.openedAt,
		ClosedAt:   time.Now(),
	}
}

// emit delivers the outcome. A position yields at most one outcome.
func (c *exitController) emit(ctx context.Context, outcome *types.Outcome) {
	c.emitOnce.Do(func() {
		c.logger.Info("position resolved",
			"exit_leg", outcome.ExitLeg,
			"entry", outcome.EntryPrice,
			"exit", outcome.ExitPrice,
			"pnl_pct", outcome.PnLPercent.StringFixed(2),
		)
		c.e.deliver(ctx, *outcome)
	})
}
