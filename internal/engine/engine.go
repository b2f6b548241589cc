// Package engine turns trade signals into managed bracket positions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/alerting"
	"github.com/tathienbao/bracketbot/internal/exchange"
	"github.com/tathienbao/bracketbot/internal/metrics"
	"github.com/tathienbao/bracketbot/internal/persistence"
	"github.com/tathienbao/bracketbot/internal/pricing"
	"github.com/tathienbao/bracketbot/internal/risk"
	"github.com/tathienbao/bracketbot/internal/types"
)

// Config holds engine configuration.
type Config struct {
	DefaultSymbol   string
	DefaultNotional decimal.Decimal
	Leverage        int

	PollInterval         time.Duration // exit leg status polling
	EntryConfirmInterval time.Duration
	EntryConfirmTimeout  time.Duration
	NotifyTimeout        time.Duration
	// MaxPollFailures is how many consecutive order status queries may fail
	// before the pipeline gives up with ErrExchange.
	MaxPollFailures int

	// StopMarket places the stop leg as a stop-market order closing the
	// whole position instead of a stop-limit.
	StopMarket bool
	// CancelOpenOrders cancels stale resting orders on the symbol before entry.
	CancelOpenOrders bool
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		DefaultSymbol:        "BTCUSDT",
		DefaultNotional:      decimal.NewFromInt(100),
		Leverage:             10,
		PollInterval:         30 * time.Second,
		EntryConfirmInterval: 500 * time.Millisecond,
		EntryConfirmTimeout:  10 * time.Second,
		NotifyTimeout:        30 * time.Second,
		MaxPollFailures:      10,
		CancelOpenOrders:     true,
	}
}

// OutcomeSink receives the single outcome of every managed position.
type OutcomeSink interface {
	NotifyOutcome(ctx context.Context, outcome types.Outcome) error
}

// Journal records orders and outcomes for audit.
type Journal interface {
	SaveOrder(ctx context.Context, rec persistence.OrderRecord) error
	SaveOutcome(ctx context.Context, outcome types.Outcome) error
}

// Components are the collaborators of an Engine. Exchange, Prices and Sizer
// are required.
type Components struct {
	Exchange exchange.Adapter
	Prices   *pricing.Model
	Sizer    *risk.PositionSizer
	Gate     *risk.VolatilityGate
	Alerter  alerting.Alerter
	Notifier OutcomeSink
	Journal  Journal
	Recorder *metrics.Recorder
}

// Engine executes signals. Each Execute call runs entry and exit management
// sequentially; calls for different symbols may run concurrently.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	exchange exchange.Adapter
	prices   *pricing.Model
	sizer    *risk.PositionSizer
	gate     *risk.VolatilityGate
	alerter  alerting.Alerter
	notifier OutcomeSink
	journal  Journal
	recorder *metrics.Recorder

	// symbols with a pipeline in progress
	mu       sync.Mutex
	inFlight map[string]string

	// outstanding notifications
	wg sync.WaitGroup
}

// NewEngine creates a new trading engine.
func NewEngine(cfg Config, c Components, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.Exchange == nil || c.Prices == nil || c.Sizer == nil {
		return nil, fmt.Errorf("%w: engine requires exchange, price model and sizer", types.ErrConfiguration)
	}
	if cfg.Leverage < 1 {
		return nil, fmt.Errorf("%w: leverage %d", types.ErrConfiguration, cfg.Leverage)
	}

	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.EntryConfirmInterval <= 0 {
		cfg.EntryConfirmInterval = def.EntryConfirmInterval
	}
	if cfg.EntryConfirmTimeout <= 0 {
		cfg.EntryConfirmTimeout = def.EntryConfirmTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = def.MaxPollFailures
	}
	if c.Gate == nil {
		c.Gate = risk.NewVolatilityGate(risk.VolatilityConfig{}, logger)
	}
	if c.Recorder == nil {
		c.Recorder = metrics.NewRecorder()
	}

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		exchange: c.Exchange,
		prices:   c.Prices,
		sizer:    c.Sizer,
		gate:     c.Gate,
		alerter:  c.Alerter,
		notifier: c.Notifier,
		journal:  c.Journal,
		recorder: c.Recorder,
		inFlight: make(map[string]string),
	}, nil
}

// Execute opens a bracketed position for sig and blocks until it resolves.
// A returned outcome is also delivered to the notifier. An escalated exit
// returns both an outcome and an error.
func (e *Engine) Execute(ctx context.Context, sig types.TradeSignal) (*types.Outcome, error) {
	sig = e.normalize(sig)
	logger := e.logger.With("signal_id", sig.ID, "symbol", sig.Symbol, "direction", sig.Direction)

	if sig.Direction != types.SideLong && sig.Direction != types.SideShort {
		e.recorder.RecordSignalRejected("invalid_direction")
		return nil, fmt.Errorf("%w: direction %s", types.ErrConfiguration, sig.Direction)
	}
	e.recorder.RecordSignal(sig.Symbol, sig.Direction.String())

	if !e.acquire(sig.Symbol, sig.ID) {
		e.recorder.RecordSignalRejected(types.ErrorKind(types.ErrPositionConflict))
		logger.Info("signal skipped: pipeline already running for symbol")
		return nil, fmt.Errorf("%w: %s has a pipeline in progress", types.ErrPositionConflict, sig.Symbol)
	}
	defer e.release(sig.Symbol)

	entry := newEntryController(e, sig, logger)
	pos, err := entry.run(ctx)
	if err != nil {
		e.recorder.RecordSignalRejected(types.ErrorKind(err))
		if types.IsExpectedAbort(err) {
			logger.Info("entry aborted", "reason", err)
		} else {
			logger.Error("entry failed", "err", err)
			e.alert(ctx, alerting.SeverityWarning, "Entry failed",
				"symbol", sig.Symbol,
				"direction", sig.Direction.String(),
				"error", err.Error(),
			)
		}
		return nil, err
	}

	e.recorder.RecordPositionOpened(pos.symbol, pos.direction.String())
	defer e.recorder.RecordPositionClosed(pos.symbol, pos.direction.String())

	exit := newExitController(e, pos, logger)
	outcome, err := exit.run(ctx)
	if err != nil {
		e.recorder.RecordError(types.ErrorKind(err))
		logger.Error("exit management ended with error", "err", err)
	}
	return outcome, err
}

// Wait blocks until all outcome notifications have been delivered.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// InFlight returns the symbols that currently have a pipeline running.
func (e *Engine) InFlight() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.inFlight))
	for s := range e.inFlight {
		out = append(out, s)
	}
	return out
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) normalize(sig types.TradeSignal) types.TradeSignal {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.Symbol == "" {
		sig.Symbol = e.cfg.DefaultSymbol
	}
	sig.Symbol = strings.ToUpper(sig.Symbol)
	if !sig.NotionalQuantity.IsPositive() {
		sig.NotionalQuantity = e.cfg.DefaultNotional
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now()
	}
	return sig
}

func (e *Engine) acquire(symbol, signalID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.inFlight[symbol]; busy {
		return false
	}
	e.inFlight[symbol] = signalID
	return true
}

func (e *Engine) release(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, symbol)
}

// deliver hands the outcome to the journal and notifier without blocking
// the caller. Failures are logged.
func (e *Engine) deliver(ctx context.Context, outcome types.Outcome) {
	e.recorder.RecordOutcome(outcome.Symbol, outcome.Direction.String(), string(outcome.ExitLeg), outcome.PnLPercent)

	bg := context.WithoutCancel(ctx)
	if e.journal != nil {
		if err := e.journal.SaveOutcome(bg, outcome); err != nil {
			e.logger.Warn("failed to journal outcome", "outcome_id", outcome.ID, "err", err)
		}
	}
	if e.notifier == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		nctx, cancel := context.WithTimeout(bg, e.cfg.NotifyTimeout)
		defer cancel()

		if err := e.notifier.NotifyOutcome(nctx, outcome); err != nil {
			e.recorder.RecordError("notify")
			e.logger.Warn("failed to deliver outcome",
				"outcome_id", outcome.ID,
				"symbol", outcome.Symbol,
				"err", err,
			)
		}
	}()
}

func (e *Engine) journalOrder(ctx context.Context, rec persistence.OrderRecord) {
	if e.journal == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := e.journal.SaveOrder(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("failed to journal order", "order_id", rec.OrderID, "role", rec.Role, "err", err)
	}
}

func (e *Engine) alert(ctx context.Context, severity alerting.Severity, message string, fields ...any) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.Alert(context.WithoutCancel(ctx), severity, message, fields...); err != nil {
		e.logger.Warn("failed to send alert", "message", message, "err", err)
	}
}

// flatten closes whatever position the exchange reports on symbol with a
// reduce-only market order. It returns a zero ref when already flat.
func (e *Engine) flatten(ctx context.Context, signalID, symbol string) (exchange.OrderRef, decimal.Decimal, error) {
	ctx = context.WithoutCancel(ctx)

	pos, err := e.exchange.GetOpenPosition(ctx, symbol)
	if err != nil {
		return exchange.OrderRef{}, decimal.Zero, fmt.Errorf("flatten: %w", err)
	}
	if pos == nil {
		return exchange.OrderRef{}, decimal.Zero, nil
	}

	ref, err := e.exchange.PlaceMarketOrder(ctx, exchange.MarketOrderRequest{
		Symbol:        symbol,
		Side:          pos.Side.ExitSide(),
		Quantity:      pos.Quantity,
		ReduceOnly:    true,
		ClientOrderID: clientOrderID("fl"),
	})
	status := "submitted"
	if err != nil {
		status = "rejected"
	}
	e.recorder.RecordOrder(symbol, "flatten", status)
	if err != nil {
		return exchange.OrderRef{}, decimal.Zero, fmt.Errorf("flatten: %w", err)
	}

	e.journalOrder(ctx, persistence.OrderRecord{
		SignalID: signalID,
		Symbol:   symbol,
		Role:     persistence.RoleFlatten,
		OrderID:  ref.OrderID,
		Side:     string(pos.Side.ExitSide()),
		Price:    ref.AvgFillPrice,
		Quantity: pos.Quantity,
		Status:   ref.Status.String(),
	})

	e.logger.Warn("position flattened",
		"symbol", symbol,
		"side", pos.Side,
		"quantity", pos.Quantity,
		"order_id", ref.OrderID,
	)
	return ref, pos.Quantity, nil
}

// clientOrderID returns a venue-safe unique client order id.
func clientOrderID(prefix string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "-" + id[:24]
}

// joinErrs wraps primary with any non-nil secondary errors.
func joinErrs(primary error, others ...error) error {
	errs := []error{primary}
	for _, err := range others {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 1 {
		return primary
	}
	return errors.Join(errs...)
}
