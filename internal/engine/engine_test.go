package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/alerting"
	"github.com/tathienbao/bracketbot/internal/exchange"
	"github.com/tathienbao/bracketbot/internal/exchange/paper"
	"github.com/tathienbao/bracketbot/internal/persistence"
	"github.com/tathienbao/bracketbot/internal/pricing"
	"github.com/tathienbao/bracketbot/internal/risk"
	"github.com/tathienbao/bracketbot/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeSink collects delivered outcomes.
type fakeSink struct {
	mu       sync.Mutex
	outcomes []types.Outcome
	err      error
}

func (s *fakeSink) NotifyOutcome(_ context.Context, o types.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return s.err
}

func (s *fakeSink) Outcomes() []types.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Outcome(nil), s.outcomes...)
}

// fakeJournal records journal writes in memory.
type fakeJournal struct {
	mu       sync.Mutex
	orders   []persistence.OrderRecord
	outcomes []types.Outcome
}

func (j *fakeJournal) SaveOrder(_ context.Context, rec persistence.OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders = append(j.orders, rec)
	return nil
}

func (j *fakeJournal) SaveOutcome(_ context.Context, o types.Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, o)
	return nil
}

func (j *fakeJournal) Roles() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	roles := make([]string, 0, len(j.orders))
	for _, o := range j.orders {
		roles = append(roles, o.Role)
	}
	return roles
}

func (j *fakeJournal) OutcomeCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.outcomes)
}

type testEnv struct {
	engine  *Engine
	broker  *paper.Broker
	alerter *alerting.MockAlerter
	sink    *fakeSink
	journal *fakeJournal
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultNotional = d("1000")
	cfg.PollInterval = 2 * time.Millisecond
	cfg.EntryConfirmInterval = time.Millisecond
	cfg.EntryConfirmTimeout = 100 * time.Millisecond
	return cfg
}

func testPriceModel() *pricing.Model {
	return pricing.NewModel(pricing.Config{
		StopDelta:       d("100"),
		TakeProfitDelta: d("200"),
		StopLimitOffset: d("5"),
	})
}

// newTestEnv builds an engine over a paper broker with BTCUSDT at 50000.
// Bracket levels for a long entry are stop 49900/49895 and target 50200.
func newTestEnv(t *testing.T, mutate func(*Config, *Components)) *testEnv {
	t.Helper()

	brk := paper.NewBroker(paper.DefaultConfig(), nil)
	brk.SetPrice("BTCUSDT", d("50000"))
	brk.SetPrice("ETHUSDT", d("3000"))

	env := &testEnv{
		broker:  brk,
		alerter: alerting.NewMockAlerter(),
		sink:    &fakeSink{},
		journal: &fakeJournal{},
	}

	cfg := testConfig()
	c := Components{
		Exchange: brk,
		Prices:   testPriceModel(),
		Sizer:    risk.NewPositionSizer(3),
		Alerter:  env.alerter,
		Notifier: env.sink,
		Journal:  env.journal,
	}
	if mutate != nil {
		mutate(&cfg, &c)
	}

	eng, err := NewEngine(cfg, c, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	env.engine = eng
	return env
}

type result struct {
	outcome *types.Outcome
	err     error
}

// start runs Execute in the background.
func (env *testEnv) start(ctx context.Context, sig types.TradeSignal) <-chan result {
	done := make(chan result, 1)
	go func() {
		o, err := env.engine.Execute(ctx, sig)
		done <- result{o, err}
	}()
	return done
}

func await(t *testing.T, done <-chan result) result {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return")
		return result{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitBracket blocks until n brackets have both legs resting.
func waitBracket(t *testing.T, brk *paper.Broker, n int) {
	t.Helper()
	waitFor(t, "bracket placement", func() bool {
		stops := brk.Calls("PlaceStopOrder") + brk.Calls("PlaceTrailingStopOrder")
		return stops >= n && brk.Calls("PlaceLimitOrder") >= n
	})
}

// legIDs returns the order ids of the resting stop and target on symbol.
func legIDs(t *testing.T, brk *paper.Broker, symbol string) (stopID, targetID string) {
	t.Helper()
	for i := 1; i <= 20; i++ {
		o, err := brk.GetOrder(context.Background(), symbol, fmt.Sprintf("PAPER-%d", i))
		if err != nil || o.Status != types.OrderStatusOpen {
			continue
		}
		if o.Type == "LIMIT" {
			targetID = o.OrderID
		} else {
			stopID = o.OrderID
		}
	}
	if stopID == "" || targetID == "" {
		t.Fatalf("bracket legs not found: stop=%q target=%q", stopID, targetID)
	}
	return stopID, targetID
}

func longSignal() types.TradeSignal {
	return types.TradeSignal{
		ID:        "sig-1",
		Symbol:    "BTCUSDT",
		Direction: types.SideLong,
		Source:    types.SignalSource{Indicator: "supertrend", Exchange: "BINANCE", Close: d("49990")},
	}
}

func TestNewEngine_Validation(t *testing.T) {
	brk := paper.NewBroker(paper.DefaultConfig(), nil)
	full := Components{Exchange: brk, Prices: testPriceModel(), Sizer: risk.NewPositionSizer(3)}

	tests := []struct {
		name string
		cfg  Config
		c    Components
	}{
		{"missing exchange", DefaultConfig(), Components{Prices: full.Prices, Sizer: full.Sizer}},
		{"missing prices", DefaultConfig(), Components{Exchange: brk, Sizer: full.Sizer}},
		{"missing sizer", DefaultConfig(), Components{Exchange: brk, Prices: full.Prices}},
		{"zero leverage", Config{Leverage: 0}, full},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(tt.cfg, tt.c, nil); !errors.Is(err, types.ErrConfiguration) {
				t.Errorf("NewEngine() error = %v, want ErrConfiguration", err)
			}
		})
	}

	eng, err := NewEngine(Config{Leverage: 5}, full, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if eng.Config().PollInterval != DefaultConfig().PollInterval {
		t.Errorf("PollInterval = %v, want default", eng.Config().PollInterval)
	}
}

func TestEngine_Normalize(t *testing.T) {
	env := newTestEnv(t, nil)

	sig := env.engine.normalize(types.TradeSignal{Direction: types.SideLong})
	if sig.ID == "" {
		t.Error("ID should be generated")
	}
	if sig.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %s, want default BTCUSDT", sig.Symbol)
	}
	if !sig.NotionalQuantity.Equal(d("1000")) {
		t.Errorf("NotionalQuantity = %s, want default 1000", sig.NotionalQuantity)
	}
	if sig.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be set")
	}

	sig = env.engine.normalize(types.TradeSignal{ID: "x", Symbol: "ethusdt", NotionalQuantity: d("50")})
	if sig.ID != "x" || sig.Symbol != "ETHUSDT" || !sig.NotionalQuantity.Equal(d("50")) {
		t.Errorf("normalize() = %+v", sig)
	}
}

func TestEngine_InvalidDirection(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Execute(context.Background(), types.TradeSignal{Symbol: "BTCUSDT", Direction: types.SideFlat})
	if !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("Execute() error = %v, want ErrConfiguration", err)
	}
	if got := env.broker.Calls("GetOpenPosition"); got != 0 {
		t.Errorf("exchange queried %d times for invalid signal", got)
	}
}

func TestEngine_PositionConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	env.broker.SetPosition(exchange.Position{
		Symbol:     "BTCUSDT",
		Side:       types.SideShort,
		Quantity:   d("0.5"),
		EntryPrice: d("51000"),
	})

	outcome, err := env.engine.Execute(context.Background(), longSignal())
	if !errors.Is(err, types.ErrPositionConflict) {
		t.Fatalf("Execute() error = %v, want ErrPositionConflict", err)
	}
	if outcome != nil {
		t.Errorf("outcome = %+v, want nil", outcome)
	}
	for _, op := range []string{"SetLeverage", "CancelAllOrders", "PlaceMarketOrder"} {
		if got := env.broker.Calls(op); got != 0 {
			t.Errorf("%s called %d times, want 0", op, got)
		}
	}
	if env.alerter.Count() != 0 {
		t.Errorf("conflict should not alert, got %d alerts", env.alerter.Count())
	}
}

func TestEngine_InFlightGuard(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.start(context.Background(), longSignal())
	waitBracket(t, env.broker, 1)

	if got := env.engine.InFlight(); len(got) != 1 || got[0] != "BTCUSDT" {
		t.Errorf("InFlight() = %v, want [BTCUSDT]", got)
	}

	entries := env.broker.Calls("PlaceMarketOrder")
	second := longSignal()
	second.ID = "sig-2"
	if _, err := env.engine.Execute(context.Background(), second); !errors.Is(err, types.ErrPositionConflict) {
		t.Errorf("second Execute() error = %v, want ErrPositionConflict", err)
	}
	if got := env.broker.Calls("PlaceMarketOrder"); got != entries {
		t.Errorf("second signal placed %d orders", got-entries)
	}

	env.broker.SetPrice("BTCUSDT", d("50250"))
	if r := await(t, first); r.err != nil {
		t.Fatalf("first Execute() error = %v", r.err)
	}
	if got := env.engine.InFlight(); len(got) != 0 {
		t.Errorf("InFlight() after resolve = %v", got)
	}
}

func TestEngine_ConcurrentSymbols(t *testing.T) {
	env := newTestEnv(t, nil)

	eth := longSignal()
	eth.ID = "sig-eth"
	eth.Symbol = "ETHUSDT"

	btcDone := env.start(context.Background(), longSignal())
	ethDone := env.start(context.Background(), eth)
	waitBracket(t, env.broker, 2)

	env.broker.SetPrice("BTCUSDT", d("50300"))
	env.broker.SetPrice("ETHUSDT", d("3300"))

	for _, done := range []<-chan result{btcDone, ethDone} {
		r := await(t, done)
		if r.err != nil {
			t.Fatalf("Execute() error = %v", r.err)
		}
		if r.outcome.ExitLeg != types.ExitLegTakeProfit {
			t.Errorf("%s exit leg = %s, want take_profit", r.outcome.Symbol, r.outcome.ExitLeg)
		}
	}

	env.engine.Wait()
	if got := len(env.sink.Outcomes()); got != 2 {
		t.Errorf("delivered outcomes = %d, want 2", got)
	}
}

func TestEngine_VolatilityGate(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, c *Components) {
		c.Gate = risk.NewVolatilityGate(risk.VolatilityConfig{
			Enabled:     true,
			Interval:    "5m",
			Lookback:    60,
			Period:      14,
			MinATRValue: d("50"),
		}, nil)
	})

	candles := make([]types.Candle, 60)
	for i := range candles {
		candles[i] = types.Candle{
			Symbol: "BTCUSDT",
			Open:   d("50000"),
			High:   d("50001"),
			Low:    d("49999"),
			Close:  d("50000"),
		}
	}
	env.broker.SetCandles("BTCUSDT", candles)

	_, err := env.engine.Execute(context.Background(), longSignal())
	if !errors.Is(err, types.ErrVolatilityTooLow) {
		t.Fatalf("Execute() error = %v, want ErrVolatilityTooLow", err)
	}
	if got := env.broker.Calls("PlaceMarketOrder"); got != 0 {
		t.Errorf("entry placed despite low volatility")
	}
	if env.alerter.Count() != 0 {
		t.Errorf("low volatility should not alert")
	}
}

func TestEngine_EntryRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.broker.FailNext("PlaceMarketOrder", paper.ErrInjected)

	outcome, err := env.engine.Execute(context.Background(), longSignal())
	if !errors.Is(err, types.ErrEntryRejected) {
		t.Fatalf("Execute() error = %v, want ErrEntryRejected", err)
	}
	if outcome != nil {
		t.Errorf("outcome = %+v, want nil", outcome)
	}
	if !env.alerter.HasAlertWithSeverity(alerting.SeverityWarning) {
		t.Error("expected warning alert for rejected entry")
	}
	if got := env.broker.Calls("PlaceLimitOrder"); got != 0 {
		t.Errorf("bracket placed after rejected entry")
	}
}

func TestEngine_SizingFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	sig := longSignal()
	sig.NotionalQuantity = d("10") // below one lot at 50000

	if _, err := env.engine.Execute(context.Background(), sig); !errors.Is(err, types.ErrSizing) {
		t.Fatalf("Execute() error = %v, want ErrSizing", err)
	}
	if got := env.broker.Calls("PlaceMarketOrder"); got != 0 {
		t.Errorf("entry placed with invalid size")
	}
}

func TestEngine_LeverageIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 1; i <= 2; i++ {
		sig := longSignal()
		sig.ID = fmt.Sprintf("sig-%d", i)
		done := env.start(context.Background(), sig)
		waitBracket(t, env.broker, i)
		env.broker.SetPrice("BTCUSDT", d("50250"))
		if r := await(t, done); r.err != nil {
			t.Fatalf("trade %d error = %v", i, r.err)
		}
		env.broker.SetPrice("BTCUSDT", d("50000"))
	}

	if got := env.broker.Leverage("BTCUSDT"); got != 10 {
		t.Errorf("leverage = %d, want 10", got)
	}
	if got := env.broker.Calls("SetLeverage"); got != 2 {
		t.Errorf("SetLeverage calls = %d, want 2", got)
	}
}

// pendingFills reports market entries as still open so the engine has to
// confirm them by polling.
type pendingFills struct {
	*paper.Broker
}

func (p pendingFills) PlaceMarketOrder(ctx context.Context, req exchange.MarketOrderRequest) (exchange.OrderRef, error) {
	ref, err := p.Broker.PlaceMarketOrder(ctx, req)
	if err == nil && !req.ReduceOnly {
		ref.Status = types.OrderStatusOpen
		ref.AvgFillPrice = decimal.Zero
	}
	return ref, err
}

func TestEngine_EntryConfirmedByPolling(t *testing.T) {
	var brk *paper.Broker
	env := newTestEnv(t, func(_ *Config, c *Components) {
		brk = c.Exchange.(*paper.Broker)
		c.Exchange = pendingFills{brk}
	})

	done := env.start(context.Background(), longSignal())
	waitBracket(t, brk, 1)
	brk.SetPrice("BTCUSDT", d("50250"))

	r := await(t, done)
	if r.err != nil {
		t.Fatalf("Execute() error = %v", r.err)
	}
	if !r.outcome.EntryPrice.Equal(d("50000")) {
		t.Errorf("entry price = %s, want 50000", r.outcome.EntryPrice)
	}
}

// entryStatus reports the market entry with a fixed status no matter what
// the venue did with it.
type entryStatus struct {
	pendingFills
	status types.OrderStatus
}

func (s entryStatus) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	o, err := s.Broker.GetOrder(ctx, symbol, orderID)
	if err == nil && o.Type == "MARKET" {
		o.Status = s.status
		o.AvgFillPrice = decimal.Zero
	}
	return o, err
}

// unreachableStatus fails every order status query.
type unreachableStatus struct {
	pendingFills
}

func (unreachableStatus) GetOrder(context.Context, string, string) (*exchange.Order, error) {
	return nil, exchange.Wrap("get order", paper.ErrInjected)
}

func TestEngine_UnconfirmedEntryIsFlattened(t *testing.T) {
	tests := []struct {
		name        string
		wrap        func(*paper.Broker) exchange.Adapter
		wantErr     error
		wantCancels int
	}{
		{
			name:        "never confirmed",
			wrap:        func(b *paper.Broker) exchange.Adapter { return entryStatus{pendingFills{b}, types.OrderStatusOpen} },
			wantErr:     types.ErrEntryRejected,
			wantCancels: 1,
		},
		{
			name:    "canceled after fill",
			wrap:    func(b *paper.Broker) exchange.Adapter { return entryStatus{pendingFills{b}, types.OrderStatusCanceled} },
			wantErr: types.ErrEntryRejected,
		},
		{
			name:    "rejected after fill",
			wrap:    func(b *paper.Broker) exchange.Adapter { return entryStatus{pendingFills{b}, types.OrderStatusRejected} },
			wantErr: types.ErrEntryRejected,
		},
		{
			name:        "status unavailable",
			wrap:        func(b *paper.Broker) exchange.Adapter { return unreachableStatus{pendingFills{b}} },
			wantErr:     types.ErrExchange,
			wantCancels: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var brk *paper.Broker
			env := newTestEnv(t, func(cfg *Config, c *Components) {
				cfg.MaxPollFailures = 3
				brk = c.Exchange.(*paper.Broker)
				c.Exchange = tt.wrap(brk)
			})

			o, err := env.engine.Execute(context.Background(), longSignal())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Execute() error = %v, want %v", err, tt.wantErr)
			}
			if o != nil {
				t.Errorf("outcome = %+v, want nil", o)
			}
			if got := brk.Calls("CancelOrder"); got != tt.wantCancels {
				t.Errorf("CancelOrder calls = %d, want %d", got, tt.wantCancels)
			}
			if got := brk.Calls("PlaceLimitOrder"); got != 0 {
				t.Errorf("bracket placed for unconfirmed entry")
			}
			if !flat(t, brk, "BTCUSDT") {
				t.Error("filled entry left open without a bracket")
			}
			if !env.alerter.HasAlertContaining("Unconfirmed entry flattened") {
				t.Error("expected critical alert for flattened entry")
			}
			if !env.alerter.HasAlertWithSeverity(alerting.SeverityCritical) {
				t.Error("flattened entry alert should be critical")
			}
		})
	}
}
