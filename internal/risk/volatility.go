package risk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/types"
	"github.com/tathienbao/bracketbot/pkg/indicator"
)

// CandleSource supplies historical candles.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error)
}

// VolatilityConfig configures the ATR entry gate.
type VolatilityConfig struct {
	Enabled       bool
	Interval      string          // candle interval, e.g. "5m"
	Lookback      int             // number of candles requested
	Period        int             // ATR period
	MinATRValue   decimal.Decimal // absolute threshold
	MinATRPercent decimal.Decimal // threshold as % of last close, used when MinATRValue is zero
}

// DefaultVolatilityConfig returns a disabled gate with ATR(14) over 5m candles.
func DefaultVolatilityConfig() VolatilityConfig {
	return VolatilityConfig{
		Enabled:  false,
		Interval: "5m",
		Lookback: 576, // two days of 5m candles
		Period:   14,
	}
}

// VolatilityGate refuses entries when recent volatility is too low.
type VolatilityGate struct {
	cfg    VolatilityConfig
	logger *slog.Logger
}

// NewVolatilityGate creates a gate.
func NewVolatilityGate(cfg VolatilityConfig, logger *slog.Logger) *VolatilityGate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Period < 1 {
		cfg.Period = 14
	}
	if cfg.Lookback <= cfg.Period {
		cfg.Lookback = cfg.Period * 4
	}
	if cfg.Interval == "" {
		cfg.Interval = "5m"
	}
	return &VolatilityGate{cfg: cfg, logger: logger}
}

// Enabled returns true if the gate checks anything.
func (g *VolatilityGate) Enabled() bool {
	return g.cfg.Enabled && (g.cfg.MinATRValue.IsPositive() || g.cfg.MinATRPercent.IsPositive())
}

// Check returns ErrVolatilityTooLow when the latest ATR does not exceed the
// configured minimum.
func (g *VolatilityGate) Check(ctx context.Context, src CandleSource, symbol string) (decimal.Decimal, error) {
	if !g.Enabled() {
		return decimal.Zero, nil
	}
	if src == nil {
		return decimal.Zero, fmt.Errorf("%w: volatility gate enabled but exchange provides no candles", types.ErrConfiguration)
	}

	candles, err := src.GetCandles(ctx, symbol, g.cfg.Interval, g.cfg.Lookback)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch candles: %w", err)
	}

	if len(candles) <= g.cfg.Period {
		return decimal.Zero, fmt.Errorf("%w: %d %s candles for %s, atr(%d) needs %d",
			types.ErrExchange, len(candles), g.cfg.Interval, symbol, g.cfg.Period, g.cfg.Period+1)
	}

	bars := make([]indicator.Bar, len(candles))
	for i, c := range candles {
		bars[i] = indicator.Bar{High: c.High, Low: c.Low, Close: c.Close}
	}
	atr, err := indicator.LatestATR(bars, g.cfg.Period)
	if err != nil {
		return decimal.Zero, fmt.Errorf("volatility: %w", err)
	}

	minimum := g.cfg.MinATRValue
	if !minimum.IsPositive() {
		last := candles[len(candles)-1].Close
		minimum = last.Mul(g.cfg.MinATRPercent).Div(decimal.NewFromInt(100))
	}

	g.logger.Debug("volatility check",
		"symbol", symbol,
		"atr", atr.StringFixed(4),
		"minimum", minimum.StringFixed(4),
	)

	if !atr.GreaterThan(minimum) {
		return atr, fmt.Errorf("%w: atr %s <= %s", types.ErrVolatilityTooLow, atr.StringFixed(4), minimum.StringFixed(4))
	}
	return atr, nil
}
