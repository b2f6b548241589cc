// Package indicator provides technical indicators over OHLC series.
package indicator

import (
	"errors"
	"fmt"

	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
)

// ErrInsufficientData is returned when a series is shorter than the indicator needs.
var ErrInsufficientData = errors.New("insufficient data for indicator")

// Bar is the subset of a candle the indicators need.
type Bar struct {
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// ATR returns the Wilder-smoothed Average True Range series.
// True Range = max(high - low, |high - prevClose|, |low - prevClose|)
// The first period values of the result are zero.
func ATR(highs, lows, closes []float64, period int) ([]float64, error) {
	if period < 1 {
		return nil, fmt.Errorf("atr period %d: must be positive", period)
	}
	if len(highs) != len(closes) || len(lows) != len(closes) {
		return nil, fmt.Errorf("atr: series length mismatch (%d/%d/%d)", len(highs), len(lows), len(closes))
	}
	if len(closes) <= period {
		return nil, fmt.Errorf("%w: atr(%d) needs %d bars, got %d", ErrInsufficientData, period, period+1, len(closes))
	}
	return talib.Atr(highs, lows, closes, period), nil
}

// LatestATR returns the most recent ATR value of bars.
func LatestATR(bars []Bar, period int) (decimal.Decimal, error) {
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
		closes[i] = b.Close.InexactFloat64()
	}

	series, err := ATR(highs, lows, closes, period)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(series[len(series)-1]), nil
}
