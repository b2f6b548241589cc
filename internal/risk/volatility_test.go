package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/tathienbao/bracketbot/internal/types"
)

type stubCandles struct {
	candles []types.Candle
	err     error
	calls   int
}

func (s *stubCandles) GetCandles(_ context.Context, _, _ string, _ int) ([]types.Candle, error) {
	s.calls++
	return s.candles, s.err
}

// candlesWithRange returns n candles with a constant true range.
func candlesWithRange(n int, rng string) []types.Candle {
	out := make([]types.Candle, n)
	for i := range out {
		out[i] = types.Candle{
			Symbol: "BTCUSDT",
			High:   d("1000").Add(d(rng)),
			Low:    d("1000"),
			Close:  d("1000"),
		}
	}
	return out
}

func TestVolatilityGate_Check(t *testing.T) {
	tests := []struct {
		name    string
		cfg     VolatilityConfig
		rng     string
		wantErr error
	}{
		{
			name: "above absolute minimum",
			cfg:  VolatilityConfig{Enabled: true, Period: 14, Lookback: 50, MinATRValue: d("5")},
			rng:  "10",
		},
		{
			name:    "below absolute minimum",
			cfg:     VolatilityConfig{Enabled: true, Period: 14, Lookback: 50, MinATRValue: d("20")},
			rng:     "10",
			wantErr: types.ErrVolatilityTooLow,
		},
		{
			name:    "equal to minimum is rejected",
			cfg:     VolatilityConfig{Enabled: true, Period: 14, Lookback: 50, MinATRValue: d("10")},
			rng:     "10",
			wantErr: types.ErrVolatilityTooLow,
		},
		{
			name: "percent of close",
			cfg:  VolatilityConfig{Enabled: true, Period: 14, Lookback: 50, MinATRPercent: d("0.5")}, // 5 on close 1000
			rng:  "10",
		},
		{
			name:    "percent of close too low",
			cfg:     VolatilityConfig{Enabled: true, Period: 14, Lookback: 50, MinATRPercent: d("2")}, // 20 on close 1000
			rng:     "10",
			wantErr: types.ErrVolatilityTooLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewVolatilityGate(tt.cfg, nil)
			src := &stubCandles{candles: candlesWithRange(50, tt.rng)}

			_, err := gate.Check(context.Background(), src, "BTCUSDT")
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Check() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVolatilityGate_Disabled(t *testing.T) {
	src := &stubCandles{}

	for _, cfg := range []VolatilityConfig{
		{Enabled: false, MinATRValue: d("5")},
		{Enabled: true}, // no threshold
	} {
		gate := NewVolatilityGate(cfg, nil)
		if gate.Enabled() {
			t.Errorf("gate %+v should be disabled", cfg)
		}
		if _, err := gate.Check(context.Background(), src, "BTCUSDT"); err != nil {
			t.Errorf("disabled gate returned %v", err)
		}
	}
	if src.calls != 0 {
		t.Errorf("disabled gate fetched candles %d times", src.calls)
	}
}

func TestVolatilityGate_Errors(t *testing.T) {
	cfg := VolatilityConfig{Enabled: true, Period: 14, Lookback: 50, MinATRValue: d("1")}
	gate := NewVolatilityGate(cfg, nil)

	if _, err := gate.Check(context.Background(), nil, "BTCUSDT"); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("nil source error = %v, want ErrConfiguration", err)
	}

	fetchErr := errors.New("timeout")
	if _, err := gate.Check(context.Background(), &stubCandles{err: fetchErr}, "BTCUSDT"); !errors.Is(err, fetchErr) {
		t.Errorf("fetch error = %v, want wrapped %v", err, fetchErr)
	}

	for _, n := range []int{0, 5, 14} {
		src := &stubCandles{candles: candlesWithRange(n, "10")}
		_, err := gate.Check(context.Background(), src, "BTCUSDT")
		if !errors.Is(err, types.ErrExchange) {
			t.Errorf("%d candles error = %v, want ErrExchange", n, err)
		}
		if types.IsExpectedAbort(err) {
			t.Errorf("%d candles reported as an expected abort", n)
		}
	}
}
