package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/tathienbao/bracketbot/internal/alerting"
	"github.com/tathienbao/bracketbot/internal/config"
	"github.com/tathienbao/bracketbot/internal/engine"
	"github.com/tathienbao/bracketbot/internal/exchange"
	"github.com/tathienbao/bracketbot/internal/exchange/binance"
	"github.com/tathienbao/bracketbot/internal/exchange/paper"
	"github.com/tathienbao/bracketbot/internal/metrics"
	"github.com/tathienbao/bracketbot/internal/persistence"
	"github.com/tathienbao/bracketbot/internal/pricing"
	"github.com/tathienbao/bracketbot/internal/risk"
)

// app holds the wired components of a running bot.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	exchange exchange.Adapter
	alerts   *alerting.MultiAlerter
	journal  *persistence.SQLiteJournal
	recorder *metrics.Recorder
	engine   *engine.Engine

	closers []func() error
}

// newLogger builds the process logger. When a log file is configured,
// output is duplicated to a size-rotated file.
func newLogger(cfg config.LoggingConfig, forceText bool) (*slog.Logger, func() error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	var (
		w       io.Writer = os.Stdout
		cleanup           = func() error { return nil }
	)
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = io.MultiWriter(os.Stdout, rotator)
		cleanup = rotator.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	if forceText || cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), cleanup
	}
	return slog.New(slog.NewJSONHandler(w, opts)), cleanup
}

// newAdapter creates the configured exchange adapter.
func newAdapter(cfg *config.Config, logger *slog.Logger) (exchange.Adapter, error) {
	kind, err := cfg.ExchangeKind()
	if err != nil {
		return nil, err
	}

	switch kind {
	case exchange.KindBinanceFutures:
		return binance.NewClient(cfg.ToBinanceConfig(), logger), nil
	case exchange.KindPaper:
		pc := cfg.ToPaperConfig()
		if cfg.Exchange.PaperLivePrices {
			pc.PriceSource = binance.NewClient(cfg.ToBinanceConfig(), logger)
		} else {
			logger.Warn("paper exchange has no price feed, set exchange.paper_live_prices to trade against live prices")
		}
		return paper.NewBroker(pc, logger), nil
	default:
		return nil, fmt.Errorf("exchange %q has no adapter", kind)
	}
}

// newAlerts builds every enabled alert channel. The console channel is
// always present.
func newAlerts(cfg *config.Config, logger *slog.Logger) (*alerting.MultiAlerter, error) {
	multi := alerting.NewMultiAlerter(logger, alerting.NewConsoleAlerter(logger))

	if cfg.Alerting.Telegram.Enabled {
		multi.AddAlerter(alerting.NewTelegramAlerter(cfg.ToTelegramConfig()))
	}
	if cfg.Alerting.Discord.Enabled {
		multi.AddAlerter(alerting.NewDiscordAlerter(cfg.ToDiscordConfig()))
	}
	if cfg.Alerting.Email.Enabled {
		email, err := alerting.NewEmailAlerter(cfg.ToEmailConfig())
		if err != nil {
			return nil, fmt.Errorf("email alerter: %w", err)
		}
		multi.AddAlerter(email)
	}
	return multi, nil
}

// newApp wires the engine and its collaborators from cfg.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, recorder: metrics.NewRecorder()}

	ex, err := newAdapter(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.exchange = ex

	alerts, err := newAlerts(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.alerts = alerts

	components := engine.Components{
		Exchange: ex,
		Prices:   pricing.NewModel(cfg.ToPricingConfig()),
		Sizer:    risk.NewPositionSizer(int32(cfg.Trading.QuantityPrecision)),
		Gate:     risk.NewVolatilityGate(cfg.ToVolatilityConfig(), logger),
		Alerter:  alerting.WithMinSeverity(alerts, cfg.MinSeverity()),
		Notifier: alerting.NewOutcomeNotifier(alerts, ex.Name(), logger),
		Recorder: a.recorder,
	}

	if cfg.Persistence.Enabled {
		j, err := openJournal(cfg.Persistence.Path)
		if err != nil {
			return nil, err
		}
		a.journal = j
		a.closers = append(a.closers, j.Close)
		components.Journal = j
	}

	eng, err := engine.NewEngine(cfg.ToEngineConfig(), components, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.engine = eng

	if cfg.Trading.ShowConfig {
		showConfig(logger, cfg, ex.Name())
	}
	return a, nil
}

func openJournal(path string) (*persistence.SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	return persistence.NewSQLiteJournal(path)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// checkExchange reports whether the venue answers a price query.
func (a *app) checkExchange(ctx context.Context) metrics.Check {
	if _, err := a.exchange.GetLastPrice(ctx, a.cfg.Trading.DefaultSymbol); err != nil {
		return metrics.Check{Status: metrics.StatusUnhealthy, Message: err.Error()}
	}
	return metrics.Check{Status: metrics.StatusHealthy}
}

// heartbeat probes the exchange periodically and alerts when it stops
// answering.
func (a *app) heartbeat(ctx context.Context, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	up := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		check := a.checkExchange(cctx)
		cancel()

		healthy := check.Status == metrics.StatusHealthy
		a.recorder.RecordHeartbeat()
		a.recorder.RecordExchangeStatus(healthy)

		if up && !healthy {
			a.logger.Error("exchange unreachable", "exchange", a.exchange.Name(), "err", check.Message)
			_ = a.alerts.AlertEvent(ctx, alerting.EventExchangeDown, "Exchange unreachable",
				"exchange", a.exchange.Name(),
				"error", check.Message,
			)
		} else if !up && healthy {
			a.logger.Info("exchange reachable again", "exchange", a.exchange.Name())
		}
		up = healthy
	}
}

func showConfig(logger *slog.Logger, cfg *config.Config, venue string) {
	t := cfg.Trading
	logger.Debug("trading config",
		"exchange", venue,
		"symbol", t.DefaultSymbol,
		"quantity", t.DefaultQuantity,
		"stop_delta", t.DefaultStopDelta,
		"tp_delta", t.DefaultTakeProfitDelta,
		"risk_reward", t.RiskRewardRatio,
		"leverage", t.DefaultLeverage,
		"poll_interval_seconds", t.PollIntervalSec,
		"volatility_gate", cfg.Volatility.Enabled,
	)
}
