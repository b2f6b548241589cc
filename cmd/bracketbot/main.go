// Package main is the entry point for the bracket trading bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/alerting"
	"github.com/tathienbao/bracketbot/internal/config"
	"github.com/tathienbao/bracketbot/internal/intake"
	"github.com/tathienbao/bracketbot/internal/metrics"
	"github.com/tathienbao/bracketbot/internal/persistence"
	"github.com/tathienbao/bracketbot/internal/types"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Parse command
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "trade":
		cmdTrade(os.Args[2:])
	case "history":
		cmdHistory(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Bracket Bot - webhook-driven bracket orders for crypto derivatives

Usage:
  bracketbot <command> [options]

Commands:
  run        Start the webhook server and trade incoming signals
  trade      Execute a single signal and wait for its outcome
  history    Show journaled outcomes and statistics
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  bracketbot run --config config.yaml
  bracketbot trade --config config.yaml --action long --pair BTCUSDT
  bracketbot history --config config.yaml --limit 20
  bracketbot validate --config config.yaml

Use "bracketbot <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("bracketbot version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

// loadConfig loads dotenv files then the YAML config, exiting on failure.
func loadConfig(path, envFile string) *config.Config {
	if err := config.LoadEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Environment error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	envFile := fs.String("env", ".env", "Path to dotenv file")
	fs.Parse(args)

	cfg := loadConfig(*configPath, *envFile)

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Exchange: %s\n", cfg.Exchange.Type)
	fmt.Printf("  Default symbol: %s\n", cfg.Trading.DefaultSymbol)
	fmt.Printf("  Default quantity: %.2f\n", cfg.Trading.DefaultQuantity)
	fmt.Printf("  Stop delta: %.2f\n", cfg.Trading.DefaultStopDelta)
	if cfg.Trading.RiskRewardRatio > 0 {
		fmt.Printf("  Risk:reward: %.2f\n", cfg.Trading.RiskRewardRatio)
	} else {
		fmt.Printf("  Take profit delta: %.2f\n", cfg.Trading.DefaultTakeProfitDelta)
	}
	fmt.Printf("  Leverage: %dx\n", cfg.Trading.DefaultLeverage)
	fmt.Printf("  Volatility gate: %v\n", cfg.Volatility.Enabled)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	envFile := fs.String("env", ".env", "Path to dotenv file")
	fs.Parse(args)

	cfg := loadConfig(*configPath, *envFile)

	// Setup structured logging
	logger, closeLog := newLogger(cfg.Logging, false)
	defer closeLog()
	slog.SetDefault(logger)

	a, err := newApp(cfg, logger)
	if err != nil {
		slog.Error("failed to initialize", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("close failed", "err", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.ToMetricsServerConfig(), logger)
		metricsServer.RegisterHealthCheck("exchange", a.checkExchange)
		if err := metricsServer.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			os.Exit(1)
		}
	}

	server := intake.NewServer(intake.Config{
		Addr:         cfg.Intake.Addr,
		Path:         cfg.Intake.Path,
		Secret:       cfg.Intake.Secret,
		MaxBodyBytes: cfg.Intake.MaxBodyBytes,
		ReadTimeout:  cfg.IntakeReadTimeout(),
	}, a.engine, a.recorder, logger)
	if err := server.Start(); err != nil {
		slog.Error("failed to start webhook server", "err", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go a.heartbeat(ctx, time.Minute, &wg)

	slog.Info("bracketbot started",
		"version", Version,
		"exchange", a.exchange.Name(),
		"symbol", cfg.Trading.DefaultSymbol,
		"leverage", cfg.Trading.DefaultLeverage,
	)
	_ = a.alerts.AlertEvent(ctx, alerting.EventBotStarted, "Bracket bot started",
		"exchange", a.exchange.Name(),
		"version", Version,
	)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutdown signal received")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("webhook server shutdown", "err", err)
	}
	wg.Wait()
	a.engine.Wait()

	_ = a.alerts.AlertEvent(shutdownCtx, alerting.EventBotStopped, "Bracket bot stopped",
		"exchange", a.exchange.Name(),
	)
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "err", err)
		}
	}

	slog.Info("bracketbot shutdown complete")
}

func cmdTrade(args []string) {
	fs := flag.NewFlagSet("trade", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	envFile := fs.String("env", ".env", "Path to dotenv file")
	action := fs.String("action", "", "Direction: long or short (required)")
	pair := fs.String("pair", "", "Symbol, defaults to trading.default_symbol")
	quantity := fs.String("quantity", "", "Notional quantity, defaults to trading.default_quantity")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	direction, ok := types.ParseSide(*action)
	if !ok {
		fmt.Fprintln(os.Stderr, "Error: --action must be long or short")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, *envFile)
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	logger, closeLog := newLogger(cfg.Logging, true)
	defer closeLog()
	slog.SetDefault(logger)

	sig := types.TradeSignal{
		Symbol:    strings.ToUpper(*pair),
		Direction: direction,
		Source:    types.SignalSource{Indicator: "manual"},
	}
	if *quantity != "" {
		q, err := decimal.NewFromString(*quantity)
		if err != nil || !q.IsPositive() {
			fmt.Fprintf(os.Stderr, "Error: invalid --quantity %q\n", *quantity)
			os.Exit(1)
		}
		sig.NotionalQuantity = q
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		slog.Error("failed to initialize", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcome, err := a.engine.Execute(ctx, sig)
	a.engine.Wait()

	if outcome != nil {
		printOutcome(*outcome, a.exchange.Name())
	}
	if err != nil {
		if types.IsExpectedAbort(err) {
			fmt.Printf("No trade: %v\n", err)
			return
		}
		if errors.Is(err, context.Canceled) {
			fmt.Println("Interrupted: protective orders remain on the exchange")
		}
		slog.Error("trade failed", "err", err)
		os.Exit(1)
	}
}

func printOutcome(o types.Outcome, venue string) {
	fmt.Println("\n=== OUTCOME ===")
	fmt.Println(alerting.OutcomeTitle(o))
	fields := alerting.OutcomeFields(o, venue)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Printf("%-14s %v\n", fmt.Sprint(fields[i])+":", fields[i+1])
	}
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	envFile := fs.String("env", ".env", "Path to dotenv file")
	pair := fs.String("pair", "", "Only show this symbol")
	since := fs.Duration("since", 0, "Only show outcomes closed within this duration, e.g. 168h")
	limit := fs.Int("limit", 20, "Maximum number of outcomes listed")
	fs.Parse(args)

	cfg := loadConfig(*configPath, *envFile)
	if !cfg.Persistence.Enabled {
		fmt.Fprintln(os.Stderr, "Error: persistence is disabled, no journal to read")
		os.Exit(1)
	}

	journal, err := persistence.NewSQLiteJournal(cfg.Persistence.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer journal.Close()

	filter := persistence.OutcomeFilter{Symbol: *pair}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}

	ctx := context.Background()
	stats, err := journal.Stats(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	filter.Limit = *limit
	outcomes, err := journal.ListOutcomes(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	printHistory(outcomes)
	printStats(stats)
}

func printHistory(outcomes []types.Outcome) {
	fmt.Println("\n=== RECENT OUTCOMES ===")
	if len(outcomes) == 0 {
		fmt.Println("No outcomes recorded.")
		return
	}
	for _, o := range outcomes {
		fmt.Printf("%s  %-10s %-5s %-11s entry %-12s exit %-12s pnl %7s%%",
			o.ClosedAt.Local().Format("2006-01-02 15:04"),
			o.Symbol,
			o.Direction,
			o.ExitLeg,
			o.EntryPrice,
			o.ExitPrice,
			o.PnLPercent.StringFixed(2),
		)
		if o.Escalation != "" {
			fmt.Printf("  [%s]", o.Escalation)
		}
		fmt.Println()
	}
}

func printStats(s persistence.Stats) {
	fmt.Println("\n=== STATISTICS ===")
	fmt.Printf("Total Trades:     %d\n", s.Trades)
	fmt.Printf("Winning Trades:   %d\n", s.Wins)
	fmt.Printf("Losing Trades:    %d\n", s.Losses)
	fmt.Printf("Escalations:      %d\n", s.Escalations)
	fmt.Printf("Win Rate:         %s%%\n", s.WinRate().StringFixed(2))
	fmt.Printf("Total PnL:        %s%%\n", s.TotalPnLPercent.StringFixed(2))
	fmt.Printf("Best Trade:       %s%%\n", s.BestPnLPercent.StringFixed(2))
	fmt.Printf("Worst Trade:      %s%%\n", s.WorstPnLPercent.StringFixed(2))
}
