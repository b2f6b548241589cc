// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/alerting"
	"github.com/tathienbao/bracketbot/internal/engine"
	"github.com/tathienbao/bracketbot/internal/exchange"
	"github.com/tathienbao/bracketbot/internal/exchange/binance"
	"github.com/tathienbao/bracketbot/internal/exchange/paper"
	"github.com/tathienbao/bracketbot/internal/metrics"
	"github.com/tathienbao/bracketbot/internal/pricing"
	"github.com/tathienbao/bracketbot/internal/risk"
	"github.com/tathienbao/bracketbot/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the full application configuration.
type Config struct {
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Trading     TradingConfig     `yaml:"trading"`
	Volatility  VolatilityConfig  `yaml:"volatility"`
	Intake      IntakeConfig      `yaml:"intake"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// ExchangeConfig selects and configures the exchange adapter.
type ExchangeConfig struct {
	Type               string  `yaml:"type"` // binance-futures | paper
	APIKey             string  `yaml:"api_key"`
	APISecret          string  `yaml:"api_secret"`
	Testnet            bool    `yaml:"testnet"`
	BaseURL            string  `yaml:"base_url"`
	RequestTimeoutSec  int     `yaml:"request_timeout_sec"`
	RateLimitPerSecond int     `yaml:"rate_limit_per_second"`
	MarginMode         string  `yaml:"margin_mode"` // CROSSED | ISOLATED
	PaperSlippage      float64 `yaml:"paper_slippage"`
	// PaperLivePrices feeds the paper exchange with public Binance prices.
	PaperLivePrices bool `yaml:"paper_live_prices"`
}

// TradingConfig holds the bracket and sizing defaults.
type TradingConfig struct {
	DefaultSymbol          string  `yaml:"default_symbol"`
	DefaultQuantity        float64 `yaml:"default_quantity"` // notional in quote currency
	DefaultStopDelta       float64 `yaml:"default_stop_delta"`
	DefaultTakeProfitDelta float64 `yaml:"default_take_profit_delta"`
	RiskRewardRatio        float64 `yaml:"risk_reward_ratio"`
	StopLimitOffset        float64 `yaml:"stop_limit_offset"` // 0 selects the default
	DefaultLeverage        int     `yaml:"default_leverage"`
	PricePrecision         int     `yaml:"price_precision"`
	QuantityPrecision      int     `yaml:"quantity_precision"`
	PollIntervalSec        int     `yaml:"poll_interval_seconds"`
	EntryConfirmTimeoutSec int     `yaml:"entry_confirm_timeout_sec"`
	MaxPollFailures        int     `yaml:"max_poll_failures"` // consecutive status query failures tolerated
	StopMarket             bool    `yaml:"stop_market"`
	KeepOpenOrders         bool    `yaml:"keep_open_orders"`
	ShowConfig             bool    `yaml:"show_config"`
}

// VolatilityConfig holds the ATR entry gate settings.
type VolatilityConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Interval          string  `yaml:"interval"`
	Lookback          int     `yaml:"lookback"`
	Period            int     `yaml:"period"`
	MinimumATRValue   float64 `yaml:"minimum_atr_value"`
	MinimumATRPercent float64 `yaml:"minimum_atr_percent"`
}

// IntakeConfig holds the webhook server settings.
type IntakeConfig struct {
	Addr           string `yaml:"addr"`
	Path           string `yaml:"path"`
	Secret         string `yaml:"secret"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	ReadTimeoutSec int    `yaml:"read_timeout_sec"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	MinSeverity      string         `yaml:"min_severity"`
	NotifyTimeoutSec int            `yaml:"notify_timeout_sec"`
	Telegram         TelegramConfig `yaml:"telegram"`
	Discord          DiscordConfig  `yaml:"discord"`
	Email            EmailConfig    `yaml:"email"`
}

// TelegramConfig holds Telegram channel settings.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// DiscordConfig holds Discord channel settings.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// EmailConfig holds SMTP channel settings.
type EmailConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	From          string   `yaml:"from"`
	To            []string `yaml:"to"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// PersistenceConfig holds trade journal settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // json | text
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// LoadEnv loads variables from dotenv files into the process environment.
// Missing files are ignored; variables already set are not overridden.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate fills defaults and validates the configuration.
func (c *Config) Validate() error {
	c.applyDefaults()

	var errs []string

	// Exchange validation
	kind, err := exchange.ParseKind(c.Exchange.Type)
	if err != nil {
		errs = append(errs, fmt.Sprintf("exchange.type: %v", err))
	}
	if kind == exchange.KindBinanceFutures && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		errs = append(errs, "exchange.api_key and exchange.api_secret are required for binance-futures")
	}
	if m := strings.ToUpper(c.Exchange.MarginMode); m != "CROSSED" && m != "ISOLATED" {
		errs = append(errs, "exchange.margin_mode must be 'CROSSED' or 'ISOLATED'")
	}
	if c.Exchange.PaperSlippage < 0 {
		errs = append(errs, "exchange.paper_slippage must not be negative")
	}

	// Trading validation
	if c.Trading.DefaultQuantity <= 0 {
		errs = append(errs, "trading.default_quantity must be positive")
	}
	if c.Trading.DefaultStopDelta <= 0 {
		errs = append(errs, "trading.default_stop_delta must be positive")
	}
	if c.Trading.DefaultTakeProfitDelta <= 0 && c.Trading.RiskRewardRatio <= 0 {
		errs = append(errs, "trading.default_take_profit_delta or trading.risk_reward_ratio must be positive")
	}
	if c.Trading.RiskRewardRatio < 0 {
		errs = append(errs, "trading.risk_reward_ratio must not be negative")
	}
	if c.Trading.StopLimitOffset < 0 {
		errs = append(errs, "trading.stop_limit_offset must not be negative")
	}
	if c.Trading.DefaultLeverage < 1 || c.Trading.DefaultLeverage > 125 {
		errs = append(errs, "trading.default_leverage must be between 1 and 125")
	}
	if c.Trading.MaxPollFailures < 0 {
		errs = append(errs, "trading.max_poll_failures must not be negative")
	}
	if c.Trading.PricePrecision < 0 || c.Trading.QuantityPrecision < 0 {
		errs = append(errs, "trading precisions must not be negative")
	}

	// Volatility validation
	if c.Volatility.Enabled {
		if c.Volatility.MinimumATRValue <= 0 && c.Volatility.MinimumATRPercent <= 0 {
			errs = append(errs, "volatility.minimum_atr_value or volatility.minimum_atr_percent is required when enabled")
		}
		if c.Volatility.Lookback <= c.Volatility.Period {
			errs = append(errs, "volatility.lookback must exceed volatility.period")
		}
	}

	// Intake validation
	if !strings.HasPrefix(c.Intake.Path, "/") {
		errs = append(errs, "intake.path must start with '/'")
	}

	// Alerting validation
	if _, err := alerting.ParseSeverity(c.Alerting.MinSeverity); err != nil {
		errs = append(errs, fmt.Sprintf("alerting.min_severity: %v", err))
	}
	if t := c.Alerting.Telegram; t.Enabled && (t.BotToken == "" || t.ChatID == "") {
		errs = append(errs, "alerting.telegram requires bot_token and chat_id")
	}
	if d := c.Alerting.Discord; d.Enabled && d.WebhookURL == "" {
		errs = append(errs, "alerting.discord requires webhook_url")
	}
	if e := c.Alerting.Email; e.Enabled && (e.Host == "" || e.From == "" || len(e.To) == 0) {
		errs = append(errs, "alerting.email requires host, from and to")
	}

	// Persistence validation
	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required")
	}

	// Logging validation
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, "logging.format must be 'json' or 'text'")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Exchange.Type == "" {
		c.Exchange.Type = string(exchange.KindPaper)
	}
	if c.Exchange.RequestTimeoutSec <= 0 {
		c.Exchange.RequestTimeoutSec = 10
	}
	if c.Exchange.RateLimitPerSecond <= 0 {
		c.Exchange.RateLimitPerSecond = 10
	}
	if c.Exchange.MarginMode == "" {
		c.Exchange.MarginMode = "CROSSED"
	}

	if c.Trading.DefaultSymbol == "" {
		c.Trading.DefaultSymbol = "BTCUSDT"
	}
	c.Trading.DefaultSymbol = strings.ToUpper(c.Trading.DefaultSymbol)
	if c.Trading.DefaultLeverage == 0 {
		c.Trading.DefaultLeverage = 10
	}
	if c.Trading.PollIntervalSec <= 0 {
		c.Trading.PollIntervalSec = 30
	}
	if c.Trading.EntryConfirmTimeoutSec <= 0 {
		c.Trading.EntryConfirmTimeoutSec = 10
	}
	if c.Trading.MaxPollFailures == 0 {
		c.Trading.MaxPollFailures = 10
	}

	def := risk.DefaultVolatilityConfig()
	if c.Volatility.Interval == "" {
		c.Volatility.Interval = def.Interval
	}
	if c.Volatility.Period <= 0 {
		c.Volatility.Period = def.Period
	}
	if c.Volatility.Lookback <= 0 {
		c.Volatility.Lookback = def.Lookback
	}

	if c.Intake.Addr == "" {
		c.Intake.Addr = ":8080"
	}
	if c.Intake.Path == "" {
		c.Intake.Path = "/webhook"
	}
	if c.Intake.MaxBodyBytes <= 0 {
		c.Intake.MaxBodyBytes = 64 << 10
	}
	if c.Intake.ReadTimeoutSec <= 0 {
		c.Intake.ReadTimeoutSec = 10
	}

	if c.Alerting.NotifyTimeoutSec <= 0 {
		c.Alerting.NotifyTimeoutSec = 30
	}
	if c.Alerting.Email.Port == 0 {
		c.Alerting.Email.Port = 587
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}

	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 30
	}
}

// ExchangeKind returns the validated adapter kind.
func (c *Config) ExchangeKind() (exchange.Kind, error) {
	return exchange.ParseKind(c.Exchange.Type)
}

// ToPricingConfig converts to pricing.Config.
func (c *Config) ToPricingConfig() pricing.Config {
	cfg := pricing.Config{
		StopDelta:       decimal.NewFromFloat(c.Trading.DefaultStopDelta),
		TakeProfitDelta: decimal.NewFromFloat(c.Trading.DefaultTakeProfitDelta),
		RiskRewardRatio: decimal.NewFromFloat(c.Trading.RiskRewardRatio),
		StopLimitOffset: pricing.DefaultStopLimitOffset,
		PricePrecision:  int32(c.Trading.PricePrecision),
	}
	if c.Trading.StopLimitOffset > 0 {
		cfg.StopLimitOffset = decimal.NewFromFloat(c.Trading.StopLimitOffset)
	}
	return cfg
}

// ToEngineConfig converts to engine.Config.
func (c *Config) ToEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.DefaultSymbol = c.Trading.DefaultSymbol
	cfg.DefaultNotional = decimal.NewFromFloat(c.Trading.DefaultQuantity)
	cfg.Leverage = c.Trading.DefaultLeverage
	cfg.PollInterval = time.Duration(c.Trading.PollIntervalSec) * time.Second
	cfg.EntryConfirmTimeout = time.Duration(c.Trading.EntryConfirmTimeoutSec) * time.Second
	cfg.NotifyTimeout = c.NotifyTimeout()
	cfg.MaxPollFailures = c.Trading.MaxPollFailures
	cfg.StopMarket = c.Trading.StopMarket
	cfg.CancelOpenOrders = !c.Trading.KeepOpenOrders
	return cfg
}

// ToVolatilityConfig converts to risk.VolatilityConfig.
func (c *Config) ToVolatilityConfig() risk.VolatilityConfig {
	return risk.VolatilityConfig{
		Enabled:       c.Volatility.Enabled,
		Interval:      c.Volatility.Interval,
		Lookback:      c.Volatility.Lookback,
		Period:        c.Volatility.Period,
		MinATRValue:   decimal.NewFromFloat(c.Volatility.MinimumATRValue),
		MinATRPercent: decimal.NewFromFloat(c.Volatility.MinimumATRPercent),
	}
}

// ToBinanceConfig converts to binance.Config.
func (c *Config) ToBinanceConfig() binance.Config {
	return binance.Config{
		APIKey:               c.Exchange.APIKey,
		APISecret:            c.Exchange.APISecret,
		Testnet:              c.Exchange.Testnet,
		BaseURL:              c.Exchange.BaseURL,
		RequestTimeout:       time.Duration(c.Exchange.RequestTimeoutSec) * time.Second,
		MaxRequestsPerSecond: c.Exchange.RateLimitPerSecond,
		MarginMode:           strings.ToUpper(c.Exchange.MarginMode),
	}
}

// ToPaperConfig converts to paper.Config. The price source is left unset.
func (c *Config) ToPaperConfig() paper.Config {
	cfg := paper.DefaultConfig()
	cfg.Slippage = decimal.NewFromFloat(c.Exchange.PaperSlippage)
	cfg.MarginMode = strings.ToUpper(c.Exchange.MarginMode)
	return cfg
}

// ToTelegramConfig converts to alerting.TelegramConfig.
func (c *Config) ToTelegramConfig() alerting.TelegramConfig {
	return alerting.TelegramConfig{
		BotToken: c.Alerting.Telegram.BotToken,
		ChatID:   c.Alerting.Telegram.ChatID,
	}
}

// ToDiscordConfig converts to alerting.DiscordConfig.
func (c *Config) ToDiscordConfig() alerting.DiscordConfig {
	return alerting.DiscordConfig{WebhookURL: c.Alerting.Discord.WebhookURL}
}

// ToEmailConfig converts to alerting.EmailConfig.
func (c *Config) ToEmailConfig() alerting.EmailConfig {
	e := c.Alerting.Email
	return alerting.EmailConfig{
		Host:          e.Host,
		Port:          e.Port,
		Username:      e.Username,
		Password:      e.Password,
		From:          e.From,
		To:            e.To,
		SubjectPrefix: e.SubjectPrefix,
	}
}

// MinSeverity returns the lowest severity forwarded to alert channels.
func (c *Config) MinSeverity() alerting.Severity {
	s, _ := alerting.ParseSeverity(c.Alerting.MinSeverity)
	return s
}

// ToMetricsServerConfig converts to metrics.ServerConfig.
func (c *Config) ToMetricsServerConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	cfg.Addr = fmt.Sprintf(":%d", c.Metrics.Port)
	cfg.MetricsPath = c.Metrics.Path
	return cfg
}

// NotifyTimeout returns the outcome notification timeout.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Alerting.NotifyTimeoutSec) * time.Second
}

// IntakeReadTimeout returns the webhook server read timeout.
func (c *Config) IntakeReadTimeout() time.Duration {
	return time.Duration(c.Intake.ReadTimeoutSec) * time.Second
}

// ShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}
