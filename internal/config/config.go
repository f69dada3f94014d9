// Package config defines all configuration for the trading coordinator.
// Config is loaded from a YAML file (default: configs/config.yaml, override
// with CONFIG_PATH). Exchange credentials are read from the environment
// variables named by binance.api_key_env / binance.api_secret_env.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Testnet   bool            `mapstructure:"testnet"`
	Binance   BinanceConfig   `mapstructure:"binance"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Ensemble  EnsembleConfig  `mapstructure:"ensemble"`
	Models    []ModelEndpoint `mapstructure:"model_endpoints"`
	Timing    TimingConfig    `mapstructure:"timing"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Data      DataConfig      `mapstructure:"data"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
}

// BinanceConfig holds exchange endpoints, credential env var names, and
// rate-limit budgets. ApiKey/ApiSecret are populated from the environment
// at load time and never appear in the YAML file.
type BinanceConfig struct {
	ApiKeyEnv          string  `mapstructure:"api_key_env"`
	ApiSecretEnv       string  `mapstructure:"api_secret_env"`
	RateLimitPerMinute int     `mapstructure:"rate_limit_per_minute"`
	RateLimitBuffer    float64 `mapstructure:"rate_limit_buffer"`
	RateLimitOrders10s int     `mapstructure:"rate_limit_orders_per_10s"`
	TestnetBaseURL     string  `mapstructure:"testnet_base_url"`
	ProductionBaseURL  string  `mapstructure:"production_base_url"`

	ApiKey    string `mapstructure:"-"`
	ApiSecret string `mapstructure:"-"`
}

// BaseURL returns the REST base URL for the configured network.
func (b BinanceConfig) BaseURL(testnet bool) string {
	if testnet {
		return b.TestnetBaseURL
	}
	return b.ProductionBaseURL
}

// TradingConfig tunes symbol, leverage, and position sizing.
type TradingConfig struct {
	Symbol               string  `mapstructure:"symbol"`
	Leverage             int     `mapstructure:"leverage"`
	MarginMode           string  `mapstructure:"margin_mode"` // CROSSED or ISOLATED
	PositionSizeMethod   string  `mapstructure:"position_size_method"`
	PositionSizeFraction float64 `mapstructure:"position_size_fraction"`
	PositionSizeUSD      float64 `mapstructure:"position_size_usd"`
	KellyFraction        float64 `mapstructure:"kelly_fraction"`
	MaxPositionSizeUSD   float64 `mapstructure:"max_position_size_usd"`
	MinPositionSizeUSD   float64 `mapstructure:"min_position_size_usd"`
	MaxOpenPositions     int     `mapstructure:"max_open_positions"`
	MaxDailyTrades       int     `mapstructure:"max_daily_trades"`
	MinTradeIntervalSec  int     `mapstructure:"min_trade_interval_seconds"`
	StopLossPercent      float64 `mapstructure:"stop_loss_percent"`
	TakeProfitPercent    float64 `mapstructure:"take_profit_percent"`
}

// SafetyConfig sets the hard limits the risk manager enforces.
//
//   - MaxDailyLossPercent / MaxDailyLossUSD: daily drawdown caps.
//   - EmergencyShutdownLossPercent: sticky latch threshold; the heartbeat
//     exits when crossed and the latch is only cleared by a restart.
//   - CircuitBreakerConsecutiveLosses / CooldownSeconds / ResetOnWin:
//     breaker state machine parameters.
type SafetyConfig struct {
	MaxDailyLossPercent          float64 `mapstructure:"max_daily_loss_percent"`
	MaxDailyLossUSD              float64 `mapstructure:"max_daily_loss_usd"`
	EmergencyShutdownLossPercent float64 `mapstructure:"emergency_shutdown_loss_percent"`
	MaxTotalExposureUSD          float64 `mapstructure:"max_total_exposure_usd"`
	MaxLeverageAllowed           int     `mapstructure:"max_leverage_allowed"`
	CircuitBreakerLosses         int     `mapstructure:"circuit_breaker_consecutive_losses"`
	CircuitBreakerCooldownSec    int     `mapstructure:"circuit_breaker_cooldown_seconds"`
	CircuitBreakerResetOnWin     bool    `mapstructure:"circuit_breaker_reset_on_win"`
	ClosePositionsOnShutdown     bool    `mapstructure:"close_positions_on_shutdown"`
}

// EnsembleConfig tunes fusion, gating, calibration, and cost estimates.
type EnsembleConfig struct {
	Method                 string  `mapstructure:"method"`
	WeightDecayHalflifeSec float64 `mapstructure:"weight_decay_halflife"`
	PerformanceWindow      int     `mapstructure:"performance_window"`
	MinRespondingModels    int     `mapstructure:"min_responding_models"`
	CalibrationMethod      string  `mapstructure:"calibration_method"`
	CalibrationRetrain     int     `mapstructure:"calibration_retrain_every"`
	CalibrationMinSamples  int     `mapstructure:"calibration_min_samples"`
	ConfidenceThreshold    float64 `mapstructure:"confidence_threshold"`
	UncertaintyThreshold   float64 `mapstructure:"uncertainty_threshold"`
	ExpectedValueThreshold float64 `mapstructure:"expected_value_threshold"`
	SlippageBps            float64 `mapstructure:"estimate_slippage_bps"`
	MakerFeeBps            float64 `mapstructure:"maker_fee_bps"`
	TakerFeeBps            float64 `mapstructure:"taker_fee_bps"`
}

// ModelEndpoint identifies one model-inference server.
type ModelEndpoint struct {
	Name    string  `mapstructure:"name"`
	Host    string  `mapstructure:"host"`
	Port    int     `mapstructure:"port"`
	Weight  float64 `mapstructure:"weight"`
	Enabled bool    `mapstructure:"enabled"`
}

// Key returns the host:port identity used for performance tracking.
func (m ModelEndpoint) Key() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// TimingConfig sets the cadence of the coordinator loops, in seconds.
type TimingConfig struct {
	HeartbeatIntervalSec   int `mapstructure:"heartbeat_interval"`
	ModelTimeoutSec        int `mapstructure:"model_timeout"`
	HealthCheckIntervalSec int `mapstructure:"health_check_interval"`
	OrderCheckIntervalSec  int `mapstructure:"order_check_interval"`
}

func (t TimingConfig) HeartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatIntervalSec) * time.Second
}

func (t TimingConfig) ModelTimeout() time.Duration {
	return time.Duration(t.ModelTimeoutSec) * time.Second
}

func (t TimingConfig) HealthCheckInterval() time.Duration {
	return time.Duration(t.HealthCheckIntervalSec) * time.Second
}

func (t TimingConfig) OrderCheckInterval() time.Duration {
	return time.Duration(t.OrderCheckIntervalSec) * time.Second
}

// DatabaseConfig sets where order state and analytics events are persisted.
type DatabaseConfig struct {
	SqlitePath string `mapstructure:"sqlite_path"`
	CSVPath    string `mapstructure:"csv_path"`
	OrdersPath string `mapstructure:"orders_path"`
}

// DataConfig controls the market-data collector.
type DataConfig struct {
	CandlesCount int `mapstructure:"candles_count"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only HTTP/WebSocket server.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// AlertsConfig controls the Telegram operator notifier.
type AlertsConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	BotTokenEnv      string `mapstructure:"telegram_bot_token_env"`
	ChatID           string `mapstructure:"telegram_chat_id"`
}

// Load reads config from a YAML file and resolves exchange credentials from
// the environment variables the file names.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Binance.ApiKeyEnv != "" {
		cfg.Binance.ApiKey = os.Getenv(cfg.Binance.ApiKeyEnv)
	}
	if cfg.Binance.ApiSecretEnv != "" {
		cfg.Binance.ApiSecret = os.Getenv(cfg.Binance.ApiSecretEnv)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)
	v.SetDefault("testnet", true)

	v.SetDefault("binance.api_key_env", "BINANCE_API_KEY")
	v.SetDefault("binance.api_secret_env", "BINANCE_API_SECRET")
	v.SetDefault("binance.rate_limit_per_minute", 1200)
	v.SetDefault("binance.rate_limit_buffer", 0.8)
	v.SetDefault("binance.rate_limit_orders_per_10s", 50)
	v.SetDefault("binance.testnet_base_url", "https://testnet.binancefuture.com")
	v.SetDefault("binance.production_base_url", "https://fapi.binance.com")

	v.SetDefault("trading.symbol", "BTCUSDT")
	v.SetDefault("trading.leverage", 1)
	v.SetDefault("trading.margin_mode", "CROSSED")
	v.SetDefault("trading.position_size_method", "fixed_fraction")
	v.SetDefault("trading.position_size_fraction", 0.10)
	v.SetDefault("trading.position_size_usd", 100.0)
	v.SetDefault("trading.kelly_fraction", 0.25)
	v.SetDefault("trading.max_position_size_usd", 1000.0)
	v.SetDefault("trading.min_position_size_usd", 10.0)
	v.SetDefault("trading.max_open_positions", 1)
	v.SetDefault("trading.max_daily_trades", 20)
	v.SetDefault("trading.min_trade_interval_seconds", 300)
	v.SetDefault("trading.stop_loss_percent", 0.02)
	v.SetDefault("trading.take_profit_percent", 0.05)

	v.SetDefault("safety.max_daily_loss_percent", 0.10)
	v.SetDefault("safety.max_daily_loss_usd", 500.0)
	v.SetDefault("safety.emergency_shutdown_loss_percent", 0.20)
	v.SetDefault("safety.max_total_exposure_usd", 5000.0)
	v.SetDefault("safety.max_leverage_allowed", 5)
	v.SetDefault("safety.circuit_breaker_consecutive_losses", 5)
	v.SetDefault("safety.circuit_breaker_cooldown_seconds", 3600)
	v.SetDefault("safety.circuit_breaker_reset_on_win", true)
	v.SetDefault("safety.close_positions_on_shutdown", false)

	v.SetDefault("ensemble.method", "bayesian_weighted")
	v.SetDefault("ensemble.weight_decay_halflife", 86400.0)
	v.SetDefault("ensemble.performance_window", 100)
	v.SetDefault("ensemble.min_responding_models", 1)
	v.SetDefault("ensemble.calibration_method", "isotonic")
	v.SetDefault("ensemble.calibration_retrain_every", 25)
	v.SetDefault("ensemble.calibration_min_samples", 50)
	v.SetDefault("ensemble.confidence_threshold", 0.70)
	v.SetDefault("ensemble.uncertainty_threshold", 0.30)
	v.SetDefault("ensemble.expected_value_threshold", 0.01)
	v.SetDefault("ensemble.estimate_slippage_bps", 5.0)
	v.SetDefault("ensemble.maker_fee_bps", 2.0)
	v.SetDefault("ensemble.taker_fee_bps", 4.0)

	v.SetDefault("timing.heartbeat_interval", 60)
	v.SetDefault("timing.model_timeout", 5)
	v.SetDefault("timing.health_check_interval", 300)
	v.SetDefault("timing.order_check_interval", 10)

	v.SetDefault("database.sqlite_path", "./data/events.db")
	v.SetDefault("database.csv_path", "./data/trades.csv")
	v.SetDefault("database.orders_path", "./data/orders.db")

	v.SetDefault("data.candles_count", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.host", "0.0.0.0")
	v.SetDefault("dashboard.port", 5500)

	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.telegram_bot_token_env", "TELEGRAM_BOT_TOKEN")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if c.Trading.Leverage < 1 {
		return fmt.Errorf("trading.leverage must be >= 1")
	}
	switch c.Trading.MarginMode {
	case "CROSSED", "ISOLATED":
	default:
		return fmt.Errorf("trading.margin_mode must be CROSSED or ISOLATED")
	}
	switch c.Trading.PositionSizeMethod {
	case "fixed_fraction", "kelly", "fixed_amount":
	default:
		return fmt.Errorf("trading.position_size_method must be one of: fixed_fraction, kelly, fixed_amount")
	}
	if c.Trading.PositionSizeFraction <= 0 || c.Trading.PositionSizeFraction > 1 {
		return fmt.Errorf("trading.position_size_fraction must be in (0, 1]")
	}
	switch c.Ensemble.Method {
	case "weighted_vote", "bayesian_weighted", "average_confidence", "majority":
	default:
		return fmt.Errorf("ensemble.method must be one of: weighted_vote, bayesian_weighted, average_confidence, majority")
	}
	if c.Ensemble.MinRespondingModels < 1 {
		return fmt.Errorf("ensemble.min_responding_models must be >= 1")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model_endpoints entry is required")
	}
	for i, m := range c.Models {
		if m.Host == "" || m.Port == 0 {
			return fmt.Errorf("model_endpoints[%d]: host and port are required", i)
		}
	}
	if c.Timing.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("timing.heartbeat_interval must be > 0")
	}
	if !c.DryRun {
		if c.Binance.ApiKey == "" || c.Binance.ApiSecret == "" {
			return fmt.Errorf("exchange credentials not found in environment: %s, %s",
				c.Binance.ApiKeyEnv, c.Binance.ApiSecretEnv)
		}
	}
	return nil
}
