// Package config loads the engine's YAML configuration and applies
// environment variable overrides for credentials and paths.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantsys/trading-engine/internal/errors"
	"github.com/quantsys/trading-engine/internal/risk"
)

// Duration wraps time.Duration so YAML can carry values like "5s"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration for the trading engine
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Risk       RiskConfig       `yaml:"risk"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Feed       FeedConfig       `yaml:"feed"`
	Broker     BrokerConfig     `yaml:"broker"`
	Journal    JournalConfig    `yaml:"journal"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// EngineConfig holds portfolio accounting parameters
type EngineConfig struct {
	InitialCash float64 `yaml:"initial_cash"`
	Commission  float64 `yaml:"commission"` // per-notional rate, 0.001 = 0.1%
}

// RiskConfig holds the risk limits and the monitor cadence
type RiskConfig struct {
	MaxPositionPct         float64           `yaml:"max_position_pct"`
	MaxSectorConcentration float64           `yaml:"max_sector_concentration"`
	MaxDrawdownPct         float64           `yaml:"max_drawdown_pct"`
	DailyLossLimitPct      float64           `yaml:"daily_loss_limit_pct"`
	MinSignalThreshold     float64           `yaml:"min_signal_threshold"`
	Sectors                map[string]string `yaml:"sectors"`
	MonitorInterval        Duration          `yaml:"monitor_interval"`
}

// SizingConfig selects and tunes the position sizer
type SizingConfig struct {
	Mode        string  `yaml:"mode"` // "fixed" or "volatility"
	Fraction    float64 `yaml:"fraction"`
	TargetVol   float64 `yaml:"target_vol"`
	MaxFraction float64 `yaml:"max_fraction"`
}

// ExecutorConfig holds execution loop parameters
type ExecutorConfig struct {
	Interval         Duration     `yaml:"interval"`
	MinTradeNotional float64      `yaml:"min_trade_notional"`
	Sizing           SizingConfig `yaml:"sizing"`
}

// FeedConfig selects the signal and mark source for the execution loop
type FeedConfig struct {
	Mode        string   `yaml:"mode"` // "file" or "replay"
	SignalsPath string   `yaml:"signals_path"`
	DataDir     string   `yaml:"data_dir"`
	Symbols     []string `yaml:"symbols"`
	Lookback    int      `yaml:"lookback"`
}

// RetryConfig holds broker retry parameters
type RetryConfig struct {
	MaxRetries    int      `yaml:"max_retries"`
	InitialDelay  Duration `yaml:"initial_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	BackoffFactor float64  `yaml:"backoff_factor"`
}

// SimulatorConfig tunes the built-in paper venue
type SimulatorConfig struct {
	FillDelay   Duration `yaml:"fill_delay"`
	FillChunks  int      `yaml:"fill_chunks"`
	SlippageBps float64  `yaml:"slippage_bps"`
	OrderTTL    Duration `yaml:"order_ttl"`
}

// BybitConfig holds Bybit credentials and routing parameters
type BybitConfig struct {
	APIKey       string   `yaml:"api_key"`
	APISecret    string   `yaml:"api_secret"`
	Testnet      bool     `yaml:"testnet"`
	Demo         bool     `yaml:"demo"`
	Category     string   `yaml:"category"`
	PollInterval Duration `yaml:"poll_interval"`
	RateLimit    int      `yaml:"rate_limit"`
}

// AlpacaConfig holds Alpaca credentials and routing parameters
type AlpacaConfig struct {
	APIKey       string   `yaml:"api_key"`
	APISecret    string   `yaml:"api_secret"`
	BaseURL      string   `yaml:"base_url"`
	PollInterval Duration `yaml:"poll_interval"`
	RateLimit    int      `yaml:"rate_limit"`
}

// BrokerConfig selects and configures the order routing venue
type BrokerConfig struct {
	Venue     string          `yaml:"venue"` // "simulator", "bybit" or "alpaca"
	Retry     RetryConfig     `yaml:"retry"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Bybit     BybitConfig     `yaml:"bybit"`
	Alpaca    AlpacaConfig    `yaml:"alpaca"`
}

// JournalConfig controls the audit trail database
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MonitoringConfig controls the metrics and health HTTP listener
type MonitoringConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig configures the file logger
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Debug bool   `yaml:"debug"`
}

// Load reads the YAML configuration at path, applies environment overrides,
// fills defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfig, "config", "read")
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfig, "config", "parse")
	}

	applyEnvOverrides(cfg)
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding fields when set. Credentials belong in the environment,
// not the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		cfg.Broker.Bybit.APIKey = v
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		cfg.Broker.Bybit.APISecret = v
	}
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Broker.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Broker.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Broker.Alpaca.BaseURL = v
	}

	// Canonical Alpaca SDK variable names take priority.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Broker.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Broker.Alpaca.APISecret = v
	}

	if v := os.Getenv("JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
}

func (c *Config) setDefaults() {
	if c.Engine.InitialCash == 0 {
		c.Engine.InitialCash = 100_000
	}
	if c.Risk.MonitorInterval == 0 {
		c.Risk.MonitorInterval = Duration(5 * time.Second)
	}
	if c.Executor.Interval == 0 {
		c.Executor.Interval = Duration(30 * time.Second)
	}
	if c.Executor.Sizing.Mode == "" {
		c.Executor.Sizing.Mode = "fixed"
	}
	if c.Executor.Sizing.Fraction == 0 {
		c.Executor.Sizing.Fraction = 0.02
	}
	if c.Feed.Mode == "" {
		c.Feed.Mode = "file"
	}
	if c.Feed.SignalsPath == "" {
		c.Feed.SignalsPath = "data/signals.yaml"
	}
	if c.Feed.Lookback == 0 {
		c.Feed.Lookback = 20
	}
	if c.Broker.Venue == "" {
		c.Broker.Venue = "simulator"
	}
	if c.Broker.Retry.MaxRetries == 0 {
		c.Broker.Retry.MaxRetries = 3
	}
	if c.Broker.Retry.InitialDelay == 0 {
		c.Broker.Retry.InitialDelay = Duration(time.Second)
	}
	if c.Broker.Retry.MaxDelay == 0 {
		c.Broker.Retry.MaxDelay = Duration(time.Minute)
	}
	if c.Broker.Retry.BackoffFactor == 0 {
		c.Broker.Retry.BackoffFactor = 2.0
	}
	if c.Broker.Simulator.FillDelay == 0 {
		c.Broker.Simulator.FillDelay = Duration(50 * time.Millisecond)
	}
	if c.Broker.Simulator.FillChunks == 0 {
		c.Broker.Simulator.FillChunks = 1
	}
	if c.Broker.Simulator.OrderTTL == 0 {
		c.Broker.Simulator.OrderTTL = Duration(time.Minute)
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/audit.db"
	}
	if c.Monitoring.ListenAddr == "" {
		c.Monitoring.ListenAddr = ":9090"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.Engine.InitialCash <= 0 {
		return errors.New(errors.CategoryConfig, "config", "validate",
			"engine.initial_cash must be positive")
	}
	if c.Engine.Commission < 0 {
		return errors.New(errors.CategoryConfig, "config", "validate",
			"engine.commission must not be negative")
	}
	for name, pct := range map[string]float64{
		"risk.max_position_pct":         c.Risk.MaxPositionPct,
		"risk.max_sector_concentration": c.Risk.MaxSectorConcentration,
		"risk.max_drawdown_pct":         c.Risk.MaxDrawdownPct,
		"risk.daily_loss_limit_pct":     c.Risk.DailyLossLimitPct,
	} {
		if pct < 0 || pct > 1 {
			return errors.New(errors.CategoryConfig, "config", "validate",
				"%s must be a fraction in [0, 1]", name)
		}
	}
	switch c.Executor.Sizing.Mode {
	case "fixed", "volatility":
	default:
		return errors.New(errors.CategoryConfig, "config", "validate",
			"executor.sizing.mode must be \"fixed\" or \"volatility\", got %q", c.Executor.Sizing.Mode)
	}
	switch c.Feed.Mode {
	case "file":
	case "replay":
		if c.Feed.DataDir == "" || len(c.Feed.Symbols) == 0 {
			return errors.New(errors.CategoryConfig, "config", "validate",
				"replay feed requires feed.data_dir and feed.symbols")
		}
	default:
		return errors.New(errors.CategoryConfig, "config", "validate",
			"unknown feed mode %q", c.Feed.Mode)
	}
	switch c.Broker.Venue {
	case "simulator":
	case "bybit":
		if c.Broker.Bybit.APIKey == "" || c.Broker.Bybit.APISecret == "" {
			return errors.New(errors.CategoryConfig, "config", "validate",
				"bybit venue requires BYBIT_API_KEY and BYBIT_API_SECRET")
		}
	case "alpaca":
		if c.Broker.Alpaca.APIKey == "" || c.Broker.Alpaca.APISecret == "" {
			return errors.New(errors.CategoryConfig, "config", "validate",
				"alpaca venue requires ALPACA_API_KEY and ALPACA_API_SECRET")
		}
	default:
		return errors.New(errors.CategoryConfig, "config", "validate",
			"unknown broker venue %q", c.Broker.Venue)
	}
	return nil
}

// Limits converts the risk section into the gate's limits
func (c *Config) Limits() risk.Limits {
	return risk.Limits{
		MaxPositionPct:         c.Risk.MaxPositionPct,
		MaxSectorConcentration: c.Risk.MaxSectorConcentration,
		MaxDrawdownPct:         c.Risk.MaxDrawdownPct,
		DailyLossLimitPct:      c.Risk.DailyLossLimitPct,
		MinSignalThreshold:     c.Risk.MinSignalThreshold,
		Sectors:                c.Risk.Sectors,
	}
}
