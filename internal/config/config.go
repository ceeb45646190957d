// Package config loads and validates the immutable session configuration.
// The file is read once at startup; nothing in the trading core mutates it
// afterwards.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/quantfoundry/tradepilot/internal/exchange"
	"github.com/quantfoundry/tradepilot/internal/execution"
	"github.com/quantfoundry/tradepilot/internal/portfolio"
	"github.com/quantfoundry/tradepilot/internal/risk"
	"github.com/quantfoundry/tradepilot/internal/types"
	"github.com/quantfoundry/tradepilot/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Defaults applied to optional fields.
const (
	DefaultCycleInterval     = 5 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultRebalanceInterval = time.Hour
	DefaultStorePath         = "tradepilot.db"
	DefaultQuoteAsset        = "USDT"
	DefaultOpsListen         = "127.0.0.1:8720"
)

// GatewayConfig selects and parameterizes the exchange gateway.
type GatewayConfig struct {
	// Type is one of the registered gateway names: paper, binance-paper,
	// binance-live.
	Type    string                 `yaml:"type" json:"type" validate:"required,oneof=paper binance-paper binance-live"`
	Binance exchange.BinanceConfig `yaml:"binance" json:"binance"`
}

// RebalanceConfig drives the portfolio rebalancer.
type RebalanceConfig struct {
	// Targets maps symbols to target equity fractions. Empty disables
	// drift correction.
	Targets map[string]float64 `yaml:"targets" json:"targets"`
	// Tolerance is the allocation drift band as a fraction of equity.
	Tolerance float64 `yaml:"tolerance" json:"tolerance" validate:"gte=0,lt=1"`
	// Interval is the minimum time between rebalancer ticks.
	Interval time.Duration `yaml:"interval" json:"interval"`
	// Schedules are recurring fixed-notional accumulation buys.
	Schedules []portfolio.Schedule `yaml:"schedules" json:"schedules"`
}

// EngineConfig drives the trading loop.
type EngineConfig struct {
	// Symbols is the tradable universe. Intents for other symbols are
	// rejected by validation.
	Symbols []string `yaml:"symbols" json:"symbols" validate:"required,min=1"`
	// QuoteAsset is the asset all symbols are quoted in.
	QuoteAsset string `yaml:"quote_asset" json:"quote_asset"`
	// CycleInterval is the cadence of the signal/exit/rebalance cycle.
	CycleInterval time.Duration `yaml:"cycle_interval" json:"cycle_interval"`
	// ShutdownTimeout bounds how long shutdown waits for in-flight orders.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// FlattenOnShutdown closes every open position during shutdown.
	FlattenOnShutdown bool `yaml:"flatten_on_shutdown" json:"flatten_on_shutdown"`
}

// StoreConfig selects the persistence backend path.
type StoreConfig struct {
	// Path is the DuckDB database file, or ":memory:" for ephemeral runs.
	Path string `yaml:"path" json:"path"`
}

// OpsConfig drives the read-only status HTTP server.
type OpsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
}

// Config is the complete session configuration.
type Config struct {
	Gateway   GatewayConfig     `yaml:"gateway" json:"gateway" validate:"required"`
	Risk      types.RiskLimits  `yaml:"risk" json:"risk" validate:"required"`
	Exits     risk.ExitDefaults `yaml:"exits" json:"exits"`
	Execution execution.Config  `yaml:"execution" json:"execution"`
	Rebalance RebalanceConfig   `yaml:"rebalance" json:"rebalance"`
	Engine    EngineConfig      `yaml:"engine" json:"engine" validate:"required"`
	Store     StoreConfig       `yaml:"store" json:"store"`
	Ops       OpsConfig         `yaml:"ops" json:"ops"`
}

// Parse decodes, defaults, and validates a YAML config document.
func Parse(data []byte) (Config, error) {
	var cfg Config

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse config", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Load reads and parses the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to read config file %s", path)
	}

	return Parse(data)
}

func (c *Config) applyDefaults() {
	if c.Engine.CycleInterval <= 0 {
		c.Engine.CycleInterval = DefaultCycleInterval
	}

	if c.Engine.ShutdownTimeout <= 0 {
		c.Engine.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Engine.QuoteAsset == "" {
		c.Engine.QuoteAsset = DefaultQuoteAsset
	}

	if c.Rebalance.Interval <= 0 {
		c.Rebalance.Interval = DefaultRebalanceInterval
	}

	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}

	if c.Ops.Listen == "" {
		c.Ops.Listen = DefaultOpsListen
	}
}

// Validate checks structural constraints and the cross-field rules the
// struct tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid config", err)
	}

	if err := c.Risk.Validate(); err != nil {
		return err
	}

	if len(c.Rebalance.Targets) > 0 {
		if err := portfolio.Targets(c.Rebalance.Targets).Validate(); err != nil {
			return err
		}

		if c.Rebalance.Tolerance <= 0 {
			return errors.New(errors.ErrCodeInvalidConfiguration,
				"rebalance targets require a positive tolerance")
		}
	}

	if c.Gateway.Type != string(exchange.GatewayPaper) {
		if err := c.Gateway.Binance.Validate(); err != nil {
			return err
		}
	}

	universe := make(map[string]struct{}, len(c.Engine.Symbols))
	for _, symbol := range c.Engine.Symbols {
		universe[symbol] = struct{}{}
	}

	for symbol := range c.Rebalance.Targets {
		if _, ok := universe[symbol]; !ok {
			return errors.Newf(errors.ErrCodeInvalidConfiguration,
				"rebalance target %s is not in the symbol universe", symbol)
		}
	}

	for _, schedule := range c.Rebalance.Schedules {
		if _, ok := universe[schedule.Symbol]; !ok {
			return errors.Newf(errors.ErrCodeInvalidConfiguration,
				"accumulation schedule symbol %s is not in the symbol universe", schedule.Symbol)
		}
	}

	return nil
}

// InUniverse reports whether the symbol is tradable under this config.
func (c *Config) InUniverse(symbol string) bool {
	for _, s := range c.Engine.Symbols {
		if s == symbol {
			return true
		}
	}

	return false
}
