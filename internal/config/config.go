// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultStopLossFactor is used when strategy.stop_loss_factor is unset
	defaultStopLossFactor = 1.55
	// defaultClosestPremium is used when strategy.closest_premium is unset
	defaultClosestPremium = 7.0
	// defaultEntryWait is used when strategy.entry_wait is unset
	defaultEntryWait = "15m"
	// defaultVixCeiling is used when strategy.vix_ceiling is unset
	defaultVixCeiling = 20.0
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig      `yaml:"environment"`
	Broker      BrokerConfig           `yaml:"broker"`
	Strategy    StrategyConfig         `yaml:"strategy"`
	Feed        FeedConfig             `yaml:"feed"`
	Storage     StorageConfig          `yaml:"storage"`
	Dashboard   DashboardConfig        `yaml:"dashboard"`
	Indices     map[string]IndexConfig `yaml:"indices"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // dummy | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	Timezone string `yaml:"timezone"`  // e.g. "Asia/Kolkata"
}

// BrokerConfig defines broker connection settings.
type BrokerConfig struct {
	FeedURL   string `yaml:"feed_url"` // websocket endpoint for the live feed
	CredsFile string `yaml:"creds_file"`
}

// StrategyConfig defines trading strategy parameters.
type StrategyConfig struct {
	Index          string  `yaml:"index"`    // NIFTY | BANKNIFTY
	Quantity       int     `yaml:"quantity"` // per leg, multiple of lot size
	StopLossFactor float64 `yaml:"stop_loss_factor"`
	ClosestPremium float64 `yaml:"closest_premium"`
	ProfitTarget   float64 `yaml:"profit_target"` // rupees, aggregate
	LossTarget     float64 `yaml:"loss_target"`   // rupees, negative
	EntryWait      string  `yaml:"entry_wait"`    // observation window, duration
	Segment        string  `yaml:"segment"`       // exchange segment for options
	VixCeiling     float64 `yaml:"vix_ceiling"`
}

// FeedConfig defines live-feed tuning knobs.
type FeedConfig struct {
	QueueSize    int    `yaml:"queue_size"`
	TickTimeout  string `yaml:"tick_timeout"`  // staleness window
	OrderTimeout string `yaml:"order_timeout"` // order-queue poll interval
}

// StorageConfig defines persistence settings for the run journal.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the optional status server.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// IndexConfig carries per-index contract metadata.
type IndexConfig struct {
	Exchange string  `yaml:"exchange"`
	LotSize  int     `yaml:"lot_size"`
	TickSize float64 `yaml:"tick_size"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Strategy.StopLossFactor == 0 {
		c.Strategy.StopLossFactor = defaultStopLossFactor
	}
	if c.Strategy.ClosestPremium == 0 {
		c.Strategy.ClosestPremium = defaultClosestPremium
	}
	if c.Strategy.EntryWait == "" {
		c.Strategy.EntryWait = defaultEntryWait
	}
	if c.Strategy.VixCeiling == 0 {
		c.Strategy.VixCeiling = defaultVixCeiling
	}
	if c.Strategy.Segment == "" {
		c.Strategy.Segment = "D"
	}
	if c.Feed.QueueSize == 0 {
		c.Feed.QueueSize = 512
	}
	if c.Feed.TickTimeout == "" {
		c.Feed.TickTimeout = "15s"
	}
	if c.Feed.OrderTimeout == "" {
		c.Feed.OrderTimeout = "1s"
	}
	if c.Environment.Timezone == "" {
		c.Environment.Timezone = "Asia/Kolkata"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "dummy" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'dummy' or 'live'")
	}

	if c.Strategy.Index == "" {
		return fmt.Errorf("strategy.index is required")
	}
	if _, ok := c.Indices[c.Strategy.Index]; !ok {
		return fmt.Errorf("indices missing metadata for %q", c.Strategy.Index)
	}
	if c.Strategy.Quantity <= 0 {
		return fmt.Errorf("strategy.quantity must be > 0")
	}
	if lot := c.Indices[c.Strategy.Index].LotSize; lot > 0 && c.Strategy.Quantity%lot != 0 {
		return fmt.Errorf("strategy.quantity (%d) must be a multiple of the %s lot size (%d)",
			c.Strategy.Quantity, c.Strategy.Index, lot)
	}
	if c.Strategy.StopLossFactor <= 1.0 {
		return fmt.Errorf("strategy.stop_loss_factor must be > 1.0 for short premium")
	}
	if c.Strategy.ProfitTarget <= 0 {
		return fmt.Errorf("strategy.profit_target must be > 0")
	}
	if c.Strategy.LossTarget >= 0 {
		return fmt.Errorf("strategy.loss_target must be < 0")
	}
	if _, err := time.ParseDuration(c.Strategy.EntryWait); err != nil {
		return fmt.Errorf("strategy.entry_wait invalid: %w", err)
	}

	if c.Environment.Mode == "dummy" && c.Broker.FeedURL == "" {
		return fmt.Errorf("broker.feed_url is required in dummy mode")
	}
	if _, err := time.ParseDuration(c.Feed.TickTimeout); err != nil {
		return fmt.Errorf("feed.tick_timeout invalid: %w", err)
	}
	if _, err := time.ParseDuration(c.Feed.OrderTimeout); err != nil {
		return fmt.Errorf("feed.order_timeout invalid: %w", err)
	}
	if _, err := time.LoadLocation(c.Environment.Timezone); err != nil {
		return fmt.Errorf("environment.timezone invalid: %w", err)
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be in (0,65535]")
	}

	return nil
}

// EntryWait returns the parsed observation window.
func (c *Config) EntryWaitDuration() time.Duration {
	d, err := time.ParseDuration(c.Strategy.EntryWait)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// TickTimeout returns the parsed feed staleness window.
func (c *Config) TickTimeout() time.Duration {
	d, err := time.ParseDuration(c.Feed.TickTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// OrderTimeout returns the parsed order-queue poll interval.
func (c *Config) OrderTimeout() time.Duration {
	d, err := time.ParseDuration(c.Feed.OrderTimeout)
	if err != nil {
		return time.Second
	}
	return d
}

// Location returns the configured timezone, falling back to IST.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Environment.Timezone)
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// IndexMeta returns metadata for the configured index.
func (c *Config) IndexMeta() IndexConfig {
	return c.Indices[c.Strategy.Index]
}
