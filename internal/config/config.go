// Package config loads the monitor configuration with precedence: defaults,
// then YAML, then environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig carries the Postgres coordinates. All five fields can be
// overridden via DB_HOST, DB_PORT, DB_NAME, DB_USER, and DB_PASSWORD.
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// VenueConfig tunes one streaming venue. The zero value means enabled with
// production endpoints.
type VenueConfig struct {
	Disabled         bool
	URL              string
	ReconnectBackoff time.Duration
}

// TokenConfig identifies an SPL token for the Jupiter poller.
type TokenConfig struct {
	Mint     string
	Decimals int
}

// JupiterConfig tunes the Jupiter quote poller. The venue stays disabled
// until token mints are configured.
type JupiterConfig struct {
	Disabled     bool
	URL          string
	Tokens       map[string]TokenConfig
	TradeAmount  string
	PollInterval time.Duration
}

// FlushConfig tunes the batch logger.
type FlushConfig struct {
	Interval       time.Duration
	EarlyFlushRows int
}

// EngineConfig tunes the decision loop. Thresholds are compile-time
// constants; only the cadence is configurable.
type EngineConfig struct {
	TickInterval time.Duration
}

// Config is the unified monitor configuration.
type Config struct {
	Pairs       []string
	Database    DatabaseConfig
	Binance     VenueConfig
	OKX         VenueConfig
	Coinbase    VenueConfig
	Hyperliquid VenueConfig
	Jupiter     JupiterConfig
	Flush       FlushConfig
	Engine      EngineConfig
	Verbose     bool
}

type venueYAML struct {
	Disabled         bool   `yaml:"disabled"`
	URL              string `yaml:"url"`
	ReconnectBackoff string `yaml:"reconnect_backoff"`
}

type tokenYAML struct {
	Mint     string `yaml:"mint"`
	Decimals int    `yaml:"decimals"`
}

type jupiterYAML struct {
	Disabled     bool                 `yaml:"disabled"`
	URL          string               `yaml:"url"`
	Tokens       map[string]tokenYAML `yaml:"tokens"`
	TradeAmount  string               `yaml:"trade_amount"`
	PollInterval string               `yaml:"poll_interval"`
}

type configYAML struct {
	Pairs    []string `yaml:"pairs"`
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Name     string `yaml:"name"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"database"`
	Venues struct {
		Binance     venueYAML   `yaml:"binance"`
		OKX         venueYAML   `yaml:"okx"`
		Coinbase    venueYAML   `yaml:"coinbase"`
		Hyperliquid venueYAML   `yaml:"hyperliquid"`
		Jupiter     jupiterYAML `yaml:"jupiter"`
	} `yaml:"venues"`
	Flush struct {
		Interval       string `yaml:"interval"`
		EarlyFlushRows int    `yaml:"early_flush_rows"`
	} `yaml:"flush"`
	Engine struct {
		TickInterval string `yaml:"tick_interval"`
	} `yaml:"engine"`
	Verbose bool `yaml:"verbose"`
}

// Load assembles the configuration. A missing YAML file is not an error; the
// defaults plus environment cover the common deployment.
func Load(configPath string) (Config, error) {
	cfg := defaultConfig()

	if err := cfg.loadYAML(configPath); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load yaml config: %w", err)
	}
	cfg.loadEnv()

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		// Hyperliquid lists USDC pairs only, so USDC quotes everywhere.
		Pairs: []string{"ADA/USDC", "AVAX/USDC", "XRP/USDC", "LTC/USDC"},
		Database: DatabaseConfig{
			Host: "localhost",
			Port: 5432,
			Name: "spreadwatch",
			User: "postgres",
		},
		Jupiter: JupiterConfig{
			Disabled: true,
		},
		Flush: FlushConfig{
			Interval:       10 * time.Second,
			EarlyFlushRows: 500,
		},
		Engine: EngineConfig{
			TickInterval: 200 * time.Millisecond,
		},
	}
}

func (c *Config) loadYAML(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = os.Getenv("SPREADWATCH_CONFIG")
	}
	if path == "" {
		path = "config/spreadwatch.yaml"
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}

	var yamlCfg configYAML
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if len(yamlCfg.Pairs) > 0 {
		c.Pairs = yamlCfg.Pairs
	}
	if v := strings.TrimSpace(yamlCfg.Database.Host); v != "" {
		c.Database.Host = v
	}
	if yamlCfg.Database.Port > 0 {
		c.Database.Port = yamlCfg.Database.Port
	}
	if v := strings.TrimSpace(yamlCfg.Database.Name); v != "" {
		c.Database.Name = v
	}
	if v := strings.TrimSpace(yamlCfg.Database.User); v != "" {
		c.Database.User = v
	}
	if yamlCfg.Database.Password != "" {
		c.Database.Password = yamlCfg.Database.Password
	}

	mergeVenue(&c.Binance, yamlCfg.Venues.Binance)
	mergeVenue(&c.OKX, yamlCfg.Venues.OKX)
	mergeVenue(&c.Coinbase, yamlCfg.Venues.Coinbase)
	mergeVenue(&c.Hyperliquid, yamlCfg.Venues.Hyperliquid)
	mergeJupiter(&c.Jupiter, yamlCfg.Venues.Jupiter)

	if v := strings.TrimSpace(yamlCfg.Flush.Interval); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Flush.Interval = dur
		}
	}
	if yamlCfg.Flush.EarlyFlushRows > 0 {
		c.Flush.EarlyFlushRows = yamlCfg.Flush.EarlyFlushRows
	}
	if v := strings.TrimSpace(yamlCfg.Engine.TickInterval); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Engine.TickInterval = dur
		}
	}
	if yamlCfg.Verbose {
		c.Verbose = true
	}
	return nil
}

func mergeVenue(dst *VenueConfig, src venueYAML) {
	dst.Disabled = src.Disabled
	if v := strings.TrimSpace(src.URL); v != "" {
		dst.URL = v
	}
	if v := strings.TrimSpace(src.ReconnectBackoff); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			dst.ReconnectBackoff = dur
		}
	}
}

func mergeJupiter(dst *JupiterConfig, src jupiterYAML) {
	if len(src.Tokens) > 0 {
		dst.Tokens = make(map[string]TokenConfig, len(src.Tokens))
		for symbol, token := range src.Tokens {
			dst.Tokens[strings.ToUpper(symbol)] = TokenConfig{
				Mint:     token.Mint,
				Decimals: token.Decimals,
			}
		}
		// Configuring tokens implies enabling the venue.
		dst.Disabled = src.Disabled
	}
	if v := strings.TrimSpace(src.URL); v != "" {
		dst.URL = v
	}
	if v := strings.TrimSpace(src.TradeAmount); v != "" {
		dst.TradeAmount = v
	}
	if v := strings.TrimSpace(src.PollInterval); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			dst.PollInterval = dur
		}
	}
}

func (c *Config) loadEnv() {
	if v := strings.TrimSpace(os.Getenv("DB_HOST")); v != "" {
		c.Database.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("DB_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Database.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("DB_NAME")); v != "" {
		c.Database.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("DB_USER")); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("SPREADWATCH_PAIRS")); v != "" {
		var pairs []string
		for _, pair := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(pair); trimmed != "" {
				pairs = append(pairs, trimmed)
			}
		}
		if len(pairs) > 0 {
			c.Pairs = pairs
		}
	}
	if v := strings.TrimSpace(os.Getenv("SPREADWATCH_VERBOSE")); v == "true" || v == "1" {
		c.Verbose = true
	}
}

func (c *Config) validate() error {
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one pair required")
	}
	for _, pair := range c.Pairs {
		if !strings.Contains(pair, "/") {
			return fmt.Errorf("malformed pair %q: want BASE/QUOTE", pair)
		}
	}
	if strings.TrimSpace(c.Database.Host) == "" {
		return fmt.Errorf("database host required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database port out of range: %d", c.Database.Port)
	}
	if strings.TrimSpace(c.Database.Name) == "" {
		return fmt.Errorf("database name required")
	}
	if strings.TrimSpace(c.Database.User) == "" {
		return fmt.Errorf("database user required")
	}
	if c.Flush.Interval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine tick interval must be positive")
	}
	if !c.Jupiter.Disabled && len(c.Jupiter.Tokens) == 0 {
		return fmt.Errorf("jupiter enabled without token mints")
	}
	return nil
}
