// Package config loads service configuration from an optional YAML file
// with environment-variable overrides, then fills defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	HubID       string `yaml:"hub_id"`

	Ticks struct {
		Fast      time.Duration `yaml:"fast"`
		Slow      time.Duration `yaml:"slow"`
		Summary   time.Duration `yaml:"summary"`
		Reconcile time.Duration `yaml:"reconcile"`
	} `yaml:"ticks"`

	Market struct {
		Lookback    time.Duration `yaml:"lookback"`
		MaxListings int           `yaml:"max_listings"`
		CacheTTL    time.Duration `yaml:"cache_ttl"`
	} `yaml:"market"`
}

// Default values for optional configuration fields.
const (
	DefaultPort          = "8080"
	DefaultFastTick      = 3 * time.Second
	DefaultSlowTick      = 6 * time.Second
	DefaultSummaryTick   = 10 * time.Second
	DefaultReconcileTick = 30 * time.Second
	DefaultLookback      = 24 * time.Hour
	DefaultMaxListings   = 500
	DefaultCacheTTL      = 30 * time.Second
)

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides, then defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("MARKET_HUB"); v != "" {
		c.HubID = v
	}
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.Ticks.Fast <= 0 {
		c.Ticks.Fast = DefaultFastTick
	}
	if c.Ticks.Slow <= 0 {
		c.Ticks.Slow = DefaultSlowTick
	}
	if c.Ticks.Summary <= 0 {
		c.Ticks.Summary = DefaultSummaryTick
	}
	if c.Ticks.Reconcile <= 0 {
		c.Ticks.Reconcile = DefaultReconcileTick
	}
	if c.Market.Lookback <= 0 {
		c.Market.Lookback = DefaultLookback
	}
	if c.Market.MaxListings <= 0 {
		c.Market.MaxListings = DefaultMaxListings
	}
	if c.Market.CacheTTL <= 0 {
		c.Market.CacheTTL = DefaultCacheTTL
	}
}
