// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package config loads tracker and indexer settings from the environment
// (optionally seeded from a .env file) and the token tables from YAML.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full runtime configuration.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Chain    ChainConfig
	Indexer  IndexerConfig
	Tracker  TrackerConfig
	HTTP     HTTPConfig

	// Tables are not read from the environment; see LoadTables.
	Tables *Tables `ignored:"true"`
}

type AppConfig struct {
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

type DatabaseConfig struct {
	// URL is a postgres:// DSN or a sqlite file path (sqlite:// prefix optional).
	URL string `envconfig:"DATABASE_URL" default:"sqlite://data/iv_history.db"`
}

type ChainConfig struct {
	RPCURL         string        `envconfig:"RPC_URL" default:"https://rpc.hyperliquid.xyz/evm"`
	MinCallSpacing time.Duration `envconfig:"MIN_CALL_SPACING" default:"600ms"`
	HTTPTimeout    time.Duration `envconfig:"RPC_HTTP_TIMEOUT" default:"30s"`

	Controller   string `envconfig:"CONTROLLER_ADDRESS"`
	Factory      string `envconfig:"FACTORY_ADDRESS"`
	MarginPool   string `envconfig:"MARGIN_POOL_ADDRESS"`
	FeeRecipient string `envconfig:"FEE_RECIPIENT_ADDRESS"`

	// Topic overrides; empty values use the canonical event signatures.
	TopicOtokenCreated     string `envconfig:"TOPIC_OTOKEN_CREATED"`
	TopicShortMinted       string `envconfig:"TOPIC_SHORT_MINTED"`
	TopicCollateralDeposit string `envconfig:"TOPIC_COLLATERAL_DEPOSITED"`
	TopicTransferToUser    string `envconfig:"TOPIC_TRANSFER_TO_USER"`

	TokensFile string `envconfig:"TOKENS_FILE"`
}

type IndexerConfig struct {
	StartBlock      uint64        `envconfig:"START_BLOCK" default:"0"`
	MaxBlocksPerRun uint64        `envconfig:"MAX_BLOCKS_PER_RUN" default:"10000"`
	WindowSize      uint64        `envconfig:"WINDOW_SIZE" default:"1000"`
	TimeBudget      time.Duration `envconfig:"TIME_BUDGET" default:"8s"`
	Schedule        string        `envconfig:"INDEX_SCHEDULE" default:"@every 5m"`
}

type TrackerConfig struct {
	TargetURL      string        `envconfig:"TARGET_URL" default:"https://app.rysk.finance"`
	UserAgent      string        `envconfig:"USER_AGENT" default:"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	Interval       time.Duration `envconfig:"FETCH_INTERVAL" default:"1h"`
	UseNewton      bool          `envconfig:"USE_NEWTON" default:"false"`
}

type HTTPConfig struct {
	Port       int    `envconfig:"PORT" default:"8080"`
	CronSecret string `envconfig:"CRON_SECRET"`
}

// Load reads .env (when present) and the environment, then the token tables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tables, err := LoadTables(cfg.Chain.TokensFile)
	if err != nil {
		return nil, err
	}
	cfg.Tables = tables
	cfg.normalize()
	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	if c.Indexer.WindowSize == 0 {
		return fmt.Errorf("WINDOW_SIZE must be positive")
	}
	if c.Indexer.MaxBlocksPerRun == 0 {
		return fmt.Errorf("MAX_BLOCKS_PER_RUN must be positive")
	}
	if c.Indexer.TimeBudget <= 0 {
		return fmt.Errorf("TIME_BUDGET must be positive")
	}
	return nil
}

// IndexerEnabled reports whether the contract addresses needed to index
// positions are configured.
func (c *Config) IndexerEnabled() bool {
	return c.Chain.Controller != "" && c.Chain.MarginPool != ""
}

func (c *Config) normalize() {
	c.Chain.Controller = strings.ToLower(c.Chain.Controller)
	c.Chain.Factory = strings.ToLower(c.Chain.Factory)
	c.Chain.MarginPool = strings.ToLower(c.Chain.MarginPool)
	c.Chain.FeeRecipient = strings.ToLower(c.Chain.FeeRecipient)
}
