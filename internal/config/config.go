// Package config loads service configuration from a YAML file, an
// optional .env file and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/paper-trader/internal/asset"
	"github.com/atmx/paper-trader/internal/consensus"
	"github.com/atmx/paper-trader/internal/ledger"
	"github.com/atmx/paper-trader/internal/rules"
	"github.com/atmx/paper-trader/internal/scheduler"
	"github.com/atmx/paper-trader/internal/score"
	"github.com/atmx/paper-trader/internal/telemetry"
)

// DefaultPath is read when CONFIG_PATH is unset. A missing file is not an
// error.
const DefaultPath = "config.yaml"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Rules     RulesConfig     `yaml:"rules"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Agent     AgentConfig     `yaml:"agent"`
	Score     ScoreConfig     `yaml:"score"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DatabaseConfig struct {
	PostgresURL string        `yaml:"postgres_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type ProvidersConfig struct {
	Timeout          time.Duration     `yaml:"timeout"`
	RatePerSecond    float64           `yaml:"rate_per_second"`
	RateBurst        int               `yaml:"rate_burst"`
	BinanceBaseURL   string            `yaml:"binance_base_url"`
	CoinGeckoBaseURL string            `yaml:"coingecko_base_url"`
	CoinGeckoAPIKey  string            `yaml:"coingecko_api_key"`
	BybitBaseURL     string            `yaml:"bybit_base_url"`
	CoinGeckoIDs     map[string]string `yaml:"coingecko_ids"`
}

type ConsensusConfig struct {
	TolerancePct float64 `yaml:"tolerance_pct"`
}

type SchedulerConfig struct {
	Burst    int           `yaml:"burst"`
	Cap      int           `yaml:"cap"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type RulesConfig struct {
	SellAtOrBelow         int             `yaml:"sell_at_or_below"`
	BuyAtOrAbove          int             `yaml:"buy_at_or_above"`
	MinCash               decimal.Decimal `yaml:"min_cash"`
	MaxNotional           decimal.Decimal `yaml:"max_notional"`
	TradeOnHighDivergence bool            `yaml:"trade_on_high_divergence"`
}

type LedgerConfig struct {
	MaxAttempts    int             `yaml:"max_attempts"`
	InitialBalance decimal.Decimal `yaml:"initial_balance"`
}

type AgentConfig struct {
	UserID     string        `yaml:"user_id"`
	Watchlist  []string      `yaml:"watchlist"`
	RunCron    string        `yaml:"run_cron"`
	RunOnStart bool          `yaml:"run_on_start"`
	RunTimeout time.Duration `yaml:"run_timeout"`
}

type ScoreConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	policy := scheduler.DefaultPolicy()
	rc := rules.DefaultConfig()
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Database: DatabaseConfig{CacheTTL: 30 * time.Second},
		Providers: ProvidersConfig{
			Timeout:          5 * time.Second,
			RatePerSecond:    2,
			RateBurst:        2,
			CoinGeckoBaseURL: "https://api.coingecko.com/api/v3",
			BybitBaseURL:     "https://api.bybit.com",
		},
		Consensus: ConsensusConfig{TolerancePct: consensus.DefaultTolerancePct},
		Scheduler: SchedulerConfig{Burst: policy.Burst, Cap: policy.Cap, Cooldown: policy.Cooldown},
		Rules: RulesConfig{
			SellAtOrBelow:         rc.SellAtOrBelow,
			BuyAtOrAbove:          rc.BuyAtOrAbove,
			MinCash:               rc.MinCash,
			MaxNotional:           rc.MaxNotional,
			TradeOnHighDivergence: rc.TradeOnHighDivergence,
		},
		Ledger: LedgerConfig{
			MaxAttempts:    ledger.DefaultMaxAttempts,
			InitialBalance: decimal.NewFromInt(1000),
		},
		Agent: AgentConfig{
			UserID:     "default",
			Watchlist:  []string{"BTC", "ETH", "SOL"},
			RunCron:    "0 0 * * * *",
			RunTimeout: 10 * time.Minute,
		},
		Score: ScoreConfig{Timeout: score.DefaultTimeout},
	}
}

// Load reads .env (when present), then the YAML file at path over the
// defaults, then applies environment variable overrides. An empty path
// selects CONFIG_PATH or DefaultPath.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"PORT":              &c.Server.Port,
		"LOG_LEVEL":         &c.Logging.Level,
		"DATABASE_URL":      &c.Database.PostgresURL,
		"SQLITE_PATH":       &c.Database.SQLitePath,
		"REDIS_URL":         &c.Database.RedisURL,
		"SCORE_ENDPOINT":    &c.Score.Endpoint,
		"SCORE_API_KEY":     &c.Score.APIKey,
		"COINGECKO_API_KEY": &c.Providers.CoinGeckoAPIKey,
		"RUN_CRON":          &c.Agent.RunCron,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"RUN_ON_START":    &c.Agent.RunOnStart,
		"TRACING_ENABLED": &c.Tracing.Enabled,
	}
	for key, dst := range bools {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = b
	}

	if v := os.Getenv("WATCHLIST"); v != "" {
		c.Agent.Watchlist = strings.Split(v, ",")
	}
	return nil
}

// Validate checks cross-field constraints and normalizes the watchlist.
func (c *Config) Validate() error {
	if err := c.SchedulerPolicy().Validate(); err != nil {
		return err
	}
	if err := c.RulesConfig().Validate(); err != nil {
		return err
	}
	if !c.Ledger.InitialBalance.IsPositive() {
		return fmt.Errorf("ledger.initial_balance must be positive")
	}
	if c.Consensus.TolerancePct <= 0 {
		return fmt.Errorf("consensus.tolerance_pct must be positive")
	}
	if c.Agent.UserID == "" {
		return fmt.Errorf("agent.user_id is required")
	}
	if len(c.Agent.Watchlist) == 0 {
		return fmt.Errorf("agent.watchlist must not be empty")
	}
	watchlist, err := asset.ParseAll(c.Agent.Watchlist)
	if err != nil {
		return fmt.Errorf("agent.watchlist: %w", err)
	}
	c.Agent.Watchlist = watchlist
	return nil
}

// LogConfig returns the telemetry logger settings.
func (c *Config) LogConfig() telemetry.LogConfig {
	return telemetry.LogConfig{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}

// SchedulerPolicy returns the retry policy.
func (c *Config) SchedulerPolicy() scheduler.Policy {
	return scheduler.Policy{Burst: c.Scheduler.Burst, Cap: c.Scheduler.Cap, Cooldown: c.Scheduler.Cooldown}
}

// RulesConfig returns the rule engine thresholds.
func (c *Config) RulesConfig() rules.Config {
	return rules.Config{
		SellAtOrBelow:         c.Rules.SellAtOrBelow,
		BuyAtOrAbove:          c.Rules.BuyAtOrAbove,
		MinCash:               c.Rules.MinCash,
		MaxNotional:           c.Rules.MaxNotional,
		TradeOnHighDivergence: c.Rules.TradeOnHighDivergence,
	}
}

// LedgerConfig returns the transactor settings.
func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{MaxAttempts: c.Ledger.MaxAttempts, InitialBalance: c.Ledger.InitialBalance}
}
