// Package config loads the snapshot engine configuration from a YAML file,
// an optional .env file and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/brokkr/snapshot-engine/internal/model"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Chain      ChainConfig             `yaml:"chain"`
	Storage    StorageConfig           `yaml:"storage"`
	Prices     PricesConfig            `yaml:"prices"`
	Snapshot   SnapshotConfig          `yaml:"snapshot"`
	Log        LogConfig               `yaml:"log"`
	Portfolios []model.PortfolioConfig `yaml:"portfolios"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// ChainConfig points at the EVM node.
type ChainConfig struct {
	RPCURL string `yaml:"rpc_url"`
}

// StorageConfig selects the ledger backend: Postgres when DatabaseURL is
// set, otherwise SQLite when SQLitePath is set, otherwise in memory.
type StorageConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// PricesConfig controls the CoinGecko client and the price cache.
type PricesConfig struct {
	Plan         string        `yaml:"plan"` // demo | pro
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	RatePerSec   float64       `yaml:"rate_per_sec"`
	Timeout      time.Duration `yaml:"timeout"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MemoTTL      time.Duration `yaml:"memo_ttl"`
}

// SnapshotConfig controls snapshot runs.
type SnapshotConfig struct {
	Schedule     string        `yaml:"schedule"` // cron spec; empty disables scheduled runs
	USDThreshold float64       `yaml:"usd_threshold"`
	Workers      int           `yaml:"workers"`
	Timeout      time.Duration `yaml:"timeout"` // bound on one scheduled run
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path, then applies .env and environment
// overrides and defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url (NODE_URL_RPC) is required"))
	}
	if len(c.Portfolios) == 0 {
		errs = append(errs, errors.New("at least one portfolio is required"))
	}
	seen := make(map[string]bool, len(c.Portfolios))
	for i, p := range c.Portfolios {
		if !common.IsHexAddress(p.Address) {
			errs = append(errs, fmt.Errorf("portfolios[%d]: invalid address %q", i, p.Address))
		}
		if p.BluechipCoinID == "" {
			errs = append(errs, fmt.Errorf("portfolios[%d]: bluechip_coin_id is required", i))
		}
		addr := model.NormalizeAddress(p.Address)
		if seen[addr] {
			errs = append(errs, fmt.Errorf("portfolios[%d]: duplicate address %s", i, addr))
		}
		seen[addr] = true
		for _, u := range p.ExtraUsers {
			if !common.IsHexAddress(u) {
				errs = append(errs, fmt.Errorf("portfolios[%d]: invalid extra user %q", i, u))
			}
		}
	}
	if c.Snapshot.Schedule != "" {
		if _, err := cron.ParseStandard(c.Snapshot.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("snapshot.schedule: %w", err))
		}
	}
	if c.Snapshot.USDThreshold < 0 {
		errs = append(errs, errors.New("snapshot.usd_threshold must not be negative"))
	}
	switch c.Prices.Plan {
	case "demo", "pro":
	default:
		errs = append(errs, fmt.Errorf("prices.plan: unknown plan %q", c.Prices.Plan))
	}
	return errors.Join(errs...)
}

// applyEnvOverrides replaces values with environment variables when present.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("NODE_URL_RPC"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		cfg.Prices.APIKey = v
	}
	if v := os.Getenv("COINGECKO_PLAN"); v != "" {
		cfg.Prices.Plan = v
	}
	if v := os.Getenv("SNAPSHOT_SCHEDULE"); v != "" {
		cfg.Snapshot.Schedule = v
	}
	if v := os.Getenv("SNAPSHOT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Snapshot.Workers = n
		}
	}
	if v := os.Getenv("SNAPSHOT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.Timeout = d
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults fills in values left empty.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 30 * time.Second
	}
	if cfg.Prices.Plan == "" {
		cfg.Prices.Plan = "demo"
	}
	if cfg.Prices.RatePerSec <= 0 {
		cfg.Prices.RatePerSec = 0.5 // demo plan allows ~30 calls/min
	}
	if cfg.Prices.Timeout <= 0 {
		cfg.Prices.Timeout = 10 * time.Second
	}
	if cfg.Prices.FetchTimeout <= 0 {
		cfg.Prices.FetchTimeout = 30 * time.Second
	}
	if cfg.Prices.MemoTTL <= 0 {
		cfg.Prices.MemoTTL = 5 * time.Minute
	}
	if cfg.Snapshot.Timeout <= 0 {
		cfg.Snapshot.Timeout = 30 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
