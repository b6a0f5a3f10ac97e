// Package app wires the snapshot engine's components from configuration.
// Both the HTTP server and the one-shot CLI build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/brokkr/snapshot-engine/config"
	"github.com/brokkr/snapshot-engine/internal/chain"
	"github.com/brokkr/snapshot-engine/internal/dca"
	"github.com/brokkr/snapshot-engine/internal/oracle"
	"github.com/brokkr/snapshot-engine/internal/snapshot"
	"github.com/brokkr/snapshot-engine/internal/store"
)

// App holds the wired services.
type App struct {
	Ledger    store.LedgerStore
	Chain     *chain.Reader
	Prices    *oracle.Cache
	Valuation *dca.Service
	Snapshots *snapshot.Builder
	Threshold decimal.Decimal

	cleanup []func()
}

// New connects to the configured backends. pub receives snapshot run events
// and may be nil. Call Close when done.
func New(ctx context.Context, cfg *config.Config, pub snapshot.Publisher) (*App, error) {
	a := &App{Threshold: decimal.NewFromFloat(cfg.Snapshot.USDThreshold)}

	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		slog.Info("Redis enabled")
	}

	ledger, err := a.openLedger(ctx, cfg.Storage, rdb)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Ledger = ledger

	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("dial node: %w", err)
	}
	a.cleanup = append(a.cleanup, eth.Close)
	a.Chain = chain.NewReader(eth)

	baseURL := cfg.Prices.BaseURL
	if baseURL == "" {
		baseURL = oracle.CoinGeckoBaseURL(cfg.Prices.Plan)
	}
	source := oracle.NewCoinGecko(oracle.CoinGeckoConfig{
		BaseURL:    baseURL,
		APIKey:     cfg.Prices.APIKey,
		RatePerSec: cfg.Prices.RatePerSec,
		Timeout:    cfg.Prices.Timeout,
	})
	var memo oracle.Memo
	if rdb != nil {
		memo = oracle.NewRedisMemo(rdb)
	}
	a.Prices = oracle.NewCache(source, memo, oracle.CacheConfig{
		MemoTTL:      cfg.Prices.MemoTTL,
		FetchTimeout: cfg.Prices.FetchTimeout,
	})

	a.Valuation = dca.NewService(a.Chain, a.Ledger, a.Prices)
	a.Snapshots = snapshot.NewBuilder(a.Chain, a.Ledger, a.Valuation, a.Prices, pub, snapshot.Config{
		Portfolios: cfg.Portfolios,
		Workers:    cfg.Snapshot.Workers,
	})
	return a, nil
}

// openLedger selects Postgres, then SQLite, then memory. A Redis client
// fronts the SQL backends with a read-through cache.
func (a *App) openLedger(ctx context.Context, cfg config.StorageConfig, rdb *redis.Client) (store.LedgerStore, error) {
	var ledger store.LedgerStore
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		ledger = pg
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { lite.Close() })
		ledger = lite
		slog.Info("using SQLite ledger", "path", cfg.SQLitePath)

	default:
		slog.Warn("no database configured, using in-memory ledger (data will not persist)")
		return store.NewMemoryStore(), nil
	}

	if rdb != nil {
		ledger = store.NewCachedStore(ledger, rdb, cfg.CacheTTL)
	}
	return ledger, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// SetupLogger installs the default slog logger.
func SetupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
