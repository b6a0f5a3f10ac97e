// Package snapshot builds point-in-time holdings reports across all
// configured DCA portfolios.
//
// A run values every user of every portfolio at one block. Users are valued
// concurrently; a failing user is logged and left out without affecting the
// rest, and a failing portfolio is logged and omitted from the report.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/brokkr/snapshot-engine/internal/chain"
	"github.com/brokkr/snapshot-engine/internal/dca"
	"github.com/brokkr/snapshot-engine/internal/metrics"
	"github.com/brokkr/snapshot-engine/internal/model"
)

// EventSnapshotCompleted is published after every successful run.
const EventSnapshotCompleted = "snapshot_completed"

// ChainReader provides the portfolio-level chain reads of a run.
type ChainReader interface {
	PortfolioTotals(ctx context.Context, portfolio string, block int64) (chain.Totals, error)
	BlockTimestamp(ctx context.Context, block int64) (int64, error)
	LatestBlock(ctx context.Context) (int64, error)
}

// UserSource lists the users that ever operated on a portfolio.
type UserSource interface {
	PortfolioUsers(ctx context.Context, portfolio string) ([]string, error)
}

// Valuer values one user's stake in one portfolio.
type Valuer interface {
	EquityValuation(ctx context.Context, user, portfolio, bluechipCoinID string, block int64) (model.UserValuation, error)
}

// Publisher receives run notifications. May be nil.
type Publisher interface {
	Publish(event string, payload any)
}

// Config holds the portfolios to report on and the size of the user
// worker pool.
type Config struct {
	Portfolios []model.PortfolioConfig
	Workers    int
}

// Builder runs snapshots. It keeps the most recent result for readers that
// do not want to trigger a run.
type Builder struct {
	chain     ChainReader
	users     UserSource
	valuer    Valuer
	prices    dca.PriceOracle
	publisher Publisher
	cfg       Config

	mu     sync.RWMutex
	latest *model.Snapshot
}

// NewBuilder creates a snapshot builder.
func NewBuilder(chain ChainReader, users UserSource, valuer Valuer, prices dca.PriceOracle, pub Publisher, cfg Config) *Builder {
	if cfg.Workers <= 0 {
		cfg.Workers = 2 * runtime.NumCPU()
	}
	return &Builder{
		chain:     chain,
		users:     users,
		valuer:    valuer,
		prices:    prices,
		publisher: pub,
		cfg:       cfg,
	}
}

// Portfolio returns the configuration of a portfolio by address.
func (b *Builder) Portfolio(address string) (model.PortfolioConfig, bool) {
	address = model.NormalizeAddress(address)
	for _, p := range b.cfg.Portfolios {
		if model.NormalizeAddress(p.Address) == address {
			return p, true
		}
	}
	return model.PortfolioConfig{}, false
}

// Latest returns the most recent completed snapshot, if any.
func (b *Builder) Latest() (*model.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.latest != nil
}

// Build values every configured portfolio at block and drops holdings worth
// less than usdThreshold. A non-positive block selects the chain head.
func (b *Builder) Build(ctx context.Context, block int64, usdThreshold decimal.Decimal) (*model.Snapshot, error) {
	start := time.Now()

	if block <= 0 {
		head, err := b.chain.LatestBlock(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve head block: %w", err)
		}
		block = head
	}

	ts, err := b.chain.BlockTimestamp(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("timestamp of block %d: %w", block, err)
	}

	snap := &model.Snapshot{
		RunID:        uuid.New().String(),
		Block:        block,
		USDThreshold: usdThreshold,
		CreatedAt:    time.Now().UTC(),
		Portfolios:   []model.PortfolioSnapshot{},
	}

	for _, pc := range b.cfg.Portfolios {
		slog.Debug("starting portfolio snapshot", "run_id", snap.RunID, "portfolio", pc.Address)

		ps, err := b.portfolio(ctx, pc, block, ts, usdThreshold)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			slog.Error("portfolio snapshot failed",
				"run_id", snap.RunID,
				"portfolio", pc.Address,
				"err", err,
			)
			continue
		}
		snap.Portfolios = append(snap.Portfolios, ps)
	}

	// Users of a cancelled run are counted as failed; the report would be
	// incomplete, so it must not replace the latest one.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("snapshot %s aborted: %w", snap.RunID, err)
	}

	elapsed := time.Since(start)
	metrics.SnapshotDuration.Observe(elapsed.Seconds())

	b.mu.Lock()
	b.latest = snap
	b.mu.Unlock()

	slog.Info("snapshot completed",
		"run_id", snap.RunID,
		"block", block,
		"portfolios", len(snap.Portfolios),
		"duration", elapsed.String(),
	)

	if b.publisher != nil {
		b.publisher.Publish(EventSnapshotCompleted, Summary(snap))
	}
	return snap, nil
}

// RunSummary is the compact form of a snapshot pushed to subscribers.
type RunSummary struct {
	RunID      string          `json:"run_id"`
	Block      int64           `json:"block"`
	Portfolios int             `json:"portfolios"`
	Holdings   int             `json:"holdings"`
	TVLUSD     decimal.Decimal `json:"tvl_usd"`
}

// Summary condenses a snapshot.
func Summary(s *model.Snapshot) RunSummary {
	sum := RunSummary{
		RunID:      s.RunID,
		Block:      s.Block,
		Portfolios: len(s.Portfolios),
		TVLUSD:     decimal.Zero,
	}
	for _, p := range s.Portfolios {
		sum.Holdings += len(p.Holdings)
		sum.TVLUSD = sum.TVLUSD.Add(p.TVLUSD)
	}
	return sum
}

func (b *Builder) portfolio(ctx context.Context, pc model.PortfolioConfig, block, ts int64, threshold decimal.Decimal) (model.PortfolioSnapshot, error) {
	var (
		totals        chain.Totals
		users         []string
		depositPrice  decimal.Decimal
		bluechipPrice decimal.Decimal
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		totals, err = b.chain.PortfolioTotals(gctx, pc.Address, block)
		return err
	})
	g.Go(func() error {
		var err error
		users, err = b.users.PortfolioUsers(gctx, pc.Address)
		return err
	})
	g.Go(func() error {
		var err error
		depositPrice, err = b.prices.PriceOf(gctx, model.DepositCoinID, ts)
		return err
	})
	g.Go(func() error {
		var err error
		bluechipPrice, err = b.prices.PriceOf(gctx, pc.BluechipCoinID, ts)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.PortfolioSnapshot{}, err
	}

	users = MergeUsers(users, pc.ExtraUsers)
	holdings, failed := b.holdings(ctx, pc, users, block, threshold)
	if err := ctx.Err(); err != nil {
		return model.PortfolioSnapshot{}, err
	}

	return model.PortfolioSnapshot{
		Address:     model.NormalizeAddress(pc.Address),
		TokenName:   "DCA " + pc.BluechipCoinID,
		TVLUSD:      totals.DepositToken.Mul(depositPrice).Add(totals.BluechipToken.Mul(bluechipPrice)),
		Token0Price: decimal.NewFromInt(1),
		Token1Price: bluechipPrice,
		Holdings:    holdings,
		Failed:      failed,
	}, nil
}

// holdings values users on the worker pool. Results keep the order of users.
func (b *Builder) holdings(ctx context.Context, pc model.PortfolioConfig, users []string, block int64, threshold decimal.Decimal) ([]model.HoldingData, int) {
	type result struct {
		holding model.HoldingData
		keep    bool
		failed  bool
	}
	results := make([]result, len(users))

	var g errgroup.Group
	g.SetLimit(b.cfg.Workers)
	for i, user := range users {
		g.Go(func() error {
			val, err := b.valuer.EquityValuation(ctx, user, pc.Address, pc.BluechipCoinID, block)
			switch {
			case err == nil:
			case errors.Is(err, dca.ErrInvalidPosition) && val.User != "":
				// Valid sibling positions were still valued.
				slog.Warn("user has invalid positions",
					"portfolio", pc.Address,
					"user", user,
					"err", err,
				)
				metrics.SnapshotUsers.WithLabelValues("partial").Inc()
			default:
				slog.Error("user valuation failed",
					"portfolio", pc.Address,
					"user", user,
					"err", err,
				)
				metrics.SnapshotUsers.WithLabelValues("failed").Inc()
				results[i].failed = true
				return nil
			}

			if val.USD.LessThan(threshold) {
				metrics.SnapshotUsers.WithLabelValues("below_threshold").Inc()
				return nil
			}
			metrics.SnapshotUsers.WithLabelValues("ok").Inc()
			results[i] = result{
				keep: true,
				holding: model.HoldingData{
					UserAddress:   user,
					USDEquivalent: val.USD,
					Token0Name:    model.DepositCoinID,
					Token1Name:    pc.BluechipCoinID,
					Token0Amount:  val.Result.NotYetInvested,
					Token1Amount:  val.Result.Converted,
				},
			}
			return nil
		})
	}
	_ = g.Wait() // tasks never return errors

	holdings := make([]model.HoldingData, 0, len(users))
	failed := 0
	for _, r := range results {
		if r.failed {
			failed++
		}
		if r.keep {
			holdings = append(holdings, r.holding)
		}
	}
	return holdings, failed
}

// MergeUsers combines indexed users with configured extras, lowercased,
// deduplicated and sorted.
func MergeUsers(indexed, extra []string) []string {
	seen := make(map[string]struct{}, len(indexed)+len(extra))
	out := make([]string, 0, len(indexed)+len(extra))
	for _, list := range [][]string{indexed, extra} {
		for _, u := range list {
			u = model.NormalizeAddress(u)
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}
