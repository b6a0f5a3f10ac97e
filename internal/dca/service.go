package dca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brokkr/snapshot-engine/internal/metrics"
	"github.com/brokkr/snapshot-engine/internal/model"
)

// ChainReader reads DCA portfolio state at a block.
type ChainReader interface {
	Positions(ctx context.Context, portfolio, user string, block int64) ([]model.Position, error)
	CurrentPeriod(ctx context.Context, portfolio string, block int64) (int64, error)
	BlockTimestamp(ctx context.Context, block int64) (int64, error)
	LatestBlock(ctx context.Context) (int64, error)
}

// LedgerReader exposes the investment outcome history of a portfolio.
type LedgerReader interface {
	InvestEvents(ctx context.Context, portfolio string) (model.Ledger, error)
}

// PriceOracle returns the USD price of a coin at a millisecond timestamp.
type PriceOracle interface {
	PriceOf(ctx context.Context, coinID string, timestampMs int64) (decimal.Decimal, error)
}

// Service values users' DCA stakes by composing the chain, the ledger and the
// price oracle. It holds no state between calls: positions, the period
// pointer and the ledger are read fresh for every valuation.
type Service struct {
	chain  ChainReader
	ledger LedgerReader
	prices PriceOracle
}

// NewService creates a valuation service.
func NewService(chain ChainReader, ledger LedgerReader, prices PriceOracle) *Service {
	return &Service{
		chain:  chain,
		ledger: ledger,
		prices: prices,
	}
}

// Holdings reconciles the user's positions without pricing them. The result
// carries deposit-token and bluechip amounts. A non-positive block selects
// the chain head, resolved once so every read sees the same state.
func (s *Service) Holdings(ctx context.Context, user, portfolio string, block int64) (model.UserValuation, error) {
	portfolio = model.NormalizeAddress(portfolio)
	user = model.NormalizeAddress(user)

	block, err := s.resolveBlock(ctx, block)
	if err != nil {
		return model.UserValuation{}, err
	}

	positions, err := s.chain.Positions(ctx, portfolio, user, block)
	if err != nil {
		return model.UserValuation{}, fmt.Errorf("positions of %s: %w", user, err)
	}
	pointer, err := s.chain.CurrentPeriod(ctx, portfolio, block)
	if err != nil {
		return model.UserValuation{}, fmt.Errorf("current period of %s: %w", portfolio, err)
	}
	ledger, err := s.ledger.InvestEvents(ctx, portfolio)
	if err != nil {
		return model.UserValuation{}, fmt.Errorf("invest events of %s: %w", portfolio, err)
	}

	reconciled := ReconciliationIndex(ledger, pointer)
	res, err := ValuateUser(positions, ledger, reconciled)
	if err != nil {
		metrics.InvalidPositions.Add(float64(res.Skipped))
		slog.Warn("skipped invalid positions",
			"portfolio", portfolio,
			"user", user,
			"skipped", res.Skipped,
			"err", err,
		)
	}

	// err only ever carries invalid positions here; the valid siblings are
	// still summed into res.

	return model.UserValuation{
		User:       user,
		Portfolio:  portfolio,
		Block:      block,
		Reconciled: reconciled,
		Result:     res,
	}, err
}

// EquityValuation returns the user's stake in USD at the block. When some
// positions are invalid the valuation of the others is returned together with
// an error wrapping ErrInvalidPosition.
func (s *Service) EquityValuation(ctx context.Context, user, portfolio, bluechipCoinID string, block int64) (model.UserValuation, error) {
	start := time.Now()

	block, err := s.resolveBlock(ctx, block)
	if err != nil {
		metrics.ValuationsTotal.WithLabelValues("error").Inc()
		return model.UserValuation{}, err
	}

	val, posErr := s.Holdings(ctx, user, portfolio, block)
	if posErr != nil && !errors.Is(posErr, ErrInvalidPosition) {
		metrics.ValuationsTotal.WithLabelValues("error").Inc()
		return model.UserValuation{}, posErr
	}

	ts, err := s.chain.BlockTimestamp(ctx, block)
	if err != nil {
		metrics.ValuationsTotal.WithLabelValues("error").Inc()
		return model.UserValuation{}, fmt.Errorf("timestamp of block %d: %w", block, err)
	}

	price, err := s.prices.PriceOf(ctx, bluechipCoinID, ts)
	if err != nil {
		metrics.ValuationsTotal.WithLabelValues("error").Inc()
		return model.UserValuation{}, fmt.Errorf("price of %s: %w", bluechipCoinID, err)
	}

	val.TimestampMs = ts
	val.BluechipPrice = price
	val.USD = USDValue(val.Result, price)

	metrics.ValuationsTotal.WithLabelValues("ok").Inc()
	metrics.ValuationLatency.Observe(time.Since(start).Seconds())

	slog.Debug("user valuated",
		"portfolio", val.Portfolio,
		"user", val.User,
		"block", block,
		"reconciled", val.Reconciled,
		"usd", val.USD.String(),
	)

	return val, posErr
}

func (s *Service) resolveBlock(ctx context.Context, block int64) (int64, error) {
	if block > 0 {
		return block, nil
	}
	head, err := s.chain.LatestBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve head block: %w", err)
	}
	return head, nil
}
