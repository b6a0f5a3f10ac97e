// Package model defines the core domain types shared across the snapshot engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DepositCoinID is the price-source id of the stablecoin every DCA portfolio
// accepts as deposit.
const DepositCoinID = "usd-coin"

// Position is one deposit spread evenly over AmountSplit future periods,
// starting after InvestedAtHistoricalIndex. Read from chain state per query.
type Position struct {
	DepositAmount             decimal.Decimal `json:"deposit_amount"` // deposit-token units
	InvestedAtHistoricalIndex int64           `json:"invested_at_historical_index"`
	AmountSplit               int64           `json:"amount_split"`
}

// InvestmentEvent is the outcome of one scheduled purchase for a portfolio.
// A zero BluechipPrice means the purchase failed.
// Once written these are never modified.
type InvestmentEvent struct {
	PortfolioAddress string          `json:"portfolio_address" db:"portfolio_address"`
	PeriodIndex      int64           `json:"period_index" db:"period_index"`
	BluechipPrice    decimal.Decimal `json:"bluechip_price" db:"bluechip_price"`
	BlockNumber      int64           `json:"block_number" db:"block_number"`
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
}

// Succeeded reports whether the period converted deposit into bluechip.
func (e InvestmentEvent) Succeeded() bool {
	return e.BluechipPrice.IsPositive()
}

// Ledger maps period index to the investment outcome of that period.
// Iteration order is always derived from the keys, never from insertion.
type Ledger map[int64]InvestmentEvent

// Periods returns the ledger's period indices in ascending order.
func (l Ledger) Periods() []int64 {
	periods := make([]int64, 0, len(l))
	for p := range l {
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i] < periods[j] })
	return periods
}

// Operation is a user interaction with a portfolio as indexed from chain
// logs. Only used to enumerate the users of a portfolio.
type Operation struct {
	PortfolioAddress string    `json:"portfolio_address" db:"portfolio_address"`
	UserAddress      string    `json:"user_address" db:"user_address"`
	Kind             string    `json:"kind" db:"kind"` // deposit, withdraw
	BlockNumber      int64     `json:"block_number" db:"block_number"`
	Timestamp        time.Time `json:"timestamp" db:"timestamp"`
}

// PricePoint is a USD price observed at a millisecond timestamp.
type PricePoint struct {
	TimestampMs int64           `json:"timestamp_ms"`
	Price       decimal.Decimal `json:"price"`
}

// ValuationResult splits a stake into capital still waiting to be invested
// (deposit-token units) and capital already converted (bluechip units).
type ValuationResult struct {
	NotYetInvested decimal.Decimal `json:"not_yet_invested"`
	Converted      decimal.Decimal `json:"converted"`
	Deployed       decimal.Decimal `json:"deployed"` // deposit units spent on Converted
	Skipped        int             `json:"skipped,omitempty"`
}

// Add returns the component-wise sum of two results.
func (r ValuationResult) Add(o ValuationResult) ValuationResult {
	return ValuationResult{
		NotYetInvested: r.NotYetInvested.Add(o.NotYetInvested),
		Converted:      r.Converted.Add(o.Converted),
		Deployed:       r.Deployed.Add(o.Deployed),
		Skipped:        r.Skipped + o.Skipped,
	}
}

// UserValuation is a user's priced stake in one portfolio at one block.
type UserValuation struct {
	User          string          `json:"user"`
	Portfolio     string          `json:"portfolio"`
	Block         int64           `json:"block"`
	TimestampMs   int64           `json:"timestamp_ms"`
	Reconciled    int64           `json:"reconciled_period"`
	Result        ValuationResult `json:"result"`
	BluechipPrice decimal.Decimal `json:"bluechip_price"`
	USD           decimal.Decimal `json:"usd"`
}

// PortfolioConfig describes one DCA portfolio under reconciliation.
type PortfolioConfig struct {
	Address        string   `json:"address" yaml:"address"`
	BluechipCoinID string   `json:"bluechip_coin_id" yaml:"bluechip_coin_id"`
	ExtraUsers     []string `json:"extra_users,omitempty" yaml:"extra_users"`
}

// NormalizeAddress lowercases and trims an EVM address for map keys and queries.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// HoldingData is one user's row in a portfolio snapshot. Token0 is the
// deposit coin, token1 the bluechip.
type HoldingData struct {
	UserAddress   string          `json:"user_address"`
	USDEquivalent decimal.Decimal `json:"usd_equivalent"`
	Token0Name    string          `json:"token0_name"`
	Token1Name    string          `json:"token1_name"`
	Token0Amount  decimal.Decimal `json:"token0_amount"`
	Token1Amount  decimal.Decimal `json:"token1_amount"`
}

// PortfolioSnapshot aggregates the holdings of one portfolio at a block.
type PortfolioSnapshot struct {
	Address     string          `json:"address"`
	TokenName   string          `json:"token_name"`
	TVLUSD      decimal.Decimal `json:"tvl_usd"`
	Token0Price decimal.Decimal `json:"token0_price"`
	Token1Price decimal.Decimal `json:"token1_price"`
	Holdings    []HoldingData   `json:"holding_data"`
	Failed      int             `json:"failed_users,omitempty"`
}

// Snapshot is the result of one snapshot run across all portfolios.
type Snapshot struct {
	RunID        string              `json:"run_id"`
	Block        int64               `json:"block"`
	USDThreshold decimal.Decimal     `json:"usd_threshold"`
	CreatedAt    time.Time           `json:"created_at"`
	Portfolios   []PortfolioSnapshot `json:"snapshot_data"`
}
