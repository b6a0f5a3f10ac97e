// Package oracle serves USD prices of coins at historical timestamps.
//
// Prices come from an external PriceSource that answers day-aligned time
// windows. The Cache keeps every fetched point in a per-coin ordered series,
// coalesces concurrent misses onto one in-flight fetch and memoizes resolved
// prices for a short TTL.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brokkr/snapshot-engine/internal/model"
)

var (
	// ErrPriceSource wraps failures of the external price source. Every
	// lookup joined on a failed fetch receives it.
	ErrPriceSource = errors.New("oracle: price source failure")

	// ErrNoPriceData is returned when a fetch succeeds but carries no points.
	ErrNoPriceData = errors.New("oracle: no price data in range")
)

const (
	hourMs = int64(time.Hour / time.Millisecond)
	dayMs  = int64(24 * time.Hour / time.Millisecond)
	daySec = int64(24 * time.Hour / time.Second)

	// MaxRangeDays is the widest window the price source serves with hourly
	// granularity.
	MaxRangeDays = 89

	// DefaultMemoTTL is how long a resolved price is reused for identical
	// (coin, hour) lookups.
	DefaultMemoTTL = 5 * time.Minute
)

// PriceSource returns the USD price points of a coin between two unix
// timestamps in seconds, ordered by time.
type PriceSource interface {
	FetchRange(ctx context.Context, coinID string, fromSec, toSec int64) ([]model.PricePoint, error)
}

// Confidence tells how close the returned point is to the requested time.
type Confidence string

const (
	ConfidenceHourly Confidence = "hourly"
	ConfidenceDaily  Confidence = "daily"
	// ConfidenceLow marks a fallback to the first point of a fetched window.
	ConfidenceLow Confidence = "low"
)

// Quote is a resolved price together with the point it came from.
type Quote struct {
	CoinID      string          `json:"coin_id"`
	Price       decimal.Decimal `json:"price"`
	TimestampMs int64           `json:"timestamp_ms"`
	Confidence  Confidence      `json:"confidence"`
}

func truncateHour(tsMs int64) int64 {
	return tsMs - mod(tsMs, hourMs)
}

func truncateDaySec(tsSec int64) int64 {
	return tsSec - mod(tsSec, daySec)
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
