package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brokkr/snapshot-engine/internal/metrics"
	"github.com/brokkr/snapshot-engine/internal/model"
)

// CacheConfig tunes a Cache. Zero values select defaults.
type CacheConfig struct {
	MemoTTL      time.Duration
	FetchTimeout time.Duration
}

// Cache resolves historical prices through an ordered per-coin series and
// fetches missing windows from a PriceSource.
type Cache struct {
	source       PriceSource
	memo         Memo
	memoTTL      time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu    sync.Mutex
	coins map[string]*coinState
}

// coinState is everything the cache knows about one coin. mu guards series
// and inflight.
type coinState struct {
	mu       sync.Mutex
	series   series
	inflight []*fetch
}

// fetch is a source request in progress. Lookups whose hour falls inside
// [fromSec, toSec] wait on done instead of issuing their own request.
type fetch struct {
	fromSec, toSec int64
	waiters        int
	done           chan struct{}

	// Set before done is closed.
	points []model.PricePoint
	err    error
}

func (f *fetch) covers(tsSec int64) bool {
	return f.fromSec <= tsSec && tsSec <= f.toSec
}

// NewCache creates a price cache. A nil memo selects an in-process one.
func NewCache(source PriceSource, memo Memo, cfg CacheConfig) *Cache {
	if memo == nil {
		memo = NewMemoryMemo()
	}
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = DefaultMemoTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Cache{
		source:       source,
		memo:         memo,
		memoTTL:      cfg.MemoTTL,
		fetchTimeout: cfg.FetchTimeout,
		now:          time.Now,
		coins:        make(map[string]*coinState),
	}
}

// PriceOf returns the USD price of coinID at the hour containing timestampMs.
func (c *Cache) PriceOf(ctx context.Context, coinID string, timestampMs int64) (decimal.Decimal, error) {
	q, err := c.Quote(ctx, coinID, timestampMs)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// Quote resolves a price and reports how it was obtained.
//
// The timestamp is rounded down to the hour. A memoized quote is returned
// as is. Otherwise the series is searched for a point within one hour; on a
// miss the window starting at the day of the request and spanning at most
// MaxRangeDays is fetched, or an in-flight fetch covering the hour is joined.
// After the fetch the series is searched again within one hour, then within
// one day. Failing both, the first point of the fetched window is returned
// with low confidence.
func (c *Cache) Quote(ctx context.Context, coinID string, timestampMs int64) (Quote, error) {
	coinID = strings.ToLower(strings.TrimSpace(coinID))
	hour := truncateHour(timestampMs)
	key := memoKey(coinID, hour)

	if q, ok, err := c.memo.Get(ctx, key); err != nil {
		slog.Warn("oracle: memo read failed", "key", key, "err", err)
	} else if ok {
		metrics.PriceLookups.WithLabelValues("memo").Inc()
		return q, nil
	}

	st := c.coin(coinID)

	st.mu.Lock()
	if p, ok := st.series.nearest(hour, hourMs); ok {
		st.mu.Unlock()
		return c.resolve(ctx, key, coinID, p, ConfidenceHourly), nil
	}
	f, joined := c.acquire(st, hour)
	st.mu.Unlock()

	if joined {
		metrics.PriceFetchJoins.Inc()
	} else {
		go c.run(ctx, coinID, st, f)
	}

	select {
	case <-f.done:
	case <-ctx.Done():
		return Quote{}, ctx.Err()
	}
	if f.err != nil {
		return Quote{}, f.err
	}
	if len(f.points) == 0 {
		return Quote{}, fmt.Errorf("%w: %s [%d, %d]", ErrNoPriceData, coinID, f.fromSec, f.toSec)
	}

	st.mu.Lock()
	p, conf, ok := st.lookup(hour)
	st.mu.Unlock()
	if ok {
		return c.resolve(ctx, key, coinID, p, conf), nil
	}

	first := f.points[0]
	slog.Warn("oracle: low confidence price",
		"coin", coinID,
		"requested_ms", hour,
		"returned_ms", first.TimestampMs,
	)
	return c.resolve(ctx, key, coinID, first, ConfidenceLow), nil
}

func (c *Cache) resolve(ctx context.Context, key, coinID string, p model.PricePoint, conf Confidence) Quote {
	metrics.PriceLookups.WithLabelValues(string(conf)).Inc()
	q := Quote{
		CoinID:      coinID,
		Price:       p.Price,
		TimestampMs: p.TimestampMs,
		Confidence:  conf,
	}
	if err := c.memo.Set(ctx, key, q, c.memoTTL); err != nil {
		slog.Warn("oracle: memo write failed", "key", key, "err", err)
	}
	return q
}

func (c *Cache) coin(coinID string) *coinState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.coins[coinID]
	if !ok {
		st = &coinState{}
		c.coins[coinID] = st
	}
	return st
}

// acquire returns the in-flight fetch covering hour, or registers a new one
// for the window starting at its day. Must be called with st.mu held.
func (c *Cache) acquire(st *coinState, hour int64) (*fetch, bool) {
	tsSec := hour / 1000
	for _, f := range st.inflight {
		if f.covers(tsSec) {
			f.waiters++
			return f, true
		}
	}

	from, to := c.window(hour)
	f := &fetch{fromSec: from, toSec: to, done: make(chan struct{})}
	st.inflight = append(st.inflight, f)
	metrics.InflightFetches.Inc()
	return f, false
}

// window returns the fetch range in seconds for a lookup at hour: from the
// start of its day to the start of the day MaxRangeDays later, capped at the
// start of the current hour.
func (c *Cache) window(hour int64) (int64, int64) {
	from := truncateDaySec(hour / 1000)
	to := truncateDaySec(from + MaxRangeDays*daySec)
	if nowSec := truncateHour(c.now().UnixMilli()) / 1000; nowSec < to {
		to = nowSec
	}
	return from, to
}

// run performs the fetch on behalf of every waiter. It is detached from the
// initiating caller's cancellation so that a caller giving up does not fail
// the joiners. The registry entry is removed whatever the outcome.
func (c *Cache) run(ctx context.Context, coinID string, st *coinState, f *fetch) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()

	start := time.Now()
	points, err := c.source.FetchRange(ctx, coinID, f.fromSec, f.toSec)
	metrics.PriceFetchLatency.Observe(time.Since(start).Seconds())

	st.mu.Lock()
	if err != nil {
		metrics.PriceFetches.WithLabelValues("error").Inc()
		f.err = fmt.Errorf("%w: %s [%d, %d]: %w", ErrPriceSource, coinID, f.fromSec, f.toSec, err)
	} else {
		metrics.PriceFetches.WithLabelValues("ok").Inc()
		f.points = points
		added := st.series.insert(points)
		slog.Debug("oracle: price window fetched",
			"coin", coinID,
			"from", f.fromSec,
			"to", f.toSec,
			"points", len(points),
			"added", added,
			"series", st.series.len(),
			"waiters", f.waiters,
		)
	}
	st.release(f)
	st.mu.Unlock()

	close(f.done)
}

// lookup searches the series within an hour, then within a day. Must be
// called with st.mu held.
func (st *coinState) lookup(hour int64) (model.PricePoint, Confidence, bool) {
	if p, ok := st.series.nearest(hour, hourMs); ok {
		return p, ConfidenceHourly, true
	}
	if p, ok := st.series.nearest(hour, dayMs); ok {
		return p, ConfidenceDaily, true
	}
	return model.PricePoint{}, "", false
}

// release drops f from the registry. Must be called with st.mu held.
func (st *coinState) release(f *fetch) {
	for i, g := range st.inflight {
		if g == f {
			st.inflight = append(st.inflight[:i], st.inflight[i+1:]...)
			metrics.InflightFetches.Dec()
			return
		}
	}
}
