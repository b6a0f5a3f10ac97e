package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoinGecko(t *testing.T, handler http.HandlerFunc) *CoinGecko {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewCoinGecko(CoinGeckoConfig{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		RatePerSec: 1000,
	})
}

func TestCoinGecko_FetchRange(t *testing.T) {
	cg := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/coins/bitcoin/market_chart/range", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		assert.Equal(t, "1704844800", r.URL.Query().Get("from"))
		assert.Equal(t, "1712534400", r.URL.Query().Get("to"))
		assert.Equal(t, "test-key", r.Header.Get("x-cg-demo-api-key"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"prices": [[1704844800000, 46123.123456789012], [1704848400000, 6.02e-05]],
			"market_caps": [],
			"total_volumes": []
		}`))
	})

	points, err := cg.FetchRange(context.Background(), "bitcoin", 1704844800, 1712534400)
	require.NoError(t, err)
	require.Len(t, points, 2)

	assert.Equal(t, int64(1704844800000), points[0].TimestampMs)
	assert.True(t, points[0].Price.Equal(decimal.RequireFromString("46123.123456789012")))
	assert.Equal(t, int64(1704848400000), points[1].TimestampMs)
	assert.True(t, points[1].Price.Equal(decimal.RequireFromString("0.0000602")))
}

func TestCoinGecko_ErrorStatus(t *testing.T) {
	cg := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"throttled"}`, http.StatusTooManyRequests)
	})

	_, err := cg.FetchRange(context.Background(), "bitcoin", 0, 3600)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
	assert.Contains(t, err.Error(), "throttled")
}

func TestCoinGecko_MalformedPair(t *testing.T) {
	cg := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prices": [[1704844800000]]}`))
	})

	_, err := cg.FetchRange(context.Background(), "bitcoin", 0, 3600)
	assert.Error(t, err)
}

func TestCoinGecko_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	cg := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 5; i++ {
		_, err := cg.FetchRange(context.Background(), "bitcoin", 0, 3600)
		require.Error(t, err)
	}
	_, err := cg.FetchRange(context.Background(), "bitcoin", 0, 3600)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState), "got %v", err)
	assert.Equal(t, int32(5), hits.Load())
}

func TestCoinGecko_HeaderFollowsPlan(t *testing.T) {
	pro := NewCoinGecko(CoinGeckoConfig{BaseURL: CoinGeckoBaseURL("pro")})
	assert.Equal(t, "x-cg-pro-api-key", pro.apiKeyHeader)

	public := NewCoinGecko(CoinGeckoConfig{})
	assert.Equal(t, coinGeckoPublicBaseURL, public.baseURL)
	assert.Equal(t, "x-cg-demo-api-key", public.apiKeyHeader)
}

func TestCoinGecko_RespectsContext(t *testing.T) {
	cg := newTestCoinGecko(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := cg.FetchRange(ctx, "bitcoin", 0, 3600)
	assert.Error(t, err)
}
