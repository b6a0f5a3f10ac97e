package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/brokkr/snapshot-engine/internal/model"
)

const (
	coinGeckoPublicBaseURL = "https://api.coingecko.com/api/v3"
	coinGeckoProBaseURL    = "https://pro-api.coingecko.com/api/v3"
)

// CoinGeckoConfig configures the CoinGecko price source.
type CoinGeckoConfig struct {
	BaseURL    string
	APIKey     string
	RatePerSec float64
	Timeout    time.Duration
}

// CoinGecko is a PriceSource backed by the market_chart/range endpoint.
type CoinGecko struct {
	baseURL      string
	apiKey       string
	apiKeyHeader string
	client       *http.Client
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker
}

// NewCoinGecko creates a CoinGecko price source. An empty base URL selects the
// public API; the pro host switches the API key header.
func NewCoinGecko(cfg CoinGeckoConfig) *CoinGecko {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = coinGeckoPublicBaseURL
	}
	header := "x-cg-demo-api-key"
	if strings.Contains(baseURL, "pro-api.coingecko.com") {
		header = "x-cg-pro-api-key"
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 0.5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "coingecko",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("oracle: circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &CoinGecko{
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		apiKeyHeader: header,
		client:       &http.Client{Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		breaker:      breaker,
	}
}

// CoinGeckoBaseURL returns the API root for a plan name ("pro" or anything
// else for the public API).
func CoinGeckoBaseURL(plan string) string {
	if strings.EqualFold(plan, "pro") {
		return coinGeckoProBaseURL
	}
	return coinGeckoPublicBaseURL
}

type marketChartResponse struct {
	Prices [][]json.Number `json:"prices"`
}

// FetchRange returns the USD prices of coinID between fromSec and toSec.
func (p *CoinGecko) FetchRange(ctx context.Context, coinID string, fromSec, toSec int64) ([]model.PricePoint, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetchRange(ctx, coinID, fromSec, toSec)
	})
	if err != nil {
		return nil, err
	}
	return out.([]model.PricePoint), nil
}

func (p *CoinGecko) fetchRange(ctx context.Context, coinID string, fromSec, toSec int64) ([]model.PricePoint, error) {
	endpoint, err := url.Parse(p.baseURL + "/coins/" + url.PathEscape(coinID) + "/market_chart/range")
	if err != nil {
		return nil, err
	}
	query := endpoint.Query()
	query.Set("vs_currency", "usd")
	query.Set("from", strconv.FormatInt(fromSec, 10))
	query.Set("to", strconv.FormatInt(toSec, 10))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set(p.apiKeyHeader, p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("coingecko error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var payload marketChartResponse
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode coingecko response: %w", err)
	}

	points := make([]model.PricePoint, 0, len(payload.Prices))
	for i, pair := range payload.Prices {
		if len(pair) < 2 {
			return nil, fmt.Errorf("coingecko price %d: expected [timestamp, price]", i)
		}
		ts, err := parseMillis(pair[0])
		if err != nil {
			return nil, fmt.Errorf("coingecko price %d timestamp: %w", i, err)
		}
		price, err := decimal.NewFromString(pair[1].String())
		if err != nil {
			return nil, fmt.Errorf("coingecko price %d value: %w", i, err)
		}
		points = append(points, model.PricePoint{TimestampMs: ts, Price: price})
	}
	return points, nil
}

func parseMillis(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
