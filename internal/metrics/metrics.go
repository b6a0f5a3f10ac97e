// Package metrics provides Prometheus instrumentation for the snapshot engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ValuationsTotal counts user valuations, partitioned by outcome.
	ValuationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_valuations_total",
		Help: "Total number of user equity valuations",
	}, []string{"outcome"})

	// ValuationLatency tracks end-to-end latency of a user valuation.
	ValuationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dca_valuation_latency_seconds",
		Help:    "User valuation latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// InvalidPositions counts positions skipped for a non-positive split.
	InvalidPositions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_invalid_positions_total",
		Help: "Positions skipped because their split count is not positive",
	})

	// PriceLookups counts price resolutions by how they were served:
	// memo, hourly, daily or low (first point of a fresh response).
	PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_price_lookups_total",
		Help: "Price lookups by resolution path",
	}, []string{"result"})

	// PriceFetches counts calls made to the external price source.
	PriceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_price_fetches_total",
		Help: "External price source calls by outcome",
	}, []string{"outcome"})

	// PriceFetchJoins counts lookups that awaited an in-flight fetch instead
	// of issuing their own.
	PriceFetchJoins = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_price_fetch_joins_total",
		Help: "Lookups coalesced onto an in-flight price fetch",
	})

	// PriceFetchLatency tracks external price source latency.
	PriceFetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dca_price_fetch_latency_seconds",
		Help:    "External price fetch latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// InflightFetches tracks fetch ranges currently registered for joining.
	InflightFetches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_price_inflight_fetches",
		Help: "Price fetch ranges currently in flight",
	})

	// SnapshotUsers counts per-user snapshot outcomes.
	SnapshotUsers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_snapshot_users_total",
		Help: "Users processed by snapshot runs, by outcome",
	}, []string{"outcome"})

	// SnapshotDuration tracks the duration of whole snapshot runs.
	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dca_snapshot_duration_seconds",
		Help:    "Snapshot run duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dca_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5, 10, 30},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern prefers the chi route pattern over the raw path so that
// addresses in the URL do not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
