// Package api exposes snapshot runs, single-user valuations and historical
// prices over HTTP, and pushes run notifications over WebSocket.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/brokkr/snapshot-engine/internal/chain"
	"github.com/brokkr/snapshot-engine/internal/dca"
	"github.com/brokkr/snapshot-engine/internal/model"
	"github.com/brokkr/snapshot-engine/internal/oracle"
	"github.com/brokkr/snapshot-engine/internal/store"
)

// Valuer values one user's stake in one portfolio.
type Valuer interface {
	EquityValuation(ctx context.Context, user, portfolio, bluechipCoinID string, block int64) (model.UserValuation, error)
}

// Snapshotter runs and serves portfolio snapshots.
type Snapshotter interface {
	Build(ctx context.Context, block int64, usdThreshold decimal.Decimal) (*model.Snapshot, error)
	Latest() (*model.Snapshot, bool)
	Portfolio(address string) (model.PortfolioConfig, bool)
}

// Quoter resolves historical prices.
type Quoter interface {
	Quote(ctx context.Context, coinID string, timestampMs int64) (oracle.Quote, error)
}

// Handler serves the HTTP API.
type Handler struct {
	valuer    Valuer
	snapshots Snapshotter
	prices    Quoter
}

// NewHandler creates the API handler.
func NewHandler(valuer Valuer, snapshots Snapshotter, prices Quoter) *Handler {
	return &Handler{valuer: valuer, snapshots: snapshots, prices: prices}
}

// Routes mounts the API on r. Pass nil hub to disable WebSocket.
func (h *Handler) Routes(r chi.Router, hub *Hub) {
	r.Get("/snapshot", h.GetSnapshot)
	r.Get("/snapshot/latest", h.GetLatestSnapshot)
	r.Get("/portfolios/{portfolio}/users/{user}/valuation", h.GetValuation)
	r.Get("/prices/{coinID}", h.GetPrice)
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}
}

// ValuationResponse is the JSON body of a single-user valuation. Warning is
// set when some of the user's positions could not be valued.
type ValuationResponse struct {
	model.UserValuation
	Warning string `json:"warning,omitempty"`
}

// GetSnapshot handles GET /api/v1/snapshot?snapshotBlock=&usdThreshold=
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	block, err := parseBlock(r.URL.Query().Get("snapshotBlock"))
	if err != nil {
		writeError(w, "invalid snapshotBlock", http.StatusBadRequest)
		return
	}

	threshold := decimal.Zero
	if raw := r.URL.Query().Get("usdThreshold"); raw != "" {
		threshold, err = decimal.NewFromString(raw)
		if err != nil || threshold.IsNegative() {
			writeError(w, "invalid usdThreshold", http.StatusBadRequest)
			return
		}
	}

	snap, err := h.snapshots.Build(r.Context(), block, threshold)
	if err != nil {
		slog.Error("snapshot failed", "block", block, "err", err)
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetLatestSnapshot handles GET /api/v1/snapshot/latest
func (h *Handler) GetLatestSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap, ok := h.snapshots.Latest()
	if !ok {
		writeError(w, "no snapshot has completed yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetValuation handles GET /api/v1/portfolios/{portfolio}/users/{user}/valuation?block=
func (h *Handler) GetValuation(w http.ResponseWriter, r *http.Request) {
	portfolio := chi.URLParam(r, "portfolio")
	user := chi.URLParam(r, "user")
	if !common.IsHexAddress(portfolio) || !common.IsHexAddress(user) {
		writeError(w, "invalid address", http.StatusBadRequest)
		return
	}

	pc, ok := h.snapshots.Portfolio(portfolio)
	if !ok {
		writeError(w, "portfolio not found", http.StatusNotFound)
		return
	}

	block, err := parseBlock(r.URL.Query().Get("block"))
	if err != nil {
		writeError(w, "invalid block", http.StatusBadRequest)
		return
	}

	val, err := h.valuer.EquityValuation(r.Context(), user, pc.Address, pc.BluechipCoinID, block)
	resp := ValuationResponse{UserValuation: val}
	switch {
	case err == nil:
	case errors.Is(err, dca.ErrInvalidPosition):
		resp.Warning = err.Error()
	default:
		slog.Error("valuation failed",
			"portfolio", portfolio,
			"user", user,
			"block", block,
			"err", err,
		)
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPrice handles GET /api/v1/prices/{coinID}?timestamp=
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	coinID := chi.URLParam(r, "coinID")
	ts, err := strconv.ParseInt(r.URL.Query().Get("timestamp"), 10, 64)
	if err != nil || ts <= 0 {
		writeError(w, "timestamp (unix milliseconds) is required", http.StatusBadRequest)
		return
	}

	q, err := h.prices.Quote(r.Context(), coinID, ts)
	if err != nil {
		slog.Error("price lookup failed", "coin", coinID, "timestamp", ts, "err", err)
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// parseBlock reads an optional block number; empty selects the chain head.
func parseBlock(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	block, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || block < 0 {
		return 0, errors.New("invalid block")
	}
	return block, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, chain.ErrChainRead),
		errors.Is(err, store.ErrLedgerRead),
		errors.Is(err, oracle.ErrPriceSource),
		errors.Is(err, oracle.ErrNoPriceData):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
