// Package trade provides the HTTP handlers for accounts, orders, positions
// and portfolio queries, plus the WebSocket hub that streams ledger events.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/broker"
	"github.com/papertrade/paper-engine/internal/execution"
	"github.com/papertrade/paper-engine/internal/instrument"
	"github.com/papertrade/paper-engine/internal/model"
	"github.com/papertrade/paper-engine/internal/portfolio"
	"github.com/papertrade/paper-engine/internal/pricing"
	"github.com/papertrade/paper-engine/internal/store"
)

// Handler serves the /api/v1 surface. Accounts are created on first use,
// keyed by the {userID} path segment.
type Handler struct {
	broker       *broker.Broker
	portfolio    *portfolio.Service
	store        store.Store
	instruments  *instrument.Registry
	prices       pricing.Gateway
	feed         pricing.Setter // nil unless prices are settable
	execution    *execution.Model
	priceTimeout time.Duration
	logger       *slog.Logger
}

// Deps collects the Handler's collaborators. Feed is optional.
type Deps struct {
	Broker       *broker.Broker
	Portfolio    *portfolio.Service
	Store        store.Store
	Instruments  *instrument.Registry
	Prices       pricing.Gateway
	Feed         pricing.Setter
	Execution    *execution.Model
	PriceTimeout time.Duration
	Logger       *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.PriceTimeout <= 0 {
		d.PriceTimeout = 2 * time.Second
	}
	return &Handler{
		broker:       d.Broker,
		portfolio:    d.Portfolio,
		store:        d.Store,
		instruments:  d.Instruments,
		prices:       d.Prices,
		feed:         d.Feed,
		execution:    d.Execution,
		priceTimeout: d.PriceTimeout,
		logger:       d.Logger,
	}
}

// Routes registers every endpoint on r, which is expected to be mounted
// at /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/instruments", h.ListInstruments)
	r.Get("/prices/{instrument}", h.GetPrice)
	r.Put("/prices/{instrument}", h.SetPrice)

	r.Route("/accounts/{userID}", func(r chi.Router) {
		r.Get("/", h.GetAccount)
		r.Post("/reset", h.ResetAccount)
		r.Get("/positions", h.ListPositions)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/portfolio/analysis", h.GetAnalysis)
		r.Post("/rebalance", h.Rebalance)
		r.Post("/orders", h.SubmitOrder)
		r.Get("/orders", h.ListOrders)
		r.Post("/orders/evaluate", h.EvaluateOrders)
		r.Delete("/orders/{orderID}", h.CancelOrder)
		r.Get("/fills", h.ListFills)
	})
}

// --- Request/Response types ---

// ResetRequest is the JSON body for POST /accounts/{userID}/reset.
type ResetRequest struct {
	StartingCash *decimal.Decimal `json:"starting_cash,omitempty"`
}

// RebalanceRequest is the JSON body for POST /accounts/{userID}/rebalance.
// Prices and Targets are optional.
type RebalanceRequest struct {
	Prices  map[string]decimal.Decimal `json:"prices,omitempty"`
	Targets map[string]decimal.Decimal `json:"targets,omitempty"`
}

// SetPriceRequest is the JSON body for PUT /prices/{instrument}.
type SetPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// InstrumentsResponse lists the tradable instruments and the execution
// parameters applied to every fill.
type InstrumentsResponse struct {
	Instruments []string        `json:"instruments"`
	SlippageBps decimal.Decimal `json:"slippage_bps"`
	FeeBps      decimal.Decimal `json:"fee_bps"`
}

// PriceResponse reports a reference price.
type PriceResponse struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
}

// ErrorResponse is the body of every non-2xx response. Result is set when a
// persisted order was rejected.
type ErrorResponse struct {
	Error  string             `json:"error"`
	Kind   model.ErrorKind    `json:"kind,omitempty"`
	Result *model.OrderResult `json:"result,omitempty"`
}

// --- Instruments and prices ---

// ListInstruments handles GET /api/v1/instruments
func (h *Handler) ListInstruments(w http.ResponseWriter, _ *http.Request) {
	resp := InstrumentsResponse{Instruments: h.instruments.List()}
	if h.execution != nil {
		resp.SlippageBps = h.execution.SlippageBps()
		resp.FeeBps = h.execution.FeeBps()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPrice handles GET /api/v1/prices/{instrument}
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	inst, err := h.instruments.Resolve(chi.URLParam(r, "instrument"))
	if err != nil {
		h.writeError(w, model.Reject(model.KindInvalidOrderSpec, "%v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.priceTimeout)
	defer cancel()
	p, err := h.prices.LatestPrice(ctx, inst)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, model.Reject(model.KindTimeout, "price fetch for %s timed out", inst))
		return
	case err != nil:
		h.writeError(w, model.Reject(model.KindPriceUnavailable, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{Instrument: inst, Price: p})
}

// SetPrice handles PUT /api/v1/prices/{instrument}. Only available when the
// price source accepts writes (static, redis or chain).
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "prices are not settable with this price source"})
		return
	}
	inst, err := h.instruments.Resolve(chi.URLParam(r, "instrument"))
	if err != nil {
		h.writeError(w, model.Reject(model.KindInvalidOrderSpec, "%v", err))
		return
	}
	var req SetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, model.Reject(model.KindInvalidOrderSpec, "invalid request body"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.priceTimeout)
	defer cancel()
	err = h.feed.SetPrice(ctx, inst, req.Price)
	switch {
	case errors.Is(err, pricing.ErrInvalidPrice):
		h.writeError(w, model.Reject(model.KindInvalidOrderSpec, "%v", err))
		return
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, model.Reject(model.KindTimeout, "price update for %s timed out", inst))
		return
	case err != nil:
		h.writeError(w, fmt.Errorf("set price %s: %w", inst, err))
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{Instrument: inst, Price: req.Price})
}

// --- Accounts ---

// GetAccount handles GET /api/v1/accounts/{userID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ResetAccount handles POST /api/v1/accounts/{userID}/reset
func (h *Handler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if !decodeOptional(w, r, &req, h) {
		return
	}
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	reset, err := h.broker.ResetAccount(r.Context(), acct.ID, req.StartingCash)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reset)
}

// ListPositions handles GET /api/v1/accounts/{userID}/positions
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	positions, err := h.store.ListPositions(r.Context(), acct.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Portfolio ---

// GetPortfolio handles GET /api/v1/accounts/{userID}/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	snap, err := h.portfolio.Snapshot(r.Context(), acct.ID, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetAnalysis handles GET /api/v1/accounts/{userID}/portfolio/analysis
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	snap, err := h.portfolio.Snapshot(r.Context(), acct.ID, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio.Analyze(*snap))
}

// Rebalance handles POST /api/v1/accounts/{userID}/rebalance. The response
// is advisory; no orders are placed.
func (h *Handler) Rebalance(w http.ResponseWriter, r *http.Request) {
	var req RebalanceRequest
	if !decodeOptional(w, r, &req, h) {
		return
	}
	acct, ok := h.account(w, r)
	if !ok {
		return
	}

	prices, err := h.resolveKeys(req.Prices)
	if err != nil {
		h.writeError(w, err)
		return
	}
	targets, err := h.resolveKeys(req.Targets)
	if err != nil {
		h.writeError(w, err)
		return
	}

	suggestions, err := h.portfolio.Suggest(r.Context(), acct.ID, prices, targets)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

// --- Orders ---

// SubmitOrder handles POST /api/v1/accounts/{userID}/orders
//
// 201 with the fills when the order filled, 202 when a limit order rests,
// and the mapped error status (with the rejected result) otherwise.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req broker.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, model.Reject(model.KindInvalidOrderSpec, "invalid request body"))
		return
	}
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	req.AccountID = acct.ID
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := h.broker.SubmitOrder(r.Context(), req)
	if err != nil {
		h.writeErrorResult(w, err, res)
		return
	}
	status := http.StatusCreated
	if res.Status == model.OrderStatusCreated {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// ListOrders handles GET /api/v1/accounts/{userID}/orders?status=&limit=
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	status := model.OrderStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.OrderStatusCreated, model.OrderStatusPartial, model.OrderStatusFilled,
		model.OrderStatusRejected, model.OrderStatusCanceled:
	default:
		h.writeError(w, model.Reject(model.KindInvalidOrderSpec, "unknown status %q", status))
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	acct, ok := h.account(w, r)
	if !ok {
		return
	}

	orders, err := h.store.ListOrders(r.Context(), acct.ID, status, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder handles DELETE /api/v1/accounts/{userID}/orders/{orderID}
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	o, err := h.broker.CancelOrder(r.Context(), acct.ID, chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// EvaluateOrders handles POST /api/v1/accounts/{userID}/orders/evaluate
func (h *Handler) EvaluateOrders(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	results, err := h.broker.EvaluateRestingOrders(r.Context(), acct.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ListFills handles GET /api/v1/accounts/{userID}/fills?limit=
func (h *Handler) ListFills(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	acct, ok := h.account(w, r)
	if !ok {
		return
	}
	fills, err := h.store.ListFills(r.Context(), acct.ID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if fills == nil {
		fills = []model.Fill{}
	}
	writeJSON(w, http.StatusOK, fills)
}

// --- Helpers ---

func (h *Handler) account(w http.ResponseWriter, r *http.Request) (*model.Account, bool) {
	acct, err := h.broker.GetOrCreateAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return acct, true
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		h.writeError(w, model.Reject(model.KindInvalidOrderSpec, "limit must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

// resolveKeys canonicalises instrument keys. A nil map stays nil.
func (h *Handler) resolveKeys(in map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		inst, err := h.instruments.Resolve(k)
		if err != nil {
			return nil, model.Reject(model.KindInvalidOrderSpec, "%v", err)
		}
		out[inst] = v
	}
	return out, nil
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any, h *Handler) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, model.Reject(model.KindInvalidOrderSpec, "invalid request body"))
		return false
	}
	return true
}

// StatusFor maps a ledger error kind to an HTTP status.
func StatusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindInvalidOrderSpec, model.KindBelowMinimumSize:
		return http.StatusBadRequest
	case model.KindAccountNotFound, model.KindOrderNotFound:
		return http.StatusNotFound
	case model.KindInsufficientFunds, model.KindInsufficientPosition, model.KindPositionLimitExceeded,
		model.KindDuplicateOrder, model.KindOrderNotCancelable, model.KindStorageConflict:
		return http.StatusConflict
	case model.KindPriceUnavailable:
		return http.StatusServiceUnavailable
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.writeErrorResult(w, err, nil)
}

// writeErrorResult writes err without leaking storage details: only ledger
// errors carry their reason to the client.
func (h *Handler) writeErrorResult(w http.ResponseWriter, err error, res *model.OrderResult) {
	kind := model.KindOf(err)
	if kind == "" {
		h.logger.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Result: res})
		return
	}
	writeJSON(w, StatusFor(kind), ErrorResponse{Error: model.ReasonOf(err), Kind: kind, Result: res})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
