// Package intake is the HTTP boundary of the order engine: it validates
// incoming orders, enriches them with an order id and queue timestamp, and
// pushes them onto the queue transport. Authentication happens upstream;
// the gateway injects the caller's user id.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/order-engine/internal/metrics"
	"github.com/papertrade/order-engine/internal/model"
	"github.com/papertrade/order-engine/internal/store"
)

// userHeader carries the authenticated user id, set by the auth gateway in
// front of this service.
const userHeader = "X-User-ID"

// Enqueuer pushes validated orders onto the queue transport.
type Enqueuer interface {
	Enqueue(ctx context.Context, o model.OrderRequest) error
}

// Handler serves the intake API.
type Handler struct {
	st       store.Store
	producer Enqueuer
}

// NewHandler creates an intake handler.
func NewHandler(st store.Store, producer Enqueuer) *Handler {
	return &Handler{st: st, producer: producer}
}

// SubmitOrderRequest is the JSON body for POST /api/v1/orders.
type SubmitOrderRequest struct {
	Side      model.Side      `json:"side"`
	Symbol    string          `json:"symbol"`
	Quantity  int64           `json:"quantity"`
	TradeTime model.Timestamp `json:"trade_time"`
}

// SubmitOrderResponse is returned with 202 Accepted once the order is queued.
type SubmitOrderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SubmitOrder handles POST /api/v1/orders: validate, enrich, enqueue.
// Execution happens asynchronously in the batch workers.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		writeError(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order := model.OrderRequest{
		OrderID:   uuid.New().String(),
		UserID:    userID,
		Side:      req.Side,
		Symbol:    req.Symbol,
		Quantity:  req.Quantity,
		TradeTime: req.TradeTime,
		QueuedAt:  model.Timestamp{Time: time.Now().UTC()},
	}
	if err := order.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.producer.Enqueue(r.Context(), order); err != nil {
		slog.Error("enqueue failed", "order", order.OrderID, "err", err)
		writeError(w, "failed to queue order", http.StatusServiceUnavailable)
		return
	}

	metrics.OrdersQueued.WithLabelValues(string(order.Side)).Inc()
	slog.Info("order queued",
		"order", order.OrderID,
		"user", userID,
		"side", order.Side,
		"symbol", order.Symbol,
		"qty", order.Quantity,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitOrderResponse{
		Success: true,
		OrderID: order.OrderID,
		Status:  "QUEUED",
		Message: "Order queued for processing",
	})
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}: cash, open holdings,
// and realized P&L.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	account, err := h.st.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "account not found", http.StatusNotFound)
			return
		}
		slog.Error("load account failed", "user", userID, "err", err)
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}

	lots, err := h.st.GetOpenLotsByUser(ctx, userID)
	if err != nil {
		slog.Error("load lots failed", "user", userID, "err", err)
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}

	ids := make([]int64, 0, len(lots))
	for _, l := range lots {
		ids = append(ids, l.InstrumentID)
	}
	instruments, err := h.st.GetInstrumentsByIDs(ctx, ids)
	if err != nil {
		slog.Error("load instruments failed", "user", userID, "err", err)
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}

	positions := make([]model.PositionView, 0, len(lots))
	for _, l := range lots {
		positions = append(positions, model.PositionView{
			InstrumentID: l.InstrumentID,
			Symbol:       instruments[l.InstrumentID].Symbol,
			Quantity:     l.Quantity,
			AvgBuyPrice:  l.BuyPrice,
			CostBasis:    l.CostBasis(),
		})
	}

	closed, err := h.st.GetClosedLotsByUser(ctx, userID)
	if err != nil {
		slog.Error("load closed lots failed", "user", userID, "err", err)
		writeError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	realized := decimal.Zero
	for _, cl := range closed {
		realized = realized.Add(cl.PnL)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(model.Portfolio{
		UserID:        userID,
		AvailableCash: account.AvailableCash,
		Positions:     positions,
		RealizedPnL:   realized,
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
