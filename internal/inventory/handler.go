package inventory

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/auth"
	"github.com/safar/storefront/internal/httpapi"
	"github.com/safar/storefront/internal/models"
)

type Handler struct {
	ledger *Ledger
	logger zerolog.Logger
}

func NewHandler(ledger *Ledger, logger zerolog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// Register mounts the inventory routes. wrap decorates each route with the
// service middleware chain.
func (h *Handler) Register(mux *http.ServeMux, wrap func(name string, next http.Handler) http.Handler) {
	mux.Handle("GET /inventory/{productId}", wrap("GET /inventory/{productId}", http.HandlerFunc(h.handleGet)))
	mux.Handle("PUT /inventory/{productId}", wrap("PUT /inventory/{productId}",
		auth.RequireRole(auth.RoleAdmin)(http.HandlerFunc(h.handleSetStock))))
	mux.Handle("GET /reservations/{orderId}", wrap("GET /reservations/{orderId}", http.HandlerFunc(h.handleListReservations)))
	mux.Handle("POST /reserve", wrap("POST /reserve", http.HandlerFunc(h.handleReserve)))
	mux.Handle("POST /release", wrap("POST /release", http.HandlerFunc(h.handleRelease)))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Get(r.Context(), r.PathValue("productId"))
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	httpapi.RespondJSON(w, http.StatusOK, struct {
		*models.InventoryRecord
		Available int `json:"available"`
	}{rec, rec.Available()})
}

type setStockRequest struct {
	Quantity *int `json:"quantity"`
}

// handleSetStock resets a product's stock count and clears its reserved
// counter, the same as a product.created event would.
func (h *Handler) handleSetStock(w http.ResponseWriter, r *http.Request) {
	var req setStockRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	if req.Quantity == nil {
		httpapi.RespondError(w, http.StatusBadRequest, "quantity is required")
		return
	}

	rec, err := h.ledger.SeedProduct(r.Context(), r.PathValue("productId"), *req.Quantity)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	httpapi.RespondJSON(w, http.StatusOK, struct {
		*models.InventoryRecord
		Available int `json:"available"`
	}{rec, rec.Available()})
}

func (h *Handler) handleListReservations(w http.ResponseWriter, r *http.Request) {
	reservations, err := h.ledger.Reservations(r.Context(), r.PathValue("orderId"))
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	if reservations == nil {
		reservations = []models.Reservation{}
	}
	httpapi.RespondJSON(w, http.StatusOK, reservations)
}

type reserveRequest struct {
	OrderID string             `json:"orderId"`
	Items   []models.StockItem `json:"items"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	receipt, err := h.ledger.Reserve(r.Context(), req.OrderID, req.Items)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	httpapi.RespondJSON(w, http.StatusCreated, receipt)
}

type releaseRequest struct {
	OrderID string `json:"orderId"`
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	if _, err := h.ledger.Release(r.Context(), req.OrderID); err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	httpapi.RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Stock released",
		"orderId": req.OrderID,
	})
}
