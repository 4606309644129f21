package payment

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/httpapi"
	"github.com/safar/storefront/internal/models"
)

type Handler struct {
	service *Service
	logger  zerolog.Logger
}

func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux, wrap func(name string, next http.Handler) http.Handler) {
	mux.Handle("POST /charge", wrap("POST /charge", http.HandlerFunc(h.handleCharge)))
	mux.Handle("POST /refund", wrap("POST /refund", http.HandlerFunc(h.handleRefund)))
	mux.Handle("GET /payments/{id}", wrap("GET /payments/{id}", http.HandlerFunc(h.handleGet)))
}

func (h *Handler) handleCharge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	p, err := h.service.Charge(r.Context(), req)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	httpapi.RespondJSON(w, http.StatusCreated, p)
}

type refundRequest struct {
	PaymentID string `json:"paymentId"`
}

type refundResponse struct {
	Message string          `json:"message"`
	Payment *models.Payment `json:"payment"`
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	p, err := h.service.Refund(r.Context(), req.PaymentID)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	httpapi.RespondJSON(w, http.StatusOK, refundResponse{Message: "Refund processed", Payment: p})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	httpapi.RespondJSON(w, http.StatusOK, p)
}
