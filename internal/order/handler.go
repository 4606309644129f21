package order

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/apperror"
	"github.com/safar/storefront/internal/auth"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/httpapi"
	"github.com/safar/storefront/internal/httpclient"
)

type Handler struct {
	db           *sql.DB
	orchestrator *Orchestrator
	logger       zerolog.Logger
}

func NewHandler(db *sql.DB, orchestrator *Orchestrator, logger zerolog.Logger) *Handler {
	return &Handler{db: db, orchestrator: orchestrator, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux, wrap func(name string, next http.Handler) http.Handler) {
	mux.Handle("POST /orders", wrap("POST /orders", http.HandlerFunc(h.handleCreate)))
	mux.Handle("GET /orders/{id}", wrap("GET /orders/{id}", http.HandlerFunc(h.handleGet)))
	mux.Handle("GET /orders/user/{userId}", wrap("GET /orders/user/{userId}", http.HandlerFunc(h.handleListByUser)))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUser(r.Context())
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	var req CheckoutRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	// Collaborators see the caller's own credential.
	ctx := r.Context()
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		ctx = httpclient.WithBearer(ctx, token)
	}

	result, err := h.orchestrator.PlaceOrder(ctx, userID, req)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	httpapi.RespondJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUser(r.Context())
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	order, err := GetOrder(r.Context(), h.db, r.PathValue("id"), userID)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			httpapi.RespondError(w, http.StatusNotFound, "Order not found")
			return
		}
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	httpapi.RespondJSON(w, http.StatusOK, order)
}

func (h *Handler) handleListByUser(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.RequireUser(r.Context())
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	if userID != r.PathValue("userId") {
		httpapi.RespondAppError(w, h.logger, apperror.Forbidden("Forbidden"))
		return
	}

	limit := DefaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpapi.RespondError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = n
	}

	cursor := r.URL.Query().Get("cursor")
	if _, err := DecodeCursor(cursor); err != nil {
		httpapi.RespondError(w, http.StatusBadRequest, "Invalid cursor")
		return
	}

	page, err := ListOrdersCursor(r.Context(), h.db, userID, cursor, limit)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	httpapi.RespondJSON(w, http.StatusOK, page)
}
