package cart

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/apperror"
	"github.com/safar/storefront/internal/auth"
	"github.com/safar/storefront/internal/httpapi"
	"github.com/safar/storefront/internal/models"
	"github.com/shopspring/decimal"
)

type Handler struct {
	store  *Store
	logger zerolog.Logger
}

func NewHandler(store *Store, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Register mounts the cart routes. Every route requires the caller to be
// the cart owner.
func (h *Handler) Register(mux *http.ServeMux, wrap func(name string, next http.Handler) http.Handler) {
	mux.Handle("GET /cart/{userId}", wrap("GET /cart/{userId}", http.HandlerFunc(h.handleGet)))
	mux.Handle("POST /cart/{userId}/items", wrap("POST /cart/{userId}/items", http.HandlerFunc(h.handleAdd)))
	mux.Handle("PUT /cart/{userId}/items/{productId}", wrap("PUT /cart/{userId}/items/{productId}", http.HandlerFunc(h.handleUpdate)))
	mux.Handle("DELETE /cart/{userId}", wrap("DELETE /cart/{userId}", http.HandlerFunc(h.handleClear)))
}

type lineView struct {
	models.CartItem
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

type cartView struct {
	UserID      string          `json:"userId"`
	Items       []lineView      `json:"items"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	UpdatedAt   *time.Time      `json:"updatedAt"`
}

func view(cart *models.Cart) cartView {
	v := cartView{UserID: cart.UserID, Items: make([]lineView, 0, len(cart.Items)), TotalAmount: cart.Total()}
	for _, item := range cart.Items {
		v.Items = append(v.Items, lineView{CartItem: item, TotalPrice: item.LineTotal()})
	}
	if !cart.UpdatedAt.IsZero() {
		v.UpdatedAt = &cart.UpdatedAt
	}
	return v
}

func (h *Handler) owner(r *http.Request) (string, error) {
	userID, err := auth.RequireUser(r.Context())
	if err != nil {
		return "", err
	}
	if userID != r.PathValue("userId") {
		return "", apperror.Forbidden("Forbidden")
	}
	return userID, nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, err := h.owner(r)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	cart, err := h.store.GetCart(r.Context(), userID)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	httpapi.RespondJSON(w, http.StatusOK, view(cart))
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	userID, err := h.owner(r)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	var item models.CartItem
	if err := httpapi.DecodeJSON(r, &item); err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	if item.ProductID == "" || item.Quantity <= 0 {
		httpapi.RespondError(w, http.StatusBadRequest, "productId and quantity are required")
		return
	}

	cart, err := h.store.AddItem(r.Context(), userID, item)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	h.logger.Info().Str("user_id", userID).Str("product_id", item.ProductID).Int("quantity", item.Quantity).Msg("item added to cart")
	httpapi.RespondJSON(w, http.StatusCreated, view(cart))
}

type updateItemRequest struct {
	Quantity *int `json:"quantity"`
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, err := h.owner(r)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	var req updateItemRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	if req.Quantity == nil {
		httpapi.RespondError(w, http.StatusBadRequest, "quantity is required")
		return
	}

	productID := r.PathValue("productId")
	cart, err := h.store.UpdateItem(r.Context(), userID, productID, *req.Quantity)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	h.logger.Info().Str("user_id", userID).Str("product_id", productID).Int("quantity", *req.Quantity).Msg("cart item updated")
	httpapi.RespondJSON(w, http.StatusOK, view(cart))
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	userID, err := h.owner(r)
	if err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}

	if err := h.store.ClearCart(r.Context(), userID); err != nil {
		httpapi.RespondAppError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
