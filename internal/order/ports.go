package order

import (
	"context"

	"github.com/safar/storefront/internal/models"
	"github.com/shopspring/decimal"
)

// CartStore is the cart collaborator.
type CartStore interface {
	GetCart(ctx context.Context, userID string) (*models.Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

// InventoryService holds and releases stock for an order. Release must be
// idempotent.
type InventoryService interface {
	Reserve(ctx context.Context, orderID string, items []models.StockItem) (*models.ReservationReceipt, error)
	Release(ctx context.Context, orderID string) error
}

type PaymentService interface {
	Charge(ctx context.Context, orderID string, amount decimal.Decimal, paymentMethodID string) (*models.Payment, error)
}
