// Package inventory owns per-product stock counters and the reservations
// held against them.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/apperror"
	"github.com/safar/storefront/internal/contracts"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/eventbus"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const orderPlacedConsumer = "inventory.order.placed"

type Options struct {
	Exchange          string
	Source            string
	LowStockThreshold int
	// ReconcileOnDecrement makes the order.placed consumer also fulfil the
	// order's reservations and give back their reserved count.
	ReconcileOnDecrement bool
	// LockTimeout bounds each wait for a row or order lock. Timed out
	// transactions are retried.
	LockTimeout time.Duration
}

type Ledger struct {
	db        *sql.DB
	publisher eventbus.Publisher
	opts      Options
	logger    zerolog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

func NewLedger(db *sql.DB, publisher eventbus.Publisher, opts Options, logger zerolog.Logger, metrics *observability.Metrics) *Ledger {
	if opts.Exchange == "" {
		opts.Exchange = eventbus.DefaultExchange
	}
	return &Ledger{
		db:        db,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With().Str("component", "ledger").Logger(),
		metrics:   metrics,
		tracer:    otel.Tracer("github.com/safar/storefront/internal/inventory"),
	}
}

// productError ties a ledger failure to the product that caused it.
type productError struct {
	productID string
	err       error
}

func (e *productError) Error() string { return fmt.Sprintf("product %s: %v", e.productID, e.err) }
func (e *productError) Unwrap() error { return e.err }

// aggregate merges duplicate product lines and returns them sorted by
// product id, the order in which rows are locked.
func aggregate(items []models.StockItem) ([]models.StockItem, error) {
	totals := make(map[string]int, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			return nil, apperror.Validation("productId is required for every item")
		}
		if item.Quantity <= 0 {
			return nil, apperror.Validation(fmt.Sprintf("quantity for product %s must be positive", item.ProductID))
		}
		totals[item.ProductID] += item.Quantity
	}

	out := make([]models.StockItem, 0, len(totals))
	for productID, quantity := range totals {
		out = append(out, models.StockItem{ProductID: productID, Quantity: quantity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// Reserve holds stock for every item of an order in one transaction. Either
// all items are reserved or none are. Calling it again for an order that
// already holds reservations returns the existing receipt.
func (l *Ledger) Reserve(ctx context.Context, orderID string, items []models.StockItem) (*models.ReservationReceipt, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Reserve")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.Int("items", len(items)))

	if orderID == "" || len(items) == 0 {
		return nil, apperror.Validation("orderId and items are required")
	}
	lines, err := aggregate(items)
	if err != nil {
		return nil, err
	}

	var receipt *models.ReservationReceipt
	var lowStock []contracts.StockLow

	err = database.WithRetry(ctx, l.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		receipt, lowStock = nil, nil

		if err := setLockTimeout(ctx, tx, l.opts.LockTimeout); err != nil {
			return err
		}
		if err := lockOrder(ctx, tx, orderID); err != nil {
			return err
		}

		released, err := isReleased(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if released {
			return database.ErrAlreadyReleased
		}

		existing, err := lockReservations(ctx, tx, orderID, "")
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			for _, r := range existing {
				if r.Status == models.ReservationReserved {
					receipt = &models.ReservationReceipt{ReservationID: r.ID, OrderID: orderID, Status: models.ReservationReserved}
					return nil
				}
			}
			return database.ErrAlreadyReleased
		}

		for _, line := range lines {
			rec, err := lockRecord(ctx, tx, line.ProductID)
			if err != nil {
				return &productError{productID: line.ProductID, err: err}
			}
			if rec.Available() < line.Quantity {
				return &productError{productID: line.ProductID, err: database.ErrInsufficientStock}
			}

			if err := addReserved(ctx, tx, line.ProductID, line.Quantity); err != nil {
				return err
			}

			reservation := &models.Reservation{
				ID:        uuid.NewString(),
				OrderID:   orderID,
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				Status:    models.ReservationReserved,
			}
			if err := insertReservation(ctx, tx, reservation); err != nil {
				return err
			}
			if receipt == nil {
				receipt = &models.ReservationReceipt{ReservationID: reservation.ID, OrderID: orderID, Status: models.ReservationReserved}
			}

			available := rec.Available() - line.Quantity
			if available <= l.opts.LowStockThreshold {
				lowStock = append(lowStock, contracts.StockLow{
					ProductID:    line.ProductID,
					CurrentStock: available,
					Threshold:    l.opts.LowStockThreshold,
				})
			}
		}

		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		appErr := reserveError(err)
		l.metrics.ObserveReservation(apperror.KindOf(appErr).String())
		return nil, appErr
	}

	l.metrics.ObserveReservation("reserved")
	l.logger.Info().Str("order_id", orderID).Str("reservation_id", receipt.ReservationID).Msg("stock reserved")

	// Published only once the reservation is durable.
	for _, low := range lowStock {
		l.publish(ctx, eventbus.StockLow, orderID, low)
	}

	return receipt, nil
}

func reserveError(err error) error {
	var pe *productError
	switch {
	case errors.As(err, &pe) && errors.Is(err, database.ErrInventoryNotFound):
		return apperror.NotFound(fmt.Sprintf("Product %s not found in inventory", pe.productID))
	case errors.As(err, &pe) && errors.Is(err, database.ErrInsufficientStock):
		return apperror.Conflict(fmt.Sprintf("Insufficient stock for product %s", pe.productID))
	case errors.Is(err, database.ErrAlreadyReleased):
		return apperror.Conflict("Reservation for this order has already been resolved")
	case errors.Is(err, database.ErrLockTimeout):
		return apperror.Wrap(apperror.KindConflict, "Inventory is busy, retry later", err)
	default:
		return apperror.Internal(err)
	}
}

// Release gives back every RESERVED hold of the order and marks them
// RELEASED. It returns the number of reservations released; releasing an
// order with nothing reserved changes no stock. The order is remembered as
// released either way, so a reserve arriving after its release is refused.
func (l *Ledger) Release(ctx context.Context, orderID string) (int, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Release")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	if orderID == "" {
		return 0, apperror.Validation("orderId is required")
	}

	var released int
	err := database.WithRetry(ctx, l.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		released = 0

		if err := setLockTimeout(ctx, tx, l.opts.LockTimeout); err != nil {
			return err
		}
		if err := lockOrder(ctx, tx, orderID); err != nil {
			return err
		}
		if err := markReleased(ctx, tx, orderID); err != nil {
			return err
		}

		held, err := lockReservations(ctx, tx, orderID, models.ReservationReserved)
		if err != nil {
			return err
		}
		if len(held) == 0 {
			return nil
		}

		if err := l.returnReserved(ctx, tx, held); err != nil {
			return err
		}

		n, err := setReservationStatus(ctx, tx, orderID, models.ReservationReserved, models.ReservationReleased)
		if err != nil {
			return err
		}
		released = int(n)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed")
		return 0, apperror.Internal(err)
	}

	l.logger.Info().Str("order_id", orderID).Int("released", released).Msg("stock released")
	return released, nil
}

// returnReserved decrements reserved counters for held reservations, locking
// inventory rows in product order.
func (l *Ledger) returnReserved(ctx context.Context, tx *sql.Tx, held []models.Reservation) error {
	perProduct := make([]models.StockItem, 0, len(held))
	for _, r := range held {
		perProduct = append(perProduct, models.StockItem{ProductID: r.ProductID, Quantity: r.Quantity})
	}
	lines, err := aggregate(perProduct)
	if err != nil {
		return err
	}

	for _, line := range lines {
		if _, err := lockRecord(ctx, tx, line.ProductID); err != nil {
			return err
		}
		if err := subtractReserved(ctx, tx, line.ProductID, line.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// ApplyOrderPlaced permanently decrements stock for a placed order. Each
// line stands alone: malformed lines and lines whose product holds less than
// requested are skipped. Redelivered events with an id already seen are
// ignored. It reports whether the event was applied.
func (l *Ledger) ApplyOrderPlaced(ctx context.Context, eventID string, order contracts.OrderPlaced) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.ApplyOrderPlaced")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", order.OrderID), attribute.String("event.id", eventID))

	items := make([]models.StockItem, 0, len(order.Items))
	for i, item := range order.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			l.logger.Warn().
				Str("order_id", order.OrderID).
				Int("line", i).
				Str("product_id", item.ProductID).
				Int("quantity", item.Quantity).
				Msg("malformed order.placed line skipped")
			continue
		}
		items = append(items, models.StockItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	lines, err := aggregate(items)
	if err != nil {
		return false, err
	}

	applied := false
	var skipped []string

	err = database.WithRetry(ctx, l.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		applied, skipped = false, nil

		if err := setLockTimeout(ctx, tx, l.opts.LockTimeout); err != nil {
			return err
		}
		if eventID != "" {
			fresh, err := markProcessed(ctx, tx, eventID, orderPlacedConsumer)
			if err != nil {
				return err
			}
			if !fresh {
				return nil
			}
		}

		if order.OrderID != "" {
			if err := lockOrder(ctx, tx, order.OrderID); err != nil {
				return err
			}
		}

		for _, line := range lines {
			ok, err := decrementQuantity(ctx, tx, line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				skipped = append(skipped, line.ProductID)
			}
		}

		if l.opts.ReconcileOnDecrement && order.OrderID != "" {
			held, err := lockReservations(ctx, tx, order.OrderID, models.ReservationReserved)
			if err != nil {
				return err
			}
			if len(held) > 0 {
				if err := l.returnReserved(ctx, tx, held); err != nil {
					return err
				}
				if _, err := setReservationStatus(ctx, tx, order.OrderID, models.ReservationReserved, models.ReservationFulfilled); err != nil {
					return err
				}
			}
		}

		applied = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decrement failed")
		return false, err
	}

	if !applied {
		l.logger.Info().Str("event_id", eventID).Msg("duplicate order.placed ignored")
		return false, nil
	}
	if len(skipped) > 0 {
		l.logger.Warn().Str("order_id", order.OrderID).Strs("products", skipped).Msg("stock not decremented: insufficient quantity")
	}
	l.logger.Info().Str("order_id", order.OrderID).Int("lines", len(lines)).Msg("stock decremented")
	return true, nil
}

// SeedProduct creates or resets the ledger row of a product with nothing
// reserved.
func (l *Ledger) SeedProduct(ctx context.Context, productID string, quantity int) (*models.InventoryRecord, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.SeedProduct")
	defer span.End()

	if productID == "" {
		return nil, apperror.Validation("productId is required")
	}
	if quantity < 0 {
		return nil, apperror.Validation("quantity must not be negative")
	}

	rec, err := upsertRecord(ctx, l.db, productID, quantity)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	l.logger.Info().Str("product_id", productID).Int("quantity", quantity).Msg("inventory seeded")
	return rec, nil
}

func (l *Ledger) Get(ctx context.Context, productID string) (*models.InventoryRecord, error) {
	rec, err := GetRecord(ctx, l.db, productID)
	if err != nil {
		if errors.Is(err, database.ErrInventoryNotFound) {
			return nil, apperror.NotFound("Inventory record not found")
		}
		return nil, apperror.Internal(err)
	}
	return rec, nil
}

func (l *Ledger) Reservations(ctx context.Context, orderID string) ([]models.Reservation, error) {
	reservations, err := ListReservations(ctx, l.db, orderID)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return reservations, nil
}

func (l *Ledger) publish(ctx context.Context, eventType, correlationID string, data any) {
	if l.publisher == nil {
		return
	}
	evt, err := eventbus.NewEvent(eventType, l.opts.Source, correlationID, data)
	if err != nil {
		l.logger.Error().Err(err).Str("event_type", eventType).Msg("build event")
		return
	}
	if err := l.publisher.Publish(ctx, l.opts.Exchange, eventType, evt); err != nil {
		l.logger.Warn().Err(err).Str("event_type", eventType).Msg("event not published")
	}
}
