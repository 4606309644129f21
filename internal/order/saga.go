// Package order runs checkout as a saga across the cart, inventory and
// payment collaborators and stores the resulting orders.
package order

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/apperror"
	"github.com/safar/storefront/internal/contracts"
	"github.com/safar/storefront/internal/eventbus"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/observability"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultPaymentMethod = "mock_card"

type Options struct {
	Exchange string
	Source   string
}

type CheckoutRequest struct {
	ShippingAddress string `json:"shippingAddress"`
	PaymentMethodID string `json:"paymentMethodId,omitempty"`
}

type CheckoutResult struct {
	OrderID     string             `json:"orderId"`
	Status      models.OrderStatus `json:"status"`
	TotalAmount decimal.Decimal    `json:"totalAmount"`
}

type Orchestrator struct {
	db        *sql.DB
	carts     CartStore
	inventory InventoryService
	payments  PaymentService
	publisher eventbus.Publisher
	log       *SagaLog
	opts      Options
	logger    zerolog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

func NewOrchestrator(
	db *sql.DB,
	carts CartStore,
	inventory InventoryService,
	payments PaymentService,
	publisher eventbus.Publisher,
	opts Options,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	if opts.Exchange == "" {
		opts.Exchange = eventbus.DefaultExchange
	}
	return &Orchestrator{
		db:        db,
		carts:     carts,
		inventory: inventory,
		payments:  payments,
		publisher: publisher,
		log:       NewSagaLog(db),
		opts:      opts,
		logger:    logger.With().Str("component", "saga").Logger(),
		metrics:   metrics,
		tracer:    otel.Tracer("github.com/safar/storefront/internal/order"),
	}
}

func (o *Orchestrator) Log() *SagaLog {
	return o.log
}

// PlaceOrder runs checkout for userID. Steps are not cancellable once
// started, so the caller's cancellation is detached.
func (o *Orchestrator) PlaceOrder(ctx context.Context, userID string, req CheckoutRequest) (*CheckoutResult, error) {
	ctx = context.WithoutCancel(ctx)
	orderID := uuid.NewString()

	ctx, span := o.tracer.Start(ctx, "saga.PlaceOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("user.id", userID))

	logger := o.logger.With().Str("order_id", orderID).Str("user_id", userID).Logger()

	result, outcome, err := o.placeOrder(ctx, logger, orderID, userID, req)
	o.metrics.ObserveSaga(outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) placeOrder(ctx context.Context, logger zerolog.Logger, orderID, userID string, req CheckoutRequest) (*CheckoutResult, string, error) {
	if req.ShippingAddress == "" {
		return nil, "rejected", apperror.Validation("shippingAddress is required")
	}

	logger.Info().Msg("saga: fetching cart")
	var cart *models.Cart
	err := o.timed(ctx, StepFetchCart, func(ctx context.Context) error {
		var err error
		cart, err = o.carts.GetCart(ctx, userID)
		return err
	})
	if err != nil {
		return nil, "failed", apperror.Internal(err)
	}
	if len(cart.Items) == 0 {
		return nil, "rejected", apperror.Validation("Cart is empty")
	}

	paymentMethod := req.PaymentMethodID
	if paymentMethod == "" {
		paymentMethod = defaultPaymentMethod
	}

	exec := &SagaExecution{
		OrderID: orderID,
		UserID:  userID,
		Payload: SagaPayload{
			Items:           cart.Items,
			TotalAmount:     cart.Total(),
			ShippingAddress: req.ShippingAddress,
			PaymentMethodID: paymentMethod,
		},
	}
	if err := o.log.Start(ctx, exec); err != nil {
		return nil, "failed", apperror.Internal(err)
	}
	o.record(ctx, logger, orderID, StepFetchCart, StepCompleted, "")

	logger.Info().Msg("saga: reserving inventory")
	err = o.step(ctx, logger, orderID, StepReserveInventory, func(ctx context.Context) error {
		_, err := o.inventory.Reserve(ctx, orderID, cart.StockItems())
		return err
	})
	if err != nil {
		// A transport failure may still have reserved on the remote side.
		if apperror.KindOf(err) == apperror.KindInternal {
			o.compensate(ctx, logger, orderID, err)
		} else {
			o.finish(ctx, logger, orderID, SagaFailed, err.Error())
		}
		return nil, "out_of_stock", apperror.Wrap(apperror.KindConflict, "Insufficient stock for one or more items", err)
	}

	logger.Info().Msg("saga: processing payment")
	var payment *models.Payment
	err = o.step(ctx, logger, orderID, StepChargePayment, func(ctx context.Context) error {
		var err error
		payment, err = o.payments.Charge(ctx, orderID, exec.Payload.TotalAmount, paymentMethod)
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Msg("saga: payment failed, releasing inventory")
		o.compensate(ctx, logger, orderID, err)
		return nil, "payment_failed", apperror.Wrap(apperror.KindPaymentRequired, "Payment failed", err)
	}
	if err := o.log.RecordPayment(ctx, orderID, payment.ID); err != nil {
		logger.Warn().Err(err).Msg("saga log: payment not recorded")
	}
	exec.Payload.PaymentID = payment.ID

	order := buildOrder(exec)
	err = o.step(ctx, logger, orderID, StepPersistOrder, func(ctx context.Context) error {
		_, err := InsertOrder(ctx, o.db, order)
		return err
	})
	if err != nil {
		// Payment is captured. The execution stays RUNNING so recovery can
		// persist the order later.
		logger.Error().Err(err).Str("payment_id", payment.ID).Msg("saga: order not persisted after payment")
		return nil, "persist_failed", apperror.Internal(err)
	}

	o.clearCart(ctx, logger, orderID, userID)
	o.publishPlaced(ctx, logger, order)
	o.finish(ctx, logger, orderID, SagaCompleted, "")

	logger.Info().Str("total", order.TotalAmount.String()).Msg("order placed")
	return &CheckoutResult{
		OrderID:     orderID,
		Status:      models.OrderStatusConfirmed,
		TotalAmount: order.TotalAmount,
	}, "completed", nil
}

// timed runs fn in a child span and records its latency.
func (o *Orchestrator) timed(ctx context.Context, step Step, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "saga."+string(step))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.metrics.ObserveSagaStep(string(step), result, time.Since(start))
	return err
}

// step is timed plus STARTED and COMPLETED or FAILED entries in the saga log.
func (o *Orchestrator) step(ctx context.Context, logger zerolog.Logger, orderID string, step Step, fn func(context.Context) error) error {
	o.record(ctx, logger, orderID, step, StepStarted, "")
	err := o.timed(ctx, step, fn)
	if err != nil {
		o.record(ctx, logger, orderID, step, StepFailed, err.Error())
		return err
	}
	if step != StepChargePayment {
		o.record(ctx, logger, orderID, step, StepCompleted, "")
	}
	return nil
}

// record writes to the saga log. Failures are logged and never fail the
// checkout.
func (o *Orchestrator) record(ctx context.Context, logger zerolog.Logger, orderID string, step Step, status StepStatus, detail string) {
	if err := o.log.Record(ctx, orderID, step, status, detail); err != nil {
		logger.Warn().Err(err).Str("step", string(step)).Msg("saga log: step not recorded")
	}
}

func (o *Orchestrator) finish(ctx context.Context, logger zerolog.Logger, orderID string, status SagaStatus, errMsg string) {
	if err := o.log.Finish(ctx, orderID, status, errMsg); err != nil {
		logger.Warn().Err(err).Str("status", string(status)).Msg("saga log: execution not finished")
	}
}

// compensate releases the order's reservation. When the release itself fails
// the execution stays RUNNING for recovery to retry.
func (o *Orchestrator) compensate(ctx context.Context, logger zerolog.Logger, orderID string, cause error) {
	err := o.timed(ctx, StepReleaseInventory, func(ctx context.Context) error {
		return o.inventory.Release(ctx, orderID)
	})
	if err != nil {
		logger.Error().Err(err).Msg("saga: release failed, left for recovery")
		o.record(ctx, logger, orderID, StepReleaseInventory, StepFailed, err.Error())
		return
	}
	o.record(ctx, logger, orderID, StepReleaseInventory, StepCompensated, "")
	o.finish(ctx, logger, orderID, SagaCompensated, cause.Error())
}

func (o *Orchestrator) clearCart(ctx context.Context, logger zerolog.Logger, orderID, userID string) {
	err := o.step(ctx, logger, orderID, StepClearCart, func(ctx context.Context) error {
		return o.carts.ClearCart(ctx, userID)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("saga: cart not cleared")
	}
}

func (o *Orchestrator) publishPlaced(ctx context.Context, logger zerolog.Logger, order *models.Order) {
	err := o.step(ctx, logger, order.ID, StepPublishEvent, func(ctx context.Context) error {
		evt, err := orderPlacedEvent(o.opts.Source, order)
		if err != nil {
			return err
		}
		if o.publisher == nil {
			return eventbus.ErrNotConnected
		}
		return o.publisher.Publish(ctx, o.opts.Exchange, eventbus.OrderPlaced, evt)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("saga: order.placed not published")
	}
}

// buildOrder turns a paid saga into the order to persist.
func buildOrder(exec *SagaExecution) *models.Order {
	paymentID := exec.Payload.PaymentID
	order := &models.Order{
		ID:              exec.OrderID,
		UserID:          exec.UserID,
		TotalAmount:     exec.Payload.TotalAmount,
		Status:          models.OrderStatusConfirmed,
		ShippingAddress: exec.Payload.ShippingAddress,
		PaymentID:       &paymentID,
	}
	for _, item := range exec.Payload.Items {
		order.Items = append(order.Items, models.OrderItem{
			ID:          uuid.NewString(),
			OrderID:     exec.OrderID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TotalPrice:  item.LineTotal(),
		})
	}
	return order
}

// orderPlacedEvent derives the event id from the order id so a resumed saga
// republishing the event is deduplicated by consumers.
func orderPlacedEvent(source string, order *models.Order) (eventbus.Event, error) {
	data := contracts.OrderPlaced{
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
	}
	for _, item := range order.Items {
		data.Items = append(data.Items, contracts.OrderPlacedItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
		})
	}

	evt, err := eventbus.NewEvent(eventbus.OrderPlaced, source, order.ID, data)
	if err != nil {
		return eventbus.Event{}, err
	}
	evt.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(eventbus.OrderPlaced+":"+order.ID)).String()
	return evt, nil
}
