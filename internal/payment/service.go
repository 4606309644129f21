// Package payment is a mock card processor. It records every charge attempt
// and announces the outcome on the event bus.
package payment

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/apperror"
	"github.com/safar/storefront/internal/contracts"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/eventbus"
	"github.com/safar/storefront/internal/models"
	"github.com/shopspring/decimal"
)

// DeclinedMethod is the payment method id that always fails to charge.
const DeclinedMethod = "fail_card"

const (
	defaultCurrency = "USD"
	defaultMethod   = "mock_card"
)

type ChargeRequest struct {
	OrderID         string              `json:"orderId"`
	Amount          decimal.NullDecimal `json:"amount"`
	Currency        string              `json:"currency,omitempty"`
	PaymentMethodID string              `json:"paymentMethodId,omitempty"`
}

type Service struct {
	db        *sql.DB
	publisher eventbus.Publisher
	exchange  string
	source    string
	logger    zerolog.Logger
}

func NewService(db *sql.DB, publisher eventbus.Publisher, exchange, source string, logger zerolog.Logger) *Service {
	if exchange == "" {
		exchange = eventbus.DefaultExchange
	}
	return &Service{
		db:        db,
		publisher: publisher,
		exchange:  exchange,
		source:    source,
		logger:    logger.With().Str("component", "payments").Logger(),
	}
}

func transactionID() string {
	return "txn_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Charge records a payment attempt. A declined attempt is still stored with
// status failed and reported as PaymentRequired.
func (s *Service) Charge(ctx context.Context, req ChargeRequest) (*models.Payment, error) {
	if req.OrderID == "" || !req.Amount.Valid {
		return nil, apperror.Validation("orderId and amount are required")
	}
	if req.Amount.Decimal.IsNegative() {
		return nil, apperror.Validation("amount must not be negative")
	}

	p := &models.Payment{
		ID:            uuid.NewString(),
		OrderID:       req.OrderID,
		Amount:        req.Amount.Decimal,
		Currency:      req.Currency,
		Status:        models.PaymentSucceeded,
		TransactionID: transactionID(),
		PaymentMethod: req.PaymentMethodID,
	}
	if p.Currency == "" {
		p.Currency = defaultCurrency
	}
	if p.PaymentMethod == "" {
		p.PaymentMethod = defaultMethod
	}
	if p.PaymentMethod == DeclinedMethod {
		p.Status = models.PaymentFailed
	}

	if err := insertPayment(ctx, s.db, p); err != nil {
		return nil, apperror.Internal(err)
	}

	result := contracts.PaymentResult{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		TransactionID: p.TransactionID,
	}
	routingKey := eventbus.PaymentSucceeded
	if p.Status == models.PaymentFailed {
		routingKey = eventbus.PaymentFailed
		result.Reason = "card declined"
	}
	s.publish(ctx, routingKey, result)

	s.logger.Info().
		Str("payment_id", p.ID).
		Str("order_id", p.OrderID).
		Str("status", string(p.Status)).
		Msg("payment processed")

	if p.Status == models.PaymentFailed {
		return nil, apperror.PaymentRequired("Payment failed")
	}
	return p, nil
}

// Refund marks a succeeded payment as refunded.
func (s *Service) Refund(ctx context.Context, paymentID string) (*models.Payment, error) {
	if paymentID == "" {
		return nil, apperror.Validation("paymentId is required")
	}

	p, err := refundPayment(ctx, s.db, paymentID)
	if err != nil {
		if errors.Is(err, database.ErrPaymentNotFound) {
			return nil, apperror.NotFound("Payment not found or already refunded")
		}
		return nil, apperror.Internal(err)
	}

	s.logger.Info().Str("payment_id", paymentID).Msg("payment refunded")
	return p, nil
}

func (s *Service) Get(ctx context.Context, paymentID string) (*models.Payment, error) {
	p, err := getPayment(ctx, s.db, paymentID)
	if err != nil {
		if errors.Is(err, database.ErrPaymentNotFound) {
			return nil, apperror.NotFound("Payment not found")
		}
		return nil, apperror.Internal(err)
	}
	return p, nil
}

func (s *Service) publish(ctx context.Context, routingKey string, result contracts.PaymentResult) {
	if s.publisher == nil {
		return
	}
	evt, err := eventbus.NewEvent(routingKey, s.source, result.OrderID, result)
	if err != nil {
		s.logger.Error().Err(err).Msg("build payment event")
		return
	}
	if err := s.publisher.Publish(ctx, s.exchange, routingKey, evt); err != nil {
		s.logger.Warn().Err(err).Str("event_type", routingKey).Msg("event not published")
	}
}
