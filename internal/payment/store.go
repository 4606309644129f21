package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
)

const paymentColumns = `id, order_id, amount, currency, status, transaction_id, payment_method, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var txnID sql.NullString

	err := row.Scan(&p.ID, &p.OrderID, &p.Amount, &p.Currency, &p.Status,
		&txnID, &p.PaymentMethod, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.TransactionID = txnID.String
	return &p, nil
}

func insertPayment(ctx context.Context, db *sql.DB, p *models.Payment) error {
	err := db.QueryRowContext(ctx,
		`INSERT INTO payments (id, order_id, amount, currency, status, transaction_id, payment_method)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		p.ID, p.OrderID, p.Amount, p.Currency, p.Status, p.TransactionID, p.PaymentMethod,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func getPayment(ctx context.Context, db *sql.DB, id string) (*models.Payment, error) {
	p, err := scanPayment(db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// refundPayment flips a succeeded payment to refunded. Any other state
// reports ErrPaymentNotFound.
func refundPayment(ctx context.Context, db *sql.DB, id string) (*models.Payment, error) {
	p, err := scanPayment(db.QueryRowContext(ctx,
		`UPDATE payments
		 SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = $3
		 RETURNING `+paymentColumns,
		id, models.PaymentRefunded, models.PaymentSucceeded))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("refund payment: %w", err)
	}
	return p, nil
}
