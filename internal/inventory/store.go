package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func GetRecord(ctx context.Context, q querier, productID string) (*models.InventoryRecord, error) {
	rec := &models.InventoryRecord{}

	err := q.QueryRowContext(ctx,
		`SELECT product_id, quantity, reserved, updated_at
		 FROM inventory
		 WHERE product_id = $1`,
		productID).Scan(&rec.ProductID, &rec.Quantity, &rec.Reserved, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrInventoryNotFound
		}
		return nil, fmt.Errorf("get inventory: %w", err)
	}

	return rec, nil
}

func lockRecord(ctx context.Context, tx *sql.Tx, productID string) (*models.InventoryRecord, error) {
	rec := &models.InventoryRecord{}

	err := tx.QueryRowContext(ctx,
		`SELECT product_id, quantity, reserved, updated_at
		 FROM inventory
		 WHERE product_id = $1
		 FOR UPDATE`,
		productID).Scan(&rec.ProductID, &rec.Quantity, &rec.Reserved, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrInventoryNotFound
		}
		return nil, lockError("inventory "+productID, err)
	}

	return rec, nil
}

// lockError keeps the driver error next to ErrLockTimeout so WithRetry still
// sees the SQLSTATE.
func lockError(target string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
		return fmt.Errorf("lock %s: %w: %w", target, database.ErrLockTimeout, err)
	}
	return fmt.Errorf("lock %s: %w", target, err)
}

// setLockTimeout bounds every lock wait for the rest of the transaction.
// A zero timeout keeps the server default.
func setLockTimeout(ctx context.Context, tx *sql.Tx, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`,
		fmt.Sprintf("%dms", timeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}
	return nil
}

// lockOrder serializes ledger operations on one order id for the rest of
// the transaction.
func lockOrder(ctx context.Context, tx *sql.Tx, orderID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, orderID); err != nil {
		return lockError("order "+orderID, err)
	}
	return nil
}

func addReserved(ctx context.Context, tx *sql.Tx, productID string, quantity int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE inventory
		 SET reserved = reserved + $1,
		     updated_at = NOW()
		 WHERE product_id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}
	return nil
}

func subtractReserved(ctx context.Context, tx *sql.Tx, productID string, quantity int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE inventory
		 SET reserved = GREATEST(reserved - $1, 0),
		     updated_at = NOW()
		 WHERE product_id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	return nil
}

// decrementQuantity permanently removes stock. It reports false without
// error when the row is missing or holds less than quantity.
func decrementQuantity(ctx context.Context, tx *sql.Tx, productID string, quantity int) (bool, error) {
	result, err := tx.ExecContext(ctx,
		`UPDATE inventory
		 SET quantity = quantity - $1,
		     updated_at = NOW()
		 WHERE product_id = $2
		   AND quantity >= $1`,
		quantity, productID)
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

func insertReservation(ctx context.Context, tx *sql.Tx, r *models.Reservation) error {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO reservations (id, order_id, product_id, quantity, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		r.ID, r.OrderID, r.ProductID, r.Quantity, r.Status).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

// lockReservations returns the order's reservations in the given status,
// locked and sorted by product id. An empty status selects every row.
func lockReservations(ctx context.Context, tx *sql.Tx, orderID string, status models.ReservationStatus) ([]models.Reservation, error) {
	query := `
		SELECT id, order_id, product_id, quantity, status, created_at, updated_at
		FROM reservations
		WHERE order_id = $1
		  AND ($2::text = '' OR status = $2::text)
		ORDER BY product_id, id
		FOR UPDATE`

	return scanReservations(tx.QueryContext(ctx, query, orderID, string(status)))
}

func ListReservations(ctx context.Context, q querier, orderID string) ([]models.Reservation, error) {
	query := `
		SELECT id, order_id, product_id, quantity, status, created_at, updated_at
		FROM reservations
		WHERE order_id = $1
		ORDER BY product_id, id`

	return scanReservations(q.QueryContext(ctx, query, orderID))
}

func scanReservations(rows *sql.Rows, err error) ([]models.Reservation, error) {
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var reservations []models.Reservation
	for rows.Next() {
		var r models.Reservation
		if err := rows.Scan(&r.ID, &r.OrderID, &r.ProductID, &r.Quantity, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		reservations = append(reservations, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return reservations, nil
}

func setReservationStatus(ctx context.Context, tx *sql.Tx, orderID string, from, to models.ReservationStatus) (int64, error) {
	result, err := tx.ExecContext(ctx,
		`UPDATE reservations
		 SET status = $1,
		     updated_at = NOW()
		 WHERE order_id = $2
		   AND status = $3`,
		to, orderID, from)
	if err != nil {
		return 0, fmt.Errorf("update reservations: %w", err)
	}
	return result.RowsAffected()
}

// upsertRecord creates or resets a product's ledger row.
func upsertRecord(ctx context.Context, q querier, productID string, quantity int) (*models.InventoryRecord, error) {
	rec := &models.InventoryRecord{}

	err := q.QueryRowContext(ctx,
		`INSERT INTO inventory (product_id, quantity, reserved, updated_at)
		 VALUES ($1, $2, 0, NOW())
		 ON CONFLICT (product_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     reserved = 0,
		     updated_at = NOW()
		 RETURNING product_id, quantity, reserved, updated_at`,
		productID, quantity).Scan(&rec.ProductID, &rec.Quantity, &rec.Reserved, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert inventory: %w", err)
	}

	return rec, nil
}

// markProcessed records that consumer handled eventID. It reports false if
// the event was already recorded.
func markProcessed(ctx context.Context, tx *sql.Tx, eventID, consumer string) (bool, error) {
	result, err := tx.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, consumer, processed_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT DO NOTHING`,
		eventID, consumer)
	if err != nil {
		return false, fmt.Errorf("record processed event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// markReleased leaves a marker that the order's reservations were released,
// even when it held none, so a late reserve for it is refused.
func markReleased(ctx context.Context, tx *sql.Tx, orderID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO released_orders (order_id, released_at)
		 VALUES ($1, NOW())
		 ON CONFLICT (order_id) DO NOTHING`,
		orderID)
	if err != nil {
		return fmt.Errorf("mark order released: %w", err)
	}
	return nil
}

func isReleased(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var released bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM released_orders WHERE order_id = $1)`,
		orderID).Scan(&released)
	if err != nil {
		return false, fmt.Errorf("check released order: %w", err)
	}
	return released, nil
}
