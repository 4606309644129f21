package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
)

// InsertOrder writes the order and its items in one transaction. Inserting
// an order id that already exists is a no-op and reports false.
func InsertOrder(ctx context.Context, db *sql.DB, order *models.Order) (bool, error) {
	inserted := false

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		inserted = false

		result, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, user_id, total_amount, status, shipping_address, payment_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			 ON CONFLICT (id) DO NOTHING`,
			order.ID, order.UserID, order.TotalAmount, order.Status, order.ShippingAddress, order.PaymentID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return nil
		}

		for _, item := range order.Items {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_items (id, order_id, product_id, product_name, quantity, unit_price, total_price)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				item.ID, order.ID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.TotalPrice)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
		}

		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return inserted, nil
}

// GetOrder loads an order with its items. Orders owned by someone other
// than userID are reported as not found.
func GetOrder(ctx context.Context, db *sql.DB, id, userID string) (*models.Order, error) {
	order := &models.Order{}

	query := `
		SELECT id, user_id, total_amount, status, shipping_address, payment_id, created_at, updated_at
		FROM orders
		WHERE id = $1 AND user_id = $2`

	err := db.QueryRowContext(ctx, query, id, userID).Scan(
		&order.ID,
		&order.UserID,
		&order.TotalAmount,
		&order.Status,
		&order.ShippingAddress,
		&order.PaymentID,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	itemsQuery := `
		SELECT id, order_id, product_id, product_name, quantity, unit_price, total_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id`

	rows, err := db.QueryContext(ctx, itemsQuery, id)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.ProductName,
			&item.Quantity,
			&item.UnitPrice,
			&item.TotalPrice,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	order.Items = items

	return order, nil
}

// ListOrdersCursor pages through a user's orders, newest first.
func ListOrdersCursor(ctx context.Context, db *sql.DB, userID, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	limit = ClampLimit(limit)

	query := `
		SELECT id, user_id, total_amount, status, shipping_address, payment_id, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	args := []any{userID, limit + 1}

	if !cursorData.IsZero() {
		query = `
		SELECT id, user_id, total_amount, status, shipping_address, payment_id, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		  AND (created_at, id) < ($3, $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
		args = append(args, cursorData.CreatedAt, cursorData.ID)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var order models.Order
		err := rows.Scan(
			&order.ID,
			&order.UserID,
			&order.TotalAmount,
			&order.Status,
			&order.ShippingAddress,
			&order.PaymentID,
			&order.CreatedAt,
			&order.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextCursor = EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}
