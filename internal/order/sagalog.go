package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
	"github.com/shopspring/decimal"
)

type SagaStatus string

const (
	SagaRunning     SagaStatus = "RUNNING"
	SagaCompleted   SagaStatus = "COMPLETED"
	SagaFailed      SagaStatus = "FAILED"
	SagaCompensated SagaStatus = "COMPENSATED"
)

type Step string

const (
	StepFetchCart        Step = "fetch_cart"
	StepReserveInventory Step = "reserve_inventory"
	StepChargePayment    Step = "charge_payment"
	StepReleaseInventory Step = "release_inventory"
	StepPersistOrder     Step = "persist_order"
	StepClearCart        Step = "clear_cart"
	StepPublishEvent     Step = "publish_event"
)

type StepStatus string

const (
	StepStarted     StepStatus = "STARTED"
	StepCompleted   StepStatus = "COMPLETED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

// SagaPayload is everything needed to resume a checkout after a crash.
type SagaPayload struct {
	Items           []models.CartItem `json:"items"`
	TotalAmount     decimal.Decimal   `json:"totalAmount"`
	ShippingAddress string            `json:"shippingAddress"`
	PaymentMethodID string            `json:"paymentMethodId,omitempty"`
	PaymentID       string            `json:"paymentId,omitempty"`
}

type SagaExecution struct {
	OrderID   string
	UserID    string
	Status    SagaStatus
	LastStep  Step
	Payload   SagaPayload
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type SagaStep struct {
	ID        int64
	OrderID   string
	Step      Step
	Status    StepStatus
	Detail    string
	CreatedAt time.Time
}

// SagaLog persists checkout progress in saga_executions and saga_steps.
type SagaLog struct {
	db *sql.DB
}

func NewSagaLog(db *sql.DB) *SagaLog {
	return &SagaLog{db: db}
}

func (l *SagaLog) Start(ctx context.Context, exec *SagaExecution) error {
	payload, err := json.Marshal(exec.Payload)
	if err != nil {
		return fmt.Errorf("encode saga payload: %w", err)
	}

	err = l.db.QueryRowContext(ctx,
		`INSERT INTO saga_executions (order_id, user_id, status, payload)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at, updated_at`,
		exec.OrderID, exec.UserID, SagaRunning, string(payload),
	).Scan(&exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("start saga %s: %w", exec.OrderID, err)
	}
	exec.Status = SagaRunning
	return nil
}

// Record appends a step transition and moves the execution's last step.
func (l *SagaLog) Record(ctx context.Context, orderID string, step Step, status StepStatus, detail string) error {
	return database.WithTransaction(ctx, l.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		return recordStep(ctx, tx, orderID, step, status, detail)
	})
}

func recordStep(ctx context.Context, tx *sql.Tx, orderID string, step Step, status StepStatus, detail string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO saga_steps (order_id, step, status, detail) VALUES ($1, $2, $3, $4)`,
		orderID, step, status, detail)
	if err != nil {
		return fmt.Errorf("record saga step: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE saga_executions SET last_step = $2, updated_at = NOW() WHERE order_id = $1`,
		orderID, step)
	if err != nil {
		return fmt.Errorf("advance saga: %w", err)
	}
	return nil
}

// RecordPayment marks the charge step completed and stores the payment id
// in the same transaction. From here on the saga can only move forward.
func (l *SagaLog) RecordPayment(ctx context.Context, orderID, paymentID string) error {
	return database.WithTransaction(ctx, l.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE saga_executions
			 SET payload = jsonb_set(payload, '{paymentId}', to_jsonb($2::text))
			 WHERE order_id = $1`,
			orderID, paymentID)
		if err != nil {
			return fmt.Errorf("store payment id: %w", err)
		}
		return recordStep(ctx, tx, orderID, StepChargePayment, StepCompleted, paymentID)
	})
}

func (l *SagaLog) Finish(ctx context.Context, orderID string, status SagaStatus, errMsg string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE saga_executions SET status = $2, error = $3, updated_at = NOW() WHERE order_id = $1`,
		orderID, status, errMsg)
	if err != nil {
		return fmt.Errorf("finish saga %s: %w", orderID, err)
	}
	return nil
}

const executionColumns = `order_id, user_id, status, last_step, payload, error, created_at, updated_at`

func scanExecution(row interface{ Scan(...any) error }) (*SagaExecution, error) {
	var exec SagaExecution
	var payload []byte

	err := row.Scan(&exec.OrderID, &exec.UserID, &exec.Status, &exec.LastStep,
		&payload, &exec.Error, &exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &exec.Payload); err != nil {
		return nil, fmt.Errorf("decode saga payload %s: %w", exec.OrderID, err)
	}
	return &exec, nil
}

func (l *SagaLog) Get(ctx context.Context, orderID string) (*SagaExecution, error) {
	exec, err := scanExecution(l.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM saga_executions WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrSagaNotFound
		}
		return nil, fmt.Errorf("get saga: %w", err)
	}
	return exec, nil
}

func (l *SagaLog) Steps(ctx context.Context, orderID string) ([]SagaStep, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, order_id, step, status, detail, created_at
		 FROM saga_steps
		 WHERE order_id = $1
		 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list saga steps: %w", err)
	}
	defer rows.Close()

	var steps []SagaStep
	for rows.Next() {
		var s SagaStep
		if err := rows.Scan(&s.ID, &s.OrderID, &s.Step, &s.Status, &s.Detail, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan saga step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ClaimStale leases up to limit RUNNING executions untouched for olderThan.
// Claiming bumps updated_at, so concurrent recoverers skip each other's
// claims until the lease ages out again.
func (l *SagaLog) ClaimStale(ctx context.Context, olderThan time.Duration, limit int) ([]SagaExecution, error) {
	rows, err := l.db.QueryContext(ctx,
		`UPDATE saga_executions
		 SET updated_at = NOW()
		 WHERE order_id IN (
			SELECT order_id FROM saga_executions
			WHERE status = $1 AND updated_at <= NOW() - make_interval(secs => $2)
			ORDER BY updated_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+executionColumns,
		SagaRunning, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim stale sagas: %w", err)
	}
	defer rows.Close()

	var out []SagaExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

func hasStep(steps []SagaStep, step Step, status StepStatus) bool {
	for _, s := range steps {
		if s.Step == step && s.Status == status {
			return true
		}
	}
	return false
}
