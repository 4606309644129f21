package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/apperror"
	"github.com/safar/storefront/internal/contracts"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/eventbus"
	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/testutil"
)

type fixture struct {
	db     *sql.DB
	bus    *eventbus.MemoryBus
	ledger *Ledger
}

func setupLedger(t *testing.T, opts Options) (*fixture, func()) {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)

	if opts.LowStockThreshold == 0 {
		opts.LowStockThreshold = 10
	}
	opts.Source = "inventory-service"

	bus := eventbus.NewMemoryBus(zerolog.Nop(), nil)
	return &fixture{
		db:     db,
		bus:    bus,
		ledger: NewLedger(db, bus, opts, zerolog.Nop(), nil),
	}, cleanup
}

func (f *fixture) seed(t *testing.T, productID string, quantity int) {
	t.Helper()
	if _, err := f.ledger.SeedProduct(context.Background(), productID, quantity); err != nil {
		t.Fatalf("Seed %s: %v", productID, err)
	}
}

func (f *fixture) record(t *testing.T, productID string) *models.InventoryRecord {
	t.Helper()
	rec, err := GetRecord(context.Background(), f.db, productID)
	if err != nil {
		t.Fatalf("Get %s: %v", productID, err)
	}
	if rec.Reserved > rec.Quantity || rec.Reserved < 0 {
		t.Errorf("Invariant broken for %s: quantity=%d reserved=%d", productID, rec.Quantity, rec.Reserved)
	}
	return rec
}

func TestReserveAndRelease(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 50)
	f.seed(t, "p2", 30)

	receipt, err := f.ledger.Reserve(ctx, "o1", []models.StockItem{
		{ProductID: "p2", Quantity: 3},
		{ProductID: "p1", Quantity: 5},
		{ProductID: "p1", Quantity: 1},
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if receipt.OrderID != "o1" || receipt.Status != models.ReservationReserved || receipt.ReservationID == "" {
		t.Errorf("Unexpected receipt %+v", receipt)
	}

	if rec := f.record(t, "p1"); rec.Reserved != 6 || rec.Quantity != 50 {
		t.Errorf("Expected p1 reserved 6 of 50, got %d of %d", rec.Reserved, rec.Quantity)
	}
	if rec := f.record(t, "p2"); rec.Reserved != 3 {
		t.Errorf("Expected p2 reserved 3, got %d", rec.Reserved)
	}

	reservations, err := ListReservations(ctx, f.db, "o1")
	if err != nil {
		t.Fatalf("List reservations: %v", err)
	}
	if len(reservations) != 2 {
		t.Fatalf("Expected one reservation per product, got %d", len(reservations))
	}

	released, err := f.ledger.Release(ctx, "o1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released != 2 {
		t.Errorf("Expected 2 released reservations, got %d", released)
	}
	if rec := f.record(t, "p1"); rec.Reserved != 0 {
		t.Errorf("Expected p1 reserved 0 after release, got %d", rec.Reserved)
	}

	again, err := f.ledger.Release(ctx, "o1")
	if err != nil {
		t.Fatalf("Second release: %v", err)
	}
	if again != 0 {
		t.Errorf("Second release should be a no-op, released %d", again)
	}
	if rec := f.record(t, "p2"); rec.Reserved != 0 || rec.Quantity != 30 {
		t.Errorf("Second release changed p2: quantity=%d reserved=%d", rec.Quantity, rec.Reserved)
	}

	reservations, _ = ListReservations(ctx, f.db, "o1")
	for _, r := range reservations {
		if r.Status != models.ReservationReleased {
			t.Errorf("Reservation %s should be RELEASED, got %s", r.ID, r.Status)
		}
	}
}

func TestReserveAllOrNothing(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 50)
	f.seed(t, "p2", 2)

	_, err := f.ledger.Reserve(ctx, "o1", []models.StockItem{
		{ProductID: "p1", Quantity: 5},
		{ProductID: "p2", Quantity: 3},
	})
	if apperror.KindOf(err) != apperror.KindConflict {
		t.Fatalf("Expected conflict, got %v", err)
	}

	if rec := f.record(t, "p1"); rec.Reserved != 0 {
		t.Errorf("p1 reserved should be unchanged, got %d", rec.Reserved)
	}
	reservations, err := ListReservations(ctx, f.db, "o1")
	if err != nil {
		t.Fatalf("List reservations: %v", err)
	}
	if len(reservations) != 0 {
		t.Errorf("Expected no reservations, got %d", len(reservations))
	}
}

func TestReserveUnknownProduct(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	_, err := f.ledger.Reserve(context.Background(), "o1", []models.StockItem{{ProductID: "ghost", Quantity: 1}})
	if apperror.KindOf(err) != apperror.KindNotFound {
		t.Fatalf("Expected not found, got %v", err)
	}
}

func TestReserveValidation(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	ctx := context.Background()
	tests := []struct {
		name    string
		orderID string
		items   []models.StockItem
	}{
		{"no order", "", []models.StockItem{{ProductID: "p1", Quantity: 1}}},
		{"no items", "o1", nil},
		{"zero quantity", "o1", []models.StockItem{{ProductID: "p1", Quantity: 0}}},
		{"blank product", "o1", []models.StockItem{{Quantity: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Reserve(ctx, tt.orderID, tt.items)
			if apperror.KindOf(err) != apperror.KindValidation {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestReserveIsIdempotentPerOrder(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 50)
	items := []models.StockItem{{ProductID: "p1", Quantity: 4}}

	first, err := f.ledger.Reserve(ctx, "o1", items)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	second, err := f.ledger.Reserve(ctx, "o1", items)
	if err != nil {
		t.Fatalf("Replayed reserve: %v", err)
	}

	if first.ReservationID != second.ReservationID {
		t.Errorf("Replay returned a new reservation %s != %s", second.ReservationID, first.ReservationID)
	}
	if rec := f.record(t, "p1"); rec.Reserved != 4 {
		t.Errorf("Expected reserved 4 after replay, got %d", rec.Reserved)
	}

	if _, err := f.ledger.Release(ctx, "o1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := f.ledger.Reserve(ctx, "o1", items); apperror.KindOf(err) != apperror.KindConflict {
		t.Errorf("Reserving a released order should conflict, got %v", err)
	}
}

func TestLowStockEventAfterCommit(t *testing.T) {
	f, cleanup := setupLedger(t, Options{LowStockThreshold: 10})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 12)
	f.seed(t, "p2", 100)

	if _, err := f.ledger.Reserve(ctx, "o1", []models.StockItem{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
	}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	events := f.bus.Published(eventbus.StockLow)
	if len(events) != 1 {
		t.Fatalf("Expected exactly one stock.low event, got %d", len(events))
	}

	var low contracts.StockLow
	if err := events[0].Event.Decode(&low); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if low.ProductID != "p1" || low.CurrentStock != 10 || low.Threshold != 10 {
		t.Errorf("Unexpected stock.low payload %+v", low)
	}

	if _, err := f.ledger.Reserve(ctx, "o2", []models.StockItem{{ProductID: "p1", Quantity: 20}}); err == nil {
		t.Fatal("Expected conflict")
	}
	if got := len(f.bus.Published(eventbus.StockLow)); got != 1 {
		t.Errorf("Rolled back reservation must not signal low stock, got %d events", got)
	}
}

func TestConcurrentReserveSerializes(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 5)

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.ledger.Reserve(ctx, fmt.Sprintf("order-%d", n), []models.StockItem{{ProductID: "p1", Quantity: 3}})
			errs <- err
		}(i)
	}

	wg.Wait()
	close(errs)

	succeeded, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case apperror.KindOf(err) == apperror.KindConflict:
			conflicts++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}

	if succeeded != 1 || conflicts != 1 {
		t.Errorf("Expected 1 success and 1 conflict, got %d and %d", succeeded, conflicts)
	}
	if rec := f.record(t, "p1"); rec.Reserved != 3 {
		t.Errorf("Expected reserved 3, got %d", rec.Reserved)
	}
}

func TestOverlappingReservationsDoNotDeadlock(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 1000)
	f.seed(t, "p2", 1000)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			items := []models.StockItem{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}}
			if n%2 == 1 {
				items[0], items[1] = items[1], items[0]
			}
			_, err := f.ledger.Reserve(ctx, fmt.Sprintf("order-%d", n), items)
			errs <- err
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Reserve failed: %v", err)
		}
	}
	if rec := f.record(t, "p1"); rec.Reserved != 20 {
		t.Errorf("Expected p1 reserved 20, got %d", rec.Reserved)
	}
	if rec := f.record(t, "p2"); rec.Reserved != 20 {
		t.Errorf("Expected p2 reserved 20, got %d", rec.Reserved)
	}
}

func orderPlacedEvent(t *testing.T, orderID string, items ...contracts.OrderPlacedItem) eventbus.Event {
	t.Helper()
	evt, err := eventbus.NewEvent(eventbus.OrderPlaced, "order-service", orderID, contracts.OrderPlaced{
		OrderID: orderID,
		UserID:  "u1",
		Items:   items,
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return evt
}

func TestOrderPlacedDecrementLeavesReserved(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 5)

	if _, err := f.ledger.Reserve(ctx, "o1", []models.StockItem{{ProductID: "p1", Quantity: 2}}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	evt := orderPlacedEvent(t, "o1", contracts.OrderPlacedItem{ProductID: "p1", Quantity: 2})
	if err := f.ledger.HandleOrderPlaced(ctx, evt); err != nil {
		t.Fatalf("HandleOrderPlaced: %v", err)
	}

	rec := f.record(t, "p1")
	if rec.Quantity != 3 || rec.Reserved != 2 {
		t.Errorf("Expected quantity 3 reserved 2, got %d and %d", rec.Quantity, rec.Reserved)
	}

	if err := f.ledger.HandleOrderPlaced(ctx, evt); err != nil {
		t.Fatalf("Redelivered event: %v", err)
	}
	if rec := f.record(t, "p1"); rec.Quantity != 3 {
		t.Errorf("Redelivery decremented again: quantity %d", rec.Quantity)
	}
}

func TestOrderPlacedReconcilesWhenEnabled(t *testing.T) {
	f, cleanup := setupLedger(t, Options{ReconcileOnDecrement: true})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 5)

	if _, err := f.ledger.Reserve(ctx, "o1", []models.StockItem{{ProductID: "p1", Quantity: 2}}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := f.ledger.HandleOrderPlaced(ctx, orderPlacedEvent(t, "o1", contracts.OrderPlacedItem{ProductID: "p1", Quantity: 2})); err != nil {
		t.Fatalf("HandleOrderPlaced: %v", err)
	}

	rec := f.record(t, "p1")
	if rec.Quantity != 3 || rec.Reserved != 0 {
		t.Errorf("Expected quantity 3 reserved 0, got %d and %d", rec.Quantity, rec.Reserved)
	}

	reservations, err := ListReservations(ctx, f.db, "o1")
	if err != nil {
		t.Fatalf("List reservations: %v", err)
	}
	if len(reservations) != 1 || reservations[0].Status != models.ReservationFulfilled {
		t.Errorf("Expected one FULFILLED reservation, got %+v", reservations)
	}

	released, err := f.ledger.Release(ctx, "o1")
	if err != nil || released != 0 {
		t.Errorf("Release after fulfilment should be a no-op, got %d, %v", released, err)
	}
}

func TestOrderPlacedSkipsInsufficientQuantity(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 1)
	f.seed(t, "p2", 10)

	evt := orderPlacedEvent(t, "o9",
		contracts.OrderPlacedItem{ProductID: "p1", Quantity: 2},
		contracts.OrderPlacedItem{ProductID: "p2", Quantity: 4},
	)
	if err := f.ledger.HandleOrderPlaced(ctx, evt); err != nil {
		t.Fatalf("HandleOrderPlaced: %v", err)
	}

	if rec := f.record(t, "p1"); rec.Quantity != 1 {
		t.Errorf("p1 should be untouched, quantity %d", rec.Quantity)
	}
	if rec := f.record(t, "p2"); rec.Quantity != 6 {
		t.Errorf("Expected p2 quantity 6, got %d", rec.Quantity)
	}
}

func TestProductCreatedSeedsLedger(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 5)
	if _, err := f.ledger.Reserve(ctx, "o1", []models.StockItem{{ProductID: "p1", Quantity: 2}}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	evt, err := eventbus.NewEvent(eventbus.ProductCreated, "product-service", "", map[string]any{"id": "p1", "stock": "40"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := f.ledger.HandleProductCreated(ctx, evt); err != nil {
		t.Fatalf("HandleProductCreated: %v", err)
	}

	rec := f.record(t, "p1")
	if rec.Quantity != 40 || rec.Reserved != 0 {
		t.Errorf("Expected quantity 40 reserved 0, got %d and %d", rec.Quantity, rec.Reserved)
	}

	blank, _ := eventbus.NewEvent(eventbus.ProductCreated, "product-service", "", map[string]any{"name": "no id"})
	if err := f.ledger.HandleProductCreated(ctx, blank); err != nil {
		t.Errorf("Event without id should be ignored, got %v", err)
	}
}

func TestReserveAfterEmptyReleaseIsRefused(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 5)

	// The caller gave up on a reserve that had not landed yet and released.
	released, err := f.ledger.Release(ctx, "o-late")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released != 0 {
		t.Errorf("Expected nothing released, got %d", released)
	}

	_, err = f.ledger.Reserve(ctx, "o-late", []models.StockItem{{ProductID: "p1", Quantity: 2}})
	if apperror.KindOf(err) != apperror.KindConflict {
		t.Fatalf("Expected conflict for a released order, got %v", err)
	}
	if rec := f.record(t, "p1"); rec.Reserved != 0 {
		t.Errorf("Late reserve must not hold stock, reserved %d", rec.Reserved)
	}

	reservations, err := ListReservations(ctx, f.db, "o-late")
	if err != nil {
		t.Fatalf("List reservations: %v", err)
	}
	if len(reservations) != 0 {
		t.Errorf("Expected no reservations, got %d", len(reservations))
	}
}

func holdRow(t *testing.T, db *sql.DB, productID string) *sql.Tx {
	t.Helper()
	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.Exec(`SELECT 1 FROM inventory WHERE product_id = $1 FOR UPDATE`, productID); err != nil {
		tx.Rollback()
		t.Fatalf("Lock %s: %v", productID, err)
	}
	return tx
}

func TestReserveLockTimeout(t *testing.T) {
	f, cleanup := setupLedger(t, Options{LockTimeout: 100 * time.Millisecond})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 10)
	items := []models.StockItem{{ProductID: "p1", Quantity: 1}}

	holder := holdRow(t, f.db, "p1")
	_, err := f.ledger.Reserve(ctx, "o1", items)
	holder.Rollback()
	if apperror.KindOf(err) != apperror.KindConflict || !errors.Is(err, database.ErrLockTimeout) {
		t.Fatalf("Expected lock timeout conflict after retries, got %v", err)
	}

	holder = holdRow(t, f.db, "p1")
	done := make(chan error, 1)
	go func() {
		_, err := f.ledger.Reserve(ctx, "o2", items)
		done <- err
	}()

	// Longer than one lock timeout, so the first attempt has to be retried.
	time.Sleep(250 * time.Millisecond)
	if err := holder.Commit(); err != nil {
		t.Fatalf("Commit holder: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reserve after lock freed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Reserve did not finish")
	}
	if rec := f.record(t, "p1"); rec.Reserved != 1 {
		t.Errorf("Expected reserved 1, got %d", rec.Reserved)
	}
}

func TestOrderPlacedSkipsMalformedLines(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	ctx := context.Background()
	f.seed(t, "p1", 5)
	f.seed(t, "p2", 5)

	evt := orderPlacedEvent(t, "o3",
		contracts.OrderPlacedItem{ProductID: "", Quantity: 1},
		contracts.OrderPlacedItem{ProductID: "p1", Quantity: 2},
		contracts.OrderPlacedItem{ProductID: "p2", Quantity: 0},
	)
	if err := f.ledger.HandleOrderPlaced(ctx, evt); err != nil {
		t.Fatalf("HandleOrderPlaced: %v", err)
	}

	if rec := f.record(t, "p1"); rec.Quantity != 3 {
		t.Errorf("Expected valid line applied, p1 quantity %d", rec.Quantity)
	}
	if rec := f.record(t, "p2"); rec.Quantity != 5 {
		t.Errorf("Zero-quantity line should be skipped, p2 quantity %d", rec.Quantity)
	}
}
