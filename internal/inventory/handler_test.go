package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/apperror"
	"github.com/safar/storefront/internal/auth"
	"github.com/safar/storefront/internal/httpclient"
	"github.com/safar/storefront/internal/models"
)

func newTestMux(l *Ledger) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(l, zerolog.Nop()).Register(mux, func(_ string, next http.Handler) http.Handler { return next })
	return mux
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandlerReserveFlow(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	f.seed(t, "p1", 20)
	mux := newTestMux(f.ledger)

	rec := doJSON(t, mux, http.MethodPost, "/reserve", reserveRequest{
		OrderID: "o1",
		Items:   []models.StockItem{{ProductID: "p1", Quantity: 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var receipt models.ReservationReceipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("Decode receipt: %v", err)
	}
	if receipt.OrderID != "o1" || receipt.Status != models.ReservationReserved {
		t.Errorf("Unexpected receipt %+v", receipt)
	}

	rec = doJSON(t, mux, http.MethodGet, "/inventory/p1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var stock struct {
		ProductID string `json:"productId"`
		Quantity  int    `json:"quantity"`
		Reserved  int    `json:"reserved"`
		Available int    `json:"available"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stock); err != nil {
		t.Fatalf("Decode inventory: %v", err)
	}
	if stock.Quantity != 20 || stock.Reserved != 2 || stock.Available != 18 {
		t.Errorf("Unexpected inventory %+v", stock)
	}

	rec = doJSON(t, mux, http.MethodGet, "/reservations/o1", nil)
	var reservations []models.Reservation
	if err := json.Unmarshal(rec.Body.Bytes(), &reservations); err != nil {
		t.Fatalf("Decode reservations: %v", err)
	}
	if len(reservations) != 1 {
		t.Errorf("Expected 1 reservation, got %d", len(reservations))
	}

	for i := 0; i < 2; i++ {
		rec = doJSON(t, mux, http.MethodPost, "/release", releaseRequest{OrderID: "o1"})
		if rec.Code != http.StatusOK {
			t.Fatalf("Release %d: expected 200, got %d", i, rec.Code)
		}
	}

	if rec := f.record(t, "p1"); rec.Reserved != 0 {
		t.Errorf("Expected reserved 0, got %d", rec.Reserved)
	}
}

func TestHandlerErrors(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	f.seed(t, "p1", 1)
	mux := newTestMux(f.ledger)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"missing items", http.MethodPost, "/reserve", reserveRequest{OrderID: "o1"}, http.StatusBadRequest},
		{"unknown product", http.MethodPost, "/reserve", reserveRequest{OrderID: "o1", Items: []models.StockItem{{ProductID: "nope", Quantity: 1}}}, http.StatusNotFound},
		{"insufficient", http.MethodPost, "/reserve", reserveRequest{OrderID: "o2", Items: []models.StockItem{{ProductID: "p1", Quantity: 5}}}, http.StatusConflict},
		{"release without order", http.MethodPost, "/release", releaseRequest{}, http.StatusBadRequest},
		{"unknown inventory", http.MethodGet, "/inventory/nope", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, mux, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Errorf("Expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Errorf("Expected error body, got %s", rec.Body.String())
			}
		})
	}
}

func TestClientRoundTrip(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	f.seed(t, "p1", 3)
	srv := httptest.NewServer(newTestMux(f.ledger))
	defer srv.Close()

	client := NewClient(srv.URL+"/", httpclient.New(5*time.Second))
	ctx := context.Background()

	receipt, err := client.Reserve(ctx, "o1", []models.StockItem{{ProductID: "p1", Quantity: 3}})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if receipt.ReservationID == "" {
		t.Error("Expected a reservation id")
	}

	_, err = client.Reserve(ctx, "o2", []models.StockItem{{ProductID: "p1", Quantity: 1}})
	if apperror.KindOf(err) != apperror.KindConflict {
		t.Errorf("Expected conflict from remote, got %v", err)
	}

	if err := client.Release(ctx, "o1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if rec := f.record(t, "p1"); rec.Reserved != 0 {
		t.Errorf("Expected reserved 0, got %d", rec.Reserved)
	}
}

func TestHandlerSetStockRequiresAdmin(t *testing.T) {
	f, cleanup := setupLedger(t, Options{})
	defer cleanup()

	f.seed(t, "p1", 5)
	if _, err := f.ledger.Reserve(context.Background(), "o1", []models.StockItem{{ProductID: "p1", Quantity: 2}}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	mux := newTestMux(f.ledger)

	put := func(role string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Encode body: %v", err)
		}
		req := httptest.NewRequest(http.MethodPut, "/inventory/p1", &buf)
		req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{UserID: "x", Role: role}))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	if rec := put("customer", map[string]int{"quantity": 40}); rec.Code != http.StatusForbidden {
		t.Errorf("Customer: expected 403, got %d", rec.Code)
	}
	if rec := f.record(t, "p1"); rec.Quantity != 5 {
		t.Errorf("Forbidden request changed stock to %d", rec.Quantity)
	}

	if rec := put(auth.RoleAdmin, map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("Missing quantity: expected 400, got %d", rec.Code)
	}

	rec := put(auth.RoleAdmin, map[string]int{"quantity": 40})
	if rec.Code != http.StatusOK {
		t.Fatalf("Admin: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := f.record(t, "p1"); rec.Quantity != 40 || rec.Reserved != 0 {
		t.Errorf("Expected quantity 40 reserved 0, got %d and %d", rec.Quantity, rec.Reserved)
	}
}
