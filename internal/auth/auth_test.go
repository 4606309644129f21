package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMiddleware(t *testing.T) {
	v := NewVerifier("secret")
	good, err := v.Issue("u1", "customer", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	expired, err := v.Issue("u1", "customer", -time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	forged, err := NewVerifier("other").Issue("u1", "admin", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var seenUser string
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser, _ = RequireUser(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, http.StatusUnauthorized},
		{"valid", "Bearer " + good, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seenUser = ""
			req := httptest.NewRequest(http.MethodGet, "/orders", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}
			if tt.status == http.StatusNoContent && seenUser != "u1" {
				t.Errorf("Expected user u1 on context, got %q", seenUser)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(RoleAdmin, RoleService)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		claims *Claims
		status int
	}{
		{"no claims", nil, http.StatusUnauthorized},
		{"customer", &Claims{UserID: "u1", Role: "customer"}, http.StatusForbidden},
		{"no role", &Claims{UserID: "u1"}, http.StatusForbidden},
		{"admin", &Claims{UserID: "a1", Role: RoleAdmin}, http.StatusNoContent},
		{"service", &Claims{UserID: "order-service", Role: RoleService}, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/inventory/p1", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}
		})
	}
}
