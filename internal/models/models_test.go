package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCartTotal(t *testing.T) {
	cart := Cart{Items: []CartItem{
		{ProductID: "p1", UnitPrice: decimal.RequireFromString("10.50"), Quantity: 2},
		{ProductID: "p2", UnitPrice: decimal.NewFromInt(3), Quantity: 3},
	}}

	if want := decimal.RequireFromString("30"); !cart.Total().Equal(want) {
		t.Errorf("Expected total %s, got %s", want, cart.Total())
	}

	items := cart.StockItems()
	if len(items) != 2 || items[0].ProductID != "p1" || items[1].Quantity != 3 {
		t.Errorf("Unexpected stock items %+v", items)
	}
}

func TestInventoryAvailable(t *testing.T) {
	rec := InventoryRecord{Quantity: 5, Reserved: 2}
	if rec.Available() != 3 {
		t.Errorf("Expected available 3, got %d", rec.Available())
	}
}

func TestDecimalEncodesAsNumber(t *testing.T) {
	data, err := json.Marshal(CartItem{ProductID: "p1", UnitPrice: decimal.NewFromInt(10), Quantity: 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"unitPrice":10`) {
		t.Errorf("Expected numeric unitPrice, got %s", data)
	}
}
