// Package contracts defines the payloads carried in the data field of
// domain events. Producers and consumers in different services share them.
package contracts

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type OrderPlacedItem struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Quantity    int             `json:"quantity"`
}

type OrderPlaced struct {
	OrderID     string            `json:"orderId"`
	UserID      string            `json:"userId"`
	Items       []OrderPlacedItem `json:"items"`
	TotalAmount decimal.Decimal   `json:"totalAmount"`
}

// ProductCreated is published by the catalog. Stock may arrive as a number
// or a numeric string, under "stock" or "quantity".
type ProductCreated struct {
	ID       string      `json:"id"`
	Name     string      `json:"name,omitempty"`
	Stock    json.Number `json:"stock,omitempty"`
	Quantity json.Number `json:"quantity,omitempty"`
}

// StockQuantity returns Stock, or Quantity when Stock is absent, as a
// non-negative integer. It is 0 when both are absent or unparseable.
func (p ProductCreated) StockQuantity() int {
	n := p.Stock
	if n == "" {
		n = p.Quantity
	}
	if n == "" {
		return 0
	}
	f, err := n.Float64()
	if err != nil || f < 0 {
		return 0
	}
	return int(f)
}

type StockLow struct {
	ProductID    string `json:"productId"`
	CurrentStock int    `json:"currentStock"`
	Threshold    int    `json:"threshold"`
}

type PaymentResult struct {
	PaymentID     string          `json:"paymentId"`
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	TransactionID string          `json:"transactionId,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}
