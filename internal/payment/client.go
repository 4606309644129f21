package payment

import (
	"context"
	"net/http"
	"strings"

	"github.com/safar/storefront/internal/httpclient"
	"github.com/safar/storefront/internal/models"
	"github.com/shopspring/decimal"
)

// Client calls a remote payment service over HTTP.
type Client struct {
	baseURL string
	http    *httpclient.Client
}

func NewClient(baseURL string, c *httpclient.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: c}
}

func (c *Client) Charge(ctx context.Context, orderID string, amount decimal.Decimal, paymentMethodID string) (*models.Payment, error) {
	req := ChargeRequest{
		OrderID:         orderID,
		Amount:          decimal.NewNullDecimal(amount),
		PaymentMethodID: paymentMethodID,
	}

	var p models.Payment
	if err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/charge", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Refund(ctx context.Context, paymentID string) error {
	return c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/refund", refundRequest{PaymentID: paymentID}, nil)
}
