package inventory

import (
	"context"
	"net/http"
	"strings"

	"github.com/safar/storefront/internal/httpclient"
	"github.com/safar/storefront/internal/models"
)

// Client calls a remote inventory service over HTTP.
type Client struct {
	baseURL string
	http    *httpclient.Client
}

func NewClient(baseURL string, c *httpclient.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: c}
}

func (c *Client) Reserve(ctx context.Context, orderID string, items []models.StockItem) (*models.ReservationReceipt, error) {
	var receipt models.ReservationReceipt
	err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/reserve", reserveRequest{OrderID: orderID, Items: items}, &receipt)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) Release(ctx context.Context, orderID string) error {
	return c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/release", releaseRequest{OrderID: orderID}, nil)
}
