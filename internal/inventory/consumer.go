package inventory

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/contracts"
	"github.com/safar/storefront/internal/eventbus"
)

const (
	OrderPlacedQueue    = "inventory.order.placed"
	ProductCreatedQueue = "inventory.product.created"
)

// Subscriptions binds the ledger's event handlers to their durable queues.
func (l *Ledger) Subscriptions() []eventbus.Subscription {
	return []eventbus.Subscription{
		{
			Exchange:   l.opts.Exchange,
			Queue:      OrderPlacedQueue,
			RoutingKey: eventbus.OrderPlaced,
			Handler:    l.HandleOrderPlaced,
		},
		{
			Exchange:   l.opts.Exchange,
			Queue:      ProductCreatedQueue,
			RoutingKey: eventbus.ProductCreated,
			Handler:    l.HandleProductCreated,
		},
	}
}

func (l *Ledger) HandleOrderPlaced(ctx context.Context, evt eventbus.Event) error {
	var data contracts.OrderPlaced
	if err := evt.Decode(&data); err != nil {
		return err
	}
	if data.OrderID == "" {
		return errors.New("order.placed without orderId")
	}

	zerolog.Ctx(ctx).Debug().Str("order_id", data.OrderID).Msg("consuming order.placed")
	_, err := l.ApplyOrderPlaced(ctx, evt.ID, data)
	return err
}

func (l *Ledger) HandleProductCreated(ctx context.Context, evt eventbus.Event) error {
	var data contracts.ProductCreated
	if err := evt.Decode(&data); err != nil {
		return err
	}
	if data.ID == "" {
		return nil
	}

	_, err := l.SeedProduct(ctx, data.ID, data.StockQuantity())
	return err
}
