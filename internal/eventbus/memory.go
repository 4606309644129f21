package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/observability"
)

// Published is an event recorded by MemoryBus.
type Published struct {
	Exchange   string
	RoutingKey string
	Event      Event
}

// MemoryBus delivers events synchronously inside Publish. Each queue gets a
// delivery when its binding matches, as with a broker topic exchange. Used
// for BROKER_KIND=memory and tests.
type MemoryBus struct {
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu         sync.RWMutex
	queues     map[string]Subscription
	order      []string
	published  []Published
	publishErr error
}

func NewMemoryBus(logger zerolog.Logger, metrics *observability.Metrics) *MemoryBus {
	return &MemoryBus{
		logger:  logger,
		metrics: metrics,
		queues:  make(map[string]Subscription),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, exchange, routingKey string, evt Event) error {
	b.mu.Lock()
	if err := b.publishErr; err != nil {
		b.mu.Unlock()
		b.logger.Error().Err(err).Str("routing_key", routingKey).Msg("publish failed")
		b.metrics.ObservePublish(routingKey, err)
		return err
	}
	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: routingKey, Event: evt})
	var targets []Subscription
	for _, name := range b.order {
		sub := b.queues[name]
		if sub.Exchange == exchange && MatchTopic(sub.RoutingKey, routingKey) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	b.metrics.ObservePublish(routingKey, nil)

	deliveryCtx := context.WithoutCancel(ctx)
	for _, sub := range targets {
		err := sub.Handler(deliveryCtx, evt)
		b.metrics.ObserveConsume(sub.Queue, err)
		if err != nil {
			b.logger.Error().Err(err).
				Str("queue", sub.Queue).
				Str("event_id", evt.ID).
				Msg("handler failed, message dropped")
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, sub Subscription) error {
	if err := validateSubscription(sub); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.queues[sub.Queue]; !exists {
		b.order = append(b.order, sub.Queue)
	}
	b.queues[sub.Queue] = sub
	return nil
}

func (b *MemoryBus) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (b *MemoryBus) Close() error { return nil }

// FailPublishes makes every later Publish return err. Pass nil to restore.
func (b *MemoryBus) FailPublishes(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// Published returns the events published so far with the given routing key,
// or all of them when routingKey is empty.
func (b *MemoryBus) Published(routingKey string) []Published {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Published
	for _, p := range b.published {
		if routingKey == "" || p.RoutingKey == routingKey {
			out = append(out, p)
		}
	}
	return out
}

func validateSubscription(sub Subscription) error {
	if sub.Exchange == "" || sub.Queue == "" || sub.RoutingKey == "" {
		return fmt.Errorf("subscription needs exchange, queue and routing key: %+v", sub)
	}
	if sub.Handler == nil {
		return fmt.Errorf("subscription %s has no handler", sub.Queue)
	}
	return nil
}
