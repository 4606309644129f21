package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type AMQPConfig struct {
	URL          string
	Prefetch     int
	Workers      int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// AMQPBus keeps one connection and one channel to a RabbitMQ broker. Run
// supervises them: when either closes, it reconnects with bounded
// exponential backoff and re-establishes every subscription.
type AMQPBus struct {
	cfg     AMQPConfig
	logger  zerolog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	mu       sync.RWMutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	session  context.Context
	subs     []Subscription
	declared map[string]bool

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

func NewAMQPBus(cfg AMQPConfig, logger zerolog.Logger, metrics *observability.Metrics) *AMQPBus {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &AMQPBus{
		cfg:      cfg,
		logger:   logger.With().Str("component", "amqp").Logger(),
		metrics:  metrics,
		tracer:   otel.Tracer("github.com/safar/storefront/internal/eventbus"),
		declared: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

func (b *AMQPBus) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		conn, ch, err := b.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

		session, endSession := context.WithCancel(ctx)
		b.mu.Lock()
		b.conn, b.ch, b.session = conn, ch, session
		b.declared = make(map[string]bool)
		subs := append([]Subscription(nil), b.subs...)
		b.mu.Unlock()

		b.logger.Info().Int("subscriptions", len(subs)).Msg("broker connected")
		for _, sub := range subs {
			if err := b.consume(session, ch, sub); err != nil {
				b.logger.Error().Err(err).Str("queue", sub.Queue).Msg("resubscribe failed")
			}
		}

		select {
		case <-ctx.Done():
		case amqpErr := <-connClosed:
			b.logger.Warn().Interface("reason", amqpErr).Msg("broker connection closed")
		case amqpErr := <-chClosed:
			b.logger.Warn().Interface("reason", amqpErr).Msg("broker channel closed")
		}

		endSession()
		b.mu.Lock()
		b.conn, b.ch, b.session = nil, nil, nil
		b.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		b.wg.Wait()

		if ctx.Err() != nil {
			b.logger.Info().Msg("broker client stopped")
			return nil
		}
	}
}

func (b *AMQPBus) connect(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.ReconnectMin
	bo.MaxInterval = b.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	var conn *amqp.Connection
	var ch *amqp.Channel
	op := func() error {
		c, err := amqp.Dial(b.cfg.URL)
		if err != nil {
			return err
		}
		channel, err := c.Channel()
		if err != nil {
			c.Close()
			return err
		}
		if b.cfg.Prefetch > 0 {
			if err := channel.Qos(b.cfg.Prefetch, 0, false); err != nil {
				c.Close()
				return err
			}
		}
		conn, ch = c, channel
		return nil
	}
	notify := func(err error, wait time.Duration) {
		b.logger.Warn().Err(err).Dur("retry_in", wait).Msg("broker connect failed")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, nil, fmt.Errorf("connect broker: %w", err)
	}
	return conn, ch, nil
}

// Publish sends evt as a persistent message. Without a live channel it logs
// and returns ErrNotConnected.
func (b *AMQPBus) Publish(ctx context.Context, exchange, routingKey string, evt Event) error {
	err := b.publish(ctx, exchange, routingKey, evt)
	b.metrics.ObservePublish(routingKey, err)
	if err != nil {
		b.logger.Error().Err(err).
			Str("exchange", exchange).
			Str("routing_key", routingKey).
			Str("event_id", evt.ID).
			Msg("publish failed")
	}
	return err
}

func (b *AMQPBus) publish(ctx context.Context, exchange, routingKey string, evt Event) error {
	b.mu.RLock()
	ch := b.ch
	b.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	ctx, span := b.tracer.Start(ctx, "publish "+routingKey, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", exchange),
		attribute.String("messaging.rabbitmq.routing_key", routingKey),
	)

	if err := b.ensureExchange(ch, exchange); err != nil {
		span.RecordError(err)
		return err
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, amqpHeaderCarrier(headers))

	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     evt.Timestamp,
		MessageId:     evt.ID,
		CorrelationId: evt.CorrelationID,
		AppId:         evt.Source,
		Type:          evt.Type,
		Headers:       headers,
		Body:          body,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func (b *AMQPBus) ensureExchange(ch *amqp.Channel, exchange string) error {
	b.mu.RLock()
	ok := b.declared[exchange]
	b.mu.RUnlock()
	if ok {
		return nil
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	b.mu.Lock()
	b.declared[exchange] = true
	b.mu.Unlock()
	return nil
}

// Subscribe registers sub for the lifetime of the client. It starts
// consuming immediately when connected, otherwise on the next connect.
func (b *AMQPBus) Subscribe(_ context.Context, sub Subscription) error {
	if err := validateSubscription(sub); err != nil {
		return err
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	ch, session := b.ch, b.session
	b.mu.Unlock()

	if ch == nil {
		return nil
	}
	return b.consume(session, ch, sub)
}

func (b *AMQPBus) consume(session context.Context, ch *amqp.Channel, sub Subscription) error {
	if err := b.ensureExchange(ch, sub.Exchange); err != nil {
		return err
	}

	q, err := ch.QueueDeclare(sub.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", sub.Queue, err)
	}
	if err := ch.QueueBind(q.Name, sub.RoutingKey, sub.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", sub.Queue, err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", sub.Queue, err)
	}

	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-session.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					b.handle(session, sub, d)
				}
			}
		}()
	}

	b.logger.Info().Str("queue", sub.Queue).Str("routing_key", sub.RoutingKey).Msg("subscribed")
	return nil
}

func (b *AMQPBus) handle(session context.Context, sub Subscription, d amqp.Delivery) {
	logger := b.logger.With().Str("queue", sub.Queue).Str("message_id", d.MessageId).Logger()

	evt, err := decodeEvent(d.Body)
	if err != nil {
		logger.Error().Err(err).Msg("malformed message dropped")
		b.metrics.ObserveConsume(sub.Queue, err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			logger.Warn().Err(nackErr).Msg("nack failed")
		}
		return
	}

	ctx := otel.GetTextMapPropagator().Extract(context.WithoutCancel(session), amqpHeaderCarrier(d.Headers))
	ctx, span := b.tracer.Start(ctx, "consume "+d.RoutingKey, trace.WithSpanKind(trace.SpanKindConsumer))
	ctx = logger.WithContext(ctx)

	err = sub.Handler(ctx, evt)
	b.metrics.ObserveConsume(sub.Queue, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		logger.Error().Err(err).Str("event_type", evt.Type).Msg("handler failed, message dropped")
		if nackErr := d.Nack(false, false); nackErr != nil {
			logger.Warn().Err(nackErr).Msg("nack failed")
		}
		return
	}
	span.End()

	if ackErr := d.Ack(false); ackErr != nil {
		logger.Warn().Err(ackErr).Msg("ack failed")
	}
}

// Connected reports whether a channel is currently open.
func (b *AMQPBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ch != nil
}

func (b *AMQPBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })

	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}

type amqpHeaderCarrier amqp.Table

func (c amqpHeaderCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c amqpHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c amqpHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
