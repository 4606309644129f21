package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/observability"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const routingKeyHeader = "routing-key"

// KafkaBus maps the topic-exchange model onto Kafka: an exchange is a topic,
// the routing key travels in a header, and a queue is a consumer group that
// filters by its binding pattern.
type KafkaBus struct {
	brokers []string
	logger  zerolog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	subs    []Subscription
	runCtx  context.Context
	closed  bool
	wg      sync.WaitGroup
}

func NewKafkaBus(brokers []string, logger zerolog.Logger, metrics *observability.Metrics) *KafkaBus {
	return &KafkaBus{
		brokers: brokers,
		logger:  logger.With().Str("component", "kafka").Logger(),
		metrics: metrics,
		tracer:  otel.Tracer("github.com/safar/storefront/internal/eventbus"),
		writers: make(map[string]*kafka.Writer),
	}
}

func (b *KafkaBus) writer(topic string) (*kafka.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrNotConnected
	}
	w, ok := b.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:                   kafka.TCP(b.brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
		b.writers[topic] = w
	}
	return w, nil
}

func (b *KafkaBus) Publish(ctx context.Context, exchange, routingKey string, evt Event) error {
	err := b.publish(ctx, exchange, routingKey, evt)
	b.metrics.ObservePublish(routingKey, err)
	if err != nil {
		b.logger.Error().Err(err).
			Str("topic", exchange).
			Str("routing_key", routingKey).
			Str("event_id", evt.ID).
			Msg("publish failed")
	}
	return err
}

func (b *KafkaBus) publish(ctx context.Context, exchange, routingKey string, evt Event) error {
	w, err := b.writer(exchange)
	if err != nil {
		return err
	}

	ctx, span := b.tracer.Start(ctx, "publish "+routingKey, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", exchange),
		attribute.String("messaging.kafka.routing_key", routingKey),
	)

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	headers := []kafka.Header{{Key: routingKeyHeader, Value: []byte(routingKey)}}
	otel.GetTextMapPropagator().Inject(ctx, &kafkaHeaderCarrier{headers: &headers})

	key := evt.CorrelationID
	if key == "" {
		key = evt.ID
	}

	if err := w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   body,
		Headers: headers,
		Time:    evt.Timestamp,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("write %s: %w", routingKey, err)
	}
	return nil
}

func (b *KafkaBus) Subscribe(_ context.Context, sub Subscription) error {
	if err := validateSubscription(sub); err != nil {
		return err
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	runCtx := b.runCtx
	b.mu.Unlock()

	if runCtx != nil {
		b.startReader(runCtx, sub)
	}
	return nil
}

func (b *KafkaBus) Run(ctx context.Context) error {
	b.mu.Lock()
	b.runCtx = ctx
	subs := append([]Subscription(nil), b.subs...)
	b.mu.Unlock()

	for _, sub := range subs {
		b.startReader(ctx, sub)
	}

	<-ctx.Done()
	b.wg.Wait()
	return b.Close()
}

func (b *KafkaBus) startReader(ctx context.Context, sub Subscription) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  sub.Queue,
		Topic:    sub.Exchange,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer reader.Close()

		logger := b.logger.With().Str("queue", sub.Queue).Logger()
		logger.Info().Str("routing_key", sub.RoutingKey).Msg("subscribed")

		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				logger.Error().Err(err).Msg("fetch failed, retrying")
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			if MatchTopic(sub.RoutingKey, headerValue(msg.Headers, routingKeyHeader)) {
				b.handle(ctx, logger, sub, msg)
			}

			if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("commit failed")
			}
		}
	}()
}

// handle never blocks a commit: a failed handler drops the message, as a
// nack without requeue would.
func (b *KafkaBus) handle(ctx context.Context, logger zerolog.Logger, sub Subscription, msg kafka.Message) {
	evt, err := decodeEvent(msg.Value)
	if err != nil {
		logger.Error().Err(err).Int64("offset", msg.Offset).Msg("malformed message dropped")
		b.metrics.ObserveConsume(sub.Queue, err)
		return
	}

	headers := msg.Headers
	msgCtx := otel.GetTextMapPropagator().Extract(context.WithoutCancel(ctx), &kafkaHeaderCarrier{headers: &headers})
	msgCtx, span := b.tracer.Start(msgCtx, "consume "+evt.Type, trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	err = sub.Handler(logger.WithContext(msgCtx), evt)
	b.metrics.ObserveConsume(sub.Queue, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("event_id", evt.ID).Msg("handler failed, message dropped")
	}
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for topic, w := range b.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

type kafkaHeaderCarrier struct {
	headers *[]kafka.Header
}

func (c *kafkaHeaderCarrier) Get(key string) string {
	return headerValue(*c.headers, key)
}

func (c *kafkaHeaderCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *kafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}
