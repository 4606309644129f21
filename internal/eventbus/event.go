// Package eventbus publishes and consumes domain events over a durable,
// topic-routed broker.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const DefaultExchange = "ecommerce.events"

// Routing keys. Each equals the Type of the events it carries.
const (
	OrderPlaced      = "order.placed"
	ProductCreated   = "product.created"
	StockLow         = "stock.low"
	PaymentSucceeded = "payment.succeeded"
	PaymentFailed    = "payment.failed"
)

var ErrNotConnected = errors.New("eventbus: no channel available")

type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
}

func NewEvent(eventType, source, correlationID string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        source,
		CorrelationID: correlationID,
		Data:          raw,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.ID)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func decodeEvent(body []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if evt.Type == "" {
		return Event{}, errors.New("decode event: missing type")
	}
	return evt, nil
}

// Handler processes one delivery. A non-nil error drops the message.
type Handler func(ctx context.Context, evt Event) error

type Subscription struct {
	Exchange   string
	Queue      string
	RoutingKey string
	Handler    Handler
}

type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, evt Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, sub Subscription) error
}

// Bus is a broker client. Run keeps it connected and consuming until ctx is
// cancelled.
type Bus interface {
	Publisher
	Subscriber
	Run(ctx context.Context) error
	Close() error
}
