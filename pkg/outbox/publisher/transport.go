package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/filepipe-backend/pkg/broker"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
)

// ErrTransportUnavailable means the transport refused to try at all. The
// publisher ends the tick without charging an attempt to any row.
var ErrTransportUnavailable = errors.New("outbox transport unavailable")

// Outbound is one outbox row as handed to a transport.
type Outbound struct {
	EventID       string
	EventType     string
	RoutingKey    string
	CorrelationID string
	AggregateType string
	AggregateID   string
	Headers       map[string]any
	Body          []byte
	OccurredAt    time.Time
}

// OutboundFrom maps a stored row to its wire form. The row payload is the
// complete envelope.
func OutboundFrom(row models.OutboxEvent) Outbound {
	headers := make(map[string]any, len(row.Headers))
	for k, v := range row.Headers {
		headers[k] = v
	}
	correlationID, _ := headers[messaging.HeaderCorrelationID].(string)
	return Outbound{
		EventID:       row.EventID,
		EventType:     row.EventType,
		RoutingKey:    row.RoutingKey,
		CorrelationID: correlationID,
		AggregateType: string(row.AggregateType),
		AggregateID:   row.AggregateID,
		Headers:       headers,
		Body:          []byte(row.Payload),
		OccurredAt:    row.OccurredAt,
	}
}

// Transport publishes with confirmation: nil means the broker has the message.
type Transport interface {
	Publish(ctx context.Context, out Outbound) error
}

type confirmPublisher interface {
	PublishConfirmed(ctx context.Context, msg broker.Message) error
}

// AMQPTransport publishes outbox rows to a topic exchange, keyed by the
// row's routing key.
type AMQPTransport struct {
	publisher confirmPublisher
	exchange  string
}

func NewAMQPTransport(publisher confirmPublisher, exchange string) *AMQPTransport {
	return &AMQPTransport{publisher: publisher, exchange: exchange}
}

func (t *AMQPTransport) Publish(ctx context.Context, out Outbound) error {
	return t.publisher.PublishConfirmed(ctx, broker.Message{
		Exchange:      t.exchange,
		RoutingKey:    out.RoutingKey,
		MessageID:     out.EventID,
		Type:          out.EventType,
		CorrelationID: out.CorrelationID,
		Headers:       out.Headers,
		Body:          out.Body,
		Timestamp:     out.OccurredAt,
	})
}
