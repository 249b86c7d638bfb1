package broker

import amqp "github.com/rabbitmq/amqp091-go"

// Delivery is one message handed to a consumer.
type Delivery interface {
	Body() []byte
	Headers() map[string]any
	MessageID() string
	RoutingKey() string
	ContentType() string
	Redelivered() bool
	Ack() error
	Nack(requeue bool) error
}

// NewDelivery adapts an amqp delivery.
func NewDelivery(d amqp.Delivery) Delivery {
	return amqpDelivery{d: d}
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Body() []byte { return a.d.Body }

func (a amqpDelivery) Headers() map[string]any {
	if a.d.Headers == nil {
		return map[string]any{}
	}
	return map[string]any(a.d.Headers)
}

func (a amqpDelivery) MessageID() string   { return a.d.MessageId }
func (a amqpDelivery) RoutingKey() string  { return a.d.RoutingKey }
func (a amqpDelivery) ContentType() string { return a.d.ContentType }
func (a amqpDelivery) Redelivered() bool   { return a.d.Redelivered }
func (a amqpDelivery) Ack() error          { return a.d.Ack(false) }

func (a amqpDelivery) Nack(requeue bool) error {
	return a.d.Nack(false, requeue)
}
