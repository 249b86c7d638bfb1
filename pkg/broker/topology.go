package broker

import (
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
)

const (
	retrySuffix          = ".retry"
	DefaultParkingSuffix = ".parking"
)

// Topology is the exchange and queue layout of one consuming service. A
// rejected delivery is dead-lettered to the retry queue, waits RetryDelay
// there, and is dead-lettered back to the primary queue. Each round trip adds
// one to the primary queue's x-death count.
type Topology struct {
	Exchange      string
	Queue         string
	RoutingKeys   []string
	RetryDelay    time.Duration
	ParkingSuffix string
}

// RetryQueue names the delay queue behind queue.
func RetryQueue(queue string) string {
	return queue + retrySuffix
}

// ParkingQueue names the terminal queue for deliveries out of attempts.
func ParkingQueue(queue, suffix string) string {
	if strings.TrimSpace(suffix) == "" {
		suffix = DefaultParkingSuffix
	}
	return queue + suffix
}

// DeclareTopology declares the exchange, the primary, retry and parking
// queues, and the primary bindings. Production brokers are provisioned ahead
// of time; this is for development and tests.
func DeclareTopology(ch TopologyChannel, t Topology) error {
	if t.Exchange == "" || t.Queue == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "exchange and queue are required")
	}
	if t.RetryDelay <= 0 {
		t.RetryDelay = 10 * time.Second
	}

	if err := DeclareExchange(ch, t.Exchange); err != nil {
		return err
	}

	retry := RetryQueue(t.Queue)
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": retry,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "declare primary queue")
	}
	if _, err := ch.QueueDeclare(retry, true, false, false, false, amqp.Table{
		"x-message-ttl":             t.RetryDelay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Queue,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "declare retry queue")
	}
	if _, err := ch.QueueDeclare(ParkingQueue(t.Queue, t.ParkingSuffix), true, false, false, false, nil); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "declare parking queue")
	}

	for _, key := range t.RoutingKeys {
		if err := ch.QueueBind(t.Queue, key, t.Exchange, false, nil); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "bind queue").WithDetails(map[string]any{"routing_key": key})
		}
	}
	return nil
}

// DeclareExchange declares the durable topic exchange publishers write to.
func DeclareExchange(ch TopologyChannel, exchange string) error {
	if exchange == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "exchange is required")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "declare exchange")
	}
	return nil
}
