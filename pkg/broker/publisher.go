package broker

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
)

const defaultContentType = "application/json"

// Message is one broker publish.
type Message struct {
	Exchange      string
	RoutingKey    string
	MessageID     string
	Type          string
	CorrelationID string
	ContentType   string
	Headers       map[string]any
	Body          []byte
	Timestamp     time.Time
}

func (m Message) publishing() amqp.Publishing {
	headers := make(amqp.Table, len(m.Headers))
	for k, v := range m.Headers {
		headers[k] = v
	}
	contentType := m.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     m.MessageID,
		CorrelationId: m.CorrelationID,
		Type:          m.Type,
		Timestamp:     m.Timestamp,
		Body:          m.Body,
	}
}

// ConfirmPublisher publishes one message at a time and waits for the broker's
// confirm before returning. A timeout or cancellation discards the channel so a
// late confirm can never be matched to the next publish.
type ConfirmPublisher struct {
	source         ChannelSource
	confirmTimeout time.Duration
	logg           *logger.Logger

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	closed   chan *amqp.Error
}

func NewConfirmPublisher(source ChannelSource, confirmTimeout time.Duration, logg *logger.Logger) *ConfirmPublisher {
	if confirmTimeout <= 0 {
		confirmTimeout = 5 * time.Second
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &ConfirmPublisher{source: source, confirmTimeout: confirmTimeout, logg: logg}
}

// PublishConfirmed returns nil only after the broker acked the message.
func (p *ConfirmPublisher) PublishConfirmed(ctx context.Context, msg Message) error {
	if msg.RoutingKey == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "routing key is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "open confirm channel")
	}
	if err := p.ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, false, false, msg.publishing()); err != nil {
		p.invalidate()
		return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "publish message")
	}
	return p.waitForConfirm(ctx)
}

// Close releases the confirm channel.
func (p *ConfirmPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidate()
	return nil
}

func (p *ConfirmPublisher) ensureChannel(ctx context.Context) error {
	if p.ch != nil {
		select {
		case <-p.closed:
			p.invalidate()
		default:
			return nil
		}
	}

	ch, err := p.source.Channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return err
	}
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.ch = ch
	return nil
}

func (p *ConfirmPublisher) waitForConfirm(ctx context.Context) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			p.invalidate()
			return pkgerrors.New(pkgerrors.CodeTransport, "confirm stream closed")
		}
		if !confirm.Ack {
			return pkgerrors.New(pkgerrors.CodeTransport, "broker rejected publish")
		}
		return nil
	case reason := <-p.closed:
		p.invalidate()
		if reason != nil {
			return pkgerrors.Wrap(pkgerrors.CodeTransport, reason, "channel closed awaiting confirm")
		}
		return pkgerrors.New(pkgerrors.CodeTransport, "channel closed awaiting confirm")
	case <-timer.C:
		p.invalidate()
		return pkgerrors.New(pkgerrors.CodeTransport, "publish confirm timed out")
	case <-ctx.Done():
		p.invalidate()
		return pkgerrors.Wrap(pkgerrors.CodeTransport, ctx.Err(), "publish confirm cancelled")
	}
}

func (p *ConfirmPublisher) invalidate() {
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			p.logg.Debug(context.Background(), "close confirm channel: "+err.Error())
		}
	}
	p.ch = nil
	p.confirms = nil
	p.closed = nil
}
