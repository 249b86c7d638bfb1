package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox/publisher"
)

const defaultPublishTimeout = 15 * time.Second

type topicPublisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type publisherFactory func(routingKey string) topicPublisher

// Transport publishes outbox rows to one Pub/Sub topic per routing key. It is
// the alternative to the AMQP transport for deployments on GCP.
type Transport struct {
	factory publisherFactory
	timeout time.Duration
}

var _ publisher.Transport = (*Transport)(nil)

func NewTransport(client *Client) *Transport {
	return &Transport{
		factory: func(routingKey string) topicPublisher {
			p := client.Publisher(client.TopicFor(routingKey))
			if p == nil {
				return nil
			}
			return &gcpPublisher{Publisher: p}
		},
		timeout: defaultPublishTimeout,
	}
}

func (t *Transport) Publish(ctx context.Context, out publisher.Outbound) error {
	pub := t.factory(out.RoutingKey)
	if pub == nil {
		return pkgerrors.New(pkgerrors.CodeTransport, fmt.Sprintf("publisher not configured for routing key %s", out.RoutingKey))
	}

	publishCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	result := pub.Publish(publishCtx, &gcppubsub.Message{
		Data:        out.Body,
		Attributes:  attributes(out),
	})
	if result == nil {
		return pkgerrors.New(pkgerrors.CodeTransport, "publisher returned nil result")
	}
	if _, err := result.Get(publishCtx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "pubsub publish")
	}
	return nil
}

func attributes(out publisher.Outbound) map[string]string {
	attrs := map[string]string{
		"event_id":       out.EventID,
		"event_type":     out.EventType,
		"routing_key":    out.RoutingKey,
		"aggregate_type": out.AggregateType,
		"aggregate_id":   out.AggregateID,
		"occurred_at":    out.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range out.Headers {
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}
	return attrs
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
