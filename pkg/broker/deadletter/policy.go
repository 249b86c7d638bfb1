// Package deadletter settles deliveries that failed processing: it returns
// them to the broker's retry loop until the attempt budget is spent, then
// parks them on a terminal queue for manual inspection.
package deadletter

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/angelmondragon/filepipe-backend/pkg/broker"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/metrics"
)

const (
	HeaderXDeath                = "x-death"
	HeaderParkedAt              = "x-parked-at"
	HeaderParkedFromQueue       = "x-parked-from-queue"
	HeaderParkedDeliveryAttempt = "x-parked-delivery-attempt"
	HeaderParkingReason         = "x-parking-reason"

	DefaultMaxDeliveryAttempts = 3
	maxParkingReasonLength     = 512
)

// Publisher is the confirmed publish the policy parks through.
type Publisher interface {
	PublishConfirmed(ctx context.Context, msg broker.Message) error
}

// Options configures a Policy.
type Options struct {
	MaxDeliveryAttempts int
	ParkingSuffix       string
	Logger              *logger.Logger
	Metrics             *metrics.DeliveryMetrics
}

// Policy implements broker.FailureHandler.
type Policy struct {
	publisher     Publisher
	maxAttempts   int
	parkingSuffix string
	logg          *logger.Logger
	metrics       *metrics.DeliveryMetrics
	now           func() time.Time
}

var _ broker.FailureHandler = (*Policy)(nil)

func NewPolicy(publisher Publisher, opts Options) (*Policy, error) {
	if publisher == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "parking publisher is required")
	}
	if opts.MaxDeliveryAttempts <= 0 {
		opts.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Policy{
		publisher:     publisher,
		maxAttempts:   opts.MaxDeliveryAttempts,
		parkingSuffix: opts.ParkingSuffix,
		logg:          opts.Logger,
		metrics:       opts.Metrics,
		now:           time.Now,
	}, nil
}

// HandleFailure nacks without requeue while attempts remain, so the broker
// dead-letters the delivery into the retry loop. The final attempt is copied
// to the parking queue and then acked. If parking fails the delivery is
// requeued rather than dropped.
func (p *Policy) HandleFailure(ctx context.Context, queue string, d broker.Delivery, cause error) error {
	attempt := DeliveryAttempt(d.Headers(), queue)
	ctx = p.logg.WithFields(ctx, map[string]any{
		"queue":            queue,
		"message_id":       d.MessageID(),
		"delivery_attempt": attempt,
	})

	if attempt < p.maxAttempts {
		if err := d.Nack(false); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "nack delivery")
		}
		p.metrics.IncOutcome(queue, metrics.OutcomeNacked)
		p.logg.Info(ctx, "delivery returned for retry")
		return nil
	}

	parkingQueue := broker.ParkingQueue(queue, p.parkingSuffix)
	msg := broker.Message{
		Exchange:    "",
		RoutingKey:  parkingQueue,
		MessageID:   d.MessageID(),
		ContentType: d.ContentType(),
		Headers:     p.parkingHeaders(d.Headers(), queue, attempt, cause),
		Body:        d.Body(),
		Timestamp:   p.now().UTC(),
	}
	if err := p.publisher.PublishConfirmed(ctx, msg); err != nil {
		p.logg.Error(ctx, "park delivery", err)
		if nackErr := d.Nack(true); nackErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeTransport, nackErr, "requeue delivery after park failure")
		}
		p.metrics.IncOutcome(queue, metrics.OutcomeRequeued)
		return nil
	}
	if err := d.Ack(); err != nil {
		// the parked copy exists; a redelivery will be parked again
		return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "ack parked delivery")
	}
	p.metrics.IncOutcome(queue, metrics.OutcomeParked)
	p.logg.Warn(p.logg.WithField(ctx, "parking_queue", parkingQueue), "delivery parked")
	return nil
}

func (p *Policy) parkingHeaders(original map[string]any, queue string, attempt int, cause error) map[string]any {
	headers := make(map[string]any, len(original)+4)
	for k, v := range original {
		headers[k] = v
	}
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	reason = pkgerrors.Truncate(reason, maxParkingReasonLength)
	headers[HeaderParkedAt] = p.now().UTC().Format(time.RFC3339)
	headers[HeaderParkedFromQueue] = queue
	headers[HeaderParkedDeliveryAttempt] = int64(attempt)
	headers[HeaderParkingReason] = reason
	return headers
}

// DeliveryAttempt returns the 1-based attempt number of a delivery on queue:
// one more than the x-death count the broker recorded for that queue.
func DeliveryAttempt(headers map[string]any, queue string) int {
	return int(deathCount(headers, queue)) + 1
}

func deathCount(headers map[string]any, queue string) int64 {
	raw, ok := headers[HeaderXDeath]
	if !ok {
		return 0
	}
	var entries []any
	switch v := raw.(type) {
	case []any:
		entries = v
	case []amqp.Table:
		for _, t := range v {
			entries = append(entries, t)
		}
	case []map[string]any:
		for _, t := range v {
			entries = append(entries, t)
		}
	default:
		return 0
	}

	for _, entry := range entries {
		var fields map[string]any
		switch e := entry.(type) {
		case amqp.Table:
			fields = e
		case map[string]any:
			fields = e
		default:
			continue
		}
		if q, _ := fields["queue"].(string); q != queue {
			continue
		}
		return toInt64(fields["count"])
	}
	return 0
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
