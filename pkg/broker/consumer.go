package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/metrics"
)

// ErrUnhandledType marks a decoded message no handler is registered for. The
// delivery is acked; the queue binding let it in but this service ignores it.
var ErrUnhandledType = errors.New("no handler for message type")

// Handler processes one decoded message.
type Handler interface {
	Handle(ctx context.Context, msg *messaging.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *messaging.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *messaging.Message) error {
	return f(ctx, msg)
}

// FailureHandler settles a delivery whose processing failed.
type FailureHandler interface {
	HandleFailure(ctx context.Context, queue string, d Delivery, cause error) error
}

// Router dispatches messages to handlers by type.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds handler to messageType, replacing any previous binding.
func (r *Router) Register(messageType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = handler
}

// Types lists the registered message types in sorted order.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Handle(ctx context.Context, msg *messaging.Message) error {
	r.mu.RLock()
	handler, ok := r.handlers[msg.Envelope.Type]
	r.mu.RUnlock()
	if !ok {
		return ErrUnhandledType
	}
	return handler.Handle(ctx, msg)
}

// ConsumerParams wires a Consumer.
type ConsumerParams struct {
	Source      ChannelSource
	Queue       string
	ConsumerTag string
	Prefetch    int
	Catalog     *messaging.Catalog
	Handler     Handler
	Failures    FailureHandler
	Logger      *logger.Logger
	Metrics     *metrics.DeliveryMetrics
	// ResubscribeDelay is the pause before reopening a channel after the
	// delivery stream ends unexpectedly.
	ResubscribeDelay time.Duration
}

// Consumer reads one queue with manual acks and at most Prefetch deliveries
// in flight.
type Consumer struct {
	source           ChannelSource
	queue            string
	tag              string
	prefetch         int
	catalog          *messaging.Catalog
	handler          Handler
	failures         FailureHandler
	logg             *logger.Logger
	metrics          *metrics.DeliveryMetrics
	resubscribeDelay time.Duration
	now              func() time.Time
}

func NewConsumer(params ConsumerParams) (*Consumer, error) {
	if params.Source == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "channel source is required")
	}
	if params.Queue == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "queue is required")
	}
	if params.Catalog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "catalog is required")
	}
	if params.Handler == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "handler is required")
	}
	if params.Failures == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "failure handler is required")
	}
	if params.Prefetch <= 0 {
		params.Prefetch = 1
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.ResubscribeDelay <= 0 {
		params.ResubscribeDelay = time.Second
	}
	return &Consumer{
		source:           params.Source,
		queue:            params.Queue,
		tag:              params.ConsumerTag,
		prefetch:         params.Prefetch,
		catalog:          params.Catalog,
		handler:          params.Handler,
		failures:         params.Failures,
		logg:             params.Logger,
		metrics:          params.Metrics,
		resubscribeDelay: params.ResubscribeDelay,
		now:              time.Now,
	}, nil
}

// Run consumes until ctx is cancelled, resubscribing whenever the channel or
// connection goes away. In-flight deliveries finish before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	ctx = c.logg.WithField(ctx, "queue", c.queue)
	for {
		err := c.consumeSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logg.Error(ctx, "consumer session ended", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.resubscribeDelay):
		}
	}
}

func (c *Consumer) consumeSession(ctx context.Context) error {
	ch, err := c.source.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "set prefetch")
	}
	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeTransport, err, "start consuming")
	}
	c.logg.Info(ctx, "consumer subscribed")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(c.tag, false)
		case <-stop:
		}
	}()

	// deliveries already taken off the queue are settled even after shutdown starts
	handleCtx := context.WithoutCancel(ctx)
	group := new(errgroup.Group)
	group.SetLimit(c.prefetch)
	for d := range deliveries {
		delivery := NewDelivery(d)
		group.Go(func() error {
			c.Process(handleCtx, delivery)
			return nil
		})
	}
	_ = group.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeTransport, "delivery stream closed")
}

// Process decodes, handles and settles one delivery.
func (c *Consumer) Process(ctx context.Context, d Delivery) {
	start := c.now()
	defer func() {
		c.metrics.ObserveDuration(c.queue, c.now().Sub(start))
	}()

	ctx = c.logg.WithFields(ctx, map[string]any{
		"queue":       c.queue,
		"message_id":  d.MessageID(),
		"routing_key": d.RoutingKey(),
	})

	msg, err := c.catalog.Decode(d.Body())
	if err != nil {
		c.fail(ctx, d, err)
		return
	}
	ctx = c.logg.WithFields(ctx, map[string]any{
		"message_type":   msg.Envelope.Type,
		"correlation_id": msg.Envelope.CorrelationID,
	})

	err = c.handler.Handle(ctx, msg)
	switch {
	case err == nil:
		c.ack(ctx, d, metrics.OutcomeAcked)
	case errors.Is(err, ErrUnhandledType):
		c.logg.Debug(ctx, "skipping unhandled message type")
		c.ack(ctx, d, metrics.OutcomeSkipped)
	case pkgerrors.MetadataFor(pkgerrors.CodeOf(err)).Acknowledge:
		c.logg.Info(ctx, "duplicate delivery acknowledged")
		c.ack(ctx, d, metrics.OutcomeDuplicate)
	default:
		c.fail(ctx, d, err)
	}
}

func (c *Consumer) ack(ctx context.Context, d Delivery, outcome string) {
	if err := d.Ack(); err != nil {
		c.logg.Error(ctx, "ack delivery", err)
		return
	}
	c.metrics.IncOutcome(c.queue, outcome)
}

func (c *Consumer) fail(ctx context.Context, d Delivery, cause error) {
	ctx = c.logg.WithField(ctx, "error_code", string(pkgerrors.CodeOf(cause)))
	c.logg.Warn(ctx, "delivery failed: "+cause.Error())
	if err := c.failures.HandleFailure(ctx, c.queue, d, cause); err != nil {
		c.logg.Error(ctx, "settle failed delivery", err)
	}
}
