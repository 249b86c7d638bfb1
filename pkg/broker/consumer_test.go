package broker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/filepipe-backend/pkg/broker"
	"github.com/angelmondragon/filepipe-backend/pkg/broker/brokertest"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
)

type recordingFailures struct {
	mu     sync.Mutex
	causes []error
}

func (r *recordingFailures) HandleFailure(_ context.Context, _ string, d broker.Delivery, cause error) error {
	r.mu.Lock()
	r.causes = append(r.causes, cause)
	r.mu.Unlock()
	return d.Nack(false)
}

func (r *recordingFailures) Causes() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.causes...)
}

type ackRecorder struct {
	mu    sync.Mutex
	acked []uint64
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *ackRecorder) Nack(uint64, bool, bool) error { return nil }
func (a *ackRecorder) Reject(uint64, bool) error     { return nil }

func (a *ackRecorder) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked)
}

func uploadedBody(t *testing.T, catalog *messaging.Catalog, messageID string) []byte {
	t.Helper()
	env, err := catalog.Build(messaging.BuildParams{
		Type:          messaging.TypeFileUploaded,
		MessageID:     messageID,
		CorrelationID: "corr-1",
		Producer:      "upload-api",
		OccurredAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: &messaging.FileUploaded{
			FileID:    "file-1",
			Bucket:    "uploads",
			ObjectKey: "raw/file-1",
			SizeBytes: 2048,
		},
	})
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func newTestConsumer(t *testing.T, src broker.ChannelSource, handler broker.Handler, failures broker.FailureHandler) *broker.Consumer {
	t.Helper()
	consumer, err := broker.NewConsumer(broker.ConsumerParams{
		Source:           src,
		Queue:            "validator",
		ConsumerTag:      "validator-test",
		Prefetch:         4,
		Catalog:          messaging.DefaultCatalog(),
		Handler:          handler,
		Failures:         failures,
		ResubscribeDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return consumer
}

func TestProcessAcksHandledMessage(t *testing.T) {
	var got *messaging.FileUploaded
	router := broker.NewRouter()
	router.Register(messaging.TypeFileUploaded, broker.HandlerFunc(func(_ context.Context, msg *messaging.Message) error {
		got = msg.Payload.(*messaging.FileUploaded)
		return nil
	}))
	failures := &recordingFailures{}
	consumer := newTestConsumer(t, brokertest.NewSource(), router, failures)

	d := &brokertest.Delivery{Payload: uploadedBody(t, messaging.DefaultCatalog(), "msg-1"), ID: "msg-1"}
	consumer.Process(context.Background(), d)

	require.Equal(t, 1, d.Acks())
	require.Empty(t, failures.Causes())
	require.NotNil(t, got)
	require.Equal(t, "file-1", got.FileID)
}

func TestProcessRoutesPoisonToFailureHandler(t *testing.T) {
	failures := &recordingFailures{}
	consumer := newTestConsumer(t, brokertest.NewSource(), broker.NewRouter(), failures)

	d := &brokertest.Delivery{Payload: []byte(`{not json`)}
	consumer.Process(context.Background(), d)

	require.Equal(t, 0, d.Acks())
	causes := failures.Causes()
	require.Len(t, causes, 1)
	require.True(t, pkgerrors.IsCode(causes[0], pkgerrors.CodePoison))
	nacks, requeue := d.Nacks()
	require.Equal(t, 1, nacks)
	require.False(t, requeue)
}

func TestProcessRoutesHandlerErrorToFailureHandler(t *testing.T) {
	failures := &recordingFailures{}
	handler := broker.HandlerFunc(func(context.Context, *messaging.Message) error {
		return pkgerrors.New(pkgerrors.CodePersistence, "database unavailable")
	})
	consumer := newTestConsumer(t, brokertest.NewSource(), handler, failures)

	d := &brokertest.Delivery{Payload: uploadedBody(t, messaging.DefaultCatalog(), "msg-2")}
	consumer.Process(context.Background(), d)

	require.Equal(t, 0, d.Acks())
	require.Len(t, failures.Causes(), 1)
}

func TestProcessAcksDuplicates(t *testing.T) {
	failures := &recordingFailures{}
	handler := broker.HandlerFunc(func(context.Context, *messaging.Message) error {
		return pkgerrors.New(pkgerrors.CodeDuplicate, "already handled")
	})
	consumer := newTestConsumer(t, brokertest.NewSource(), handler, failures)

	d := &brokertest.Delivery{Payload: uploadedBody(t, messaging.DefaultCatalog(), "msg-3")}
	consumer.Process(context.Background(), d)

	require.Equal(t, 1, d.Acks())
	require.Empty(t, failures.Causes())
}

func TestProcessAcksUnhandledTypes(t *testing.T) {
	failures := &recordingFailures{}
	consumer := newTestConsumer(t, brokertest.NewSource(), broker.NewRouter(), failures)

	d := &brokertest.Delivery{Payload: uploadedBody(t, messaging.DefaultCatalog(), "msg-4")}
	consumer.Process(context.Background(), d)

	require.Equal(t, 1, d.Acks())
	require.Empty(t, failures.Causes())
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	catalog := messaging.DefaultCatalog()
	ch := brokertest.NewChannel()
	acks := &ackRecorder{}
	for i, id := range []string{"msg-a", "msg-b", "msg-c"} {
		ch.Deliveries <- amqp.Delivery{
			Acknowledger: acks,
			DeliveryTag:  uint64(i + 1),
			MessageId:    id,
			Body:         uploadedBody(t, catalog, id),
		}
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	router := broker.NewRouter()
	router.Register(messaging.TypeFileUploaded, broker.HandlerFunc(func(_ context.Context, msg *messaging.Message) error {
		mu.Lock()
		seen[msg.Envelope.MessageID] = true
		mu.Unlock()
		return nil
	}))
	consumer := newTestConsumer(t, brokertest.NewSource(ch), router, &recordingFailures{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return acks.Count() == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	require.Equal(t, 4, ch.Prefetch())
	require.Len(t, seen, 3)
	require.True(t, ch.IsClosed())
}

func TestNewConsumerValidatesParams(t *testing.T) {
	_, err := broker.NewConsumer(broker.ConsumerParams{Queue: "q"})
	require.Error(t, err)
}

func TestRouterTypes(t *testing.T) {
	router := broker.NewRouter()
	noop := broker.HandlerFunc(func(context.Context, *messaging.Message) error { return nil })
	router.Register(messaging.TypeFileValidated, noop)
	router.Register(messaging.TypeFileRejected, noop)
	require.Equal(t, []string{messaging.TypeFileRejected, messaging.TypeFileValidated}, router.Types())
}
