package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/filepipe-backend/pkg/broker"
	"github.com/angelmondragon/filepipe-backend/pkg/broker/brokertest"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
)

func testMessage() broker.Message {
	return broker.Message{
		Exchange:      "files.events",
		RoutingKey:    "files.validated.v1",
		MessageID:     "evt-1",
		Type:          "FileValidated.v1",
		CorrelationID: "corr-1",
		Headers:       map[string]any{"x-message-type": "FileValidated.v1"},
		Body:          []byte(`{"kind":"event"}`),
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPublishConfirmedStampsPublishing(t *testing.T) {
	ch := brokertest.NewChannel()
	pub := broker.NewConfirmPublisher(brokertest.NewSource(ch), time.Second, nil)

	require.NoError(t, pub.PublishConfirmed(context.Background(), testMessage()))

	published := ch.Published()
	require.Len(t, published, 1)
	got := published[0]
	require.Equal(t, "files.events", got.Exchange)
	require.Equal(t, "files.validated.v1", got.RoutingKey)
	require.Equal(t, "evt-1", got.Msg.MessageId)
	require.Equal(t, "corr-1", got.Msg.CorrelationId)
	require.Equal(t, "FileValidated.v1", got.Msg.Type)
	require.Equal(t, amqp.Persistent, got.Msg.DeliveryMode)
	require.Equal(t, "application/json", got.Msg.ContentType)
	require.Equal(t, "FileValidated.v1", got.Msg.Headers["x-message-type"])
}

func TestPublishConfirmedReusesChannel(t *testing.T) {
	src := brokertest.NewSource()
	pub := broker.NewConfirmPublisher(src, time.Second, nil)

	require.NoError(t, pub.PublishConfirmed(context.Background(), testMessage()))
	require.NoError(t, pub.PublishConfirmed(context.Background(), testMessage()))
	require.Len(t, src.Opened(), 1)
}

func TestPublishConfirmedReportsBrokerNack(t *testing.T) {
	ch := brokertest.NewChannel()
	ch.NackPublishes = true
	src := brokertest.NewSource(ch)
	pub := broker.NewConfirmPublisher(src, time.Second, nil)

	err := pub.PublishConfirmed(context.Background(), testMessage())
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeTransport))
	require.False(t, ch.IsClosed())
}

func TestPublishConfirmedTimeoutDiscardsChannel(t *testing.T) {
	stalled := brokertest.NewChannel()
	stalled.DropConfirms = true
	src := brokertest.NewSource(stalled)
	pub := broker.NewConfirmPublisher(src, 10*time.Millisecond, nil)

	err := pub.PublishConfirmed(context.Background(), testMessage())
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeTransport))
	require.True(t, stalled.IsClosed())

	require.NoError(t, pub.PublishConfirmed(context.Background(), testMessage()))
	require.Len(t, src.Opened(), 2)
}

func TestPublishConfirmedPublishErrorDiscardsChannel(t *testing.T) {
	ch := brokertest.NewChannel()
	ch.PublishErr = errors.New("frame too large")
	src := brokertest.NewSource(ch)
	pub := broker.NewConfirmPublisher(src, time.Second, nil)

	err := pub.PublishConfirmed(context.Background(), testMessage())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeTransport))
	require.True(t, ch.IsClosed())
}

func TestPublishConfirmedRequiresRoutingKey(t *testing.T) {
	pub := broker.NewConfirmPublisher(brokertest.NewSource(), time.Second, nil)
	msg := testMessage()
	msg.RoutingKey = ""
	err := pub.PublishConfirmed(context.Background(), msg)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestPublishConfirmedWithoutChannel(t *testing.T) {
	src := brokertest.NewSource()
	src.Err = broker.ErrConnectionClosed
	pub := broker.NewConfirmPublisher(src, time.Second, nil)
	err := pub.PublishConfirmed(context.Background(), testMessage())
	require.ErrorIs(t, err, broker.ErrConnectionClosed)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeTransport))
}
