package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/db/dbtest"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox"
)

var trackerNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T) (*Tracker, *db.Client) {
	t.Helper()
	client := dbtest.Open(t)
	svc, err := outbox.NewService(outbox.ServiceParams{
		DB:       client,
		Catalog:  messaging.DefaultCatalog(),
		Producer: "saga-service",
		Logger:   logger.Nop(),
	})
	require.NoError(t, err)
	tracker, err := NewTracker(TrackerParams{
		Applier: svc,
		Timeout: 15 * time.Minute,
		Logger:  logger.Nop(),
	})
	require.NoError(t, err)
	tracker.now = func() time.Time { return trackerNow }
	return tracker, client
}

func event(id, messageType string, offset time.Duration, payload any) *messaging.Message {
	return &messaging.Message{
		Envelope: messaging.Envelope{
			Kind:          enums.MessageKindEvent,
			MessageID:     id,
			Type:          messageType,
			OccurredAt:    trackerNow.Add(offset),
			CorrelationID: "C1",
			Producer:      "test",
			Version:       messaging.CurrentVersion,
		},
		Payload: payload,
	}
}

func uploaded() *messaging.Message {
	return event("m-upload", messaging.TypeFileUploaded, 0, &messaging.FileUploaded{
		FileID: "F1", Bucket: "uploads", ObjectKey: "F1/original.png", SizeBytes: 42,
	})
}

func validated(id string) *messaging.Message {
	return event(id, messaging.TypeFileValidated, time.Second, &messaging.FileValidated{
		FileID: "F1", Bucket: "uploads", ObjectKey: "F1/original.png", DetectedMime: "image/png", SizeBytes: 42,
	})
}

func thumbnailed() *messaging.Message {
	return event("m-thumb", messaging.TypeThumbnailGenerated, 2*time.Second, &messaging.ThumbnailGenerated{
		FileID: "F1", Bucket: "thumbs", ThumbnailKey: "F1/thumb.png", Width: 64, Height: 64,
	})
}

func extracted() *messaging.Message {
	return event("m-meta", messaging.TypeMetadataExtracted, 3*time.Second, &messaging.MetadataExtracted{
		FileID: "F1", Metadata: map[string]any{"width": 640},
	})
}

func signal(status enums.ProcessingStatus) *messaging.Message {
	return event("m-signal-"+string(status), messaging.TypeProcessingCompleted, 4*time.Second, &messaging.ProcessingCompleted{
		FileID: "F1", Status: string(status), CompletedAt: trackerNow,
	})
}

func deliver(t *testing.T, tracker *Tracker, msgs ...*messaging.Message) {
	t.Helper()
	for _, msg := range msgs {
		require.NoError(t, tracker.Handle(context.Background(), msg), msg.Envelope.Type)
	}
}

func loadSaga(t *testing.T, tracker *Tracker, client *db.Client) *models.ProcessingSaga {
	t.Helper()
	row, err := tracker.Repository().Get(client.DB(), ID("C1", "F1"))
	require.NoError(t, err)
	return row
}

func TestTrackerUploadStartsSaga(t *testing.T) {
	tracker, client := newTestTracker(t)
	deliver(t, tracker, uploaded())

	row := loadSaga(t, tracker, client)
	assert.Equal(t, enums.SagaAwaitingValidation, row.Status)
	assert.Equal(t, enums.ComparisonPending, row.ComparisonStatus)
	assert.True(t, row.DeadlineAt.Equal(trackerNow.Add(15*time.Minute)))
	assert.Equal(t, "F1/original.png", row.Metadata["objectKey"])
	require.NotNil(t, row.LastEventID)
	assert.Equal(t, "m-upload", *row.LastEventID)
}

func TestTrackerLateValidationDoesNotReopenCompletedSaga(t *testing.T) {
	tracker, client := newTestTracker(t)
	deliver(t, tracker, uploaded(), validated("m-valid"), thumbnailed(), extracted())
	require.Equal(t, enums.SagaCompleted, loadSaga(t, tracker, client).Status)

	deliver(t, tracker, validated("m-valid-late"))

	row := loadSaga(t, tracker, client)
	assert.Equal(t, enums.SagaCompleted, row.Status)
	assert.Equal(t, "m-valid-late", *row.LastEventID)
	require.NotNil(t, row.CompletedAt)
	assert.True(t, row.CompletedAt.Equal(trackerNow))
}

func TestTrackerBranchOrderDoesNotMatter(t *testing.T) {
	final := make(map[string]*models.ProcessingSaga)
	orders := map[string][]*messaging.Message{
		"thumbnail first": {thumbnailed(), extracted()},
		"metadata first":  {extracted(), thumbnailed()},
	}
	for name, branches := range orders {
		t.Run(name, func(t *testing.T) {
			tracker, client := newTestTracker(t)
			deliver(t, tracker, uploaded(), validated("m-valid"), branches[0])
			assert.Equal(t, enums.SagaPartiallyCompleted, loadSaga(t, tracker, client).Status)
			deliver(t, tracker, branches[1])
			final[name] = loadSaga(t, tracker, client)
		})
	}

	a, b := final["thumbnail first"], final["metadata first"]
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, enums.SagaCompleted, a.Status)
	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, a.ComparisonStatus, b.ComparisonStatus)
	assert.True(t, a.ThumbnailCompletedAt.Equal(*b.ThumbnailCompletedAt))
	assert.True(t, a.MetadataCompletedAt.Equal(*b.MetadataCompletedAt))
	assert.True(t, a.ValidationCompletedAt.Equal(*b.ValidationCompletedAt))
	assert.True(t, a.CompletedAt.Equal(*b.CompletedAt))
}

func TestTrackerBranchesBeforeValidation(t *testing.T) {
	tracker, client := newTestTracker(t)
	deliver(t, tracker, uploaded(), thumbnailed(), extracted())
	assert.Equal(t, enums.SagaAwaitingProcessingBranches, loadSaga(t, tracker, client).Status)

	deliver(t, tracker, validated("m-valid"))
	assert.Equal(t, enums.SagaCompleted, loadSaga(t, tracker, client).Status)
}

func TestTrackerComparesCompletionSignal(t *testing.T) {
	tests := []struct {
		name   string
		signal enums.ProcessingStatus
		want   enums.ComparisonStatus
	}{
		{"agreeing signal", enums.ProcessingCompleted, enums.ComparisonMatch},
		{"disagreeing signal", enums.ProcessingFailed, enums.ComparisonMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, client := newTestTracker(t)
			deliver(t, tracker, uploaded(), validated("m-valid"), thumbnailed(), extracted(), signal(tt.signal))

			row := loadSaga(t, tracker, client)
			assert.Equal(t, enums.SagaCompleted, row.Status)
			assert.Equal(t, tt.want, row.ComparisonStatus)
			require.NotNil(t, row.ProjectionCompletionStatus)
			assert.Equal(t, tt.signal, *row.ProjectionCompletionStatus)
		})
	}
}

func TestTrackerSignalBeforeConclusionStaysPending(t *testing.T) {
	tracker, client := newTestTracker(t)
	deliver(t, tracker, uploaded(), signal(enums.ProcessingFailed))
	assert.Equal(t, enums.ComparisonPending, loadSaga(t, tracker, client).ComparisonStatus)

	deliver(t, tracker, event("m-reject", messaging.TypeFileRejected, time.Second, &messaging.FileRejected{
		FileID: "F1", Code: "signature_mismatch", Reason: "png declared, gif found",
	}))

	row := loadSaga(t, tracker, client)
	assert.Equal(t, enums.SagaFailed, row.Status)
	assert.Equal(t, enums.ComparisonMatch, row.ComparisonStatus)
	require.NotNil(t, row.RejectionCode)
	assert.Equal(t, "signature_mismatch", *row.RejectionCode)
}

func TestTrackerIgnoresDuplicateDelivery(t *testing.T) {
	tracker, client := newTestTracker(t)
	deliver(t, tracker, uploaded(), validated("m-valid"))
	before := loadSaga(t, tracker, client)

	tracker.now = func() time.Time { return trackerNow.Add(time.Hour) }
	deliver(t, tracker, validated("m-valid"))

	after := loadSaga(t, tracker, client)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))

	var ledger int64
	require.NoError(t, client.DB().Table(db.TableProcessedEvents).Where("consumer_name = ?", ConsumerName).Count(&ledger).Error)
	assert.Equal(t, int64(2), ledger)

	var staged int64
	require.NoError(t, client.DB().Table(db.TableOutboxEvents).Count(&staged).Error)
	assert.Zero(t, staged)
}

func TestTrackerRejectsMessageWithoutFile(t *testing.T) {
	tracker, _ := newTestTracker(t)
	err := tracker.Handle(context.Background(), event("m-x", messaging.TypeFileUploaded, 0, &messaging.FileUploaded{}))
	require.Error(t, err)
}
