package projection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/db/dbtest"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox"
)

var projectionNow = time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *db.Client) {
	t.Helper()
	client := dbtest.Open(t)
	ob, err := outbox.NewService(outbox.ServiceParams{
		DB:       client,
		Catalog:  messaging.DefaultCatalog(),
		Producer: "projection-service",
		Logger:   logger.Nop(),
	})
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{Outbox: ob, Logger: logger.Nop()})
	require.NoError(t, err)
	svc.now = func() time.Time { return projectionNow }
	return svc, client
}

func message(id, messageType string, payload any) *messaging.Message {
	return &messaging.Message{
		Envelope: messaging.Envelope{
			Kind:          enums.MessageKindEvent,
			MessageID:     id,
			Type:          messageType,
			OccurredAt:    projectionNow.Add(-time.Minute),
			CorrelationID: "C1",
			Producer:      "test",
			Version:       messaging.CurrentVersion,
		},
		Payload: payload,
	}
}

func fileValidated() *messaging.Message {
	return message("m-valid", messaging.TypeFileValidated, &messaging.FileValidated{
		FileID: "F1", Bucket: "uploads", ObjectKey: "F1/original.png", DetectedMime: "image/png", SizeBytes: 10, UploadedBy: "u-7",
	})
}

func fileRejected() *messaging.Message {
	return message("m-reject", messaging.TypeFileRejected, &messaging.FileRejected{
		FileID: "F1", Code: "too_large", Reason: "file exceeds limit", UploadedBy: "u-7",
	})
}

func thumbnailGenerated() *messaging.Message {
	return message("m-thumb", messaging.TypeThumbnailGenerated, &messaging.ThumbnailGenerated{
		FileID: "F1", Bucket: "uploads", ThumbnailKey: "F1/original.png",
	})
}

func metadataExtracted() *messaging.Message {
	return message("m-meta", messaging.TypeMetadataExtracted, &messaging.MetadataExtracted{
		FileID: "F1", Metadata: map[string]any{"width": 64, "height": 32},
	})
}

func handleAll(t *testing.T, svc *Service, msgs ...*messaging.Message) {
	t.Helper()
	for _, msg := range msgs {
		require.NoError(t, svc.Handle(context.Background(), msg), msg.Envelope.Type)
	}
}

func completionSignals(t *testing.T, client *db.Client) []messaging.ProcessingCompleted {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, client.DB().Table(db.TableOutboxEvents).
		Where("event_type = ?", messaging.TypeProcessingCompleted).
		Find(&rows).Error)

	out := make([]messaging.ProcessingCompleted, 0, len(rows))
	for _, row := range rows {
		var env messaging.Envelope
		require.NoError(t, json.Unmarshal(row.Payload, &env))
		var payload messaging.ProcessingCompleted
		require.NoError(t, json.Unmarshal(env.Payload, &payload))
		out = append(out, payload)
	}
	return out
}

func TestProjectionCompletesAfterAllMilestones(t *testing.T) {
	svc, client := newTestService(t)
	handleAll(t, svc, fileValidated(), thumbnailGenerated())

	row, err := svc.Repository().Get(client.DB(), "F1")
	require.NoError(t, err)
	assert.Equal(t, enums.ProcessingInProgress, row.Status)
	assert.Empty(t, completionSignals(t, client))

	handleAll(t, svc, metadataExtracted())

	row, err = svc.Repository().Get(client.DB(), "F1")
	require.NoError(t, err)
	assert.Equal(t, enums.ProcessingCompleted, row.Status)
	assert.Equal(t, "image/png", row.DetectedMime)
	assert.EqualValues(t, 64, row.Metadata["width"])
	require.NotNil(t, row.CompletedAt)

	signals := completionSignals(t, client)
	require.Len(t, signals, 1)
	assert.Equal(t, "completed", signals[0].Status)
	assert.Equal(t, "u-7", signals[0].UploadedBy)
	assert.True(t, signals[0].CompletedAt.Equal(projectionNow))
}

func TestProjectionMilestonesInAnyOrder(t *testing.T) {
	svc, client := newTestService(t)
	handleAll(t, svc, metadataExtracted(), thumbnailGenerated(), fileValidated())

	row, err := svc.Repository().Get(client.DB(), "F1")
	require.NoError(t, err)
	assert.Equal(t, enums.ProcessingCompleted, row.Status)
	assert.Len(t, completionSignals(t, client), 1)
}

func TestProjectionRejectionFailsFile(t *testing.T) {
	svc, client := newTestService(t)
	handleAll(t, svc, fileRejected())

	row, err := svc.Repository().Get(client.DB(), "F1")
	require.NoError(t, err)
	assert.Equal(t, enums.ProcessingFailed, row.Status)
	require.NotNil(t, row.RejectionCode)
	assert.Equal(t, "too_large", *row.RejectionCode)

	signals := completionSignals(t, client)
	require.Len(t, signals, 1)
	assert.Equal(t, "failed", signals[0].Status)
	assert.Equal(t, "too_large", signals[0].RejectionCode)
}

func TestProjectionFinalStatusIsSticky(t *testing.T) {
	svc, client := newTestService(t)
	handleAll(t, svc, fileValidated(), thumbnailGenerated(), metadataExtracted())
	handleAll(t, svc, fileRejected())

	row, err := svc.Repository().Get(client.DB(), "F1")
	require.NoError(t, err)
	assert.Equal(t, enums.ProcessingCompleted, row.Status)
	assert.Nil(t, row.RejectionCode)
	assert.Len(t, completionSignals(t, client), 1)
}

func TestProjectionIgnoresRedelivery(t *testing.T) {
	svc, client := newTestService(t)
	handleAll(t, svc, fileValidated(), thumbnailGenerated(), metadataExtracted(), metadataExtracted())

	var processed int64
	require.NoError(t, client.DB().Table(db.TableProcessedEvents).Count(&processed).Error)
	assert.EqualValues(t, 3, processed)
	assert.Len(t, completionSignals(t, client), 1)
}

func TestProjectionRequiresFileID(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Handle(context.Background(), message("m-x", messaging.TypeFileValidated, struct{}{}))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePoison))
}
