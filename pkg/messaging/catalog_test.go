package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
)

func TestDefaultCatalogRoutingKeys(t *testing.T) {
	catalog := DefaultCatalog()

	expected := map[string]string{
		TypeFileUploaded:          "files.uploaded.v1",
		TypeFileValidated:         "files.validated.v1",
		TypeFileRejected:          "files.rejected.v1",
		TypeThumbnailGenerated:    "thumbnails.generated.v1",
		TypeMetadataExtracted:     "metadata.extracted.v1",
		TypeProcessingCompleted:   "processing.completed.v1",
		TypeNotificationRequested: "notifications.requested.v1",
	}
	for messageType, routingKey := range expected {
		got, err := catalog.RoutingKey(messageType)
		require.NoError(t, err, messageType)
		assert.Equal(t, routingKey, got, messageType)
	}
	assert.Len(t, catalog.Types(), len(expected))

	_, err := catalog.RoutingKey("FileDeleted.v1")
	assert.Error(t, err)
}

func TestRegisterRequiresSchema(t *testing.T) {
	catalog := NewCatalog()

	err := catalog.Register(Entry{Type: "Orphan.v1", Kind: enums.MessageKindEvent, RoutingKey: "orphan.v1"})
	require.Error(t, err)

	err = catalog.Register(Entry{Type: "Scalar.v1", Kind: enums.MessageKindEvent, RoutingKey: "scalar.v1", Schema: func() any { return "nope" }})
	require.Error(t, err)

	err = catalog.Register(Entry{Type: "Bad.v1", Kind: "query", RoutingKey: "bad.v1", Schema: func() any { return &FileUploaded{} }})
	require.Error(t, err)

	entry := Entry{Type: "Good.v1", Kind: enums.MessageKindCommand, RoutingKey: "good.v1", Schema: func() any { return &FileUploaded{} }}
	require.NoError(t, catalog.Register(entry))
	require.Error(t, catalog.Register(entry), "duplicate registration must fail")

	got, ok := catalog.Lookup("Good.v1")
	require.True(t, ok)
	assert.Equal(t, CurrentVersion, got.Version)
}

func TestDecodeValidEnvelope(t *testing.T) {
	catalog := DefaultCatalog()
	body := rawEnvelope(t, map[string]any{
		"kind":          "event",
		"messageId":     "m-1",
		"type":          TypeFileUploaded,
		"occurredAt":    "2026-01-02T03:04:05Z",
		"correlationId": "C1",
		"producer":      "upload-service",
		"version":       1,
		"payload": map[string]any{
			"fileId":    "F1",
			"bucket":    "uploads",
			"objectKey": "F1/original.png",
			"sizeBytes": 2048,
		},
	})

	msg, err := catalog.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "files.uploaded.v1", msg.Entry.RoutingKey)
	assert.Equal(t, "F1", msg.FileID())
	payload, ok := msg.Payload.(*FileUploaded)
	require.True(t, ok, "unexpected payload type %T", msg.Payload)
	assert.Equal(t, int64(2048), payload.SizeBytes)
	assert.Nil(t, msg.Envelope.CausationID)
}

func TestDecodeRejectsPoison(t *testing.T) {
	catalog := DefaultCatalog()
	valid := func() map[string]any {
		return map[string]any{
			"kind":          "event",
			"messageId":     "m-1",
			"type":          TypeFileRejected,
			"occurredAt":    "2026-01-02T03:04:05Z",
			"correlationId": "C1",
			"producer":      "validator-service",
			"version":       1,
			"payload":       map[string]any{"fileId": "F1", "code": "signature_mismatch", "reason": "not a png"},
		}
	}

	cases := map[string]func(m map[string]any){
		"missing message id": func(m map[string]any) { delete(m, "messageId") },
		"unknown type":       func(m map[string]any) { m["type"] = "FileExploded.v1" },
		"kind mismatch":      func(m map[string]any) { m["kind"] = "command" },
		"bad kind":           func(m map[string]any) { m["kind"] = "query" },
		"wrong version":      func(m map[string]any) { m["version"] = 2 },
		"missing payload":    func(m map[string]any) { delete(m, "payload") },
		"payload field gone": func(m map[string]any) { m["payload"] = map[string]any{"fileId": "F1", "code": "x"} },
		"unknown field":      func(m map[string]any) { m["payload"].(map[string]any)["extra"] = true },
		"zero occurred at":   func(m map[string]any) { delete(m, "occurredAt") },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := valid()
			mutate(m)
			_, err := catalog.Decode(rawEnvelope(t, m))
			require.Error(t, err)
			assert.Equal(t, pkgerrors.CodePoison, pkgerrors.CodeOf(err))
		})
	}

	_, err := catalog.Decode([]byte("{not json"))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePoison, pkgerrors.CodeOf(err))
}

func TestBuildProducesDecodableEnvelope(t *testing.T) {
	catalog := DefaultCatalog()
	occurred := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	env, err := catalog.Build(BuildParams{
		Type:          TypeFileValidated,
		MessageID:     "m-2",
		CorrelationID: "C1",
		CausationID:   "m-1",
		Producer:      "validator-service",
		OccurredAt:    occurred,
		Payload: FileValidated{
			FileID:       "F1",
			Bucket:       "uploads",
			ObjectKey:    "F1/original.png",
			DetectedMime: "image/png",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, enums.MessageKindEvent, env.Kind)
	require.NotNil(t, env.CausationID)
	assert.Equal(t, "m-1", *env.CausationID)
	assert.Equal(t, "m-1", env.Headers()[HeaderCausationID])

	body, err := json.Marshal(env)
	require.NoError(t, err)
	msg, err := catalog.Decode(body)
	require.NoError(t, err)
	assert.True(t, msg.Envelope.OccurredAt.Equal(occurred))
}

func TestBuildRejectsMismatchedPayload(t *testing.T) {
	catalog := DefaultCatalog()

	_, err := catalog.Build(BuildParams{
		Type:          TypeFileValidated,
		MessageID:     "m-3",
		CorrelationID: "C1",
		Producer:      "validator-service",
		Payload:       FileRejected{FileID: "F1", Code: "x", Reason: "y"},
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))

	_, err = catalog.Build(BuildParams{
		Type:          TypeProcessingCompleted,
		MessageID:     "m-4",
		CorrelationID: "C1",
		Producer:      "projection-service",
		Payload:       &ProcessingCompleted{FileID: "F1", Status: "done", CompletedAt: time.Now()},
	})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Contains(t, typed.Details(), "status")
}

func rawEnvelope(t *testing.T, m map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(m)
	require.NoError(t, err)
	return body
}
