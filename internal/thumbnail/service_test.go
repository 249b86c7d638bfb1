package thumbnail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox"
	"github.com/angelmondragon/filepipe-backend/pkg/storage/storagetest"
)

type recordingApplier struct {
	incoming []outbox.Incoming
	outgoing []outbox.Outgoing
	seen     map[string]bool
}

func (r *recordingApplier) Apply(ctx context.Context, in outbox.Incoming, effect outbox.EffectFunc) (bool, error) {
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	key := in.MessageID + "|" + in.ConsumerName
	if r.seen[key] {
		return false, nil
	}
	out, err := effect(ctx, nil)
	if err != nil {
		return false, err
	}
	r.seen[key] = true
	r.incoming = append(r.incoming, in)
	r.outgoing = append(r.outgoing, out...)
	return true, nil
}

type failingRenderer struct{ err error }

func (f failingRenderer) Render(context.Context, Source) (Result, error) { return Result{}, f.err }

func validated() *messaging.Message {
	return &messaging.Message{
		Envelope: messaging.Envelope{
			Kind:          enums.MessageKindEvent,
			MessageID:     "validated-1",
			Type:          messaging.TypeFileValidated,
			OccurredAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			CorrelationID: "C1",
			Producer:      "validator-service",
			Version:       messaging.CurrentVersion,
		},
		Payload: &messaging.FileValidated{FileID: "F1", Bucket: "uploads", ObjectKey: "F1/original.png", DetectedMime: "image/png"},
	}
}

func TestThumbnailStagedOnce(t *testing.T) {
	store := storagetest.NewStore()
	store.Add("uploads", "F1/original.png", "image/png", []byte("png"))
	applier := &recordingApplier{}
	svc, err := NewService(ServiceParams{Outbox: applier, Renderer: PassthroughRenderer{Store: store}, Logger: logger.Nop()})
	require.NoError(t, err)

	require.NoError(t, svc.Handle(context.Background(), validated()))
	require.NoError(t, svc.Handle(context.Background(), validated()))

	require.Len(t, applier.outgoing, 1)
	assert.Equal(t, messaging.TypeThumbnailGenerated, applier.outgoing[0].Type)
	payload := applier.outgoing[0].Payload.(messaging.ThumbnailGenerated)
	assert.Equal(t, "F1/original.png", payload.ThumbnailKey)
	assert.Equal(t, DefaultConsumerName, applier.incoming[0].ConsumerName)
}

func TestRenderFailuresAreClassified(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code pkgerrors.Code
	}{
		{"missing source", missingSourceErr(), pkgerrors.CodeNotFound},
		{"renderer down", errors.New("timeout"), pkgerrors.CodeDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier := &recordingApplier{}
			svc, err := NewService(ServiceParams{Outbox: applier, Renderer: failingRenderer{err: tt.err}, Logger: logger.Nop()})
			require.NoError(t, err)

			err = svc.Handle(context.Background(), validated())
			assert.Equal(t, tt.code, pkgerrors.CodeOf(err))
			assert.Empty(t, applier.outgoing)
		})
	}
}

func missingSourceErr() error {
	_, err := PassthroughRenderer{Store: storagetest.NewStore()}.Render(context.Background(), Source{Bucket: "uploads", ObjectKey: "missing"})
	return err
}
