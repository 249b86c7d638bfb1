package thumbnail

import (
	"context"
	"errors"

	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox"
	"github.com/angelmondragon/filepipe-backend/pkg/storage"
)

const DefaultConsumerName = "thumbnail"

type applier interface {
	Apply(ctx context.Context, in outbox.Incoming, effect outbox.EffectFunc) (bool, error)
}

type ServiceParams struct {
	Outbox       applier
	Renderer     Renderer
	ConsumerName string
	Logger       *logger.Logger
}

// Service renders a thumbnail for every FileValidated.v1 and stages
// ThumbnailGenerated.v1.
type Service struct {
	outbox   applier
	renderer Renderer
	consumer string
	logg     *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Outbox == nil {
		return nil, errors.New("outbox is required")
	}
	if params.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	consumer := params.ConsumerName
	if consumer == "" {
		consumer = DefaultConsumerName
	}
	return &Service{outbox: params.Outbox, renderer: params.Renderer, consumer: consumer, logg: params.Logger}, nil
}

func (s *Service) Handle(ctx context.Context, msg *messaging.Message) error {
	file, ok := msg.Payload.(*messaging.FileValidated)
	if !ok {
		return pkgerrors.New(pkgerrors.CodePoison, "expected FileValidated payload")
	}
	ctx = s.logg.WithField(ctx, "file_id", file.FileID)

	thumb, err := s.renderer.Render(ctx, Source{
		FileID:       file.FileID,
		Bucket:       file.Bucket,
		ObjectKey:    file.ObjectKey,
		DetectedMime: file.DetectedMime,
	})
	if errors.Is(err, storage.ErrObjectNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "render thumbnail")
	}
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "render thumbnail")
	}

	applied, err := s.outbox.Apply(ctx, outbox.IncomingFrom(msg, s.consumer), func(context.Context, *gorm.DB) ([]outbox.Outgoing, error) {
		return []outbox.Outgoing{{
			Type: messaging.TypeThumbnailGenerated,
			Payload: messaging.ThumbnailGenerated{
				FileID:       file.FileID,
				Bucket:       thumb.Bucket,
				ThumbnailKey: thumb.Key,
				Width:        thumb.Width,
				Height:       thumb.Height,
			},
		}}, nil
	})
	if err != nil || !applied {
		return err
	}
	s.logg.Info(s.logg.WithField(ctx, "thumbnail_key", thumb.Key), "thumbnail recorded")
	return nil
}
