package projection

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox"
)

const DefaultConsumerName = "projection"

type applier interface {
	Apply(ctx context.Context, in outbox.Incoming, effect outbox.EffectFunc) (bool, error)
}

type ServiceParams struct {
	Outbox       applier
	Namespace    db.Namespace
	ConsumerName string
	Logger       *logger.Logger
}

// Service maintains the authoritative file read model and emits
// ProcessingCompleted.v1 the first time a file reaches a final status.
type Service struct {
	outbox   applier
	repo     *Repository
	consumer string
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Outbox == nil {
		return nil, errors.New("outbox is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	consumer := params.ConsumerName
	if consumer == "" {
		consumer = DefaultConsumerName
	}
	return &Service{
		outbox:   params.Outbox,
		repo:     NewRepository(params.Namespace),
		consumer: consumer,
		logg:     params.Logger,
		now:      time.Now,
	}, nil
}

// Types lists the message types the projection consumes.
func Types() []string {
	return []string{
		messaging.TypeFileValidated,
		messaging.TypeFileRejected,
		messaging.TypeThumbnailGenerated,
		messaging.TypeMetadataExtracted,
	}
}

func (s *Service) Repository() *Repository {
	return s.repo
}

func (s *Service) Handle(ctx context.Context, msg *messaging.Message) error {
	fileID := msg.FileID()
	if fileID == "" {
		return pkgerrors.New(pkgerrors.CodePoison, "projected message has no file id")
	}
	ctx = s.logg.WithField(ctx, "file_id", fileID)

	var final *models.FileProjection
	applied, err := s.outbox.Apply(ctx, outbox.IncomingFrom(msg, s.consumer), func(ctx context.Context, tx *gorm.DB) ([]outbox.Outgoing, error) {
		now := s.now().UTC()
		row, err := s.repo.LockOrCreate(tx, models.FileProjection{
			FileID:        fileID,
			CorrelationID: msg.Envelope.CorrelationID,
			Status:        enums.ProcessingInProgress,
			UpdatedAt:     now,
		})
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "load projection")
		}
		reached := fold(row, msg.Payload, msg.Envelope.OccurredAt.UTC(), now)
		if err := s.repo.Save(tx, row); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "save projection")
		}
		if !reached {
			return nil, nil
		}
		final = row
		signal := messaging.ProcessingCompleted{
			FileID:      row.FileID,
			Status:      string(row.Status),
			CompletedAt: now,
			UploadedBy:  row.UploadedBy,
		}
		if row.RejectionCode != nil {
			signal.RejectionCode = *row.RejectionCode
		}
		return []outbox.Outgoing{{Type: messaging.TypeProcessingCompleted, Payload: signal}}, nil
	})
	if err != nil || !applied {
		return err
	}
	if final != nil {
		s.logg.Info(s.logg.WithField(ctx, "status", string(final.Status)), "file processing concluded")
	}
	return nil
}
