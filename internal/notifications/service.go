package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox"
)

const (
	DefaultConsumerName = "notify"

	TemplateCompleted = "processing-completed"
	TemplateFailed    = "processing-failed"
)

var notificationNamespace = uuid.MustParse("b0d6a9e2-3f41-4c7a-8e55-91c2f4a7d018")

type applier interface {
	Apply(ctx context.Context, in outbox.Incoming, effect outbox.EffectFunc) (bool, error)
	Seen(ctx context.Context, in outbox.Incoming) (bool, error)
}

// RateLimiter caps how many notifications one recipient receives per window.
type RateLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

type ServiceParams struct {
	Outbox       applier
	Namespace    db.Namespace
	Limiter      RateLimiter
	Limit        int64
	Window       time.Duration
	ConsumerName string
	Logger       *logger.Logger
}

// Service turns ProcessingCompleted.v1 into an email request for the uploader.
type Service struct {
	outbox   applier
	repo     *Repository
	limiter  RateLimiter
	limit    int64
	window   time.Duration
	consumer string
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "outbox required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Limiter != nil && (params.Limit <= 0 || params.Window <= 0) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "rate limit and window must be positive")
	}
	consumer := params.ConsumerName
	if consumer == "" {
		consumer = DefaultConsumerName
	}
	return &Service{
		outbox:   params.Outbox,
		repo:     NewRepository(params.Namespace),
		limiter:  params.Limiter,
		limit:    params.Limit,
		window:   params.Window,
		consumer: consumer,
		logg:     params.Logger,
		now:      time.Now,
	}, nil
}

func (s *Service) Repository() *Repository {
	return s.repo
}

func (s *Service) Handle(ctx context.Context, msg *messaging.Message) error {
	signal, ok := msg.Payload.(*messaging.ProcessingCompleted)
	if !ok {
		return pkgerrors.New(pkgerrors.CodePoison, "expected ProcessingCompleted payload")
	}
	ctx = s.logg.WithField(ctx, "file_id", signal.FileID)
	if signal.UploadedBy == "" {
		s.logg.Debug(ctx, "no uploader to notify")
		return nil
	}
	outcome, err := enums.ParseProcessingStatus(signal.Status)
	if err != nil || outcome == enums.ProcessingInProgress {
		return pkgerrors.New(pkgerrors.CodePoison, "completion signal carries no final status").
			WithDetails(map[string]any{"status": signal.Status})
	}

	in := outbox.IncomingFrom(msg, s.consumer)
	if s.limiter != nil {
		// Redeliveries must not spend the recipient's window.
		seen, err := s.outbox.Seen(ctx, in)
		if err != nil {
			return err
		}
		if seen {
			s.logg.Info(ctx, "event already processed")
			return nil
		}
	}

	status := enums.NotificationQueued
	if !s.allow(ctx, signal.UploadedBy) {
		status = enums.NotificationSuppressed
	}

	var created *models.Notification
	applied, err := s.outbox.Apply(ctx, in, func(ctx context.Context, tx *gorm.DB) ([]outbox.Outgoing, error) {
		row := &models.Notification{
			ID:            NotificationID(msg.Envelope.MessageID, signal.UploadedBy),
			FileID:        signal.FileID,
			CorrelationID: msg.Envelope.CorrelationID,
			Recipient:     signal.UploadedBy,
			Outcome:       outcome,
			Subject:       subjectFor(outcome, signal.FileID),
			Status:        status,
			CreatedAt:     s.now().UTC(),
		}
		if err := s.repo.Create(tx, row); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "insert notification")
		}
		created = row
		if status == enums.NotificationSuppressed {
			return nil, nil
		}
		return []outbox.Outgoing{{
			Type:        messaging.TypeNotificationRequested,
			AggregateID: row.ID,
			Payload: messaging.NotificationRequested{
				NotificationID: row.ID,
				FileID:         row.FileID,
				Recipient:      row.Recipient,
				Template:       templateFor(outcome),
				Subject:        row.Subject,
			},
		}}, nil
	})
	if err != nil || !applied {
		return err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"notification_id": created.ID,
		"status":          string(created.Status),
	}), "notification recorded")
	return nil
}

// allow consults the limiter. A limiter outage lets the notification through.
func (s *Service) allow(ctx context.Context, recipient string) bool {
	if s.limiter == nil {
		return true
	}
	ok, count, err := s.limiter.FixedWindowAllow(ctx, "notify:"+recipient, s.limit, s.window)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "notification rate limiter unavailable")
		return true
	}
	if !ok {
		s.logg.Info(s.logg.WithField(ctx, "window_count", count), "notification suppressed by rate limit")
	}
	return ok
}

// NotificationID derives the id of the notification raised by messageID for
// recipient.
func NotificationID(messageID, recipient string) string {
	return uuid.NewSHA1(notificationNamespace, []byte(messageID+"|"+recipient)).String()
}

func templateFor(outcome enums.ProcessingStatus) string {
	if outcome == enums.ProcessingFailed {
		return TemplateFailed
	}
	return TemplateCompleted
}

func subjectFor(outcome enums.ProcessingStatus, fileID string) string {
	if outcome == enums.ProcessingFailed {
		return fmt.Sprintf("We could not process file %s", fileID)
	}
	return fmt.Sprintf("File %s is ready", fileID)
}
