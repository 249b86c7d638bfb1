package validation

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

const (
	DefaultConsumerName = "validator"
	defaultHeadBytes    = 3072
)

type applier interface {
	Apply(ctx context.Context, in outbox.Incoming, effect outbox.EffectFunc) (bool, error)
}

type ServiceParams struct {
	Outbox       applier
	Store        storage.ObjectStore
	Checker      SignatureChecker
	ConsumerName string
	HeadBytes    int64
	Logger       *logger.Logger
}

// Service validates uploaded objects and stages FileValidated.v1 or
// FileRejected.v1 for each FileUploaded.v1.
type Service struct {
	outbox    applier
	store     storage.ObjectStore
	checker   SignatureChecker
	consumer  string
	headBytes int64
	logg      *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Outbox == nil {
		return nil, errors.New("outbox is required")
	}
	if params.Store == nil {
		return nil, errors.New("object store is required")
	}
	if params.Checker == nil {
		return nil, errors.New("signature checker is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	consumer := params.ConsumerName
	if consumer == "" {
		consumer = DefaultConsumerName
	}
	head := params.HeadBytes
	if head <= 0 {
		head = defaultHeadBytes
	}
	return &Service{
		outbox:    params.Outbox,
		store:     params.Store,
		checker:   params.Checker,
		consumer:  consumer,
		headBytes: head,
		logg:      params.Logger,
	}, nil
}

func (s *Service) Handle(ctx context.Context, msg *messaging.Message) error {
	upload, ok := msg.Payload.(*messaging.FileUploaded)
	if !ok {
		return pkgerrors.New(pkgerrors.CodePoison, "expected FileUploaded payload")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"file_id":    upload.FileID,
		"bucket":     upload.Bucket,
		"object_key": upload.ObjectKey,
	})

	verdict, err := s.inspect(ctx, upload)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "inspect upload")
	}

	applied, err := s.outbox.Apply(ctx, outbox.IncomingFrom(msg, s.consumer), func(context.Context, *gorm.DB) ([]outbox.Outgoing, error) {
		return []outbox.Outgoing{outcome(upload, verdict)}, nil
	})
	if err != nil || !applied {
		return err
	}

	if verdict.Accepted {
		s.logg.Info(s.logg.WithField(ctx, "detected_mime", verdict.DetectedMime), "upload validated")
		return nil
	}
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"rejection_code":   verdict.Code,
		"rejection_reason": verdict.Reason,
	}), "upload rejected")
	return nil
}

// inspect reads the object before the transaction opens. Only store
// failures are returned as errors; bad content is a verdict.
func (s *Service) inspect(ctx context.Context, upload *messaging.FileUploaded) (Verdict, error) {
	info, err := s.store.Stat(ctx, upload.Bucket, upload.ObjectKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return reject(CodeObjectMissing, "object not found in storage"), nil
	}
	if err != nil {
		return Verdict{}, err
	}
	var head []byte
	if info.Size > 0 {
		head, err = s.store.ReadHead(ctx, upload.Bucket, upload.ObjectKey, s.headBytes)
		if err != nil {
			return Verdict{}, err
		}
	}
	declared := upload.ContentType
	if declared == "" {
		declared = info.ContentType
	}
	return s.checker.Check(Input{
		DeclaredType: declared,
		OriginalName: upload.OriginalName,
		Size:         info.Size,
		Head:         head,
	}), nil
}

func outcome(upload *messaging.FileUploaded, verdict Verdict) outbox.Outgoing {
	if verdict.Accepted {
		return outbox.Outgoing{
			Type: messaging.TypeFileValidated,
			Payload: messaging.FileValidated{
				FileID:       upload.FileID,
				Bucket:       upload.Bucket,
				ObjectKey:    upload.ObjectKey,
				DetectedMime: verdict.DetectedMime,
				SizeBytes:    upload.SizeBytes,
				UploadedBy:   upload.UploadedBy,
			},
		}
	}
	return outbox.Outgoing{
		Type: messaging.TypeFileRejected,
		Payload: messaging.FileRejected{
			FileID:     upload.FileID,
			Code:       verdict.Code,
			Reason:     verdict.Reason,
			UploadedBy: upload.UploadedBy,
		},
	}
}
