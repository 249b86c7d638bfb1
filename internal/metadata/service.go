package metadata

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox"
	"github.com/angelmondragon/filepipe-backend/pkg/storage"
)

const (
	DefaultConsumerName = "metadata"
	defaultHeadBytes    = 3072
)

type applier interface {
	Apply(ctx context.Context, in outbox.Incoming, effect outbox.EffectFunc) (bool, error)
}

type ServiceParams struct {
	Outbox       applier
	Store        storage.ObjectStore
	Extractor    Extractor
	ConsumerName string
	HeadBytes    int64
	Logger       *logger.Logger
}

// Service extracts metadata for every FileValidated.v1 and stages
// MetadataExtracted.v1.
type Service struct {
	outbox    applier
	store     storage.ObjectStore
	extractor Extractor
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
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	extractor := params.Extractor
	if extractor == nil {
		extractor = StatExtractor{}
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
		extractor: extractor,
		consumer:  consumer,
		headBytes: head,
		logg:      params.Logger,
	}, nil
}

func (s *Service) Handle(ctx context.Context, msg *messaging.Message) error {
	file, ok := msg.Payload.(*messaging.FileValidated)
	if !ok {
		return pkgerrors.New(pkgerrors.CodePoison, "expected FileValidated payload")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"file_id":    file.FileID,
		"object_key": file.ObjectKey,
	})

	src, err := s.read(ctx, file)
	if err != nil {
		return err
	}
	extracted, err := s.extractor.Extract(ctx, src)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "extract metadata")
	}

	applied, err := s.outbox.Apply(ctx, outbox.IncomingFrom(msg, s.consumer), func(context.Context, *gorm.DB) ([]outbox.Outgoing, error) {
		return []outbox.Outgoing{{
			Type:    messaging.TypeMetadataExtracted,
			Payload: messaging.MetadataExtracted{FileID: file.FileID, Metadata: extracted},
		}}, nil
	})
	if err != nil || !applied {
		return err
	}
	s.logg.Info(s.logg.WithField(ctx, "keys", len(extracted)), "metadata extracted")
	return nil
}

func (s *Service) read(ctx context.Context, file *messaging.FileValidated) (Source, error) {
	info, err := s.store.Stat(ctx, file.Bucket, file.ObjectKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return Source{}, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "validated object vanished")
	}
	if err != nil {
		return Source{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "stat object")
	}
	src := Source{Info: info, DetectedMime: file.DetectedMime}
	if strings.HasPrefix(file.DetectedMime, "image/") && info.Size > 0 {
		src.Head, err = s.store.ReadHead(ctx, file.Bucket, file.ObjectKey, s.headBytes)
		if err != nil {
			return Source{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read object head")
		}
	}
	return src, nil
}
