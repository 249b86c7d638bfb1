package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/filepipe-backend/api"
	"github.com/angelmondragon/filepipe-backend/internal/metadata"
	"github.com/angelmondragon/filepipe-backend/internal/notifications"
	"github.com/angelmondragon/filepipe-backend/internal/projection"
	"github.com/angelmondragon/filepipe-backend/internal/saga"
	"github.com/angelmondragon/filepipe-backend/internal/thumbnail"
	"github.com/angelmondragon/filepipe-backend/internal/validation"
	"github.com/angelmondragon/filepipe-backend/pkg/broker"
	"github.com/angelmondragon/filepipe-backend/pkg/config"
	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/metrics"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox"
	"github.com/angelmondragon/filepipe-backend/pkg/storage"
)

// HandlerDeps are the collaborators a pipeline handler may need. Only the
// ones its kind uses must be set.
type HandlerDeps struct {
	Config      *config.Config
	Logger      *logger.Logger
	Outbox      *outbox.Service
	Namespace   db.Namespace
	Store       storage.ObjectStore
	Limiter     notifications.RateLimiter
	SagaMetrics *metrics.SagaMetrics
}

// NeedsStore reports whether kind reads uploaded objects.
func NeedsStore(kind string) bool {
	switch kind {
	case config.ServiceKindValidator, config.ServiceKindMetadata, config.ServiceKindThumbnail:
		return true
	}
	return false
}

// BuildRouter wires the handler for the configured service kind to the
// message types it consumes.
func BuildRouter(deps HandlerDeps) (*broker.Router, error) {
	cfg := deps.Config
	kind := cfg.Service.Kind
	consumer := cfg.Service.Consumer()
	if NeedsStore(kind) && deps.Store == nil {
		return nil, fmt.Errorf("%s worker requires object storage", kind)
	}

	router := broker.NewRouter()
	switch kind {
	case config.ServiceKindValidator:
		checker, err := validation.NewMimeSignatureChecker(cfg.Validation.AllowedTypes, cfg.Validation.MaxSizeBytes)
		if err != nil {
			return nil, err
		}
		svc, err := validation.NewService(validation.ServiceParams{
			Outbox:       deps.Outbox,
			Store:        deps.Store,
			Checker:      checker,
			ConsumerName: consumer,
			HeadBytes:    cfg.Storage.HeadBytes,
			Logger:       deps.Logger,
		})
		if err != nil {
			return nil, err
		}
		router.Register(messaging.TypeFileUploaded, svc)

	case config.ServiceKindMetadata:
		svc, err := metadata.NewService(metadata.ServiceParams{
			Outbox:       deps.Outbox,
			Store:        deps.Store,
			Extractor:    metadata.StatExtractor{},
			ConsumerName: consumer,
			HeadBytes:    cfg.Storage.HeadBytes,
			Logger:       deps.Logger,
		})
		if err != nil {
			return nil, err
		}
		router.Register(messaging.TypeFileValidated, svc)

	case config.ServiceKindThumbnail:
		svc, err := thumbnail.NewService(thumbnail.ServiceParams{
			Outbox:       deps.Outbox,
			Renderer:     thumbnail.PassthroughRenderer{Store: deps.Store},
			ConsumerName: consumer,
			Logger:       deps.Logger,
		})
		if err != nil {
			return nil, err
		}
		router.Register(messaging.TypeFileValidated, svc)

	case config.ServiceKindProjection:
		svc, err := projection.NewService(projection.ServiceParams{
			Outbox:       deps.Outbox,
			Namespace:    deps.Namespace,
			ConsumerName: consumer,
			Logger:       deps.Logger,
		})
		if err != nil {
			return nil, err
		}
		for _, t := range projection.Types() {
			router.Register(t, svc)
		}

	case config.ServiceKindNotify:
		params := notifications.ServiceParams{
			Outbox:       deps.Outbox,
			Namespace:    deps.Namespace,
			ConsumerName: consumer,
			Logger:       deps.Logger,
		}
		if deps.Limiter != nil {
			params.Limiter = deps.Limiter
			params.Limit = cfg.Notify.RateLimit
			params.Window = cfg.Notify.RateWindow
		}
		svc, err := notifications.NewService(params)
		if err != nil {
			return nil, err
		}
		router.Register(messaging.TypeProcessingCompleted, svc)

	case config.ServiceKindSagaTracker:
		tracker, err := saga.NewTracker(saga.TrackerParams{
			Applier:   deps.Outbox,
			Namespace: deps.Namespace,
			Timeout:   cfg.Saga.Timeout,
			Logger:    deps.Logger,
			Metrics:   deps.SagaMetrics,
		})
		if err != nil {
			return nil, err
		}
		for _, t := range []string{
			messaging.TypeFileUploaded,
			messaging.TypeFileValidated,
			messaging.TypeFileRejected,
			messaging.TypeThumbnailGenerated,
			messaging.TypeMetadataExtracted,
			messaging.TypeProcessingCompleted,
		} {
			router.Register(t, tracker)
		}

	default:
		return nil, fmt.Errorf("unsupported %s %q", config.EnvServiceKind, kind)
	}
	return router, nil
}

// QueueName is the primary queue a worker consumes.
func QueueName(cfg *config.Config) string {
	if cfg.AMQP.Queue != "" {
		return cfg.AMQP.Queue
	}
	return "filepipe." + cfg.Service.Consumer()
}

type runner interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	Consumer runner
	Ops      http.Handler
	Checks   map[string]func(context.Context) error
}

// Service runs one pipeline consumer next to its ops endpoint.
type Service struct {
	cfg      *config.Config
	logg     *logger.Logger
	consumer runner
	ops      http.Handler
	checks   map[string]func(context.Context) error
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Consumer == nil {
		return nil, errors.New("consumer is required")
	}
	return &Service{
		cfg:      params.Config,
		logg:     params.Logger,
		consumer: params.Consumer,
		ops:      params.Ops,
		checks:   params.Checks,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for name, ping := range s.checks {
		if err := pingDependency(ctx, s.logg, name, ping); err != nil {
			return err
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.consumer.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logg.Error(gctx, "consumer stopped unexpectedly", err)
		}
		return err
	})
	if s.ops != nil {
		g.Go(func() error {
			return api.Serve(gctx, s.cfg.Ops.Addr, s.ops, s.logg)
		})
	}
	return g.Wait()
}
