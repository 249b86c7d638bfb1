package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/filepipe-backend/api"
	"github.com/angelmondragon/filepipe-backend/pkg/config"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox/publisher"
)

type publishLoop interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Config    *config.Config
	Logger    *logger.Logger
	Publisher publishLoop
	Ops       http.Handler
	Checks    map[string]func(context.Context) error
}

// Service runs the outbox drain loop next to the ops endpoint.
type Service struct {
	cfg       *config.Config
	logg      *logger.Logger
	publisher publishLoop
	ops       http.Handler
	checks    map[string]func(context.Context) error
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	return &Service{
		cfg:       params.Config,
		logg:      params.Logger,
		publisher: params.Publisher,
		ops:       params.Ops,
		checks:    params.Checks,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	for name, ping := range s.checks {
		if err := ping(ctx); err != nil {
			s.logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.publisher.Run(gctx); err != nil {
			return err
		}
		// the drain loop only returns cleanly on cancel; stop the ops server with it
		return gctx.Err()
	})
	if s.ops != nil {
		g.Go(func() error {
			return api.Serve(gctx, s.cfg.Ops.Addr, s.ops, s.logg)
		})
	}
	return g.Wait()
}

// wrapTransport guards next with a circuit breaker named after the
// configured transport.
func wrapTransport(cfg config.OutboxConfig, next publisher.Transport, logg *logger.Logger) *publisher.BreakerTransport {
	return publisher.NewBreakerTransport(next, publisher.BreakerConfig{
		Name:                "outbox-" + cfg.Transport,
		ConsecutiveFailures: cfg.BreakerFailure,
		OpenTimeout:         cfg.BreakerTimeout,
	}, logg)
}

// routingKeys lists the routing key of every cataloged message.
func routingKeys(catalog *messaging.Catalog) ([]string, error) {
	types := catalog.Types()
	keys := make([]string, 0, len(types))
	for _, t := range types {
		key, err := catalog.RoutingKey(t)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
