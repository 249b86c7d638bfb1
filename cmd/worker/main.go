package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/filepipe-backend/api/controllers"
	"github.com/angelmondragon/filepipe-backend/api/routes"
	"github.com/angelmondragon/filepipe-backend/pkg/broker"
	"github.com/angelmondragon/filepipe-backend/pkg/broker/deadletter"
	"github.com/angelmondragon/filepipe-backend/pkg/config"
	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/instance"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/metrics"
	"github.com/angelmondragon/filepipe-backend/pkg/migrate"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox"
	"github.com/angelmondragon/filepipe-backend/pkg/redis"
	"github.com/angelmondragon/filepipe-backend/pkg/storage"
	"github.com/angelmondragon/filepipe-backend/pkg/storage/gcs"
	"github.com/angelmondragon/filepipe-backend/pkg/storage/minio"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	if err := cfg.AMQP.Require(); err != nil {
		logg.Error(context.Background(), "broker is not configured", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: cfg.Service.Kind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	if err := migrate.MaybeRunDev(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	checks := map[string]func(context.Context) error{"database": dbClient.Ping}
	readiness := []controllers.Check{{Name: "database", Pinger: dbClient}}
	deps := HandlerDeps{
		Config:      cfg,
		Logger:      logg,
		Namespace:   db.NewNamespace(cfg.DB.Schema),
		SagaMetrics: metrics.NewSagaMetrics(prometheus.DefaultRegisterer),
	}

	if NeedsStore(cfg.Service.Kind) {
		store, err := openStore(ctx, cfg.Storage, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap object storage", err)
			os.Exit(1)
		}
		deps.Store = store
		checks["storage"] = store.Ping
		readiness = append(readiness, controllers.Check{Name: "storage", Pinger: store})
	}

	if cfg.Service.Kind == config.ServiceKindNotify && cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		deps.Limiter = redisClient
		readiness = append(readiness, controllers.Check{Name: "redis", Pinger: redisClient})
	}

	catalog := messaging.DefaultCatalog()
	deps.Outbox, err = outbox.NewService(outbox.ServiceParams{
		DB:        dbClient,
		Namespace: deps.Namespace,
		Catalog:   catalog,
		Producer:  cfg.Service.ProducerName(),
		Logger:    logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create outbox service", err)
		os.Exit(1)
	}

	router, err := BuildRouter(deps)
	if err != nil {
		logg.Error(ctx, "failed to build message handler", err)
		os.Exit(1)
	}

	conn, err := broker.NewConnection(broker.ConnectionOptions{
		URL:              cfg.AMQP.URL,
		ReconnectInitial: cfg.AMQP.ReconnectInitial,
		ReconnectMax:     cfg.AMQP.ReconnectMax,
		Logger:           logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create broker connection", err)
		os.Exit(1)
	}
	if err := conn.Connect(ctx); err != nil {
		logg.Error(ctx, "failed to connect to broker", err)
		os.Exit(1)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logg.Error(context.Background(), "error closing broker connection", err)
		}
	}()
	checks["broker"] = conn.Ping
	readiness = append(readiness, controllers.Check{Name: "broker", Pinger: conn})

	queue := QueueName(cfg)
	if cfg.AMQP.DeclareTopology {
		if err := declareTopology(ctx, conn, cfg, queue, router.Types(), catalog); err != nil {
			logg.Error(ctx, "failed to declare broker topology", err)
			os.Exit(1)
		}
	}

	deliveryMetrics := metrics.NewDeliveryMetrics(prometheus.DefaultRegisterer)
	parking := broker.NewConfirmPublisher(conn, cfg.AMQP.ConfirmTimeout, logg)
	defer parking.Close()
	policy, err := deadletter.NewPolicy(parking, deadletter.Options{
		MaxDeliveryAttempts: cfg.Delivery.MaxAttempts,
		ParkingSuffix:       cfg.Delivery.ParkingSuffix,
		Logger:              logg,
		Metrics:             deliveryMetrics,
	})
	if err != nil {
		logg.Error(ctx, "failed to create deadletter policy", err)
		os.Exit(1)
	}

	consumer, err := broker.NewConsumer(broker.ConsumerParams{
		Source:      conn,
		Queue:       queue,
		ConsumerTag: instance.ConsumerTag(cfg.Service.Consumer()),
		Prefetch:    cfg.AMQP.Prefetch,
		Catalog:     catalog,
		Handler:     router,
		Failures:    policy,
		Logger:      logg,
		Metrics:     deliveryMetrics,
	})
	if err != nil {
		logg.Error(ctx, "failed to create consumer", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:   cfg,
		Logger:   logg,
		Consumer: consumer,
		Ops:      routes.NewOpsRouter(cfg, logg, prometheus.DefaultGatherer, readiness...),
		Checks:   checks,
	})
	if err != nil {
		logg.Error(ctx, "failed to create worker service", err)
		os.Exit(1)
	}

	logg.Info(logg.WithField(ctx, "queue", queue), "starting worker")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "worker shutting down gracefully")
}

func declareTopology(ctx context.Context, conn *broker.Connection, cfg *config.Config, queue string, types []string, catalog *messaging.Catalog) error {
	keys := make([]string, 0, len(types))
	for _, t := range types {
		key, err := catalog.RoutingKey(t)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}
	ch, err := conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()
	return broker.DeclareTopology(ch, broker.Topology{
		Exchange:      cfg.AMQP.Exchange,
		Queue:         queue,
		RoutingKeys:   keys,
		RetryDelay:    cfg.AMQP.RetryDelay,
		ParkingSuffix: cfg.Delivery.ParkingSuffix,
	})
}

type pingableStore interface {
	storage.ObjectStore
	Ping(ctx context.Context) error
}

func openStore(ctx context.Context, cfg config.StorageConfig, logg *logger.Logger) (pingableStore, error) {
	if cfg.Driver == config.StorageDriverGCS {
		return gcs.NewClient(ctx, cfg, logg)
	}
	return minio.NewClient(ctx, cfg, logg)
}
