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
	"github.com/angelmondragon/filepipe-backend/pkg/config"
	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/metrics"
	"github.com/angelmondragon/filepipe-backend/pkg/migrate"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox/publisher"
	"github.com/angelmondragon/filepipe-backend/pkg/pubsub"
)

const serviceName = "outbox-publisher"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceName,
		"transport":   cfg.Outbox.Transport,
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

	var transport publisher.Transport
	switch cfg.Outbox.Transport {
	case config.OutboxTransportPubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSub, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub client", err)
			}
		}()
		keys, err := routingKeys(messaging.DefaultCatalog())
		if err != nil {
			logg.Error(ctx, "failed to resolve routing keys", err)
			os.Exit(1)
		}
		if err := client.EnsureTopics(ctx, keys); err != nil {
			logg.Error(ctx, "failed to ensure pubsub topics", err)
			os.Exit(1)
		}
		transport = pubsub.NewTransport(client)

	default:
		if err := cfg.AMQP.Require(); err != nil {
			logg.Error(ctx, "broker is not configured", err)
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
		if cfg.AMQP.DeclareTopology {
			if err := declareExchange(ctx, conn, cfg.AMQP.Exchange); err != nil {
				logg.Error(ctx, "failed to declare exchange", err)
				os.Exit(1)
			}
		}
		confirm := broker.NewConfirmPublisher(conn, cfg.AMQP.ConfirmTimeout, logg)
		defer confirm.Close()
		checks["broker"] = conn.Ping
		readiness = append(readiness, controllers.Check{Name: "broker", Pinger: conn})
		transport = publisher.NewAMQPTransport(confirm, cfg.AMQP.Exchange)
	}

	drainer, err := publisher.NewService(publisher.ServiceParams{
		Config:     cfg.Outbox,
		Logger:     logg,
		DB:         dbClient,
		Repository: outbox.NewRepository(db.NewNamespace(cfg.DB.Schema)),
		Transport:  wrapTransport(cfg.Outbox, transport, logg),
		Metrics:    metrics.NewOutboxMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(ctx, "failed to create outbox publisher", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:    cfg,
		Logger:    logg,
		Publisher: drainer,
		Ops:       routes.NewOpsRouter(cfg, logg, prometheus.DefaultGatherer, readiness...),
		Checks:    checks,
	})
	if err != nil {
		logg.Error(ctx, "failed to create outbox publisher service", err)
		os.Exit(1)
	}

	logg.Info(ctx, "starting outbox publisher")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox publisher shutting down gracefully")
}

func declareExchange(ctx context.Context, conn *broker.Connection, exchange string) error {
	ch, err := conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()
	return broker.DeclareExchange(ch, exchange)
}
