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
	"github.com/angelmondragon/filepipe-backend/internal/cron"
	"github.com/angelmondragon/filepipe-backend/pkg/config"
	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/metrics"
	"github.com/angelmondragon/filepipe-backend/pkg/migrate"
	"github.com/angelmondragon/filepipe-backend/pkg/redis"
)

const serviceName = "cron-worker"

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
	if err := dbClient.Ping(ctx); err != nil {
		logg.Error(ctx, "database ping failed", err)
		os.Exit(1)
	}

	readiness := []controllers.Check{{Name: "database", Pinger: dbClient}}
	locks := LockFactory(LocalLocks)
	if cfg.Redis.Enabled() {
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
		locks = redisLocks(redisClient, cfg.App.Env)
		readiness = append(readiness, controllers.Check{Name: "redis", Pinger: redisClient})
	} else {
		logg.Warn(ctx, "redis not configured; cron locks are process local")
	}

	schedulers, err := BuildSchedulers(SchedulerDeps{
		Config:      cfg,
		Logger:      logg,
		DB:          dbClient,
		Locks:       locks,
		CronMetrics: metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		SagaMetrics: metrics.NewSagaMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(ctx, "failed to create schedulers", err)
		os.Exit(1)
	}

	runners := make([]scheduler, 0, len(schedulers))
	for _, s := range schedulers {
		runners = append(runners, s)
	}

	logg.Info(ctx, "starting cron worker")
	ops := routes.NewOpsRouter(cfg, logg, prometheus.DefaultGatherer, readiness...)
	if err := Run(ctx, cfg, logg, ops, runners...); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func redisLocks(client *redis.Client, env string) LockFactory {
	if env == "" {
		env = "local"
	}
	return func(scheduler string) (cron.Lock, error) {
		return cron.NewRedisLock(client, client.LockKey(serviceName+":"+env+":"+scheduler), 0)
	}
}
