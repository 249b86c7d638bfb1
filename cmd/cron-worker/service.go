package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/angelmondragon/filepipe-backend/api"
	"github.com/angelmondragon/filepipe-backend/internal/cron"
	"github.com/angelmondragon/filepipe-backend/internal/notifications"
	"github.com/angelmondragon/filepipe-backend/internal/saga"
	"github.com/angelmondragon/filepipe-backend/pkg/config"
	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/metrics"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox"
)

const (
	schedulerSagaSweep   = "saga-sweep"
	schedulerHousekeeper = "housekeeping"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// LockFactory hands each scheduler its own lock so the sweep and the
// housekeeping jobs never block each other.
type LockFactory func(scheduler string) (cron.Lock, error)

// LocalLocks is the lock factory for single-instance deployments.
func LocalLocks(string) (cron.Lock, error) {
	return cron.NewLocalLock(), nil
}

type SchedulerDeps struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          txRunner
	Locks       LockFactory
	CronMetrics *metrics.CronJobMetrics
	SagaMetrics *metrics.SagaMetrics
}

type namespaces struct {
	saga   db.Namespace
	notify db.Namespace
	outbox db.Namespace
}

func jobNamespaces(cfg *config.Config) namespaces {
	return namespaces{
		saga:   db.NewNamespace(cfg.SagaSchema()),
		notify: db.NewNamespace(cfg.NotifySchema()),
		outbox: db.NewNamespace(cfg.DB.Schema),
	}
}

// BuildSchedulers returns the saga timeout sweep, which runs on the short
// sweep interval, and the retention jobs, which run hourly by default. Each
// job works in the schema owning its table: sagas in SagaSchema,
// notifications in NotifySchema and the outbox in the DB schema.
func BuildSchedulers(deps SchedulerDeps) ([]*cron.Service, error) {
	if deps.Config == nil || deps.Logger == nil || deps.DB == nil {
		return nil, errors.New("config, logger and db are required")
	}
	locks := deps.Locks
	if locks == nil {
		locks = LocalLocks
	}
	cfg := deps.Config
	ns := jobNamespaces(cfg)

	sweep, err := saga.NewSweepJob(saga.SweepJobParams{
		Logger:    deps.Logger,
		DB:        deps.DB,
		Namespace: ns.saga,
		BatchSize: cfg.Saga.SweepBatchSize,
		Metrics:   deps.SagaMetrics,
	})
	if err != nil {
		return nil, err
	}

	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     deps.Logger,
		DB:         deps.DB,
		Repository: outbox.NewRepository(ns.outbox),
		Retention:  cfg.Outbox.Retention,
	})
	if err != nil {
		return nil, err
	}
	cleanup, err := cron.NewNotificationCleanupJob(cron.NotificationCleanupJobParams{
		Logger:     deps.Logger,
		DB:         deps.DB,
		Repository: notifications.NewRepository(ns.notify),
		Retention:  cfg.Notify.Retention,
	})
	if err != nil {
		return nil, err
	}

	plans := []struct {
		name     string
		interval time.Duration
		jobs     []cron.Job
	}{
		{name: schedulerSagaSweep, interval: cfg.Saga.SweepInterval, jobs: []cron.Job{sweep}},
		{name: schedulerHousekeeper, interval: cfg.Outbox.RetentionInterval, jobs: []cron.Job{retention, cleanup}},
	}

	out := make([]*cron.Service, 0, len(plans))
	for _, plan := range plans {
		lock, err := locks(plan.name)
		if err != nil {
			return nil, fmt.Errorf("%s lock: %w", plan.name, err)
		}
		registry, err := cron.NewRegistry(plan.jobs...)
		if err != nil {
			return nil, fmt.Errorf("%s jobs: %w", plan.name, err)
		}
		svc, err := cron.NewService(cron.ServiceParams{
			Name:     plan.name,
			Logger:   deps.Logger,
			Registry: registry,
			Lock:     lock,
			Metrics:  deps.CronMetrics,
			Interval: plan.interval,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

type scheduler interface {
	Run(ctx context.Context) error
}

// Run drives every scheduler and the ops endpoint until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, logg *logger.Logger, ops http.Handler, schedulers ...scheduler) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range schedulers {
		g.Go(func() error {
			return s.Run(gctx)
		})
	}
	if ops != nil {
		g.Go(func() error {
			return api.Serve(gctx, cfg.Ops.Addr, ops, logg)
		})
	}
	return g.Wait()
}
