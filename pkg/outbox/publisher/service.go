// Package publisher drains pending outbox rows to the broker. Delivery is
// at-least-once: a row is marked published only after the transport
// confirms, and a crash in between republishes it on the next tick.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/filepipe-backend/pkg/config"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/metrics"
)

const (
	defaultBatchSize   = 50
	defaultPollMs      = 1000
	defaultMaxAttempts = 5
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	FetchPendingForPublish(tx *gorm.DB, limit int) ([]models.OutboxEvent, error)
	MarkPublished(tx *gorm.DB, eventID string, at time.Time) (bool, error)
	RecordFailure(tx *gorm.DB, eventID string, cause error, maxAttempts int) error
}

type ServiceParams struct {
	Config     config.OutboxConfig
	Logger     *logger.Logger
	DB         dbClient
	Repository outboxRepository
	Transport  Transport
	Metrics    *metrics.OutboxMetrics
}

type Service struct {
	logg         *logger.Logger
	db           dbClient
	repo         outboxRepository
	transport    Transport
	metrics      *metrics.OutboxMetrics
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	running      atomic.Bool
	now          func() time.Time
}

// TickResult summarizes one tick.
type TickResult struct {
	Fetched   int
	Published int
	Retrying  int
	Failed    int
	// Halted is set when the transport refused the batch part way through.
	Halted bool
	// Skipped is set when another tick was still running.
	Skipped bool
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.Transport == nil {
		return nil, errors.New("transport is required")
	}

	batch := params.Config.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	pollMs := params.Config.PollIntervalMS
	if pollMs <= 0 {
		pollMs = defaultPollMs
	}
	maxAttempts := params.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Service{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		transport:    params.Transport,
		metrics:      params.Metrics,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		pollInterval: time.Duration(pollMs) * time.Millisecond,
		now:          time.Now,
	}, nil
}

// Run ticks every poll interval until ctx is cancelled. A full batch is
// followed immediately by another tick so a backlog drains without waiting.
func (s *Service) Run(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		s.logg.Error(ctx, "database ping failed", err)
		return fmt.Errorf("database ping failed: %w", err)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.drain(ctx)
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "outbox publisher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) drain(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := s.Tick(ctx)
		if err != nil {
			s.logg.Error(ctx, "outbox publisher tick failed", err)
			return
		}
		if res.Skipped || res.Halted || res.Fetched < s.batchSize {
			return
		}
	}
}

// Tick publishes one batch. Transport failures are recorded on the rows and
// never returned; only database errors are.
func (s *Service) Tick(ctx context.Context) (TickResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.IncSkippedTick()
		s.logg.Warn(ctx, "outbox tick skipped, previous tick still running")
		return TickResult{Skipped: true}, nil
	}
	defer s.running.Store(false)

	start := s.now()
	defer func() {
		s.metrics.ObserveTick(s.now().Sub(start))
	}()

	var res TickResult
	// bookkeeping for rows already handed to the transport must commit even
	// if shutdown starts mid-batch
	txCtx := context.WithoutCancel(ctx)
	err := s.db.WithTx(txCtx, func(tx *gorm.DB) error {
		rows, err := s.repo.FetchPendingForPublish(tx, s.batchSize)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "fetch pending outbox rows")
		}
		res.Fetched = len(rows)

		for _, row := range rows {
			if ctx.Err() != nil {
				return nil
			}
			logCtx := s.logg.WithFields(ctx, s.eventFields(row))

			pubErr := s.transport.Publish(ctx, OutboundFrom(row))
			if pubErr == nil {
				if _, err := s.repo.MarkPublished(tx, row.EventID, s.now().UTC()); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "mark outbox row published")
				}
				res.Published++
				s.metrics.IncPublished(row.EventType)
				s.logg.Info(logCtx, "outbox event published")
				continue
			}

			if errors.Is(pubErr, ErrTransportUnavailable) {
				res.Halted = true
				s.logg.Warn(logCtx, "outbox transport unavailable, ending tick")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}

			if err := s.repo.RecordFailure(tx, row.EventID, pubErr, s.maxAttempts); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "record outbox publish failure")
			}
			s.metrics.IncAttemptFailure(row.EventType)
			failCtx := s.logg.WithFields(logCtx, map[string]any{
				"attempt_count": row.AttemptCount + 1,
				"error":         pubErr.Error(),
			})
			if row.AttemptCount+1 >= s.maxAttempts {
				res.Failed++
				s.metrics.IncFailed(row.EventType)
				s.logg.Error(failCtx, "outbox event exhausted publish attempts", pubErr)
				continue
			}
			res.Retrying++
			s.logg.Warn(failCtx, "outbox publish failed")
		}
		return nil
	})
	return res, err
}

func (s *Service) eventFields(row models.OutboxEvent) map[string]any {
	fields := map[string]any{
		"event_id":       row.EventID,
		"event_type":     row.EventType,
		"routing_key":    row.RoutingKey,
		"aggregate_type": row.AggregateType,
		"aggregate_id":   row.AggregateID,
		"attempt_count":  row.AttemptCount,
	}
	if row.LastError != nil {
		fields["last_error"] = *row.LastError
	}
	return fields
}
