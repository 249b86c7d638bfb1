package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/metrics"
)

const defaultSweepBatchSize = 100

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type SweepJobParams struct {
	Logger    *logger.Logger
	DB        txRunner
	Namespace db.Namespace
	BatchSize int
	Metrics   *metrics.SagaMetrics
}

// SweepJob times out open sagas whose deadline has passed.
type SweepJob struct {
	logg      *logger.Logger
	db        txRunner
	repo      *Repository
	batchSize int
	metrics   *metrics.SagaMetrics
	now       func() time.Time
}

func NewSweepJob(params SweepJobParams) (*SweepJob, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatchSize
	}
	return &SweepJob{
		logg:      params.Logger,
		db:        params.DB,
		repo:      NewRepository(params.Namespace),
		batchSize: batch,
		metrics:   params.Metrics,
		now:       time.Now,
	}, nil
}

func (j *SweepJob) Name() string { return "saga-timeout-sweep" }

// Run expires one batch. Each saga commits on its own so one bad row does
// not hold back the rest.
func (j *SweepJob) Run(ctx context.Context) error {
	_, err := j.Sweep(ctx)
	return err
}

// Sweep returns how many sagas it moved to timed-out.
func (j *SweepJob) Sweep(ctx context.Context) (int, error) {
	now := j.now().UTC()
	var ids []string
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		ids, err = j.repo.ListExpired(tx, now, j.batchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expired sagas: %w", err)
	}

	var (
		expired int
		errs    error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		step, err := j.expire(ctx, id, now)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire saga %s: %w", id, err))
			continue
		}
		if !step.StatusChanged() {
			continue
		}
		expired++
		j.metrics.IncTimeout()
		j.metrics.IncTransition(string(step.To))
		if step.ComparisonDecided() {
			j.metrics.IncComparison(string(step.Comparison))
		}
		j.logg.Warn(j.logg.WithFields(ctx, map[string]any{
			"saga_id":    id,
			"from":       string(step.From),
			"comparison": string(step.Comparison),
		}), "saga timed out")
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"candidates": len(ids),
		"expired":    expired,
	}), "saga sweep complete")
	return expired, errs
}

func (j *SweepJob) expire(ctx context.Context, sagaID string, now time.Time) (Transition, error) {
	var step Transition
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		row, err := j.repo.LockByID(tx, sagaID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// A tracked event may have closed the saga since it was listed.
		if row.Status.IsTerminal() || row.DeadlineAt.After(now) {
			step = Transition{From: row.Status, To: row.Status, ComparisonFrom: row.ComparisonStatus, Comparison: row.ComparisonStatus}
			return nil
		}
		step = Expire(row, now)
		return j.repo.Save(tx, row)
	})
	return step, err
}
