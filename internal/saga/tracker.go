package saga

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/metrics"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox"
)

// ConsumerName is the ledger identity of the saga tracker.
const ConsumerName = "saga-tracker"

type applier interface {
	Apply(ctx context.Context, in outbox.Incoming, effect outbox.EffectFunc) (bool, error)
}

type TrackerParams struct {
	Applier   applier
	Namespace db.Namespace
	Timeout   time.Duration
	Logger    *logger.Logger
	Metrics   *metrics.SagaMetrics
}

// Tracker folds workflow events into saga rows. It observes only: it never
// stages outgoing messages.
type Tracker struct {
	applier applier
	repo    *Repository
	timeout time.Duration
	logg    *logger.Logger
	metrics *metrics.SagaMetrics
	now     func() time.Time
}

func NewTracker(params TrackerParams) (*Tracker, error) {
	if params.Applier == nil {
		return nil, errors.New("applier is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Timeout <= 0 {
		return nil, errors.New("saga timeout must be positive")
	}
	return &Tracker{
		applier: params.Applier,
		repo:    NewRepository(params.Namespace),
		timeout: params.Timeout,
		logg:    params.Logger,
		metrics: params.Metrics,
		now:     time.Now,
	}, nil
}

// Repository exposes the tracker's saga repository.
func (t *Tracker) Repository() *Repository {
	return t.repo
}

func (t *Tracker) Handle(ctx context.Context, msg *messaging.Message) error {
	obs := ObservationFrom(msg)
	if obs.Kind == EventUnknown {
		return nil
	}
	fileID := msg.FileID()
	if fileID == "" {
		return pkgerrors.New(pkgerrors.CodePoison, "tracked message has no file id")
	}
	sagaID := ID(msg.Envelope.CorrelationID, fileID)
	ctx = t.logg.WithFields(ctx, map[string]any{
		"saga_id":    sagaID,
		"event_kind": obs.Kind.String(),
	})

	var step Transition
	applied, err := t.applier.Apply(ctx, outbox.IncomingFrom(msg, ConsumerName), func(ctx context.Context, tx *gorm.DB) ([]outbox.Outgoing, error) {
		now := t.now().UTC()
		row, err := t.repo.LockOrCreate(tx, Seed(msg.Envelope.CorrelationID, fileID, now, t.timeout))
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "load saga")
		}
		step = Observe(row, obs, now)
		if err := t.repo.Save(tx, row); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "save saga")
		}
		return nil, nil
	})
	if err != nil || !applied {
		return err
	}
	t.report(ctx, step)
	return nil
}

func (t *Tracker) report(ctx context.Context, step Transition) {
	if step.StatusChanged() {
		t.metrics.IncTransition(string(step.To))
		t.logg.Info(t.logg.WithFields(ctx, map[string]any{
			"from": string(step.From),
			"to":   string(step.To),
		}), "saga transitioned")
	}
	if step.ComparisonDecided() {
		t.metrics.IncComparison(string(step.Comparison))
		compCtx := t.logg.WithField(ctx, "comparison", string(step.Comparison))
		if step.Comparison == enums.ComparisonMismatch {
			t.logg.Warn(compCtx, "saga disagrees with projection")
			return
		}
		t.logg.Info(compCtx, "saga comparison decided")
	}
}
