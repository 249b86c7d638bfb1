package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
	"github.com/angelmondragon/filepipe-backend/pkg/outbox/idempotency"
)

// eventNamespace seeds deterministic outbox event ids.
var eventNamespace = uuid.MustParse("6f1c3b52-8a0e-4c1e-9d4b-2f7a5e0c9b13")

var errAlreadyApplied = errors.New("message already applied")

// Incoming identifies the message that triggers a unit of work.
type Incoming struct {
	MessageID     string
	ConsumerName  string
	CorrelationID string
	MessageType   string
	Producer      string
}

// IncomingFrom derives the ledger identity of a decoded message for consumer.
func IncomingFrom(msg *messaging.Message, consumer string) Incoming {
	return Incoming{
		MessageID:     msg.Envelope.MessageID,
		ConsumerName:  consumer,
		CorrelationID: msg.Envelope.CorrelationID,
		MessageType:   msg.Envelope.Type,
		Producer:      msg.Envelope.Producer,
	}
}

// Outgoing is a message staged by an effect. AggregateID defaults to the
// payload's file id.
type Outgoing struct {
	Type        string
	AggregateID string
	Payload     any
}

// EffectFunc performs the domain writes for one message inside tx and returns
// the messages to stage. It must not perform non-transactional writes.
type EffectFunc func(ctx context.Context, tx *gorm.DB) ([]Outgoing, error)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	DB        txRunner
	Namespace dbpkg.Namespace
	Catalog   *messaging.Catalog
	Producer  string
	Logger    *logger.Logger
}

// Service runs the idempotent outbox unit of work: ledger row, domain effect
// and staged outgoing messages commit together or not at all.
type Service struct {
	db       txRunner
	ledger   *idempotency.Ledger
	repo     *Repository
	catalog  *messaging.Catalog
	producer string
	logg     *logger.Logger
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, errors.New("db is required")
	}
	if params.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if params.Producer == "" {
		return nil, errors.New("producer is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		db:       params.DB,
		ledger:   idempotency.NewLedger(params.Namespace),
		repo:     NewRepository(params.Namespace),
		catalog:  params.Catalog,
		producer: params.Producer,
		logg:     params.Logger,
		now:      time.Now,
	}, nil
}

// Repository exposes the namespace-bound outbox repository.
func (s *Service) Repository() *Repository {
	return s.repo
}

// Seen reports whether in was already applied. Apply stays the authoritative
// check; Seen lets a consumer skip work that must not repeat on redelivery.
func (s *Service) Seen(ctx context.Context, in Incoming) (bool, error) {
	var seen bool
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		seen, err = s.ledger.Seen(ctx, tx, in.MessageID, in.ConsumerName)
		return err
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "check processed event")
	}
	return seen, nil
}

// Apply runs effect exactly once per (in.MessageID, in.ConsumerName). It
// returns applied=false without error when the pair was already recorded; the
// caller acks and does nothing else.
func (s *Service) Apply(ctx context.Context, in Incoming, effect EffectFunc) (bool, error) {
	if in.MessageID == "" || in.ConsumerName == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "message id and consumer name are required")
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"message_id":     in.MessageID,
		"consumer":       in.ConsumerName,
		"correlation_id": in.CorrelationID,
		"message_type":   in.MessageType,
	})

	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		inserted, err := s.ledger.Mark(tx, idempotency.Record{
			EventID:        in.MessageID,
			ConsumerName:   in.ConsumerName,
			CorrelationID:  in.CorrelationID,
			MessageType:    in.MessageType,
			SourceProducer: in.Producer,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "insert processed event")
		}
		if !inserted {
			return errAlreadyApplied
		}

		var outgoing []Outgoing
		if effect != nil {
			outgoing, err = effect(ctx, tx)
			if err != nil {
				return err
			}
		}
		return s.Stage(logCtx, tx, in, outgoing)
	})
	if errors.Is(err, errAlreadyApplied) {
		s.logg.Info(logCtx, "event already processed")
		return false, nil
	}
	if err != nil {
		if pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodePersistence, err, "apply message")
		}
		return false, err
	}
	return true, nil
}

// Stage writes outgoing messages caused by in as pending outbox rows. It must
// run inside the transaction that performs their triggering effect.
func (s *Service) Stage(ctx context.Context, tx *gorm.DB, in Incoming, outgoing []Outgoing) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	now := s.now().UTC()
	for i, out := range outgoing {
		entry, ok := s.catalog.Lookup(out.Type)
		if !ok {
			return pkgerrors.New(pkgerrors.CodeValidation, "unknown outgoing message type").WithDetails(map[string]any{"type": out.Type})
		}

		eventID := DeriveEventID(in.MessageID, in.ConsumerName, out.Type, i)
		env, err := s.catalog.Build(messaging.BuildParams{
			Type:          out.Type,
			MessageID:     eventID,
			CorrelationID: in.CorrelationID,
			CausationID:   in.MessageID,
			Producer:      s.producer,
			OccurredAt:    now,
			Payload:       out.Payload,
		})
		if err != nil {
			return err
		}
		body, err := json.Marshal(env)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal envelope")
		}

		aggregateID := out.AggregateID
		if aggregateID == "" {
			if scoped, ok := out.Payload.(messaging.FileScoped); ok {
				aggregateID = scoped.FileRef()
			}
		}

		row := &models.OutboxEvent{
			EventID:       eventID,
			AggregateType: entry.AggregateType,
			AggregateID:   aggregateID,
			EventType:     entry.Type,
			RoutingKey:    entry.RoutingKey,
			Payload:       datatypes.JSON(body),
			Headers:       datatypes.JSONMap(env.Headers()),
			OccurredAt:    env.OccurredAt,
			PublishStatus: enums.OutboxPending,
			CreatedAt:     now,
		}
		if err := s.repo.Insert(tx, row); err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				return errAlreadyApplied
			}
			return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "insert outbox event")
		}

		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"event_id":     eventID,
			"event_type":   entry.Type,
			"routing_key":  entry.RoutingKey,
			"aggregate_id": aggregateID,
		}), "outbox event queued")
	}
	return nil
}

// DeriveEventID returns the deterministic id of the index-th message staged by
// consumer in response to messageID.
func DeriveEventID(messageID, consumer, eventType string, index int) string {
	name := fmt.Sprintf("%s|%s|%s|%d", messageID, consumer, eventType, index)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}
