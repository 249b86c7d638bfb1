package idempotency

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
)

// Record identifies one inbound message as seen by one consumer.
type Record struct {
	EventID        string
	ConsumerName   string
	CorrelationID  string
	MessageType    string
	SourceProducer string
}

// Ledger tracks processed (event_id, consumer_name) pairs in the namespaced
// processed_events table. It must be used inside the same transaction as the
// effect it guards.
type Ledger struct {
	table string
	now   func() time.Time
}

// NewLedger builds a ledger bound to the namespace's processed_events table.
func NewLedger(ns db.Namespace) *Ledger {
	return &Ledger{
		table: ns.ProcessedEvents(),
		now:   time.Now,
	}
}

// Mark inserts the record and reports whether it was new. A false result means
// the pair was already recorded and the caller must skip the effect.
func (l *Ledger) Mark(tx *gorm.DB, rec Record) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	if rec.EventID == "" {
		return false, errors.New("event id is required")
	}
	if rec.ConsumerName == "" {
		return false, errors.New("consumer name is required")
	}

	row := models.ProcessedEvent{
		EventID:        rec.EventID,
		ConsumerName:   rec.ConsumerName,
		CorrelationID:  rec.CorrelationID,
		MessageType:    rec.MessageType,
		SourceProducer: rec.SourceProducer,
		ProcessedAt:    l.now().UTC(),
	}
	result := tx.Table(l.table).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Seen reports whether the pair has been recorded. It is informational only;
// Mark is the authoritative check.
func (l *Ledger) Seen(ctx context.Context, conn *gorm.DB, eventID, consumer string) (bool, error) {
	var count int64
	err := conn.WithContext(ctx).
		Table(l.table).
		Where("event_id = ? AND consumer_name = ?", eventID, consumer).
		Count(&count).Error
	return count > 0, err
}
