package outbox

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
)

const maxLastErrorLen = 1024

// Repository persists outbox rows in one namespace's outbox_events table.
type Repository struct {
	table string
}

func NewRepository(ns db.Namespace) *Repository {
	return &Repository{table: ns.OutboxEvents()}
}

// Table returns the qualified table name.
func (r *Repository) Table() string {
	return r.table
}

func (r *Repository) Insert(tx *gorm.DB, event *models.OutboxEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Table(r.table).Create(event).Error
}

// FetchPendingForPublish locks up to limit pending rows, oldest first. Rows
// locked by a concurrent poller are skipped.
func (r *Repository) FetchPendingForPublish(tx *gorm.DB, limit int) ([]models.OutboxEvent, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	var rows []models.OutboxEvent
	err := tx.Table(r.table).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("publish_status = ?", enums.OutboxPending).
		Order("created_at ASC").
		Order("event_id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkPublished moves a pending row to published. Rows that already left
// pending are untouched.
func (r *Repository) MarkPublished(tx *gorm.DB, eventID string, at time.Time) (bool, error) {
	result := tx.Table(r.table).
		Where("event_id = ? AND publish_status = ?", eventID, enums.OutboxPending).
		Updates(map[string]any{
			"publish_status": enums.OutboxPublished,
			"attempt_count":  gorm.Expr("attempt_count + 1"),
			"last_error":     nil,
			"published_at":   at,
		})
	return result.RowsAffected == 1, result.Error
}

// RecordFailure counts a failed publish attempt. The row becomes failed once
// the incremented attempt count reaches maxAttempts; otherwise it stays pending.
func (r *Repository) RecordFailure(tx *gorm.DB, eventID string, cause error, maxAttempts int) error {
	return tx.Table(r.table).
		Where("event_id = ? AND publish_status = ?", eventID, enums.OutboxPending).
		Updates(map[string]any{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    truncateError(cause),
			"publish_status": gorm.Expr("CASE WHEN attempt_count + 1 >= ? THEN ? ELSE ? END",
				maxAttempts, string(enums.OutboxFailed), string(enums.OutboxPending)),
		}).Error
}

// Get loads one row by event id.
func (r *Repository) Get(tx *gorm.DB, eventID string) (*models.OutboxEvent, error) {
	var row models.OutboxEvent
	if err := tx.Table(r.table).Where("event_id = ?", eventID).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// CountByStatus reports how many rows sit in each publish status.
func (r *Repository) CountByStatus(tx *gorm.DB) (map[enums.OutboxPublishStatus]int64, error) {
	var rows []struct {
		PublishStatus enums.OutboxPublishStatus
		Total         int64
	}
	err := tx.Table(r.table).
		Select("publish_status, COUNT(*) AS total").
		Group("publish_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[enums.OutboxPublishStatus]int64, len(rows))
	for _, row := range rows {
		out[row.PublishStatus] = row.Total
	}
	return out, nil
}

// DeletePublishedBefore removes up to limit published rows older than cutoff.
func (r *Repository) DeletePublishedBefore(tx *gorm.DB, cutoff time.Time, limit int) (int64, error) {
	sub := tx.Table(r.table).
		Select("event_id").
		Where("publish_status = ? AND published_at < ?", enums.OutboxPublished, cutoff).
		Order("published_at ASC").
		Limit(limit)
	result := tx.Table(r.table).
		Where("event_id IN (?)", sub).
		Delete(&models.OutboxEvent{})
	return result.RowsAffected, result.Error
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	return pkgerrors.Truncate(err.Error(), maxLastErrorLen)
}
