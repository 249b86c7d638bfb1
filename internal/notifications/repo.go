package notifications

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
)

// Repository exposes persistence helpers for notifications.
type Repository struct {
	table string
}

// NewRepository returns a notifications repository bound to the namespaced table.
func NewRepository(ns db.Namespace) *Repository {
	return &Repository{table: ns.Notifications()}
}

// Create inserts notification unless a row with the same id already exists.
func (r *Repository) Create(tx *gorm.DB, notification *models.Notification) error {
	return tx.Table(r.table).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(notification).Error
}

func (r *Repository) Get(tx *gorm.DB, id string) (*models.Notification, error) {
	var row models.Notification
	if err := tx.Table(r.table).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repository) ListByFile(tx *gorm.DB, fileID string) ([]models.Notification, error) {
	var rows []models.Notification
	err := tx.Table(r.table).
		Where("file_id = ?", fileID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

// DeleteOlderThan removes notifications created before cutoff.
func (r *Repository) DeleteOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	result := tx.WithContext(ctx).Table(r.table).
		Where("created_at < ?", cutoff).
		Delete(&models.Notification{})
	return result.RowsAffected, result.Error
}
