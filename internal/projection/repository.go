package projection

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
)

// Repository persists file_projections rows.
type Repository struct {
	table string
}

func NewRepository(ns db.Namespace) *Repository {
	return &Repository{table: ns.FileProjections()}
}

// LockOrCreate inserts seed when the file has no row yet and returns the
// stored row locked for update.
func (r *Repository) LockOrCreate(tx *gorm.DB, seed models.FileProjection) (*models.FileProjection, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if err := tx.Table(r.table).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "file_id"}}, DoNothing: true}).
		Create(&seed).Error; err != nil {
		return nil, err
	}
	var row models.FileProjection
	err := tx.Table(r.table).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("file_id = ?", seed.FileID).
		Take(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repository) Save(tx *gorm.DB, row *models.FileProjection) error {
	return tx.Table(r.table).Save(row).Error
}

func (r *Repository) Get(tx *gorm.DB, fileID string) (*models.FileProjection, error) {
	var row models.FileProjection
	if err := tx.Table(r.table).Where("file_id = ?", fileID).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}
