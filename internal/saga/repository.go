package saga

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/filepipe-backend/pkg/db"
	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
	"github.com/angelmondragon/filepipe-backend/pkg/enums"
)

// Repository persists saga rows.
type Repository struct {
	table string
}

func NewRepository(ns db.Namespace) *Repository {
	return &Repository{table: ns.ProcessingSagas()}
}

// LockOrCreate inserts seed when no row exists for its saga id and returns
// the stored row locked for update.
func (r *Repository) LockOrCreate(tx *gorm.DB, seed models.ProcessingSaga) (*models.ProcessingSaga, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if err := tx.Table(r.table).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "saga_id"}}, DoNothing: true}).
		Create(&seed).Error; err != nil {
		return nil, err
	}
	return r.LockByID(tx, seed.SagaID)
}

// LockByID loads one row and holds its lock until tx ends.
func (r *Repository) LockByID(tx *gorm.DB, sagaID string) (*models.ProcessingSaga, error) {
	var row models.ProcessingSaga
	err := tx.Table(r.table).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("saga_id = ?", sagaID).
		Take(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repository) Get(tx *gorm.DB, sagaID string) (*models.ProcessingSaga, error) {
	var row models.ProcessingSaga
	if err := tx.Table(r.table).Where("saga_id = ?", sagaID).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Save writes every column of row.
func (r *Repository) Save(tx *gorm.DB, row *models.ProcessingSaga) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Table(r.table).Save(row).Error
}

// ListExpired returns ids of open sagas whose deadline is at or before now,
// earliest deadline first.
func (r *Repository) ListExpired(tx *gorm.DB, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := tx.Table(r.table).
		Where("status NOT IN ? AND deadline_at <= ?", terminalStatuses(), now).
		Order("deadline_at ASC").
		Limit(limit).
		Pluck("saga_id", &ids).Error
	return ids, err
}

// CountByComparison reports how many rows sit in each comparison status.
func (r *Repository) CountByComparison(tx *gorm.DB) (map[enums.ComparisonStatus]int64, error) {
	var rows []struct {
		ComparisonStatus enums.ComparisonStatus
		Total            int64
	}
	err := tx.Table(r.table).
		Select("comparison_status, COUNT(*) AS total").
		Group("comparison_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[enums.ComparisonStatus]int64, len(rows))
	for _, row := range rows {
		out[row.ComparisonStatus] = row.Total
	}
	return out, nil
}

func terminalStatuses() []string {
	out := make([]string, 0, len(enums.TerminalSagaStatuses))
	for _, status := range enums.TerminalSagaStatuses {
		out = append(out, string(status))
	}
	return out
}
