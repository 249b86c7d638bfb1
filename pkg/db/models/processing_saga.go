package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/angelmondragon/filepipe-backend/pkg/enums"
)

// ProcessingSaga is the shadow process-manager state for one (correlationId, fileId) pair.
type ProcessingSaga struct {
	SagaID           string                 `gorm:"column:saga_id;type:text;primaryKey"`
	FileID           string                 `gorm:"column:file_id;type:text;not null"`
	CorrelationID    string                 `gorm:"column:correlation_id;type:text;not null"`
	Status           enums.SagaStatus       `gorm:"column:status;type:text;not null"`
	ComparisonStatus enums.ComparisonStatus `gorm:"column:comparison_status;type:text;not null"`
	StartedAt        time.Time              `gorm:"column:started_at;not null"`
	UpdatedAt        time.Time              `gorm:"column:updated_at;not null"`
	CompletedAt      *time.Time             `gorm:"column:completed_at"`
	DeadlineAt       time.Time              `gorm:"column:deadline_at;not null"`

	ValidationCompletedAt *time.Time `gorm:"column:validation_completed_at"`
	ThumbnailCompletedAt  *time.Time `gorm:"column:thumbnail_completed_at"`
	MetadataCompletedAt   *time.Time `gorm:"column:metadata_completed_at"`
	RejectedAt            *time.Time `gorm:"column:rejected_at"`
	TimedOutAt            *time.Time `gorm:"column:timed_out_at"`
	RejectionCode         *string    `gorm:"column:rejection_code;type:text"`
	RejectionReason       *string    `gorm:"column:rejection_reason;type:text"`

	ProjectionCompletionStatus     *enums.ProcessingStatus `gorm:"column:projection_completion_status;type:text"`
	ProjectionCompletionObservedAt *time.Time              `gorm:"column:projection_completion_observed_at"`

	LastEventID         *string    `gorm:"column:last_event_id;type:text"`
	LastEventType       *string    `gorm:"column:last_event_type;type:text"`
	LastEventOccurredAt *time.Time `gorm:"column:last_event_occurred_at"`

	Metadata datatypes.JSONMap `gorm:"column:metadata"`
}
