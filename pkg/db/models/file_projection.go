package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/angelmondragon/filepipe-backend/pkg/enums"
)

// FileProjection is the authoritative read model for one uploaded file.
type FileProjection struct {
	FileID          string                 `gorm:"column:file_id;type:text;primaryKey"`
	CorrelationID   string                 `gorm:"column:correlation_id;type:text;not null"`
	Status          enums.ProcessingStatus `gorm:"column:status;type:text;not null"`
	Bucket          string                 `gorm:"column:bucket;type:text"`
	ObjectKey       string                 `gorm:"column:object_key;type:text"`
	UploadedBy      string                 `gorm:"column:uploaded_by;type:text"`
	DetectedMime    string                 `gorm:"column:detected_mime;type:text"`
	ThumbnailKey    string                 `gorm:"column:thumbnail_key;type:text"`
	RejectionCode   *string                `gorm:"column:rejection_code;type:text"`
	RejectionReason *string                `gorm:"column:rejection_reason;type:text"`
	Metadata        datatypes.JSONMap      `gorm:"column:metadata"`
	ValidatedAt     *time.Time             `gorm:"column:validated_at"`
	ThumbnailAt     *time.Time             `gorm:"column:thumbnail_at"`
	MetadataAt      *time.Time             `gorm:"column:metadata_at"`
	RejectedAt      *time.Time             `gorm:"column:rejected_at"`
	CompletedAt     *time.Time             `gorm:"column:completed_at"`
	UpdatedAt       time.Time              `gorm:"column:updated_at;not null"`
}
