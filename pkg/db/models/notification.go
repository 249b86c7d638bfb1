package models

import (
	"time"

	"github.com/angelmondragon/filepipe-backend/pkg/enums"
)

// Notification records a user-facing message queued for the email transport.
type Notification struct {
	ID            string                   `gorm:"column:id;type:text;primaryKey"`
	FileID        string                   `gorm:"column:file_id;type:text;not null"`
	CorrelationID string                   `gorm:"column:correlation_id;type:text;not null"`
	Recipient     string                   `gorm:"column:recipient;type:text;not null"`
	Outcome       enums.ProcessingStatus   `gorm:"column:outcome;type:text;not null"`
	Subject       string                   `gorm:"column:subject;type:text;not null"`
	Status        enums.NotificationStatus `gorm:"column:status;type:text;not null"`
	CreatedAt     time.Time                `gorm:"column:created_at;not null"`
}
