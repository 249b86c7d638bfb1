package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/angelmondragon/filepipe-backend/pkg/enums"
)

// OutboxEvent is an outgoing envelope staged in the same transaction as its
// triggering effect. Payload holds the complete serialized envelope.
type OutboxEvent struct {
	EventID       string                    `gorm:"column:event_id;type:text;primaryKey"`
	AggregateType enums.AggregateType       `gorm:"column:aggregate_type;type:text;not null"`
	AggregateID   string                    `gorm:"column:aggregate_id;type:text;not null"`
	EventType     string                    `gorm:"column:event_type;type:text;not null"`
	RoutingKey    string                    `gorm:"column:routing_key;type:text;not null"`
	Payload       datatypes.JSON            `gorm:"column:payload;not null"`
	Headers       datatypes.JSONMap         `gorm:"column:headers"`
	OccurredAt    time.Time                 `gorm:"column:occurred_at;not null"`
	PublishStatus enums.OutboxPublishStatus `gorm:"column:publish_status;type:text;not null"`
	AttemptCount  int                       `gorm:"column:attempt_count;not null"`
	LastError     *string                   `gorm:"column:last_error;type:text"`
	CreatedAt     time.Time                 `gorm:"column:created_at;not null"`
	PublishedAt   *time.Time                `gorm:"column:published_at"`
}
