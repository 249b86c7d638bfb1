package models

import "time"

// ProcessedEvent is one row of the idempotency ledger. Rows are write-once.
type ProcessedEvent struct {
	EventID        string    `gorm:"column:event_id;type:text;primaryKey"`
	ConsumerName   string    `gorm:"column:consumer_name;type:text;primaryKey"`
	CorrelationID  string    `gorm:"column:correlation_id;type:text;not null"`
	MessageType    string    `gorm:"column:message_type;type:text;not null"`
	SourceProducer string    `gorm:"column:source_producer;type:text;not null"`
	ProcessedAt    time.Time `gorm:"column:processed_at;not null"`
}
