package enums

import "fmt"

// OutboxPublishStatus maps to outbox_events.publish_status.
type OutboxPublishStatus string

const (
	OutboxPending   OutboxPublishStatus = "pending"
	OutboxPublished OutboxPublishStatus = "published"
	OutboxFailed    OutboxPublishStatus = "failed"
)

var validOutboxPublishStatuses = []OutboxPublishStatus{
	OutboxPending,
	OutboxPublished,
	OutboxFailed,
}

// IsValid reports whether the value matches a known publish status.
func (s OutboxPublishStatus) IsValid() bool {
	for _, candidate := range validOutboxPublishStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the poller will never touch the row again.
func (s OutboxPublishStatus) IsTerminal() bool {
	return s == OutboxPublished || s == OutboxFailed
}

// ParseOutboxPublishStatus converts raw input into OutboxPublishStatus.
func ParseOutboxPublishStatus(value string) (OutboxPublishStatus, error) {
	for _, candidate := range validOutboxPublishStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox publish status %q", value)
}
