package enums

import "fmt"

// ProcessingStatus is the authoritative status kept by the projection read model
// and carried by ProcessingCompleted.v1.
type ProcessingStatus string

const (
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

var validProcessingStatuses = []ProcessingStatus{
	ProcessingInProgress,
	ProcessingCompleted,
	ProcessingFailed,
}

func (p ProcessingStatus) IsValid() bool {
	for _, candidate := range validProcessingStatuses {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParseProcessingStatus converts raw input into ProcessingStatus.
func ParseProcessingStatus(value string) (ProcessingStatus, error) {
	for _, candidate := range validProcessingStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid processing status %q", value)
}

// NotificationStatus tracks hand-off to the email transport.
type NotificationStatus string

const (
	NotificationQueued     NotificationStatus = "queued"
	NotificationSuppressed NotificationStatus = "suppressed"
)
