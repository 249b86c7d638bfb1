package saga

import (
	"time"

	"gorm.io/datatypes"

	"github.com/angelmondragon/filepipe-backend/pkg/db/models"
	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
)

// Observation is one tracked event as seen by the saga.
type Observation struct {
	Kind        EventKind
	MessageID   string
	MessageType string
	OccurredAt  time.Time
	Payload     any
}

// ObservationFrom reads the saga-relevant parts of a decoded message.
func ObservationFrom(msg *messaging.Message) Observation {
	return Observation{
		Kind:        KindOf(msg.Envelope.Type),
		MessageID:   msg.Envelope.MessageID,
		MessageType: msg.Envelope.Type,
		OccurredAt:  msg.Envelope.OccurredAt,
		Payload:     msg.Payload,
	}
}

// Transition describes what one observation or sweep did to a saga row.
type Transition struct {
	From           enums.SagaStatus
	To             enums.SagaStatus
	ComparisonFrom enums.ComparisonStatus
	Comparison     enums.ComparisonStatus
}

func (t Transition) StatusChanged() bool {
	return t.From != t.To
}

// ComparisonDecided reports whether this step moved the comparison out of pending.
func (t Transition) ComparisonDecided() bool {
	return t.ComparisonFrom == enums.ComparisonPending && t.Comparison != enums.ComparisonPending
}

// Seed builds the row for a saga's first event.
func Seed(correlationID, fileID string, now time.Time, timeout time.Duration) models.ProcessingSaga {
	now = now.UTC()
	return models.ProcessingSaga{
		SagaID:           ID(correlationID, fileID),
		FileID:           fileID,
		CorrelationID:    correlationID,
		Status:           enums.SagaStarted,
		ComparisonStatus: enums.ComparisonPending,
		StartedAt:        now,
		UpdatedAt:        now,
		DeadlineAt:       now.Add(timeout),
	}
}

// ID is the saga key for one file within one correlation.
func ID(correlationID, fileID string) string {
	return correlationID + ":" + fileID
}

// Observe folds obs into row. Milestone timestamps are recorded only while
// the saga is open; once terminal, only the last-event bookkeeping and the
// completion signal still change.
func Observe(row *models.ProcessingSaga, obs Observation, now time.Time) Transition {
	now = now.UTC()
	at := obs.OccurredAt.UTC()
	if obs.OccurredAt.IsZero() {
		at = now
	}
	t := Transition{From: row.Status, ComparisonFrom: row.ComparisonStatus}
	wasTerminal := row.Status.IsTerminal()

	messageID, messageType := obs.MessageID, obs.MessageType
	row.LastEventID = &messageID
	row.LastEventType = &messageType
	row.LastEventOccurredAt = &at
	row.UpdatedAt = now

	if obs.Kind == EventCompletionSignal {
		recordSignal(row, obs.Payload, now)
	} else if !wasTerminal {
		recordMilestone(row, obs, at)
	}

	row.Status = Next(row.Status, obs.Kind, flagsOf(row))
	if !wasTerminal && row.Status.IsTerminal() && row.CompletedAt == nil {
		row.CompletedAt = &now
	}
	row.ComparisonStatus = Compare(row.Status, row.ProjectionCompletionStatus)

	t.To = row.Status
	t.Comparison = row.ComparisonStatus
	return t
}

// Expire moves an open saga to timed-out. Terminal rows are left alone.
func Expire(row *models.ProcessingSaga, now time.Time) Transition {
	now = now.UTC()
	t := Transition{From: row.Status, To: row.Status, ComparisonFrom: row.ComparisonStatus, Comparison: row.ComparisonStatus}
	if row.Status.IsTerminal() {
		return t
	}
	row.Status = enums.SagaTimedOut
	if row.CompletedAt == nil {
		row.CompletedAt = &now
	}
	if row.TimedOutAt == nil {
		row.TimedOutAt = &now
	}
	row.UpdatedAt = now
	row.ComparisonStatus = Compare(row.Status, row.ProjectionCompletionStatus)

	t.To = row.Status
	t.Comparison = row.ComparisonStatus
	return t
}

func flagsOf(row *models.ProcessingSaga) BranchFlags {
	return BranchFlags{
		Validated: row.ValidationCompletedAt != nil,
		Thumbnail: row.ThumbnailCompletedAt != nil,
		Metadata:  row.MetadataCompletedAt != nil,
	}
}

func recordSignal(row *models.ProcessingSaga, payload any, now time.Time) {
	if row.ProjectionCompletionStatus != nil {
		return
	}
	p, ok := payload.(*messaging.ProcessingCompleted)
	if !ok {
		return
	}
	status := enums.ProcessingStatus(p.Status)
	row.ProjectionCompletionStatus = &status
	row.ProjectionCompletionObservedAt = &now
}

func recordMilestone(row *models.ProcessingSaga, obs Observation, at time.Time) {
	switch obs.Kind {
	case EventUpload:
		if p, ok := obs.Payload.(*messaging.FileUploaded); ok {
			setMetadata(row, "bucket", p.Bucket)
			setMetadata(row, "objectKey", p.ObjectKey)
			setMetadata(row, "sizeBytes", p.SizeBytes)
		}
	case EventValidation:
		if row.ValidationCompletedAt == nil {
			row.ValidationCompletedAt = &at
		}
		if p, ok := obs.Payload.(*messaging.FileValidated); ok {
			setMetadata(row, "detectedMime", p.DetectedMime)
		}
	case EventThumbnail:
		if row.ThumbnailCompletedAt == nil {
			row.ThumbnailCompletedAt = &at
		}
		if p, ok := obs.Payload.(*messaging.ThumbnailGenerated); ok {
			setMetadata(row, "thumbnailKey", p.ThumbnailKey)
		}
	case EventMetadata:
		if row.MetadataCompletedAt == nil {
			row.MetadataCompletedAt = &at
		}
	case EventRejection:
		if row.RejectedAt == nil {
			row.RejectedAt = &at
		}
		if p, ok := obs.Payload.(*messaging.FileRejected); ok {
			code, reason := p.Code, p.Reason
			row.RejectionCode = &code
			row.RejectionReason = &reason
		}
	}
}

func setMetadata(row *models.ProcessingSaga, key string, value any) {
	if row.Metadata == nil {
		row.Metadata = datatypes.JSONMap{}
	}
	row.Metadata[key] = value
}
