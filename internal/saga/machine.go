package saga

import (
	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	"github.com/angelmondragon/filepipe-backend/pkg/messaging"
)

// EventKind is the role an event plays in a file's workflow.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventUpload
	EventValidation
	EventThumbnail
	EventMetadata
	EventRejection
	EventCompletionSignal
)

var eventKindNames = map[EventKind]string{
	EventUnknown:          "unknown",
	EventUpload:           "upload",
	EventValidation:       "validation",
	EventThumbnail:        "thumbnail",
	EventMetadata:         "metadata",
	EventRejection:        "rejection",
	EventCompletionSignal: "completion-signal",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// EventKinds lists every kind the machine reacts to.
var EventKinds = []EventKind{
	EventUpload,
	EventValidation,
	EventThumbnail,
	EventMetadata,
	EventRejection,
	EventCompletionSignal,
}

var kindByType = map[string]EventKind{
	messaging.TypeFileUploaded:        EventUpload,
	messaging.TypeFileValidated:       EventValidation,
	messaging.TypeThumbnailGenerated:  EventThumbnail,
	messaging.TypeMetadataExtracted:   EventMetadata,
	messaging.TypeFileRejected:        EventRejection,
	messaging.TypeProcessingCompleted: EventCompletionSignal,
}

// KindOf maps a catalog message type to its event kind.
func KindOf(messageType string) EventKind {
	return kindByType[messageType]
}

// TrackedTypes lists the message types the tracker consumes.
func TrackedTypes() []string {
	return []string{
		messaging.TypeFileUploaded,
		messaging.TypeFileValidated,
		messaging.TypeFileRejected,
		messaging.TypeThumbnailGenerated,
		messaging.TypeMetadataExtracted,
		messaging.TypeProcessingCompleted,
	}
}

// BranchFlags records which milestones have a completion timestamp,
// including the one carried by the event being applied.
type BranchFlags struct {
	Validated bool
	Thumbnail bool
	Metadata  bool
}

// Next is the saga transition function. Terminal states are returned
// unchanged for every event; the outcome of branch events depends only on
// the recorded milestones, never on arrival order.
func Next(current enums.SagaStatus, kind EventKind, flags BranchFlags) enums.SagaStatus {
	if current.IsTerminal() {
		return current
	}
	switch kind {
	case EventUpload:
		if current == enums.SagaStarted {
			return enums.SagaAwaitingValidation
		}
		return current
	case EventValidation:
		// A repeated validation never undoes a branch already recorded.
		if current == enums.SagaPartiallyCompleted {
			return recompute(flags)
		}
		if flags.Thumbnail && flags.Metadata {
			return enums.SagaCompleted
		}
		return enums.SagaAwaitingProcessingBranches
	case EventThumbnail, EventMetadata:
		return recompute(flags)
	case EventRejection:
		return enums.SagaFailed
	default:
		return current
	}
}

func recompute(flags BranchFlags) enums.SagaStatus {
	switch {
	case flags.Validated && flags.Thumbnail && flags.Metadata:
		return enums.SagaCompleted
	case flags.Validated && flags.Thumbnail != flags.Metadata:
		return enums.SagaPartiallyCompleted
	default:
		return enums.SagaAwaitingProcessingBranches
	}
}

// Compare checks the saga's conclusion against the projection's completion
// signal. It stays pending until the saga is terminal and a signal was seen.
func Compare(status enums.SagaStatus, signal *enums.ProcessingStatus) enums.ComparisonStatus {
	if signal == nil || !status.IsTerminal() {
		return enums.ComparisonPending
	}
	if (status == enums.SagaCompleted) == (*signal == enums.ProcessingCompleted) {
		return enums.ComparisonMatch
	}
	return enums.ComparisonMismatch
}
