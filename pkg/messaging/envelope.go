package messaging

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/filepipe-backend/pkg/enums"
)

// Envelope is the canonical wire shape for every command and event.
type Envelope struct {
	Kind          enums.MessageKind `json:"kind" validate:"required,oneof=command event"`
	MessageID     string            `json:"messageId" validate:"required,max=128"`
	Type          string            `json:"type" validate:"required"`
	OccurredAt    time.Time         `json:"occurredAt" validate:"required"`
	CorrelationID string            `json:"correlationId" validate:"required,max=128"`
	CausationID   *string           `json:"causationId,omitempty" validate:"omitempty,min=1,max=128"`
	Producer      string            `json:"producer" validate:"required"`
	Version       int               `json:"version" validate:"min=1"`
	Payload       json.RawMessage   `json:"payload" validate:"required"`
}

// Message is an envelope that passed central validation together with its
// decoded, schema-checked payload.
type Message struct {
	Envelope Envelope
	Entry    Entry
	Payload  any
}

// FileID returns the file the payload refers to, if any.
func (m *Message) FileID() string {
	if scoped, ok := m.Payload.(FileScoped); ok {
		return scoped.FileRef()
	}
	return ""
}

// Headers returns the transport headers stamped on a published envelope.
func (e Envelope) Headers() map[string]any {
	headers := map[string]any{
		HeaderMessageType:   e.Type,
		HeaderCorrelationID: e.CorrelationID,
		HeaderProducer:      e.Producer,
	}
	if e.CausationID != nil {
		headers[HeaderCausationID] = *e.CausationID
	}
	return headers
}

const (
	HeaderMessageType   = "x-message-type"
	HeaderCorrelationID = "x-correlation-id"
	HeaderCausationID   = "x-causation-id"
	HeaderProducer      = "x-producer"
)
