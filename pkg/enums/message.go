package enums

import "fmt"

// MessageKind distinguishes commands from events on the wire.
type MessageKind string

const (
	MessageKindCommand MessageKind = "command"
	MessageKindEvent   MessageKind = "event"
)

func (k MessageKind) IsValid() bool {
	return k == MessageKindCommand || k == MessageKindEvent
}

// ParseMessageKind converts raw input into MessageKind.
func ParseMessageKind(value string) (MessageKind, error) {
	kind := MessageKind(value)
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid message kind %q", value)
	}
	return kind, nil
}

// AggregateType names the entity an outbox row belongs to.
type AggregateType string

const (
	AggregateFile         AggregateType = "file"
	AggregateNotification AggregateType = "notification"
)
