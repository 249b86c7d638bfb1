package messaging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/filepipe-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/filepipe-backend/pkg/errors"
)

const (
	TypeFileUploaded          = "FileUploaded.v1"
	TypeFileValidated         = "FileValidated.v1"
	TypeFileRejected          = "FileRejected.v1"
	TypeThumbnailGenerated    = "ThumbnailGenerated.v1"
	TypeMetadataExtracted     = "MetadataExtracted.v1"
	TypeProcessingCompleted   = "ProcessingCompleted.v1"
	TypeNotificationRequested = "NotificationRequested.v1"

	CurrentVersion = 1
)

// Entry links a message type to its routing key and payload schema. Schema
// returns a pointer to a struct whose validate tags are the declarative guard
// for that type.
type Entry struct {
	Type          string
	Kind          enums.MessageKind
	RoutingKey    string
	AggregateType enums.AggregateType
	Version       int
	Schema        func() any
}

// Catalog is the single source of truth for what may travel on the broker.
type Catalog struct {
	mtx      sync.RWMutex
	entries  map[string]Entry
	validate *validator.Validate
}

// NewCatalog builds an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		entries:  make(map[string]Entry),
		validate: newValidator(),
	}
}

// DefaultCatalog returns the catalog of every message the pipeline exchanges.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	for _, entry := range []Entry{
		{Type: TypeFileUploaded, Kind: enums.MessageKindEvent, RoutingKey: "files.uploaded.v1", AggregateType: enums.AggregateFile, Schema: func() any { return &FileUploaded{} }},
		{Type: TypeFileValidated, Kind: enums.MessageKindEvent, RoutingKey: "files.validated.v1", AggregateType: enums.AggregateFile, Schema: func() any { return &FileValidated{} }},
		{Type: TypeFileRejected, Kind: enums.MessageKindEvent, RoutingKey: "files.rejected.v1", AggregateType: enums.AggregateFile, Schema: func() any { return &FileRejected{} }},
		{Type: TypeThumbnailGenerated, Kind: enums.MessageKindEvent, RoutingKey: "thumbnails.generated.v1", AggregateType: enums.AggregateFile, Schema: func() any { return &ThumbnailGenerated{} }},
		{Type: TypeMetadataExtracted, Kind: enums.MessageKindEvent, RoutingKey: "metadata.extracted.v1", AggregateType: enums.AggregateFile, Schema: func() any { return &MetadataExtracted{} }},
		{Type: TypeProcessingCompleted, Kind: enums.MessageKindEvent, RoutingKey: "processing.completed.v1", AggregateType: enums.AggregateFile, Schema: func() any { return &ProcessingCompleted{} }},
		{Type: TypeNotificationRequested, Kind: enums.MessageKindCommand, RoutingKey: "notifications.requested.v1", AggregateType: enums.AggregateNotification, Schema: func() any { return &NotificationRequested{} }},
	} {
		if err := c.Register(entry); err != nil {
			panic(err)
		}
	}
	return c
}

// Register adds an entry. Entries without a struct schema are refused so that
// no type can reach consumers unguarded.
func (c *Catalog) Register(entry Entry) error {
	if strings.TrimSpace(entry.Type) == "" {
		return fmt.Errorf("catalog entry type is required")
	}
	if !entry.Kind.IsValid() {
		return fmt.Errorf("catalog entry %s has invalid kind %q", entry.Type, entry.Kind)
	}
	if strings.TrimSpace(entry.RoutingKey) == "" {
		return fmt.Errorf("catalog entry %s routing key is required", entry.Type)
	}
	if entry.Schema == nil {
		return fmt.Errorf("catalog entry %s schema is required", entry.Type)
	}
	sample := entry.Schema()
	if t := reflect.TypeOf(sample); t == nil || t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("catalog entry %s schema must return a struct pointer, got %T", entry.Type, sample)
	}
	if entry.Version == 0 {
		entry.Version = CurrentVersion
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, exists := c.entries[entry.Type]; exists {
		return fmt.Errorf("catalog entry %s already registered", entry.Type)
	}
	c.entries[entry.Type] = entry
	return nil
}

// Lookup returns the entry for a message type.
func (c *Catalog) Lookup(messageType string) (Entry, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	entry, ok := c.entries[messageType]
	return entry, ok
}

// RoutingKey resolves the routing key for a message type.
func (c *Catalog) RoutingKey(messageType string) (string, error) {
	entry, ok := c.Lookup(messageType)
	if !ok {
		return "", fmt.Errorf("unknown message type %q", messageType)
	}
	return entry.RoutingKey, nil
}

// Types lists registered message types in sorted order.
func (c *Catalog) Types() []string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	out := make([]string, 0, len(c.entries))
	for t := range c.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Decode parses and validates a raw message body. Every failure is returned
// as a CodePoison error.
func (c *Catalog) Decode(body []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePoison, err, "malformed envelope json")
	}
	if err := c.validate.Struct(env); err != nil {
		return nil, formatValidationErrors(pkgerrors.CodePoison, "envelope schema mismatch", err)
	}

	entry, ok := c.Lookup(env.Type)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodePoison, "unknown message type").WithDetails(map[string]any{"type": env.Type})
	}
	if entry.Kind != env.Kind {
		return nil, pkgerrors.New(pkgerrors.CodePoison, "message kind does not match catalog").WithDetails(map[string]any{
			"type":     env.Type,
			"expected": entry.Kind,
			"actual":   env.Kind,
		})
	}
	if entry.Version != env.Version {
		return nil, pkgerrors.New(pkgerrors.CodePoison, "unsupported envelope version").WithDetails(map[string]any{
			"type":    env.Type,
			"version": env.Version,
		})
	}

	payload := entry.Schema()
	decoder := json.NewDecoder(bytes.NewReader(env.Payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(payload); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePoison, err, "payload does not match schema").WithDetails(map[string]any{"type": env.Type})
	}
	if err := c.validate.Struct(payload); err != nil {
		return nil, formatValidationErrors(pkgerrors.CodePoison, "payload schema mismatch", err)
	}

	return &Message{Envelope: env, Entry: entry, Payload: payload}, nil
}

// BuildParams describes an outgoing message.
type BuildParams struct {
	Type          string
	MessageID     string
	CorrelationID string
	CausationID   string
	Producer      string
	OccurredAt    time.Time
	Payload       any
}

// Build validates the payload against its schema and wraps it in an envelope.
func (c *Catalog) Build(params BuildParams) (Envelope, error) {
	entry, ok := c.Lookup(params.Type)
	if !ok {
		return Envelope{}, pkgerrors.New(pkgerrors.CodeValidation, "unknown message type").WithDetails(map[string]any{"type": params.Type})
	}
	if params.Payload == nil {
		return Envelope{}, pkgerrors.New(pkgerrors.CodeValidation, "payload is required")
	}
	if want, got := reflect.TypeOf(entry.Schema()).Elem(), indirectType(params.Payload); want != got {
		return Envelope{}, pkgerrors.New(pkgerrors.CodeValidation, "payload type does not match catalog").WithDetails(map[string]any{
			"type":     params.Type,
			"expected": want.String(),
			"actual":   got.String(),
		})
	}
	if err := c.validate.Struct(params.Payload); err != nil {
		return Envelope{}, formatValidationErrors(pkgerrors.CodeValidation, "payload schema mismatch", err)
	}

	raw, err := json.Marshal(params.Payload)
	if err != nil {
		return Envelope{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "marshal payload")
	}

	occurredAt := params.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	env := Envelope{
		Kind:          entry.Kind,
		MessageID:     params.MessageID,
		Type:          entry.Type,
		OccurredAt:    occurredAt.UTC(),
		CorrelationID: params.CorrelationID,
		Producer:      params.Producer,
		Version:       entry.Version,
		Payload:       raw,
	}
	if params.CausationID != "" {
		causation := params.CausationID
		env.CausationID = &causation
	}
	if err := c.validate.Struct(env); err != nil {
		return Envelope{}, formatValidationErrors(pkgerrors.CodeValidation, "envelope schema mismatch", err)
	}
	return env, nil
}

func indirectType(v any) reflect.Type {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
