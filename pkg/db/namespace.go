package db

import "strings"

// Namespace qualifies table names with the schema owned by one bounded context,
// so the same repositories serve every service.
type Namespace struct {
	Schema string
}

// NewNamespace trims schema; an empty schema leaves table names unqualified.
func NewNamespace(schema string) Namespace {
	return Namespace{Schema: strings.TrimSpace(schema)}
}

// Table returns name qualified by the schema, e.g. "validator.outbox_events".
func (n Namespace) Table(name string) string {
	if n.Schema == "" {
		return name
	}
	return n.Schema + "." + name
}

const (
	TableProcessedEvents = "processed_events"
	TableOutboxEvents    = "outbox_events"
	TableProcessingSagas = "processing_sagas"
	TableFileProjections = "file_projections"
	TableNotifications   = "notifications"
)

func (n Namespace) ProcessedEvents() string { return n.Table(TableProcessedEvents) }
func (n Namespace) OutboxEvents() string    { return n.Table(TableOutboxEvents) }
func (n Namespace) ProcessingSagas() string { return n.Table(TableProcessingSagas) }
func (n Namespace) FileProjections() string { return n.Table(TableFileProjections) }
func (n Namespace) Notifications() string   { return n.Table(TableNotifications) }
