package handlers

import (
	"context"
	"encoding/json"

	"github.com/drblury/replicaflow/internal/runtime/envelope"
)

// Event is a decoded replication event as seen by a handler.
type Event struct {
	MessageContextBase

	// Pattern is the event type, for example "company.created".
	Pattern string
	// Data is the raw envelope payload.
	Data        json.RawMessage
	MessageUUID string
	// Self is true when the event was published by this node's own queue.
	// Such events are still applied.
	Self bool
}

// Bind unmarshals the payload into v.
func (e Event) Bind(v any) error {
	return envelope.Envelope{Pattern: e.Pattern, Data: e.Data}.Bind(v)
}

// EntityKey returns the id of the entity the event is about, if present.
func (e Event) EntityKey() string {
	return envelope.Envelope{Pattern: e.Pattern, Data: e.Data}.EntityKey()
}

// EventHandler applies one event. A nil return acknowledges it; any error
// hands the event to the dead-letter policy of its registration.
type EventHandler func(ctx context.Context, event Event) error
