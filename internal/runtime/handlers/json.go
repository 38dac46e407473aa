package handlers

import (
	"context"

	errspkg "github.com/drblury/replicaflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/replicaflow/internal/runtime/logging"
)

// JSONHandlerRegistration wires a typed JSON handler to an event pattern.
type JSONHandlerRegistration[T any] struct {
	// Pattern is an exact event type or a binding pattern with `*`/`#` wildcards.
	Pattern string
	Handler JSONEventHandler[T]
	// DisableDeadLetter logs and drops failed events instead of parking them.
	DisableDeadLetter bool
}

// JSONEventContext exposes the typed payload alongside the event headers.
type JSONEventContext[T any] struct {
	MessageContextBase
	Pattern     string
	MessageUUID string
	Self        bool
	Payload     T
}

// JSONEventHandler processes a JSON payload bound to T.
type JSONEventHandler[T any] func(ctx context.Context, event JSONEventContext[T]) error

// BuildJSONHandler converts a typed JSON handler into an EventHandler. A
// payload that does not fit T fails with errors.ErrMalformedEnvelope.
func BuildJSONHandler[T any](handler JSONEventHandler[T], logger loggingpkg.ServiceLogger) (EventHandler, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	return func(ctx context.Context, event Event) error {
		var payload T
		if err := event.Bind(&payload); err != nil {
			return err
		}

		base := event.MessageContextBase
		if base.Logger == nil {
			base.Logger = logger
		}
		return handler(ctx, JSONEventContext[T]{
			MessageContextBase: base,
			Pattern:            event.Pattern,
			MessageUUID:        event.MessageUUID,
			Self:               event.Self,
			Payload:            payload,
		})
	}, nil
}
