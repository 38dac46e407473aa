// Package replica applies replicated master-data events to a local store.
//
// Appliers are idempotent and order tolerant. A create for a row that is
// already present, or that has been tombstoned, is a no-op. Updates and
// deletes for a row this node has never seen succeed, and a delete always
// leaves a tombstone so a late create for the same id stays invisible.
package replica

import (
	"context"
	"fmt"
	"slices"

	"github.com/bytedance/sonic"

	runtime "github.com/drblury/replicaflow/internal/runtime"
	errspkg "github.com/drblury/replicaflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/replicaflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/replicaflow/internal/runtime/logging"
)

// Entities lists every entity type an Applier can replicate.
var Entities = []string{EntityOwner, EntityCompany, EntityStore, EntityEmployee}

// Applier writes replicated events into a Repository.
type Applier struct {
	store    Repository
	logger   loggingpkg.ServiceLogger
	handlers map[string]runtime.EventHandler
	patterns []string
}

// NewApplier builds appliers for the given entities, or all of them when none
// are named. password.changed is handled whenever owners are replicated.
func NewApplier(store Repository, logger loggingpkg.ServiceLogger, entities ...string) (*Applier, error) {
	if store == nil {
		return nil, fmt.Errorf("replica: store is required")
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	if len(entities) == 0 {
		entities = Entities
	}

	a := &Applier{
		store:    store,
		logger:   logger.With(loggingpkg.LogFields{"component": "replica_applier"}),
		handlers: make(map[string]runtime.EventHandler),
	}
	for _, entity := range entities {
		switch entity {
		case EntityOwner:
			addEntity[Owner](a, entity)
			a.add(PatternPasswordChanged, a.applyPasswordChange)
		case EntityCompany:
			addEntity[Company](a, entity)
		case EntityStore:
			addEntity[Store](a, entity)
		case EntityEmployee:
			addEntity[Employee](a, entity)
		default:
			return nil, fmt.Errorf("replica: unknown entity %q", entity)
		}
	}
	return a, nil
}

// Patterns returns the event patterns this applier handles, in registration order.
func (a *Applier) Patterns() []string {
	return slices.Clone(a.patterns)
}

// Register adds a handler to svc for every pattern of the applier.
func (a *Applier) Register(svc *runtime.Service) error {
	for _, pattern := range a.patterns {
		err := runtime.RegisterEventHandler(svc, runtime.EventHandlerRegistration{
			Pattern: pattern,
			Handler: a.handlers[pattern],
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", pattern, err)
		}
	}
	return nil
}

// Apply applies one decoded event outside of a service, for example when
// replaying a dead-lettered event by hand.
func (a *Applier) Apply(ctx context.Context, pattern string, data []byte) error {
	handler, ok := a.handlers[pattern]
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrUnroutableEvent, pattern)
	}
	return handler(ctx, runtime.Event{
		MessageContextBase: handlerpkg.MessageContextBase{Logger: a.logger},
		Pattern:            pattern,
		Data:               data,
	})
}

func (a *Applier) add(pattern string, handler runtime.EventHandler) {
	a.handlers[pattern] = handler
	a.patterns = append(a.patterns, pattern)
}

func addEntity[T Entity](a *Applier, entity string) {
	a.add(runtime.EntityPattern(entity, runtime.ChangeCreated), applyCreated[T](a, entity))
	a.add(runtime.EntityPattern(entity, runtime.ChangeUpdated), applyUpdated[T](a, entity))
	a.add(runtime.EntityPattern(entity, runtime.ChangeDeleted), a.applyDeleted(entity))
}

// bindEntity decodes the {data, user} shape and falls back to the bare entity
// that the owner service publishes.
func bindEntity[T Entity](event runtime.Event) (T, string, error) {
	var wrapped EventData[T]
	wrapErr := event.Bind(&wrapped)
	if wrapErr == nil && wrapped.Data.EntityID() != "" {
		return wrapped.Data, wrapped.User, nil
	}

	var bare T
	if err := event.Bind(&bare); err == nil && bare.EntityID() != "" {
		return bare, "", nil
	}

	var zero T
	if wrapErr != nil {
		return zero, "", wrapErr
	}
	return zero, "", fmt.Errorf("%w: %s without entity id", errspkg.ErrMalformedEnvelope, event.Pattern)
}

func applyCreated[T Entity](a *Applier, entity string) runtime.EventHandler {
	return func(ctx context.Context, event runtime.Event) error {
		data, user, err := bindEntity[T](event)
		if err != nil {
			return err
		}
		id, doc, err := encodeEntity(event.Pattern, data)
		if err != nil {
			return err
		}
		inserted, err := a.store.Insert(ctx, entity, id, doc, user)
		if err != nil {
			return err
		}
		if !inserted {
			a.logger.Debug("Replica row exists or was deleted, create skipped", fields(event.Pattern, id, event.Self))
			return nil
		}
		a.logger.Debug("Replica row created", fields(event.Pattern, id, event.Self))
		return nil
	}
}

func applyUpdated[T Entity](a *Applier, entity string) runtime.EventHandler {
	return func(ctx context.Context, event runtime.Event) error {
		data, user, err := bindEntity[T](event)
		if err != nil {
			return err
		}
		id, doc, err := encodeEntity(event.Pattern, data)
		if err != nil {
			return err
		}
		updated, err := a.store.Update(ctx, entity, id, doc, user)
		if err != nil {
			return err
		}
		if !updated {
			a.logger.Debug("Replica row absent, update skipped", fields(event.Pattern, id, event.Self))
			return nil
		}
		a.logger.Debug("Replica row updated", fields(event.Pattern, id, event.Self))
		return nil
	}
}

// applyDeleted accepts both {data: "<id>"} and {data: {id: "<id>"}}.
func (a *Applier) applyDeleted(entity string) runtime.EventHandler {
	return func(ctx context.Context, event runtime.Event) error {
		id := event.EntityKey()
		if id == "" {
			return fmt.Errorf("%w: %s without entity id", errspkg.ErrMalformedEnvelope, event.Pattern)
		}
		var actor struct {
			User string `json:"user"`
		}
		if err := event.Bind(&actor); err != nil {
			return err
		}
		if err := a.store.Delete(ctx, entity, id, actor.User); err != nil {
			return err
		}
		a.logger.Debug("Replica row deleted", fields(event.Pattern, id, event.Self))
		return nil
	}
}

// applyPasswordChange accepts the change wrapped as {data, user} or bare.
func (a *Applier) applyPasswordChange(ctx context.Context, event runtime.Event) error {
	var wrapped EventData[PasswordChange]
	if err := event.Bind(&wrapped); err != nil {
		return err
	}
	change, user := wrapped.Data, wrapped.User
	if change.ID == "" {
		if err := event.Bind(&change); err != nil {
			return err
		}
	}
	if change.ID == "" || change.Password == "" {
		return fmt.Errorf("%w: %s requires id and password", errspkg.ErrMalformedEnvelope, event.Pattern)
	}

	patched, err := a.store.Patch(ctx, EntityOwner, change.ID, map[string]any{"password": change.Password}, user)
	if err != nil {
		return err
	}
	if !patched {
		a.logger.Debug("Owner replica absent, password change skipped", fields(event.Pattern, change.ID, event.Self))
		return nil
	}
	a.logger.Debug("Owner password replicated", fields(event.Pattern, change.ID, event.Self))
	return nil
}

func encodeEntity[T Entity](pattern string, entity T) (string, []byte, error) {
	id := entity.EntityID()
	if id == "" {
		return "", nil, fmt.Errorf("%w: %s without entity id", errspkg.ErrMalformedEnvelope, pattern)
	}
	doc, err := sonic.Marshal(entity)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", pattern, err)
	}
	return id, doc, nil
}

func fields(pattern, id string, self bool) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"pattern":   pattern,
		"entity_id": id,
		"self":      self,
	}
}
