package runtime

import (
	"context"
	"time"

	metadatapkg "github.com/drblury/replicaflow/internal/runtime/metadata"
)

// EventContext describes one event as it passes through the Guard.
type EventContext struct {
	// Pattern is the event type, or the dead-letter pattern for a body that
	// could not be decoded.
	Pattern     string
	Queue       string
	MessageUUID string
	Metadata    metadatapkg.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is only set in OnEventDone and OnEventFailed.
	Duration   time.Duration
	RetryCount int
	// Outcome is only set in OnEventDone and OnEventFailed.
	Outcome Outcome
}

// EventHooks defines callbacks for the lifecycle of a delivery.
// All hooks are optional - nil hooks are simply not called.
type EventHooks struct {
	// OnEventStart is called before the handler runs.
	OnEventStart func(ctx EventContext)

	// OnEventDone is called after the handler succeeded and the message was
	// acknowledged.
	OnEventDone func(ctx EventContext)

	// OnEventFailed is called once the Guard has decided what to do with a
	// failed event: dead-lettered, dropped or requeued.
	OnEventFailed func(ctx EventContext, err error)
}

// Merge combines two EventHooks, creating a new EventHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h EventHooks) Merge(other EventHooks) EventHooks {
	return EventHooks{
		OnEventStart:  chainHooks(h.OnEventStart, other.OnEventStart),
		OnEventDone:   chainHooks(h.OnEventDone, other.OnEventDone),
		OnEventFailed: chainFailedHooks(h.OnEventFailed, other.OnEventFailed),
	}
}

func chainHooks(a, b func(EventContext)) func(EventContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx EventContext) {
		a(ctx)
		b(ctx)
	}
}

func chainFailedHooks(a, b func(EventContext, error)) func(EventContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx EventContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h EventHooks) start(ctx EventContext) {
	if h.OnEventStart != nil {
		h.OnEventStart(ctx)
	}
}

func (h EventHooks) done(ctx EventContext) {
	if h.OnEventDone != nil {
		h.OnEventDone(ctx)
	}
}

func (h EventHooks) failed(ctx EventContext, err error) {
	if h.OnEventFailed != nil {
		h.OnEventFailed(ctx, err)
	}
}

// AlertingHooks returns hooks that call alertFunc whenever an event is
// dead-lettered or dropped.
func AlertingHooks(alertFunc func(ctx EventContext, err error)) EventHooks {
	return EventHooks{
		OnEventFailed: func(ctx EventContext, err error) {
			if ctx.Outcome == OutcomeDeadLettered || ctx.Outcome == OutcomeDropped {
				alertFunc(ctx, err)
			}
		},
	}
}
