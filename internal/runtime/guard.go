package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/replicaflow/internal/runtime/envelope"
	errspkg "github.com/drblury/replicaflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/replicaflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/replicaflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/replicaflow/internal/runtime/metadata"
)

// Outcome is the terminal state of one delivery.
type Outcome string

const (
	// OutcomeAcked: the handler succeeded and the message was acknowledged.
	OutcomeAcked Outcome = "acked"
	// OutcomeDeadLettered: a copy was parked on dlq.<pattern> and the
	// original acknowledged.
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeDropped: the handler failed, dead-lettering is off for the
	// pattern, and the message was acknowledged without a copy.
	OutcomeDropped Outcome = "dropped"
	// OutcomeUnroutable: no handler is registered for the pattern.
	OutcomeUnroutable Outcome = "unroutable"
	// OutcomeRequeued: the dead-letter publish failed, so the message is
	// returned to the broker for redelivery.
	OutcomeRequeued Outcome = "requeued"
)

// FailureKind labels why a message was dead-lettered.
type FailureKind string

const (
	FailureMalformed FailureKind = "malformed"
	FailureHandler   FailureKind = "handler"
	FailurePanic     FailureKind = "panic"
)

// malformedPattern names the dead-letter queue for bodies that carry no usable
// pattern and arrived without a routing key.
const malformedPattern = "malformed"

// DeadLetterTopology declares dead-letter queues on demand.
type DeadLetterTopology interface {
	EnsureDeadLetterQueue(ctx context.Context, pattern string) (string, error)
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Queue is the service's own queue, stamped as origin-queue on
	// dead-letter copies and used to detect self-delivery.
	Queue string
	// Publisher sends dead-letter copies to the exchange.
	Publisher message.Publisher
	// Topology declares dlq.<pattern> queues before the first copy is sent.
	Topology DeadLetterTopology
	// Routes resolves patterns for Dispatch and Handle.
	Routes *Registry
	// DeadLetterEnabled decides dead-lettering for a malformed message
	// whose pattern has no route. Nil means enabled.
	DeadLetterEnabled func(pattern string) bool
	Logger            loggingpkg.ServiceLogger
	Metrics           *GuardMetrics
	// SerializeByKey runs handlers for the same entity one at a time. Needed
	// once more than one delivery can be in flight.
	SerializeByKey bool
	Hooks          EventHooks
	Now            func() time.Time
}

// Guard runs one handler per delivery and decides ack, dead-letter or drop.
// It never lets a handler error or panic reach the broker client; the only
// error it returns asks the router to nack because the dead-letter copy
// could not be published.
type Guard struct {
	cfg      GuardConfig
	locks    *keyLocks
	inFlight atomic.Int64
}

// GuardLoad is the work currently inside a Guard.
type GuardLoad struct {
	InFlight       int64 `json:"in_flight"`
	LockedEntities int   `json:"locked_entities"`
}

// Load reports deliveries being handled and entity keys currently locked.
func (g *Guard) Load() GuardLoad {
	if g == nil {
		return GuardLoad{}
	}
	return GuardLoad{
		InFlight:       g.inFlight.Load(),
		LockedEntities: g.locks.size(),
	}
}

// NewGuard validates cfg and returns a Guard.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	if cfg.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.Topology == nil {
		return nil, errspkg.ErrDeclarerRequired
	}
	if cfg.Queue == "" {
		return nil, errspkg.ErrQueueRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.NewNopServiceLogger()
	}
	if cfg.Routes == nil {
		cfg.Routes = NewRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{cfg: cfg, locks: newKeyLocks()}, nil
}

// Wrap turns a single handler into a Watermill handler. Every decodable
// message is passed to handler, whatever its pattern.
func (g *Guard) Wrap(handler EventHandler, useDLQ bool) message.NoPublishHandlerFunc {
	resolve := func(pattern string) (*route, bool) {
		return &route{pattern: pattern, handler: handler, useDLQ: useDLQ}, handler != nil
	}
	return func(msg *message.Message) error {
		_, err := g.handle(msg, resolve)
		return err
	}
}

// Dispatch returns a Watermill handler that routes through the registry.
func (g *Guard) Dispatch() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		_, err := g.Handle(msg)
		return err
	}
}

// Handle processes one delivery using the registry and reports its outcome.
// A non-nil error is returned only with OutcomeRequeued.
func (g *Guard) Handle(msg *message.Message) (Outcome, error) {
	return g.handle(msg, g.cfg.Routes.lookup)
}

func (g *Guard) handle(msg *message.Message, resolve func(string) (*route, bool)) (Outcome, error) {
	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)

	md := metadatapkg.FromMessage(msg)
	fields := loggingpkg.LogFields{
		"message_uuid": msg.UUID,
		"origin_queue": md.OriginQueue(),
		"retry_count":  md.RetryCount(),
	}

	env, err := envelope.DecodeEnvelope(msg.Payload)
	if err != nil {
		pattern := g.malformedPattern(md)
		fields["pattern"] = pattern
		useDLQ := g.deadLetterDefault(pattern)
		if rt, ok := resolve(pattern); ok {
			useDLQ = useDLQ && rt.useDLQ
		}
		hc := g.eventContext(msg, md, pattern)
		outcome, ferr := g.fail(msg, md, pattern, FailureMalformed, err, useDLQ, fields)
		hc.Outcome = outcome
		g.cfg.Hooks.failed(hc, err)
		return outcome, ferr
	}
	fields["pattern"] = env.Pattern

	rt, ok := resolve(env.Pattern)
	if !ok {
		g.cfg.Logger.Info("No handler for event, acknowledged", fields)
		g.cfg.Metrics.RecordOutcome(env.Pattern, OutcomeUnroutable)
		return OutcomeUnroutable, nil
	}

	event := handlerpkg.Event{
		MessageContextBase: handlerpkg.MessageContextBase{
			Metadata: md,
			Logger:   g.cfg.Logger.With(fields),
		},
		Pattern:     env.Pattern,
		Data:        env.Data,
		MessageUUID: msg.UUID,
		Self:        md.OriginQueue() == g.cfg.Queue,
	}

	if g.cfg.SerializeByKey {
		if key := entityLockKey(env); key != "" {
			unlock := g.locks.lock(key)
			defer unlock()
		}
	}

	hc := g.eventContext(msg, md, env.Pattern)
	g.cfg.Hooks.start(hc)

	kind, err := g.invoke(msg.Context(), rt.handler, event)
	hc.Duration = g.cfg.Now().Sub(hc.StartedAt)
	g.cfg.Metrics.ObserveHandlerDuration(env.Pattern, hc.Duration)
	if err != nil {
		// The route may be a wildcard, so the event's own pattern is checked too.
		useDLQ := rt.useDLQ && g.deadLetterDefault(env.Pattern)
		outcome, ferr := g.fail(msg, md, env.Pattern, kind, err, useDLQ, fields)
		hc.Outcome = outcome
		g.cfg.Hooks.failed(hc, err)
		return outcome, ferr
	}

	g.cfg.Logger.Debug("Event applied", fields)
	g.cfg.Metrics.RecordOutcome(env.Pattern, OutcomeAcked)
	hc.Outcome = OutcomeAcked
	g.cfg.Hooks.done(hc)
	return OutcomeAcked, nil
}

func (g *Guard) eventContext(msg *message.Message, md metadatapkg.Metadata, pattern string) EventContext {
	return EventContext{
		Pattern:     pattern,
		Queue:       g.cfg.Queue,
		MessageUUID: msg.UUID,
		Metadata:    md,
		Context:     msg.Context(),
		StartedAt:   g.cfg.Now(),
		RetryCount:  md.RetryCount(),
	}
}

// invoke runs handler and converts errors and panics into ErrHandlerFailure.
// Payload binding errors stay malformed.
func (g *Guard) invoke(ctx context.Context, handler EventHandler, event Event) (kind FailureKind, err error) {
	defer func() {
		if r := recover(); r != nil {
			kind = FailurePanic
			err = fmt.Errorf("%w: panic: %v", errspkg.ErrHandlerFailure, r)
			g.cfg.Logger.Error("Handler panicked", err, loggingpkg.LogFields{
				"pattern": event.Pattern,
				"stack":   string(debug.Stack()),
			})
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := handler(ctx, event); err != nil {
		if errors.Is(err, errspkg.ErrMalformedEnvelope) {
			return FailureMalformed, err
		}
		if errors.Is(err, errspkg.ErrHandlerFailure) {
			return FailureHandler, err
		}
		return FailureHandler, fmt.Errorf("%w: %w", errspkg.ErrHandlerFailure, err)
	}
	return "", nil
}

func (g *Guard) fail(msg *message.Message, md metadatapkg.Metadata, pattern string, kind FailureKind, cause error, useDLQ bool, fields loggingpkg.LogFields) (Outcome, error) {
	fields = fields.Merge(loggingpkg.LogFields{"failure_kind": string(kind)})

	if !useDLQ {
		g.cfg.Logger.Error("Event failed, dead-letter disabled, dropped", cause, fields)
		g.cfg.Metrics.RecordOutcome(pattern, OutcomeDropped)
		return OutcomeDropped, nil
	}

	ctx := msg.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	routingKey, err := g.cfg.Topology.EnsureDeadLetterQueue(ctx, pattern)
	if err == nil {
		err = g.cfg.Publisher.Publish(routingKey, g.deadLetterCopy(msg, md, pattern, kind, cause))
	}
	if err != nil {
		g.cfg.Logger.Error("Dead-letter publish failed, message returned to queue", err, fields.Merge(loggingpkg.LogFields{
			"cause": cause.Error(),
		}))
		g.cfg.Metrics.RecordDLQPublishFailure(pattern, err)
		g.cfg.Metrics.RecordOutcome(pattern, OutcomeRequeued)
		return OutcomeRequeued, errspkg.BrokerUnavailable("publish dead letter", err)
	}

	g.cfg.Logger.Error("Event dead-lettered", cause, fields.Merge(loggingpkg.LogFields{
		"dead_letter_key": routingKey,
	}))
	g.cfg.Metrics.RecordDeadLetter(pattern, kind, md.RetryCount()+1, cause)
	g.cfg.Metrics.RecordOutcome(pattern, OutcomeDeadLettered)
	return OutcomeDeadLettered, nil
}

// deadLetterCopy returns the original body with failure context headers.
func (g *Guard) deadLetterCopy(msg *message.Message, md metadatapkg.Metadata, pattern string, kind FailureKind, cause error) *message.Message {
	attempts := md.RetryCount() + 1

	headers := md.WithAll(metadatapkg.Metadata{
		metadatapkg.KeyRetryCount:      strconv.Itoa(attempts),
		metadatapkg.KeyAttempts:        strconv.Itoa(attempts),
		metadatapkg.KeyLastError:       cause.Error(),
		metadatapkg.KeyOriginalPattern: pattern,
		metadatapkg.KeyFailureKind:     string(kind),
		metadatapkg.KeyFailedAt:        g.cfg.Now().UTC().Format(time.RFC3339Nano),
		metadatapkg.KeyOriginQueue:     g.cfg.Queue,
	})
	delete(headers, metadatapkg.KeyRoutingKey)

	out := message.NewMessage(msg.UUID, append([]byte(nil), msg.Payload...))
	out.Metadata = metadatapkg.ToWatermill(headers)
	return out
}

func (g *Guard) malformedPattern(md metadatapkg.Metadata) string {
	if key := md[metadatapkg.KeyRoutingKey]; envelope.ValidatePattern(key) == nil {
		return key
	}
	return malformedPattern
}

func (g *Guard) deadLetterDefault(pattern string) bool {
	if g.cfg.DeadLetterEnabled == nil {
		return true
	}
	return g.cfg.DeadLetterEnabled(pattern)
}

// entityLockKey scopes the lock to the entity type so that a company and a
// store sharing an id do not block each other.
func entityLockKey(env envelope.Envelope) string {
	id := env.EntityKey()
	if id == "" {
		return ""
	}
	entity, _ := envelope.Split(env.Pattern)
	return entity + ":" + id
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks is a set of mutexes created on demand and released when unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
