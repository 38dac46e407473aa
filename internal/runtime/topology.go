package runtime

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/replicaflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/replicaflow/internal/runtime/logging"
	"github.com/drblury/replicaflow/transport"
)

// TopologyManager asserts the exchange, the service queue with its bindings
// and the lazily created dead-letter queues. Every declaration is idempotent,
// so it is safe to run on each start.
type TopologyManager struct {
	declarer transport.Declarer
	exchange string
	prefix   string
	logger   loggingpkg.ServiceLogger

	exchangeMu       sync.Mutex
	exchangeAsserted bool

	deadLetters sync.Map // routing key -> struct{}
}

// NewTopologyManager creates a manager that declares on exchange.
// deadLetterPrefix defaults to "dlq.".
func NewTopologyManager(declarer transport.Declarer, exchange, deadLetterPrefix string, logger loggingpkg.ServiceLogger) (*TopologyManager, error) {
	if declarer == nil {
		return nil, errspkg.ErrDeclarerRequired
	}
	if exchange == "" {
		return nil, errspkg.ErrExchangeRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	if deadLetterPrefix == "" {
		deadLetterPrefix = "dlq."
	}
	return &TopologyManager{
		declarer: declarer,
		exchange: exchange,
		prefix:   deadLetterPrefix,
		logger:   logger.With(loggingpkg.LogFields{"component": "topology", "exchange": exchange}),
	}, nil
}

// Exchange returns the name of the managed exchange.
func (t *TopologyManager) Exchange() string {
	return t.exchange
}

// EnsureExchange declares the durable topic exchange. After the first
// success the call is a no-op; the transport re-asserts it after reconnects.
func (t *TopologyManager) EnsureExchange(ctx context.Context) error {
	t.exchangeMu.Lock()
	defer t.exchangeMu.Unlock()

	if t.exchangeAsserted {
		return nil
	}
	if err := t.declarer.DeclareExchange(ctx, t.exchange); err != nil {
		return errspkg.BrokerUnavailable("declare exchange", err)
	}
	t.exchangeAsserted = true
	return nil
}

// SetupSubscriptionQueue declares the exchange and the durable queue, then
// binds queue once per pattern. Duplicate patterns are bound once.
func (t *TopologyManager) SetupSubscriptionQueue(ctx context.Context, queue string, patterns []string) error {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}

	unique := make([]string, 0, len(patterns))
	seen := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		if err := transport.ValidateBindingPattern(p); err != nil {
			return err
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}

	if err := t.EnsureExchange(ctx); err != nil {
		return err
	}
	if err := t.declarer.DeclareQueue(ctx, queue); err != nil {
		return errspkg.BrokerUnavailable("declare queue", err)
	}
	for _, p := range unique {
		if err := t.declarer.BindQueue(ctx, queue, p, t.exchange); err != nil {
			return errspkg.BrokerUnavailable(fmt.Sprintf("bind %s", p), err)
		}
	}

	t.logger.Info("Subscription queue ready", loggingpkg.LogFields{
		"queue":    queue,
		"bindings": unique,
	})
	return nil
}

// DeadLetterRoutingKey returns the dead-letter routing key for pattern.
func (t *TopologyManager) DeadLetterRoutingKey(pattern string) string {
	return t.prefix + pattern
}

// EnsureDeadLetterQueue declares the durable queue dlq.<pattern>, bound
// under the same routing key, and returns that key. Queues are created on
// first use and cached.
func (t *TopologyManager) EnsureDeadLetterQueue(ctx context.Context, pattern string) (string, error) {
	key := t.DeadLetterRoutingKey(pattern)
	if _, ok := t.deadLetters.Load(key); ok {
		return key, nil
	}

	if err := t.EnsureExchange(ctx); err != nil {
		return "", err
	}
	if err := t.declarer.DeclareQueue(ctx, key); err != nil {
		return "", errspkg.BrokerUnavailable("declare dead-letter queue", err)
	}
	if err := t.declarer.BindQueue(ctx, key, key, t.exchange); err != nil {
		return "", errspkg.BrokerUnavailable("bind dead-letter queue", err)
	}

	if _, loaded := t.deadLetters.LoadOrStore(key, struct{}{}); !loaded {
		t.logger.Info("Dead-letter queue declared", loggingpkg.LogFields{"queue": key})
	}
	return key, nil
}
