// Package transport defines the core interfaces and types for replicaflow transports.
// Each transport implementation (rabbitmq, memory) lives in its own sub-package
// and registers itself with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines the publisher, subscriber and topology declarer produced by a factory.
// Publisher and Subscriber share a single broker connection when the backend allows it.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Declarer   Declarer
}

// Builder is the function signature for creating a transport from config.
// Each transport package should provide a Builder function that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	GetBrokerURL() string
	GetExchange() string
	GetQueue() string

	// GetPrefetchCount bounds the unacknowledged deliveries per consumer.
	GetPrefetchCount() int

	GetReconnectInitialInterval() time.Duration
	GetReconnectMaxInterval() time.Duration
}

// Declarer asserts broker topology. Every method must be idempotent: declaring
// an existing exchange or queue with identical properties, or repeating a
// binding, succeeds without side effects.
type Declarer interface {
	// DeclareExchange asserts a durable topic exchange.
	DeclareExchange(ctx context.Context, name string) error
	// DeclareQueue asserts a durable, non-exclusive queue.
	DeclareQueue(ctx context.Context, name string) error
	// BindQueue binds queue to exchange under routingKey, which may contain wildcards.
	BindQueue(ctx context.Context, queue, routingKey, exchange string) error
	Close() error
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
