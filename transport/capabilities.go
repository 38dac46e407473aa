package transport

// Capabilities describes the features supported by a transport backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// SupportsWildcardBindings indicates queues can bind with `*` and `#` routing-key patterns.
	SupportsWildcardBindings bool

	// SupportsNativeDLQ indicates the transport has built-in dead letter exchanges.
	// When false, replicaflow routes failed events to dlq.<pattern> itself.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates the transport delivers a queue's messages in publish order.
	SupportsOrdering bool

	// SupportsHeaders indicates message metadata survives the round trip as broker headers.
	SupportsHeaders bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsReconnect indicates the transport recovers from connection loss on its own.
	SupportsReconnect bool

	// Durable indicates queued messages survive a broker restart.
	Durable bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string

	// Version is the transport/driver version.
	Version string
}

// RequiresDLQEmulation returns true if the transport needs application-level
// DLQ routing because it doesn't support native dead letter queues.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// RabbitMQCapabilities for RabbitMQ/AMQP 0-9-1.
	RabbitMQCapabilities = Capabilities{
		Name:                     "rabbitmq",
		SupportsWildcardBindings: true,
		SupportsNativeDLQ:        false,
		SupportsOrdering:         true,
		SupportsHeaders:          true,
		SupportsAck:              true,
		SupportsNack:             true,
		SupportsReconnect:        true,
		Durable:                  true,
		MaxMessageSize:           134217728, // rabbitmq default max_message_size, 128MB
	}

	// MemoryCapabilities for the in-process topic exchange.
	MemoryCapabilities = Capabilities{
		Name:                     "memory",
		SupportsWildcardBindings: true,
		SupportsNativeDLQ:        false,
		SupportsOrdering:         true,
		SupportsHeaders:          true,
		SupportsAck:              true,
		SupportsNack:             true,
		SupportsReconnect:        false,
		Durable:                  false,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
