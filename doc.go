// Package replicaflow keeps master-data replicas (owners, companies, stores,
// employees) eventually consistent across independently deployed services.
// It is a small layer on top of Watermill: each service publishes JSON
// envelopes ({"pattern": "company.created", "data": {...}}) to a shared durable
// topic exchange and consumes one durable queue bound to the patterns it
// replicates.
//
// Service reads the broker settings from Config, declares the exchange, the
// node queue and its bindings, and runs a single consumer behind the
// consumption guard. Handlers are registered per pattern with
// RegisterEventHandler or RegisterJSONHandler; wildcards such as "company.*"
// are allowed and exact patterns win over them. Service.PublishEntityChange
// lets command handlers emit an event after their local write has committed.
// A minimal setup fills Config, creates a Service, registers handlers and
// calls Start.
//
// # Delivery
//
// Delivery is at-least-once. A handler that succeeds acknowledges the event.
// A handler that fails or panics, or a body that cannot be decoded, is copied
// once to a durable dlq.<pattern> queue with x-retry-count, x-last-error and
// x-original-pattern headers and the original is acknowledged, so one bad
// event never blocks the queue. Only a failed dead-letter publish returns the
// event to the broker. Events nobody handles are acknowledged and logged.
// Handlers must therefore be idempotent; package replica provides appliers
// over a SQL store that are.
//
// # Transports
//
//   - rabbitmq: AMQP 0-9-1 through watermill-amqp, with a topology
//     connection that re-declares everything after a reconnect
//   - memory: in-process topic exchange for tests and local development
//
// # Middleware
//
// The default chain adds correlation IDs, debug payload logging,
// OpenTelemetry tracing, Prometheus metrics and panic recovery around the
// guard. Custom middleware is added via
// ServiceDependencies.Middlewares, and EventHooks observe every outcome.
package replicaflow
