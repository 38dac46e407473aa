package metadata

import (
	"strconv"
	"strings"
)

// Transport header keys. The publisher sets the first two; only the Guard
// interprets them.
const (
	KeyRetryCount  = "x-retry-count"
	KeyOriginQueue = "origin-queue"

	// Failure context attached to dead-letter copies.
	KeyLastError       = "x-last-error"
	KeyAttempts        = "x-attempts"
	KeyOriginalPattern = "x-original-pattern"
	KeyFailureKind     = "x-failure-kind"
	KeyFailedAt        = "x-failed-at"

	// KeyRoutingKey carries the AMQP routing key of a delivery so a message
	// whose body cannot be decoded can still be attributed to an event type.
	KeyRoutingKey = "x-routing-key"

	KeyCorrelationID = "correlation_id"
)

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// RetryCount parses x-retry-count. Missing, negative or garbled values read
// as zero so a hand-published message never breaks the Guard.
func (m Metadata) RetryCount() int {
	raw := strings.TrimSpace(m[KeyRetryCount])
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WithRetryCount returns a clone with x-retry-count set to n.
func (m Metadata) WithRetryCount(n int) Metadata {
	if n < 0 {
		n = 0
	}
	return m.With(KeyRetryCount, strconv.Itoa(n))
}

// OriginQueue returns the queue that first enqueued the message, if known.
func (m Metadata) OriginQueue() string {
	return m[KeyOriginQueue]
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
