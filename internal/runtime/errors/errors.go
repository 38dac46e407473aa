package errors

import (
	sterrors "errors"
	"fmt"
)

// Replication error taxonomy. Guard decisions branch on these with errors.Is.
var (
	// ErrMalformedEnvelope marks a message body that cannot be decoded. It is
	// permanent and never retried in place.
	ErrMalformedEnvelope = sterrors.New("replicaflow: malformed envelope")
	// ErrBrokerUnavailable wraps connection and channel failures on publish or
	// topology setup.
	ErrBrokerUnavailable = sterrors.New("replicaflow: broker unavailable")
	// ErrHandlerFailure wraps errors and panics raised by a replica handler.
	ErrHandlerFailure = sterrors.New("replicaflow: handler failure")
	// ErrUnroutableEvent marks a decoded event with no local handler. It is
	// acknowledged and ignored.
	ErrUnroutableEvent = sterrors.New("replicaflow: no handler registered for pattern")
)

var (
	ErrServiceRequired      = sterrors.New("replicaflow: replication service is required")
	ErrHandlerRequired      = sterrors.New("replicaflow: handler function is required")
	ErrPatternRequired      = sterrors.New("replicaflow: event pattern is required")
	ErrInvalidPattern       = sterrors.New("replicaflow: invalid event pattern")
	ErrDuplicateRoute       = sterrors.New("replicaflow: handler already registered for pattern")
	ErrPublisherRequired    = sterrors.New("replicaflow: publisher is required")
	ErrQueueRequired        = sterrors.New("replicaflow: queue name is required")
	ErrExchangeRequired     = sterrors.New("replicaflow: exchange name is required")
	ErrBrokerURLRequired    = sterrors.New("replicaflow: broker URL is required")
	ErrDeclarerRequired     = sterrors.New("replicaflow: topology declarer is required")
	ErrConfigRequired       = sterrors.New("replicaflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("replicaflow: logger is required")
	ErrEventPayloadRequired = sterrors.New("replicaflow: event payload is required")
)

// ConfigValidationError reports an invalid configuration at service start.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("replicaflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// BrokerUnavailable wraps cause so it matches ErrBrokerUnavailable while
// keeping the underlying broker error reachable.
func BrokerUnavailable(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrBrokerUnavailable, op, cause)
}
