package runtime

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/replicaflow/internal/runtime/config"
	"github.com/drblury/replicaflow/internal/runtime/envelope"
	errspkg "github.com/drblury/replicaflow/internal/runtime/errors"
	idspkg "github.com/drblury/replicaflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/replicaflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/replicaflow/internal/runtime/metadata"
)

// Producer emits replication events onto the exchange.
type Producer interface {
	Publish(ctx context.Context, pattern string, payload any) error
}

// ChangeKind is the action suffix of an entity event pattern.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// EntityPattern builds "<entity>.<kind>", for example "store.updated".
func EntityPattern(entity string, kind ChangeKind) string {
	return entity + "." + string(kind)
}

// EventData is the conventional payload of an entity event: the entity
// snapshot plus the id of the acting user.
type EventData struct {
	Data any    `json:"data"`
	User string `json:"user,omitempty"`
}

// NewEventMessage encodes the envelope into a Watermill message carrying
// x-retry-count 0 and origin-queue. Extra metadata is copied first, so the
// replication headers always win.
func NewEventMessage(pattern string, payload any, originQueue string, extra metadatapkg.Metadata) (*message.Message, error) {
	body, err := envelope.Encode(pattern, payload)
	if err != nil {
		return nil, err
	}

	md := extra.WithAll(metadatapkg.Metadata{
		metadatapkg.KeyRetryCount:  "0",
		metadatapkg.KeyOriginQueue: originQueue,
	})
	if md[metadatapkg.KeyCorrelationID] == "" {
		md[metadatapkg.KeyCorrelationID] = idspkg.CreateULID()
	}

	msg := message.NewMessage(idspkg.CreateULID(), body)
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg, nil
}

// PublishEvent encodes payload and publishes it with pattern as routing key.
// Broker errors are wrapped in ErrBrokerUnavailable.
func PublishEvent(ctx context.Context, publisher message.Publisher, pattern string, payload any, originQueue string) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}

	msg, err := NewEventMessage(pattern, payload, originQueue, nil)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}

	if err := publisher.Publish(pattern, msg); err != nil {
		return errspkg.BrokerUnavailable("publish "+pattern, err)
	}
	return nil
}

// Publish sends one event on the shared connection. The exchange is asserted
// on first use. The call returns once the broker accepted the message for
// routing, or fails with ErrBrokerUnavailable after PublishTimeout.
func (s *Service) Publish(ctx context.Context, pattern string, payload any) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := envelope.ValidatePattern(pattern); err != nil {
		return err
	}

	timeout := s.Conf.PublishTimeout
	if timeout <= 0 {
		timeout = configpkg.DefaultPublishTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Asserting the exchange may dial the broker, so it shares the deadline.
	done := make(chan error, 1)
	go func() {
		if err := s.topology.EnsureExchange(ctx); err != nil {
			done <- err
			return
		}
		done <- PublishEvent(ctx, s.publisher, pattern, payload, s.queue())
	}()

	select {
	case err := <-done:
		if err != nil {
			s.Logger.Error("Failed to publish event", err, loggingpkg.LogFields{"pattern": pattern})
			return err
		}
		s.Logger.Debug("Event published", loggingpkg.LogFields{"pattern": pattern})
		return nil
	case <-ctx.Done():
		err := errspkg.BrokerUnavailable("publish "+pattern, ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.Logger.Error("Publish timed out", err, loggingpkg.LogFields{
				"pattern": pattern,
				"timeout": timeout.String(),
			})
		}
		return err
	}
}

// PublishEntityChange publishes {data, user} under "<entity>.<kind>". Call it
// only after the local write has committed.
func (s *Service) PublishEntityChange(ctx context.Context, entity string, kind ChangeKind, data any, user string) error {
	if data == nil {
		return errspkg.ErrEventPayloadRequired
	}
	return s.Publish(ctx, EntityPattern(entity, kind), EventData{Data: data, User: user})
}
