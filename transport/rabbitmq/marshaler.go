package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/replicaflow/internal/runtime/envelope"
	"github.com/drblury/replicaflow/internal/runtime/ids"
	"github.com/drblury/replicaflow/internal/runtime/metadata"
)

const defaultMessageUUIDHeaderKey = "_watermill_message_uuid"

// HeaderMarshaler adapts watermill messages to the replication wire format.
//
// Outgoing messages carry content type application/json and an integer
// x-retry-count header. Incoming headers of any AMQP type are accepted and
// stored as strings, and the delivery routing key is exposed under
// metadata.KeyRoutingKey.
type HeaderMarshaler struct {
	amqp.DefaultMarshaler
}

func (m HeaderMarshaler) Marshal(msg *message.Message) (amqp091.Publishing, error) {
	publishing, err := m.DefaultMarshaler.Marshal(msg)
	if err != nil {
		return publishing, err
	}

	publishing.ContentType = envelope.ContentType
	if raw, ok := publishing.Headers[metadata.KeyRetryCount].(string); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			publishing.Headers[metadata.KeyRetryCount] = int32(n)
		}
	}
	return publishing, nil
}

func (m HeaderMarshaler) Unmarshal(delivery amqp091.Delivery) (*message.Message, error) {
	headers := make(amqp091.Table, len(delivery.Headers)+1)
	for key, value := range delivery.Headers {
		headers[key] = headerString(value)
	}

	// Publishers outside watermill send no message UUID header.
	uuidKey := m.MessageUUIDHeaderKey
	if uuidKey == "" {
		uuidKey = defaultMessageUUIDHeaderKey
	}
	if id, _ := headers[uuidKey].(string); id == "" {
		if delivery.MessageId != "" {
			headers[uuidKey] = delivery.MessageId
		} else {
			headers[uuidKey] = ids.CreateULID()
		}
	}
	delivery.Headers = headers

	msg, err := m.DefaultMarshaler.Unmarshal(delivery)
	if err != nil {
		return nil, err
	}
	if delivery.RoutingKey != "" {
		msg.Metadata.Set(metadata.KeyRoutingKey, delivery.RoutingKey)
	}
	return msg, nil
}

func headerString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
