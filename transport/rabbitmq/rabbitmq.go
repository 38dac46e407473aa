// Package rabbitmq provides the RabbitMQ/AMQP transport for replicaflow.
//
// Publishing and consuming go through watermill-amqp on one shared,
// self-reconnecting connection. Topology (the durable topic exchange, queues
// and bindings) is asserted by a separate Declarer speaking amqp091 directly,
// because a replica queue binds several wildcard patterns that the
// watermill topology builder cannot express.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/replicaflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// DeclarerFactory allows overriding the topology declarer creation for testing.
var DeclarerFactory = func(ctx context.Context, cfg DeclarerConfig, logger watermill.LoggerAdapter) (transport.Declarer, error) {
	return NewDeclarer(ctx, cfg, logger)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetBrokerURL()
	if url == "" {
		return transport.Transport{}, errors.New("rabbitmq: broker url is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(PublisherConfig(cfg), logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(SubscriberConfig(cfg), logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	declarer, err := DeclarerFactory(ctx, DeclarerConfig{
		URL:             url,
		InitialInterval: cfg.GetReconnectInitialInterval(),
		MaxInterval:     cfg.GetReconnectMaxInterval(),
	}, logger)
	if err != nil {
		_ = subscriber.Close()
		_ = publisher.Close()
		return transport.Transport{}, fmt.Errorf("rabbitmq: topology connection: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Declarer:   &connectionOwner{Declarer: declarer, conn: conn},
	}, nil
}

// PublisherConfig publishes every message to the configured durable topic
// exchange, using the watermill topic as the routing key. Publisher confirms
// stay off: publishing is fire-and-forget.
func PublisherConfig(cfg transport.Config) amqp.Config {
	exchange := cfg.GetExchange()

	c := amqp.NewDurablePubSubConfig(cfg.GetBrokerURL(), amqp.GenerateQueueNameTopicName)
	c.Exchange.GenerateName = func(string) string { return exchange }
	c.Exchange.Type = "topic"
	c.Exchange.Durable = true
	c.Publish.GenerateRoutingKey = func(topic string) string { return topic }
	c.Publish.ConfirmDelivery = false
	c.Marshaler = HeaderMarshaler{}
	return c
}

// SubscriberConfig consumes from a queue named after the watermill topic. The
// exchange name is empty so the subscriber only asserts the queue; bindings
// belong to the Declarer.
func SubscriberConfig(cfg transport.Config) amqp.Config {
	prefetch := cfg.GetPrefetchCount()
	if prefetch < 1 {
		prefetch = 1
	}

	c := amqp.NewDurablePubSubConfig(cfg.GetBrokerURL(), amqp.GenerateQueueNameTopicName)
	c.Exchange.GenerateName = func(string) string { return "" }
	c.QueueBind.GenerateRoutingKey = func(string) string { return "" }
	c.Consume.Qos.PrefetchCount = prefetch
	c.Consume.NoRequeueOnNack = false
	c.Marshaler = HeaderMarshaler{}
	return c
}

// connectionOwner closes the shared watermill connection after the declarer,
// which the service closes last.
type connectionOwner struct {
	transport.Declarer
	conn *amqp.ConnectionWrapper
}

func (c *connectionOwner) Close() error {
	err := c.Declarer.Close()
	if c.conn != nil {
		err = errors.Join(err, c.conn.Close())
	}
	return err
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
