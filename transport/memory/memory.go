// Package memory provides an in-process topic exchange for replicaflow.
// It routes like a RabbitMQ topic exchange and is meant for tests and local
// development. Nodes built in the same process share one broker unless
// Factory is overridden.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/replicaflow/internal/runtime/metadata"
	"github.com/drblury/replicaflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

var (
	errBrokerClosed    = errors.New("memory: broker closed")
	errPublisherClosed = errors.New("memory: publisher closed")

	sharedOnce   sync.Once
	sharedBroker *Broker
)

// Factory allows overriding the broker a transport attaches to, for testing.
var Factory = func(logger watermill.LoggerAdapter) *Broker {
	sharedOnce.Do(func() {
		sharedBroker = NewBroker(logger)
	})
	return sharedBroker
}

func init() {
	Register()
}

// Register registers the in-memory transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates a transport attached to the broker returned by Factory.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	broker := Factory(logger)
	return transport.Transport{
		Publisher:  broker.Publisher(cfg.GetExchange()),
		Subscriber: broker.Subscriber(),
		Declarer:   broker.Declarer(),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

type queueBinding struct {
	queue string
	key   string
}

// Broker is an in-process topic exchange. Each queue is a persistent
// gochannel topic, so messages published before a consumer subscribes are
// kept, and a nacked message is redelivered.
type Broker struct {
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter

	mu        sync.RWMutex
	closed    bool
	exchanges map[string]struct{}
	queues    map[string]struct{}
	bindings  map[string][]queueBinding
}

// NewBroker creates an empty broker.
func NewBroker(logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			Persistent:          true,
			OutputChannelBuffer: 64,
		}, logger),
		logger:    logger,
		exchanges: make(map[string]struct{}),
		queues:    make(map[string]struct{}),
		bindings:  make(map[string][]queueBinding),
	}
}

// Publisher returns a publisher that sends to exchange with the watermill topic as routing key.
func (b *Broker) Publisher(exchange string) *Publisher {
	return &Publisher{broker: b, exchange: exchange}
}

// Subscriber returns a subscriber that consumes queues by name.
func (b *Broker) Subscriber() *Subscriber {
	return &Subscriber{broker: b}
}

// Declarer returns a topology declarer for this broker.
func (b *Broker) Declarer() *Declarer {
	return &Declarer{broker: b}
}

// Bindings returns the routing keys bound to queue on exchange, sorted.
func (b *Broker) Bindings(exchange, queue string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []string
	for _, qb := range b.bindings[exchange] {
		if qb.queue == queue {
			keys = append(keys, qb.key)
		}
	}
	slices.Sort(keys)
	return keys
}

// HasQueue reports whether queue has been declared.
func (b *Broker) HasQueue(queue string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.queues[queue]
	return ok
}

// HasExchange reports whether exchange has been declared.
func (b *Broker) HasExchange(exchange string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.exchanges[exchange]
	return ok
}

// Close shuts the broker down; open subscriptions are closed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.pubSub.Close()
}

func (b *Broker) declareExchange(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBrokerClosed
	}
	b.exchanges[name] = struct{}{}
	return nil
}

func (b *Broker) declareQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBrokerClosed
	}
	b.queues[name] = struct{}{}
	return nil
}

func (b *Broker) bind(queue, key, exchange string) error {
	if err := transport.ValidateBindingPattern(key); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBrokerClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("memory: no exchange %q", exchange)
	}
	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("memory: no queue %q", queue)
	}
	qb := queueBinding{queue: queue, key: key}
	if slices.Contains(b.bindings[exchange], qb) {
		return nil
	}
	b.bindings[exchange] = append(b.bindings[exchange], qb)
	return nil
}

// route returns every queue with at least one binding matching routingKey.
func (b *Broker) route(exchange, routingKey string) []string {
	var queues []string
	for _, qb := range b.bindings[exchange] {
		if transport.MatchTopic(qb.key, routingKey) && !slices.Contains(queues, qb.queue) {
			queues = append(queues, qb.queue)
		}
	}
	return queues
}

func (b *Broker) publish(exchange, routingKey string, messages ...*message.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errBrokerClosed
	}
	// Publishing asserts the exchange, as the AMQP publisher does.
	b.exchanges[exchange] = struct{}{}
	queues := b.route(exchange, routingKey)
	b.mu.Unlock()

	if len(queues) == 0 {
		b.logger.Trace("Message unroutable, discarded", watermill.LogFields{
			"exchange":    exchange,
			"routing_key": routingKey,
		})
		return nil
	}

	for _, queue := range queues {
		for _, msg := range messages {
			delivery := msg.Copy()
			delivery.Metadata.Set(metadata.KeyRoutingKey, routingKey)
			if err := b.pubSub.Publish(queue, delivery); err != nil {
				return fmt.Errorf("memory: deliver to %q: %w", queue, err)
			}
		}
	}
	return nil
}

// Publisher publishes to one exchange of a Broker.
type Publisher struct {
	broker   *Broker
	exchange string
	closed   atomic.Bool
}

// Publish routes messages by topic, which is used as the routing key.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	if p.closed.Load() {
		return errPublisherClosed
	}
	return p.broker.publish(p.exchange, topic, messages...)
}

func (p *Publisher) Close() error {
	p.closed.Store(true)
	return nil
}

// Subscriber consumes queues of a Broker.
type Subscriber struct {
	broker *Broker
}

// Subscribe consumes queue, declaring it when absent. The returned channel
// closes when ctx is cancelled or the broker is closed.
func (s *Subscriber) Subscribe(ctx context.Context, queue string) (<-chan *message.Message, error) {
	if err := s.broker.declareQueue(queue); err != nil {
		return nil, err
	}
	return s.broker.pubSub.Subscribe(ctx, queue)
}

func (s *Subscriber) Close() error {
	return nil
}

// Declarer asserts topology on a Broker.
type Declarer struct {
	broker *Broker
}

func (d *Declarer) DeclareExchange(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.broker.declareExchange(name)
}

func (d *Declarer) DeclareQueue(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.broker.declareQueue(name)
}

func (d *Declarer) BindQueue(ctx context.Context, queue, routingKey, exchange string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.broker.bind(queue, routingKey, exchange)
}

func (d *Declarer) Close() error {
	return nil
}
