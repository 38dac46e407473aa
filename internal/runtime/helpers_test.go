package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/replicaflow/internal/runtime/config"
	"github.com/drblury/replicaflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/replicaflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/replicaflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/replicaflow/internal/runtime/transport"
	"github.com/drblury/replicaflow/transport/memory"
)

const testQueue = "store-replica"

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type publishedMessage struct {
	topic string
	msg   *message.Message
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
	closed    bool
}

func (p *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.published = append(p.published, publishedMessage{topic: topic, msg: msg})
	}
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) Messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]publishedMessage, len(p.published))
	copy(clone, p.published)
	return clone
}

type testSubscriber struct {
	err    error
	closed bool
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error {
	s.closed = true
	return nil
}

type declaredBinding struct {
	queue, key, exchange string
}

// recordingDeclarer keeps topology the way a broker would: declarations and
// bindings are sets.
type recordingDeclarer struct {
	mu        sync.Mutex
	exchanges []string
	queues    []string
	bindings  []declaredBinding
	calls     int
	err       error
	closed    bool
}

func (d *recordingDeclarer) DeclareExchange(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return d.err
	}
	d.exchanges = appendIfMissing(d.exchanges, name)
	return nil
}

func (d *recordingDeclarer) DeclareQueue(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return d.err
	}
	d.queues = appendIfMissing(d.queues, name)
	return nil
}

func (d *recordingDeclarer) BindQueue(ctx context.Context, queue, key, exchange string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return d.err
	}
	b := declaredBinding{queue: queue, key: key, exchange: exchange}
	for _, existing := range d.bindings {
		if existing == b {
			return nil
		}
	}
	d.bindings = append(d.bindings, b)
	return nil
}

func (d *recordingDeclarer) Close() error {
	d.closed = true
	return nil
}

func (d *recordingDeclarer) Bindings(queue string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var keys []string
	for _, b := range d.bindings {
		if b.queue == queue {
			keys = append(keys, b.key)
		}
	}
	return keys
}

func appendIfMissing(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

type staticTransportFactory struct {
	transport transportpkg.Transport
	err       error
}

func (f staticTransportFactory) Build(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
	return f.transport, f.err
}

// memoryTransportFactory attaches every service built from it to one broker.
type memoryTransportFactory struct {
	broker *memory.Broker
}

func (f memoryTransportFactory) Build(_ context.Context, conf *configpkg.Config, _ watermill.LoggerAdapter) (transportpkg.Transport, error) {
	return transportpkg.Transport{
		Publisher:  f.broker.Publisher(conf.Exchange),
		Subscriber: f.broker.Subscriber(),
		Declarer:   f.broker.Declarer(),
	}, nil
}

func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:    "memory",
		Exchange:        "master-data",
		Queue:           testQueue,
		BindingPatterns: []string{"company.*", "store.*"},
	}
}

type testServiceParts struct {
	publisher  *recordingPublisher
	subscriber *testSubscriber
	declarer   *recordingDeclarer
}

func newTestService(t *testing.T) (*Service, testServiceParts) {
	t.Helper()
	return newTestServiceWithConfig(t, newTestConfig())
}

func newTestServiceWithConfig(t *testing.T, conf *configpkg.Config) (*Service, testServiceParts) {
	t.Helper()
	parts := testServiceParts{
		publisher:  &recordingPublisher{},
		subscriber: &testSubscriber{},
		declarer:   &recordingDeclarer{},
	}
	svc, err := TryNewService(conf, newTestLogger(), context.Background(), ServiceDependencies{
		TransportFactory: staticTransportFactory{transport: transportpkg.Transport{
			Publisher:  parts.publisher,
			Subscriber: parts.subscriber,
			Declarer:   parts.declarer,
		}},
		MetricsRegisterer:    prometheus.NewRegistry(),
		DisableSignalHandler: true,
	})
	if err != nil {
		t.Fatalf("TryNewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc, parts
}

// newDelivery builds an inbound message as the transport would hand it over.
func newDelivery(t *testing.T, pattern string, payload any, md metadatapkg.Metadata) *message.Message {
	t.Helper()
	body, err := envelope.Encode(pattern, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg := message.NewMessage(watermill.NewULID(), body)
	msg.Metadata = metadatapkg.ToWatermill(md.With(metadatapkg.KeyRoutingKey, pattern))
	return msg
}

func testTransport() transportpkg.Transport {
	return transportpkg.Transport{
		Publisher:  &recordingPublisher{},
		Subscriber: &testSubscriber{},
		Declarer:   &recordingDeclarer{},
	}
}
