package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/cenkalti/backoff/v5"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

var errDeclarerClosed = errors.New("rabbitmq: declarer closed")

// Channel is the subset of *amqp091.Channel the declarer uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Close() error
}

// Connection is the subset of *amqp091.Connection the declarer uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

// DialFactory allows overriding the AMQP dial for testing.
var DialFactory = func(brokerURL string) (Connection, error) {
	conn, err := amqp091.Dial(brokerURL)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp091.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	return c.conn.NotifyClose(receiver)
}

func (c amqpConnection) Close() error {
	return c.conn.Close()
}

// DeclarerConfig configures the topology connection.
type DeclarerConfig struct {
	URL             string
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type binding struct {
	queue, key, exchange string
}

// Declarer asserts durable topic exchanges, durable queues and bindings.
//
// Everything it has successfully declared is remembered. When the connection
// drops, the declarer redials with exponential backoff and asserts the whole
// set again before accepting new work, so queues and dead-letter queues
// survive a broker restart.
type Declarer struct {
	cfg    DeclarerConfig
	logger watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      Connection
	ch        Channel
	closed    bool
	exchanges []string
	queues    []string
	bindings  []binding
}

// NewDeclarer dials the broker and starts watching the connection.
func NewDeclarer(ctx context.Context, cfg DeclarerConfig, logger watermill.LoggerAdapter) (*Declarer, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d := &Declarer{
		cfg:    cfg,
		logger: logger.With(watermill.LogFields{"component": "amqp_declarer"}),
		ctx:    runCtx,
		cancel: cancel,
	}

	d.mu.Lock()
	err := d.connectLocked()
	d.mu.Unlock()
	if err != nil {
		cancel()
		return nil, err
	}
	return d, nil
}

// DeclareExchange asserts a durable topic exchange.
func (d *Declarer) DeclareExchange(ctx context.Context, name string) error {
	return d.do(ctx, func(ch Channel) error {
		if err := declareExchange(ch, name); err != nil {
			return fmt.Errorf("declare exchange %q: %w", name, err)
		}
		d.exchanges = appendUnique(d.exchanges, name)
		return nil
	})
}

// DeclareQueue asserts a durable, non-exclusive, non-auto-delete queue.
func (d *Declarer) DeclareQueue(ctx context.Context, name string) error {
	return d.do(ctx, func(ch Channel) error {
		if err := declareQueue(ch, name); err != nil {
			return fmt.Errorf("declare queue %q: %w", name, err)
		}
		d.queues = appendUnique(d.queues, name)
		return nil
	})
}

// BindQueue binds queue to exchange under routingKey.
func (d *Declarer) BindQueue(ctx context.Context, queue, routingKey, exchange string) error {
	return d.do(ctx, func(ch Channel) error {
		if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %q to %q with %q: %w", queue, exchange, routingKey, err)
		}
		b := binding{queue: queue, key: routingKey, exchange: exchange}
		for _, existing := range d.bindings {
			if existing == b {
				return nil
			}
		}
		d.bindings = append(d.bindings, b)
		return nil
	})
}

// Close stops the reconnect watcher and closes the topology connection.
func (d *Declarer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.cancel()
	err := d.dropLocked()
	d.mu.Unlock()

	d.wg.Wait()
	return err
}

func (d *Declarer) do(ctx context.Context, op func(Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errDeclarerClosed
	}
	if err := d.ensureChannelLocked(); err != nil {
		return err
	}
	if err := op(d.ch); err != nil {
		// A failed declaration closes the AMQP channel server-side.
		_ = d.ch.Close()
		d.ch = nil
		return err
	}
	return nil
}

func (d *Declarer) ensureChannelLocked() error {
	if d.conn == nil {
		return d.connectLocked()
	}
	if d.ch != nil {
		return nil
	}
	ch, err := d.conn.Channel()
	if err != nil {
		_ = d.dropLocked()
		return fmt.Errorf("open channel: %w", err)
	}
	d.ch = ch
	return nil
}

func (d *Declarer) connectLocked() error {
	conn, err := DialFactory(d.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	d.conn, d.ch = conn, ch
	notify := conn.NotifyClose(make(chan *amqp091.Error, 1))
	d.wg.Add(1)
	go d.watch(conn, notify)
	return nil
}

func (d *Declarer) dropLocked() error {
	var err error
	if d.ch != nil {
		err = d.ch.Close()
		d.ch = nil
	}
	if d.conn != nil {
		err = errors.Join(err, d.conn.Close())
		d.conn = nil
	}
	return err
}

func (d *Declarer) watch(conn Connection, notify chan *amqp091.Error) {
	defer d.wg.Done()

	var cause error
	select {
	case <-d.ctx.Done():
		return
	case amqpErr, ok := <-notify:
		if ok && amqpErr != nil {
			cause = amqpErr
		} else {
			cause = errors.New("connection closed")
		}
	}

	d.mu.Lock()
	stale := d.closed || d.conn != conn
	if !stale {
		_ = d.dropLocked()
	}
	d.mu.Unlock()
	if stale {
		return
	}

	d.logger.Error("Topology connection lost, reconnecting", cause, nil)
	d.reconnect()
}

func (d *Declarer) reconnect() {
	b := backoff.NewExponentialBackOff()
	if d.cfg.InitialInterval > 0 {
		b.InitialInterval = d.cfg.InitialInterval
	}
	if d.cfg.MaxInterval > 0 {
		b.MaxInterval = d.cfg.MaxInterval
	}

	_, err := backoff.Retry(d.ctx, func() (struct{}, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.closed {
			return struct{}{}, backoff.Permanent(errDeclarerClosed)
		}
		if err := d.ensureChannelLocked(); err != nil {
			return struct{}{}, err
		}
		if err := d.redeclareLocked(); err != nil {
			_ = d.dropLocked()
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Info("Topology reconnect attempt failed", watermill.LogFields{
				"error":      err.Error(),
				"retry_in":   next.String(),
				"broker_url": redactedURL(d.cfg.URL),
			})
		}),
	)
	if err != nil {
		if !errors.Is(err, errDeclarerClosed) && d.ctx.Err() == nil {
			d.logger.Error("Topology reconnect abandoned", err, nil)
		}
		return
	}

	d.mu.Lock()
	fields := watermill.LogFields{
		"exchanges": len(d.exchanges),
		"queues":    len(d.queues),
		"bindings":  len(d.bindings),
	}
	d.mu.Unlock()
	d.logger.Info("Topology re-declared after reconnect", fields)
}

func (d *Declarer) redeclareLocked() error {
	for _, name := range d.exchanges {
		if err := declareExchange(d.ch, name); err != nil {
			return fmt.Errorf("redeclare exchange %q: %w", name, err)
		}
	}
	for _, name := range d.queues {
		if err := declareQueue(d.ch, name); err != nil {
			return fmt.Errorf("redeclare queue %q: %w", name, err)
		}
	}
	for _, b := range d.bindings {
		if err := d.ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("rebind queue %q with %q: %w", b.queue, b.key, err)
		}
	}
	return nil
}

func declareExchange(ch Channel, name string) error {
	return ch.ExchangeDeclare(name, amqp091.ExchangeTopic, true, false, false, false, nil)
}

func declareQueue(ch Channel, name string) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func redactedURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}
