// Package amqp implements the job queue on RabbitMQ: a durable direct exchange,
// a durable queue bound by routing key, publisher confirms, persistent delivery
// and manual acknowledgement with a prefetch of one.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
	"github.com/JakeFAU/serial-crawler/internal/queue"
)

// ErrNacked is returned when the broker refuses a published message.
var ErrNacked = errors.New("broker rejected message")

// Channel is the subset of *amqp.Channel the queue needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	GetNextPublishSeqNo() uint64
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// confirmBuffer holds late confirmations for publishes that gave up waiting.
const confirmBuffer = 16

// Queue publishes and consumes fetch jobs over one AMQP channel.
type Queue struct {
	ch       Channel
	conn     io.Closer
	topology queue.Config
	confirms chan amqp.Confirmation
	consumer string
	logger   *zap.Logger

	publishMu sync.Mutex
}

// Options configures a Queue.
type Options struct {
	Topology queue.Config
	// Consumer tags the consume subscription; empty lets the broker pick.
	Consumer string
	Logger   *zap.Logger
}

// Dial connects to url, opens a channel and declares the topology.
func Dial(url string, opts Options) (*Queue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := New(ch, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

// New declares the exchange, queue and binding on ch and enables publisher
// confirms.
func New(ch Channel, opts Options) (*Queue, error) {
	if ch == nil {
		return nil, fmt.Errorf("amqp channel is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := opts.Topology.WithDefaults()

	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", t.Exchange, err)
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %q: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %q: %w", t.Queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))

	return &Queue{
		ch:       ch,
		topology: t,
		confirms: confirms,
		consumer: opts.Consumer,
		logger:   logger.Named("amqp_queue"),
	}, nil
}

// Publish sends the job as a persistent message and waits for the broker's
// confirmation of that message. Publishes are serialized; confirmations for
// earlier publishes that stopped waiting are discarded by delivery tag.
func (q *Queue) Publish(ctx context.Context, job fiction.FetchJob) error {
	body, err := queue.Encode(job)
	if err != nil {
		return err
	}
	q.publishMu.Lock()
	defer q.publishMu.Unlock()

	tag := q.ch.GetNextPublishSeqNo()
	err = q.ch.PublishWithContext(ctx, q.topology.Exchange, q.topology.RoutingKey, false, false, amqp.Publishing{
		ContentType:  queue.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("await confirm: %w", ctx.Err())
		case c, ok := <-q.confirms:
			if !ok {
				return fmt.Errorf("await confirm: channel closed")
			}
			if c.DeliveryTag < tag {
				q.logger.Debug("Discarding stale confirmation",
					zap.Uint64("delivery_tag", c.DeliveryTag), zap.Bool("ack", c.Ack))
				continue
			}
			if c.DeliveryTag != tag {
				return fmt.Errorf("await confirm: got delivery tag %d, want %d", c.DeliveryTag, tag)
			}
			if !c.Ack {
				return fmt.Errorf("delivery tag %d: %w", c.DeliveryTag, ErrNacked)
			}
			return nil
		}
	}
}

// Receive consumes with a prefetch of one and manual acks until ctx ends or
// the delivery channel closes.
func (q *Queue) Receive(ctx context.Context, handler fiction.DeliveryHandler) error {
	if err := q.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := q.ch.Consume(q.topology.Queue, q.consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", q.topology.Queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			handler(ctx, &delivery{d: d})
		}
	}
}

// Close closes the channel and, when dialled, the connection.
func (q *Queue) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		if cerr := q.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("close amqp: %w", err)
	}
	return nil
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) ID() string {
	if d.d.MessageId != "" {
		return d.d.MessageId
	}
	return strconv.FormatUint(d.d.DeliveryTag, 10)
}

func (d *delivery) Body() []byte { return d.d.Body }

func (d *delivery) Ack() error {
	if err := d.d.Ack(false); err != nil {
		return fmt.Errorf("ack delivery %d: %w", d.d.DeliveryTag, err)
	}
	return nil
}
