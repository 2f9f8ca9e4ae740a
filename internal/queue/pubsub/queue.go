// Package pubsub implements the job queue on Google Cloud Pub/Sub. The
// exchange maps to a topic and the queue to a subscription filtered on the
// routing key attribute.
package pubsub

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
	"github.com/JakeFAU/serial-crawler/internal/queue"
)

const (
	routingKeyAttr  = "routing_key"
	contentTypeAttr = "content_type"
	ackDeadline     = 60 * time.Second
)

// Queue wraps a Pub/Sub topic and subscription pair.
type Queue struct {
	client     *pubsub.Client
	topic      *pubsub.Topic
	sub        *pubsub.Subscription
	routingKey string
	ownsClient bool
	logger     *zap.Logger
}

// Options configures Queue construction.
type Options struct {
	Topology queue.Config
	// OwnsClient closes the client on Close when true.
	OwnsClient bool
	Logger     *zap.Logger
}

// New ensures the topic and subscription exist and returns a queue bound to them.
func New(ctx context.Context, client *pubsub.Client, opts Options) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	topology := opts.Topology.WithDefaults()

	topic := client.Topic(topology.Exchange)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", topology.Exchange, err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topology.Exchange); err != nil {
			return nil, fmt.Errorf("create topic %q: %w", topology.Exchange, err)
		}
	}

	sub := client.Subscription(topology.Queue)
	exists, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %q: %w", topology.Queue, err)
	}
	if !exists {
		sub, err = client.CreateSubscription(ctx, topology.Queue, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: ackDeadline,
			Filter:      fmt.Sprintf("attributes.%s = %q", routingKeyAttr, topology.RoutingKey),
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription %q: %w", topology.Queue, err)
		}
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.NumGoroutines = 1

	return &Queue{
		client:     client,
		topic:      topic,
		sub:        sub,
		routingKey: topology.RoutingKey,
		ownsClient: opts.OwnsClient,
		logger:     logger.Named("pubsub_queue"),
	}, nil
}

// Dial creates a client for projectID and wraps it in a Queue that owns it.
func Dial(ctx context.Context, projectID string, topology queue.Config, logger *zap.Logger) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	q, err := New(ctx, client, Options{Topology: topology, OwnsClient: true, Logger: logger})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

// Publish sends the job and waits for the server to confirm it.
func (q *Queue) Publish(ctx context.Context, job fiction.FetchJob) error {
	body, err := queue.Encode(job)
	if err != nil {
		return err
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			routingKeyAttr:  q.routingKey,
			contentTypeAttr: queue.ContentType,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Receive streams messages to handler, one at a time, until ctx ends.
func (q *Queue) Receive(ctx context.Context, handler fiction.DeliveryHandler) error {
	err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if key := msg.Attributes[routingKeyAttr]; key != q.routingKey {
			q.logger.Warn("Dropping message with foreign routing key",
				zap.String("message_id", msg.ID), zap.String("routing_key", key))
			msg.Ack()
			return
		}
		handler(ctx, &delivery{msg: msg})
	})
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// Close flushes pending publishes and releases the client when owned.
func (q *Queue) Close() error {
	q.topic.Stop()
	if !q.ownsClient {
		return nil
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

type delivery struct {
	msg *pubsub.Message
}

func (d *delivery) ID() string   { return d.msg.ID }
func (d *delivery) Body() []byte { return d.msg.Data }

func (d *delivery) Ack() error {
	d.msg.Ack()
	return nil
}
