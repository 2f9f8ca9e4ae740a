// Package memory provides an in-process job queue for local development and
// tests. It mirrors broker semantics closely enough to exercise the worker:
// deliveries need an explicit ack and unacknowledged messages return to the
// queue when the consumer stops.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/serial-crawler/internal/fiction"
	"github.com/JakeFAU/serial-crawler/internal/queue"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue closed")

type message struct {
	id   string
	body []byte
}

// Queue is an unbounded in-memory queue with manual acknowledgement.
type Queue struct {
	mu       sync.Mutex
	ready    []message
	inflight map[string]message
	acked    int
	closed   bool
	notify   chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		inflight: make(map[string]message),
		notify:   make(chan struct{}, 1),
	}
}

// Publish encodes the job and appends it. Confirmation is immediate.
func (q *Queue) Publish(ctx context.Context, job fiction.FetchJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := queue.Encode(job)
	if err != nil {
		return err
	}
	return q.PublishRaw(body)
}

// PublishRaw appends an arbitrary body, bypassing the codec.
func (q *Queue) PublishRaw(body []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.ready = append(q.ready, message{id: uuid.NewString(), body: body})
	q.mu.Unlock()
	q.signal()
	return nil
}

// Receive hands messages to handler one at a time until ctx ends or the queue
// is closed. Messages the handler did not ack are requeued on return.
func (q *Queue) Receive(ctx context.Context, handler fiction.DeliveryHandler) error {
	defer q.requeueInflight()
	for {
		msg, ok, err := q.next()
		if err != nil {
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
				continue
			}
		}
		handler(ctx, &delivery{queue: q, msg: msg})
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close stops further publishing and ends any Receive loop.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	return nil
}

// Len reports messages waiting for delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Acked reports how many deliveries have been acknowledged.
func (q *Queue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

// Bodies returns copies of the waiting message bodies in delivery order.
func (q *Queue) Bodies() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, append([]byte(nil), m.body...))
	}
	return out
}

func (q *Queue) next() (message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		if q.closed {
			return message{}, false, ErrClosed
		}
		return message{}, false, nil
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	q.inflight[msg.id] = msg
	return msg, true, nil
}

func (q *Queue) ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; !ok {
		return errors.New("delivery already acknowledged")
	}
	delete(q.inflight, id)
	q.acked++
	return nil
}

func (q *Queue) requeueInflight() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inflight) == 0 {
		return
	}
	back := make([]message, 0, len(q.inflight)+len(q.ready))
	for _, m := range q.inflight {
		back = append(back, m)
	}
	q.ready = append(back, q.ready...)
	q.inflight = make(map[string]message)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type delivery struct {
	queue *Queue
	msg   message
}

func (d *delivery) ID() string   { return d.msg.id }
func (d *delivery) Body() []byte { return d.msg.body }
func (d *delivery) Ack() error   { return d.queue.ack(d.msg.id) }
