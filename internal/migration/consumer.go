package migration

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dltrh/devision-auth/pkg/models"
)

// Delivery is one received partition-change event with explicit settlement.
// Ack commits the event; Nack returns it to the queue for redelivery.
type Delivery struct {
	Event models.PartitionChangeEvent
	Ack   func()
	Nack  func()
}

// Queue is the durable at-least-once transport the orchestrator consumes
// from. The saga and idempotency design do not depend on the concrete
// broker; anything that redelivers unacknowledged events satisfies it.
type Queue interface {
	Publish(ctx context.Context, event models.PartitionChangeEvent) error
	Deliveries() <-chan Delivery
	Close() error
}

// MemoryQueue is a channel-backed Queue with redelivery on Nack. It stands
// in for an external broker in single-process deployments and tests.
type MemoryQueue struct {
	ch     chan models.PartitionChangeEvent
	done   chan struct{}
	out    chan Delivery
	closed bool
}

// NewMemoryQueue creates a memory queue with the given buffer size
func NewMemoryQueue(size int) *MemoryQueue {
	q := &MemoryQueue{
		ch:   make(chan models.PartitionChangeEvent, size),
		done: make(chan struct{}),
		out:  make(chan Delivery),
	}

	go q.pump()

	return q
}

// ErrQueueClosed is returned by Publish after Close
var ErrQueueClosed = errors.New("queue closed")

// Publish enqueues an event for delivery
func (q *MemoryQueue) Publish(ctx context.Context, event models.PartitionChangeEvent) error {
	select {
	case q.ch <- event:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliveries returns the delivery channel
func (q *MemoryQueue) Deliveries() <-chan Delivery {
	return q.out
}

// Close stops delivery. Buffered events are dropped; a durable broker
// would retain them instead.
func (q *MemoryQueue) Close() error {
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

func (q *MemoryQueue) pump() {
	for {
		select {
		case event := <-q.ch:
			delivery := Delivery{
				Event: event,
				Ack:   func() {},
				Nack: func() {
					// Redeliver. Non-blocking so a full queue cannot
					// deadlock the consumer settling the delivery.
					select {
					case q.ch <- event:
					default:
						log.Error().
							Str("tenant_id", event.TenantID).
							Msg("Queue full, nacked event dropped")
					}
				},
			}

			select {
			case q.out <- delivery:
			case <-q.done:
				return
			}
		case <-q.done:
			return
		}
	}
}

// Consumer drains a queue into the orchestrator. An event is acknowledged
// only after the orchestrator fully handled it (migrated, duplicate, or
// stale); failures are nacked for redelivery.
type Consumer struct {
	queue        Queue
	orchestrator *Orchestrator
}

// NewConsumer creates a consumer
func NewConsumer(queue Queue, orchestrator *Orchestrator) *Consumer {
	return &Consumer{queue: queue, orchestrator: orchestrator}
}

// Run consumes deliveries until the context is canceled or the queue
// closes. Blocking; callers run it in its own goroutine.
func (c *Consumer) Run(ctx context.Context) {
	log.Info().Msg("Migration consumer started")

	for {
		select {
		case delivery, ok := <-c.queue.Deliveries():
			if !ok {
				log.Info().Msg("Migration queue closed, consumer stopping")
				return
			}

			if err := c.orchestrator.Handle(ctx, delivery.Event); err != nil {
				log.Error().
					Err(err).
					Str("tenant_id", delivery.Event.TenantID).
					Msg("Migration event failed, requeueing")
				delivery.Nack()
				continue
			}
			delivery.Ack()
		case <-ctx.Done():
			log.Info().Msg("Migration consumer stopping")
			return
		}
	}
}
