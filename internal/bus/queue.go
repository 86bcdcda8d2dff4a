// Package bus implements the in-process messaging fabric: a bounded FIFO
// queue for single-producer pipelines and a lossy broadcast channel for
// fan-out to independent consumers.
package bus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/fd1az/price-indexer/internal/bus"

// Queue is a bounded FIFO channel from one producer to one consumer.
// Send blocks when the queue is full: inside a single source the reader
// must not drop, so backpressure into the producer is preferred to loss.
type Queue[M any] struct {
	name string
	ch   chan M

	sent metric.Int64Counter
}

// NewQueue creates a queue with the given capacity.
func NewQueue[M any](name string, capacity int) *Queue[M] {
	q := &Queue[M]{
		name: name,
		ch:   make(chan M, capacity),
	}

	meter := otel.Meter(meterName)
	q.sent, _ = meter.Int64Counter(
		"bus_queue_messages_total",
		metric.WithDescription("Messages enqueued per queue"),
	)

	return q
}

// Send enqueues a message, blocking until there is room or the context is
// cancelled.
func (q *Queue[M]) Send(ctx context.Context, m M) error {
	select {
	case q.ch <- m:
		if q.sent != nil {
			q.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", q.name)))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C exposes the receive side for use in a select.
func (q *Queue[M]) C() <-chan M {
	return q.ch
}

// Name returns the queue's identifier.
func (q *Queue[M]) Name() string {
	return q.name
}
