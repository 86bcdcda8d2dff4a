package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LagError reports how many messages a slow receiver missed. The receiver
// is repositioned at the oldest retained message and can keep reading.
type LagError struct {
	Count uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("broadcast receiver lagged by %d", e.Count)
}

// AsLag extracts the lag count when err is a LagError.
func AsLag(err error) (uint64, bool) {
	var lag *LagError
	if errors.As(err, &lag) {
		return lag.Count, true
	}
	return 0, false
}

// Broadcaster is a many-to-many dispatcher over a bounded ring. Sending
// never blocks; when a receiver falls more than the capacity behind, the
// messages it missed are dropped and surfaced as a LagError on its next
// Recv. A slow sink therefore cannot stall the hot path.
type Broadcaster[M any] struct {
	name string
	cap  uint64

	mu   sync.Mutex
	ring []M
	head uint64 // sequence number of the next message to write
	wake chan struct{}

	published metric.Int64Counter
	dropped   metric.Int64Counter
}

// NewBroadcaster creates a broadcaster retaining the last capacity messages.
func NewBroadcaster[M any](name string, capacity int) *Broadcaster[M] {
	b := &Broadcaster[M]{
		name: name,
		cap:  uint64(capacity),
		ring: make([]M, capacity),
		wake: make(chan struct{}),
	}

	meter := otel.Meter(meterName)
	b.published, _ = meter.Int64Counter(
		"bus_broadcast_messages_total",
		metric.WithDescription("Messages published per broadcast bus"),
	)
	b.dropped, _ = meter.Int64Counter(
		"bus_broadcast_dropped_total",
		metric.WithDescription("Messages dropped due to receiver lag"),
	)

	return b
}

// Send publishes a message to all current receivers. It never blocks.
func (b *Broadcaster[M]) Send(m M) {
	b.mu.Lock()
	b.ring[b.head%b.cap] = m
	b.head++
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()

	if b.published != nil {
		b.published.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("bus", b.name)))
	}
}

// Subscribe registers a receiver positioned after the most recently
// published message.
func (b *Broadcaster[M]) Subscribe(receiver string) *Receiver[M] {
	b.mu.Lock()
	next := b.head
	b.mu.Unlock()
	return &Receiver[M]{b: b, name: receiver, next: next}
}

// Name returns the bus identifier.
func (b *Broadcaster[M]) Name() string {
	return b.name
}

func (b *Broadcaster[M]) oldest() uint64 {
	if b.head > b.cap {
		return b.head - b.cap
	}
	return 0
}

// Receiver reads from a Broadcaster. Not safe for concurrent use; each
// consumer task owns its receiver.
type Receiver[M any] struct {
	b    *Broadcaster[M]
	name string
	next uint64
}

// Recv returns the next message. When the receiver has fallen behind the
// ring, it returns a LagError carrying the number of missed messages and
// repositions at the oldest retained message; the caller counts the drop
// and continues. Blocks until a message arrives or the context is done.
func (r *Receiver[M]) Recv(ctx context.Context) (M, error) {
	var zero M
	for {
		r.b.mu.Lock()
		if oldest := r.b.oldest(); r.next < oldest {
			missed := oldest - r.next
			r.next = oldest
			r.b.mu.Unlock()
			if r.b.dropped != nil {
				r.b.dropped.Add(ctx, int64(missed), metric.WithAttributes(
					attribute.String("bus", r.b.name),
					attribute.String("receiver", r.name),
				))
			}
			return zero, &LagError{Count: missed}
		}
		if r.next < r.b.head {
			m := r.b.ring[r.next%r.b.cap]
			r.next++
			r.b.mu.Unlock()
			return m, nil
		}
		wake := r.b.wake
		r.b.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wake:
		}
	}
}
