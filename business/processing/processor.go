// Package processing implements the stateful stream transforms: per-source
// smoothing and the cross-source weighted index, plus the workers that
// bridge them onto the messaging fabric.
package processing

import (
	"context"
	"errors"

	"github.com/fd1az/price-indexer/internal/bus"
	"github.com/fd1az/price-indexer/internal/logger"
	"github.com/fd1az/price-indexer/internal/market"
)

// FeedProcessor transforms one inbound batch into at most one outbound
// batch. ok=false means nothing is emitted downstream. Pure computation:
// implementations must not block.
type FeedProcessor interface {
	Process(ctx context.Context, in market.Message) (market.Message, bool)
}

// QueueWorker drains a per-source queue through a processor onto a
// broadcast bus (session → smoothing → shared bus).
type QueueWorker struct {
	name string
	in   *bus.Queue[market.Message]
	out  *bus.Broadcaster[market.Message]
	proc FeedProcessor
	log  logger.LoggerInterface
}

// NewQueueWorker creates the queue-to-bus bridge.
func NewQueueWorker(name string, in *bus.Queue[market.Message], out *bus.Broadcaster[market.Message], proc FeedProcessor, log logger.LoggerInterface) *QueueWorker {
	return &QueueWorker{name: name, in: in, out: out, proc: proc, log: log}
}

func (w *QueueWorker) Name() string { return w.name }

func (w *QueueWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.log.Info(ctx, "worker received exit signal", "worker", w.name)
			return nil
		case msg := <-w.in.C():
			if out, ok := w.proc.Process(ctx, msg); ok {
				w.out.Send(out)
			}
		}
	}
}

// BroadcastWorker reads a broadcast bus through a processor onto another
// broadcast bus (shared bus → weighted aggregator → index bus). A lagged
// receiver logs the miss count and continues.
type BroadcastWorker struct {
	name string
	in   *bus.Broadcaster[market.Message]
	out  *bus.Broadcaster[market.Message]
	proc FeedProcessor
	log  logger.LoggerInterface
}

// NewBroadcastWorker creates the bus-to-bus bridge.
func NewBroadcastWorker(name string, in, out *bus.Broadcaster[market.Message], proc FeedProcessor, log logger.LoggerInterface) *BroadcastWorker {
	return &BroadcastWorker{name: name, in: in, out: out, proc: proc, log: log}
}

func (w *BroadcastWorker) Name() string { return w.name }

func (w *BroadcastWorker) Run(ctx context.Context) error {
	rx := w.in.Subscribe(w.name)
	for {
		msg, err := rx.Recv(ctx)
		if err != nil {
			if n, ok := bus.AsLag(err); ok {
				w.log.Warn(ctx, "receiver lagged", "worker", w.name, "missed", n)
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.log.Info(ctx, "worker received exit signal", "worker", w.name)
				return nil
			}
			return err
		}
		if out, ok := w.proc.Process(ctx, msg); ok {
			w.out.Send(out)
		}
	}
}
