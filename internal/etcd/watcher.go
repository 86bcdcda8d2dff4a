package etcd

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fd1az/price-indexer/internal/apperror"
	"github.com/fd1az/price-indexer/internal/logger"
)

// Handler consumes each full replacement of the watched document. A fatal
// error (apperror.WithFatal) terminates the watcher worker and with it the
// process; any other error is logged and the stream continues.
type Handler[C any] interface {
	HandleConfigChange(ctx context.Context, config C) error
}

// Watcher is a worker that follows one key and dispatches decoded updates
// to its handlers. It logs a heartbeat with the number of messages consumed
// since the previous one.
type Watcher[C any] struct {
	name      string
	key       string
	client    *Client
	handlers  []Handler[C]
	heartbeat time.Duration
	log       logger.LoggerInterface

	messages   metric.Int64Counter
	keyUpdates metric.Int64Counter
}

// NewWatcher creates a watcher for key. heartbeat controls the consumption
// log cadence.
func NewWatcher[C any](name, key string, client *Client, heartbeat time.Duration, log logger.LoggerInterface) *Watcher[C] {
	w := &Watcher[C]{
		name:      name,
		key:       key,
		client:    client,
		heartbeat: heartbeat,
		log:       log,
	}

	meter := otel.Meter(meterName)
	w.messages, _ = meter.Int64Counter(
		"etcd_watcher_messages_total",
		metric.WithDescription("Watch stream messages consumed per key"),
	)
	w.keyUpdates, _ = meter.Int64Counter(
		"etcd_watcher_key_updates_total",
		metric.WithDescription("Key update events dispatched per key"),
	)

	return w
}

// AddHandler registers a handler. Must be called before Run.
func (w *Watcher[C]) AddHandler(h Handler[C]) {
	w.handlers = append(w.handlers, h)
}

func (w *Watcher[C]) Name() string { return w.name }

// Run follows the watch stream until the context is cancelled or a handler
// escalates.
func (w *Watcher[C]) Run(ctx context.Context) error {
	attrs := metric.WithAttributes(attribute.String("key", w.key))

	watch, err := w.client.Watch(ctx, w.key)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	w.log.Info(ctx, "watching config key", "key", w.key)
	sinceHeartbeat := 0

	for {
		select {
		case <-ctx.Done():
			w.log.Info(ctx, "watcher received exit signal", "key", w.key)
			return nil

		case <-ticker.C:
			w.log.Info(ctx, "watcher heartbeat",
				"key", w.key, "messages", sinceHeartbeat)
			if sinceHeartbeat > 0 {
				w.messages.Add(ctx, int64(sinceHeartbeat), attrs)
				sinceHeartbeat = 0
			}

		case resp, ok := <-watch:
			if !ok {
				return apperror.New(apperror.CodeEtcdConnectionFailed,
					apperror.WithContext("watch stream closed for "+w.key))
			}
			if err := resp.Err(); err != nil {
				return apperror.New(apperror.CodeEtcdConnectionFailed,
					apperror.WithCause(err),
					apperror.WithContext("watch "+w.key))
			}
			sinceHeartbeat++
			for _, event := range resp.Events {
				if event.Kv == nil {
					continue
				}
				var cfg C
				if err := json.Unmarshal(event.Kv.Value, &cfg); err != nil {
					w.log.Error(ctx, "failed to decode config update",
						"key", w.key, "error", err)
					continue
				}
				w.keyUpdates.Add(ctx, 1, attrs)
				for _, handler := range w.handlers {
					if err := handler.HandleConfigChange(ctx, cfg); err != nil {
						if apperror.IsFatal(err) {
							return err
						}
						w.log.Error(ctx, "config handler failed",
							"key", w.key, "error", err)
					}
				}
			}
		}
	}
}
