package indexer

import (
	"context"

	"github.com/fd1az/price-indexer/business/exchange"
	"github.com/fd1az/price-indexer/business/processing"
	"github.com/fd1az/price-indexer/internal/bus"
	"github.com/fd1az/price-indexer/internal/config"
	"github.com/fd1az/price-indexer/internal/etcd"
	"github.com/fd1az/price-indexer/internal/health"
	"github.com/fd1az/price-indexer/internal/logger"
	"github.com/fd1az/price-indexer/internal/market"
	"github.com/fd1az/price-indexer/internal/worker"
)

const (
	// Per-source queues carry one exchange's serial stream; the reader
	// must not drop, so the producer blocks on overflow.
	feedQueueCap = 500
	// Broadcast buses fan out to independent consumers; a slow sink drops
	// its own tail instead of stalling the hot path.
	broadcastCap = 2000
)

// Runner assembles the dataflow graph from the initial etcd document:
// sessions feed per-source queues, smoothing processors bridge them onto
// the shared bus, the weighted aggregator derives the index bus, and the
// sinks plus the config watcher consume alongside. The caller supervises
// the built group.
type Runner struct {
	cfg        *config.Config
	log        logger.LoggerInterface
	etcdClient *etcd.Client
}

// NewRunner creates a runner over the static environment config.
func NewRunner(cfg *config.Config, log logger.LoggerInterface) *Runner {
	return &Runner{cfg: cfg, log: log}
}

// Build wires the worker graph from the initial etcd document. Health
// checks for each session (ws connected) and the persistence sink
// (database reachable) are registered on h, so the caller registers
// everything before the health server starts serving.
func (r *Runner) Build(ctx context.Context, h *health.Server) (*worker.Group, error) {
	key := r.cfg.Etcd.AppConfigKey

	r.etcdClient = etcd.NewClient(r.cfg.Etcd.URL)

	// The document must exist at startup; a missing key fails boot.
	appCfg, err := etcd.Get[Config](ctx, r.etcdClient, key)
	if err != nil {
		return nil, err
	}

	group := worker.NewGroup(r.log, r.cfg.Engine.DrainTimeout())
	dispatcher := NewDispatcher(r.cfg.Engine.StaleThreshold(), r.log)

	sharedBus := bus.NewBroadcaster[market.Message]("smoothed", broadcastCap)
	indexBus := bus.NewBroadcaster[market.Message]("index", broadcastCap)

	for _, ex := range exchange.All {
		feed, ok := appCfg[ex]
		if !ok {
			r.log.Warn(ctx, "exchange missing from config, skipping", "exchange", ex)
			continue
		}

		queue := bus.NewQueue[market.Message](string(ex)+"-feed", feedQueueCap)

		smoother, err := processing.NewSmoothingProcessor(feed.SmoothingConfig)
		if err != nil {
			return nil, err
		}

		session, err := exchange.NewSession(ex, feed.ExchangeConfig, queue, r.log)
		if err != nil {
			return nil, err
		}

		dispatcher.AddExchangeHandler(ex, session)
		dispatcher.AddSmoothingHandler(ex, smoother)
		if h != nil {
			h.RegisterCheck(string(ex)+"-ws", session.HealthCheck)
		}

		group.Add(session)
		group.Add(processing.NewQueueWorker(string(ex)+"-smoothing", queue, sharedBus, smoother, r.log))
	}

	aggregator, err := processing.NewWeightedAverageProcessor(processing.WeightedAverageConfig{
		Weights:        appCfg.Weights(),
		StaleThreshold: r.cfg.Engine.StaleThreshold(),
	}, r.log)
	if err != nil {
		return nil, err
	}
	dispatcher.AddWeightedHandler(aggregator)
	group.Add(processing.NewBroadcastWorker("weighted-average", sharedBus, indexBus, aggregator, r.log))

	// Sinks persist and redistribute both the smoothed per-source ticks
	// and the derived index ticks.
	sinkBuses := []*bus.Broadcaster[market.Message]{sharedBus, indexBus}

	dbw := NewDBWriter(r.cfg.Database.URL, r.cfg.Database.InsertionInterval(), sinkBuses, r.log)
	group.Add(dbw)
	if h != nil {
		h.RegisterCheck("database", dbw.HealthCheck)
	}

	dist, err := NewDistribution(r.cfg.Distribution.URL, r.cfg.Distribution.TimeInterval(), sinkBuses, r.log)
	if err != nil {
		return nil, err
	}
	group.Add(dist)

	watcher := etcd.NewWatcher[Config]("config-watcher", key, r.etcdClient,
		r.cfg.Etcd.HeartbeatInterval(), r.log)
	watcher.AddHandler(dispatcher)
	group.Add(watcher)

	return group, nil
}

// Close releases the runner's etcd connection.
func (r *Runner) Close() error {
	if r.etcdClient == nil {
		return nil
	}
	return r.etcdClient.Close()
}
