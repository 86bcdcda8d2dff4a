// Package indexer wires the dataflow engine: the live config document and
// its dispatcher, the persistence and distribution sinks, and the runner
// that assembles sessions, processors, and buses into a supervised group.
package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fd1az/price-indexer/business/exchange"
	"github.com/fd1az/price-indexer/business/processing"
	"github.com/fd1az/price-indexer/internal/apperror"
	"github.com/fd1az/price-indexer/internal/logger"
	"github.com/fd1az/price-indexer/internal/market"
)

// FeedConfig is one exchange's entry in the live config document.
type FeedConfig struct {
	ExchangeConfig  exchange.Config            `json:"exchange_config"`
	SmoothingConfig processing.SmoothingConfig `json:"smoothing_config"`
	Weight          decimal.Decimal            `json:"weight"`
}

// Config is the full document held under the watched etcd key, delivered
// as a complete replacement on every change.
type Config map[exchange.Exchange]FeedConfig

// ExchangeConfig returns the subscription config for an exchange.
func (c Config) ExchangeConfig(ex exchange.Exchange) (exchange.Config, bool) {
	feed, ok := c[ex]
	return feed.ExchangeConfig, ok
}

// SmoothingConfig returns the smoothing mode for an exchange.
func (c Config) SmoothingConfig(ex exchange.Exchange) (processing.SmoothingConfig, bool) {
	feed, ok := c[ex]
	return feed.SmoothingConfig, ok
}

// Weight returns the index weight for an exchange.
func (c Config) Weight(ex exchange.Exchange) (decimal.Decimal, bool) {
	feed, ok := c[ex]
	return feed.Weight, ok
}

// Weights builds the aggregator weight map. Exchanges with no instruments
// configured contribute nothing: a source that cannot produce ticks must
// not hold index weight.
func (c Config) Weights() map[market.Source]decimal.Decimal {
	weights := make(map[market.Source]decimal.Decimal, len(c))
	for ex, feed := range c {
		if len(feed.ExchangeConfig.Instruments) == 0 {
			continue
		}
		weights[ex.Source()] = feed.Weight
	}
	return weights
}

// ExchangeHandler consumes a live subscription change for one exchange.
type ExchangeHandler interface {
	HandleConfigChange(ctx context.Context, cfg exchange.Config) error
}

// SmoothingHandler consumes a live smoothing mode change for one exchange.
type SmoothingHandler interface {
	HandleConfigChange(ctx context.Context, cfg processing.SmoothingConfig) error
}

// WeightedHandler consumes the accumulated weight map.
type WeightedHandler interface {
	HandleConfigChange(ctx context.Context, cfg processing.WeightedAverageConfig) error
}

// Dispatcher routes each full config document to the registered consumers:
// per exchange the subscription handler first, then the smoothing handler;
// finally the accumulated weight map goes to the aggregator handlers.
// Exchange and smoothing failures are logged and skipped (the consumer
// keeps its previous state); an aggregator rejection is escalated as fatal,
// since an invalid weight map can silence the index entirely.
type Dispatcher struct {
	log            logger.LoggerInterface
	staleThreshold time.Duration

	mu                sync.Mutex
	exchangeHandlers  map[exchange.Exchange]ExchangeHandler
	smoothingHandlers map[exchange.Exchange]SmoothingHandler
	weightedHandlers  []WeightedHandler
}

// NewDispatcher creates an empty dispatcher. staleThreshold is attached to
// every weight map handed to the aggregator.
func NewDispatcher(staleThreshold time.Duration, log logger.LoggerInterface) *Dispatcher {
	return &Dispatcher{
		log:               log,
		staleThreshold:    staleThreshold,
		exchangeHandlers:  make(map[exchange.Exchange]ExchangeHandler),
		smoothingHandlers: make(map[exchange.Exchange]SmoothingHandler),
	}
}

// AddExchangeHandler registers the subscription handler for an exchange.
func (d *Dispatcher) AddExchangeHandler(ex exchange.Exchange, h ExchangeHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exchangeHandlers[ex] = h
}

// AddSmoothingHandler registers the smoothing handler for an exchange.
func (d *Dispatcher) AddSmoothingHandler(ex exchange.Exchange, h SmoothingHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.smoothingHandlers[ex] = h
}

// AddWeightedHandler registers an aggregator handler.
func (d *Dispatcher) AddWeightedHandler(h WeightedHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.weightedHandlers = append(d.weightedHandlers, h)
}

// HandleConfigChange implements the etcd watcher handler for Config.
func (d *Dispatcher) HandleConfigChange(ctx context.Context, cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ex := range exchange.All {
		feed, ok := cfg[ex]
		if !ok {
			continue
		}

		if handler, ok := d.exchangeHandlers[ex]; ok {
			if err := handler.HandleConfigChange(ctx, feed.ExchangeConfig); err != nil {
				d.log.Error(ctx, "exchange config change failed",
					"exchange", ex, "error", err)
			}
		}

		if handler, ok := d.smoothingHandlers[ex]; ok {
			if err := handler.HandleConfigChange(ctx, feed.SmoothingConfig); err != nil {
				d.log.Error(ctx, "smoothing config change failed",
					"exchange", ex, "error", err)
			}
		}
	}

	weighted := processing.WeightedAverageConfig{
		Weights:        cfg.Weights(),
		StaleThreshold: d.staleThreshold,
	}
	for _, handler := range d.weightedHandlers {
		if err := handler.HandleConfigChange(ctx, weighted); err != nil {
			d.log.Error(ctx, "weighted average config rejected", "error", err)
			return apperror.Fatal(apperror.CodeWeightValidation,
				"weighted average config rejected", err)
		}
	}

	return nil
}
