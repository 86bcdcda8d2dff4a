package processing

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fd1az/price-indexer/internal/apperror"
	"github.com/fd1az/price-indexer/internal/logger"
	"github.com/fd1az/price-indexer/internal/market"
)

// WeightedAverageConfig holds the per-source weight map and the freshness
// window for the cross-source index.
type WeightedAverageConfig struct {
	Weights        map[market.Source]decimal.Decimal
	StaleThreshold time.Duration
}

// Validate accepts a weight map iff it is non-empty, every weight is
// strictly greater than 1, and the exact decimal sum equals 100.
func (c *WeightedAverageConfig) Validate() error {
	if len(c.Weights) == 0 {
		return apperror.New(apperror.CodeWeightValidation,
			apperror.WithContext("weights cannot be empty"))
	}
	total := decimal.Zero
	one := decimal.NewFromInt(1)
	for source, weight := range c.Weights {
		if weight.Cmp(one) <= 0 {
			return apperror.New(apperror.CodeWeightValidation,
				apperror.WithContext("weight for "+string(source)+" must be greater than 1"))
		}
		total = total.Add(weight)
	}
	if !total.Equal(decimal.NewFromInt(100)) {
		return apperror.New(apperror.CodeWeightValidation,
			apperror.WithContext("weights must sum to 100, got "+total.String()))
	}
	return nil
}

type priceKey struct {
	source market.Source
	symbol market.Symbol
}

type priceEntry struct {
	price     decimal.Decimal
	timestamp time.Time
}

// WeightedAverageProcessor produces a per-symbol weighted index from the
// latest price seen per (source, symbol), discarding stale samples. A
// symbol is emitted only when more than half the configured weight is
// fresh.
type WeightedAverageProcessor struct {
	log logger.LoggerInterface

	mu     sync.Mutex
	cfg    WeightedAverageConfig
	latest map[priceKey]priceEntry

	// now is swappable for tests
	now func() time.Time
}

var quorum = decimal.NewFromInt(50)

// NewWeightedAverageProcessor validates the initial config and creates the
// processor.
func NewWeightedAverageProcessor(cfg WeightedAverageConfig, log logger.LoggerInterface) (*WeightedAverageProcessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &WeightedAverageProcessor{
		log:    log,
		cfg:    cfg,
		latest: make(map[priceKey]priceEntry),
		now:    time.Now,
	}, nil
}

// Process implements FeedProcessor. Each inbound ticker updates the latest
// map; each distinct symbol in the batch is then aggregated at the batch's
// receipt instant.
func (p *WeightedAverageProcessor) Process(ctx context.Context, in market.Message) (market.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()

	// Record latest prices and collect distinct symbols in arrival order.
	symbols := make([]market.Symbol, 0, 2)
	seen := make(map[market.Symbol]struct{}, 2)
	for _, ticker := range in.Tickers {
		if _, ok := p.cfg.Weights[ticker.Source]; !ok {
			continue
		}
		p.latest[priceKey{source: ticker.Source, symbol: ticker.Symbol}] = priceEntry{
			price:     ticker.Price,
			timestamp: ticker.Timestamp,
		}
		if _, ok := seen[ticker.Symbol]; !ok {
			seen[ticker.Symbol] = struct{}{}
			symbols = append(symbols, ticker.Symbol)
		}
	}

	out := make([]market.Ticker, 0, len(symbols))
	for _, symbol := range symbols {
		price, ok := p.weightedAverage(ctx, symbol, now)
		if !ok {
			continue
		}
		out = append(out, market.Ticker{
			Symbol:    symbol,
			Price:     price,
			Source:    market.SourceIndexerWeightedAverage,
			Timestamp: now,
		})
	}

	return market.NewMessage(out)
}

// weightedAverage computes Σ(price·weight)/Σ(weight) over the fresh
// sources for symbol. Emits only when the fresh weight exceeds 50.
func (p *WeightedAverageProcessor) weightedAverage(ctx context.Context, symbol market.Symbol, now time.Time) (decimal.Decimal, bool) {
	acc := decimal.Zero
	total := decimal.Zero

	for source, weight := range p.cfg.Weights {
		entry, ok := p.latest[priceKey{source: source, symbol: symbol}]
		if !ok {
			continue
		}
		if age := now.Sub(entry.timestamp); age >= p.cfg.StaleThreshold {
			p.log.Warn(ctx, "stale price excluded from index",
				"symbol", symbol, "source", source, "age_ms", age.Milliseconds())
			continue
		}
		acc = acc.Add(entry.price.Mul(weight))
		total = total.Add(weight)
	}

	if total.Cmp(quorum) <= 0 {
		return decimal.Zero, false
	}
	return acc.Div(total), true
}

// HandleConfigChange swaps the weight map after validation. Entries for
// sources no longer present in the weights are evicted; everything else
// survives, avoiding index gaps on weight-only changes. An invalid config
// leaves state untouched.
func (p *WeightedAverageProcessor) HandleConfigChange(ctx context.Context, cfg WeightedAverageConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for key := range p.latest {
		if _, ok := cfg.Weights[key.source]; !ok {
			delete(p.latest, key)
		}
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = p.cfg.StaleThreshold
	}
	p.cfg = cfg
	return nil
}

// Config returns a snapshot of the current weights.
func (p *WeightedAverageProcessor) Config() WeightedAverageConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	weights := make(map[market.Source]decimal.Decimal, len(p.cfg.Weights))
	for source, weight := range p.cfg.Weights {
		weights[source] = weight
	}
	return WeightedAverageConfig{Weights: weights, StaleThreshold: p.cfg.StaleThreshold}
}
