package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fd1az/price-indexer/internal/apperror"
	"github.com/fd1az/price-indexer/internal/market"
)

// SmoothingKind selects the smoothing function.
type SmoothingKind string

const (
	SmoothingPassThru SmoothingKind = "pass_thru"
	SmoothingSMA      SmoothingKind = "simple_moving_average"
	SmoothingEMA      SmoothingKind = "exponential_moving_average"
)

// SmoothingConfig is the per-source smoothing mode. The wire shape is
// {"type": ..., "params": {"window": ..., "smoothing": ...}}; the short
// aliases "sma" and "ema" are accepted alongside the full names.
type SmoothingConfig struct {
	Kind      SmoothingKind
	Window    int
	Smoothing decimal.Decimal
}

type smoothingConfigWire struct {
	Type   string `json:"type"`
	Params struct {
		Window    int             `json:"window"`
		Smoothing decimal.Decimal `json:"smoothing"`
	} `json:"params"`
}

// UnmarshalJSON decodes the tagged wire shape.
func (c *SmoothingConfig) UnmarshalJSON(data []byte) error {
	var wire smoothingConfigWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Type {
	case "pass_thru", "passthru", "":
		c.Kind = SmoothingPassThru
	case "simple_moving_average", "sma":
		c.Kind = SmoothingSMA
	case "exponential_moving_average", "ema":
		c.Kind = SmoothingEMA
	default:
		return fmt.Errorf("unknown smoothing type %q", wire.Type)
	}
	c.Window = wire.Params.Window
	c.Smoothing = wire.Params.Smoothing
	return nil
}

// MarshalJSON encodes the tagged wire shape with full type names.
func (c SmoothingConfig) MarshalJSON() ([]byte, error) {
	var wire smoothingConfigWire
	wire.Type = string(c.Kind)
	if wire.Type == "" {
		wire.Type = string(SmoothingPassThru)
	}
	wire.Params.Window = c.Window
	wire.Params.Smoothing = c.Smoothing
	return json.Marshal(wire)
}

// Validate checks the parameters for the configured kind.
func (c *SmoothingConfig) Validate() error {
	switch c.Kind {
	case SmoothingPassThru, "":
		return nil
	case SmoothingSMA:
		if c.Window <= 0 {
			return fmt.Errorf("sma window must be positive")
		}
		return nil
	case SmoothingEMA:
		if c.Window <= 0 {
			return fmt.Errorf("ema window must be positive")
		}
		if c.Smoothing.Sign() <= 0 {
			return fmt.Errorf("ema smoothing must be positive")
		}
		return nil
	}
	return fmt.Errorf("unknown smoothing kind %q", c.Kind)
}

// Alpha returns the EMA smoothing factor s/(w+1).
func (c *SmoothingConfig) Alpha() decimal.Decimal {
	return c.Smoothing.Div(decimal.NewFromInt(int64(c.Window) + 1))
}

// SmoothingProcessor applies the configured smoothing function
// independently per canonical symbol to the stream of a single source.
// The exchange source tag is propagated unchanged so that the downstream
// aggregator can key by (source, symbol).
type SmoothingProcessor struct {
	mu      sync.Mutex
	cfg     SmoothingConfig
	windows map[market.Symbol][]decimal.Decimal
	emas    map[market.Symbol]decimal.Decimal
}

// NewSmoothingProcessor creates a processor with the given initial mode.
func NewSmoothingProcessor(cfg SmoothingConfig) (*SmoothingProcessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperror.New(apperror.CodeConfigurationError,
			apperror.WithCause(err),
			apperror.WithContext("smoothing"))
	}
	return &SmoothingProcessor{
		cfg:     cfg,
		windows: make(map[market.Symbol][]decimal.Decimal),
		emas:    make(map[market.Symbol]decimal.Decimal),
	}, nil
}

// Process implements FeedProcessor. A batch can shrink: SMA suppresses a
// ticker until its per-symbol window is full. An empty result emits nothing.
func (p *SmoothingProcessor) Process(ctx context.Context, in market.Message) (market.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.cfg.Kind {
	case SmoothingSMA:
		return p.processSMA(in)
	case SmoothingEMA:
		return p.processEMA(in)
	default:
		return in, true
	}
}

func (p *SmoothingProcessor) processSMA(in market.Message) (market.Message, bool) {
	window := p.cfg.Window
	out := make([]market.Ticker, 0, len(in.Tickers))

	for _, ticker := range in.Tickers {
		fifo := append(p.windows[ticker.Symbol], ticker.Price)
		for len(fifo) > window {
			fifo = fifo[1:]
		}
		p.windows[ticker.Symbol] = fifo

		if len(fifo) < window {
			continue
		}

		sum := decimal.Zero
		for _, price := range fifo {
			sum = sum.Add(price)
		}
		out = append(out, market.Ticker{
			Symbol:    ticker.Symbol,
			Price:     sum.Div(decimal.NewFromInt(int64(window))),
			Source:    ticker.Source,
			Timestamp: time.Now().UTC(),
		})
	}

	return market.NewMessage(out)
}

func (p *SmoothingProcessor) processEMA(in market.Message) (market.Message, bool) {
	alpha := p.cfg.Alpha()
	one := decimal.NewFromInt(1)
	out := make([]market.Ticker, 0, len(in.Tickers))

	for _, ticker := range in.Tickers {
		ema := ticker.Price // first observation seeds the series
		if prev, ok := p.emas[ticker.Symbol]; ok {
			ema = ticker.Price.Mul(alpha).Add(prev.Mul(one.Sub(alpha)))
		}
		p.emas[ticker.Symbol] = ema

		out = append(out, market.Ticker{
			Symbol:    ticker.Symbol,
			Price:     ema,
			Source:    ticker.Source,
			Timestamp: time.Now().UTC(),
		})
	}

	return market.NewMessage(out)
}

// HandleConfigChange applies a live mode change. Parameter-only changes
// within a family keep the accumulated state (SMA windows truncate on the
// next tick; EMA seeds carry over); cross-family changes reset cleanly.
// An invalid config is rejected without touching state.
func (p *SmoothingProcessor) HandleConfigChange(ctx context.Context, cfg SmoothingConfig) error {
	if err := cfg.Validate(); err != nil {
		return apperror.New(apperror.CodeConfigurationError,
			apperror.WithCause(err),
			apperror.WithContext("smoothing"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.Kind != cfg.Kind {
		p.windows = make(map[market.Symbol][]decimal.Decimal)
		p.emas = make(map[market.Symbol]decimal.Decimal)
	}
	p.cfg = cfg
	return nil
}

// Config returns a snapshot of the current mode.
func (p *SmoothingProcessor) Config() SmoothingConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}
