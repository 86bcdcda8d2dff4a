package processing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fd1az/price-indexer/internal/logger"
	"github.com/fd1az/price-indexer/internal/market"
)

func setupProcessor(t *testing.T) *WeightedAverageProcessor {
	t.Helper()
	p, err := NewWeightedAverageProcessor(WeightedAverageConfig{
		Weights: map[market.Source]decimal.Decimal{
			market.SourceBinance:  decimal.NewFromInt(40),
			market.SourceKraken:   decimal.NewFromInt(30),
			market.SourceCoinbase: decimal.NewFromInt(30),
		},
		StaleThreshold: 5 * time.Second,
	}, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func agedTick(source market.Source, symbol market.Symbol, price string, age time.Duration, now time.Time) market.Ticker {
	return market.Ticker{
		Symbol:    symbol,
		Price:     decimal.RequireFromString(price),
		Source:    source,
		Timestamp: now.Add(-age),
	}
}

func TestWeightedAverage_Basic(t *testing.T) {
	p := setupProcessor(t)
	now := time.Now().UTC()
	p.now = func() time.Time { return now }

	out, ok := p.Process(context.Background(), batch(
		agedTick(market.SourceBinance, market.SymbolBTCUSD, "10000", 0, now),
		agedTick(market.SourceKraken, market.SymbolBTCUSD, "10100", 0, now),
		agedTick(market.SourceCoinbase, market.SymbolBTCUSD, "10200", 0, now),
	))
	if !ok {
		t.Fatal("expected weighted average output")
	}
	if !out.Tickers[0].Price.Equal(decimal.NewFromInt(10090)) {
		t.Errorf("expected index 10090, got %s", out.Tickers[0].Price)
	}
	if out.Tickers[0].Source != market.SourceIndexerWeightedAverage {
		t.Errorf("unexpected source %s", out.Tickers[0].Source)
	}
	if !out.Tickers[0].Timestamp.Equal(now) {
		t.Errorf("expected batch receipt timestamp, got %s", out.Tickers[0].Timestamp)
	}
}

func TestWeightedAverage_StalenessBelowQuorum(t *testing.T) {
	p := setupProcessor(t)
	now := time.Now().UTC()
	p.now = func() time.Time { return now }

	// Only Binance (40) is fresh; 40 <= 50 means no output.
	out, ok := p.Process(context.Background(), batch(
		agedTick(market.SourceBinance, market.SymbolBTCUSD, "10000", 0, now),
		agedTick(market.SourceKraken, market.SymbolBTCUSD, "10100", 6*time.Second, now),
		agedTick(market.SourceCoinbase, market.SymbolBTCUSD, "10200", 6*time.Second, now),
	))
	if ok {
		t.Fatalf("expected no output below quorum, got %+v", out)
	}
}

func TestWeightedAverage_PartialUpdates(t *testing.T) {
	p := setupProcessor(t)
	now := time.Now().UTC()
	p.now = func() time.Time { return now }
	ctx := context.Background()

	// Binance alone: 40% weight, below quorum.
	if _, ok := p.Process(ctx, batch(
		agedTick(market.SourceBinance, market.SymbolBTCUSD, "10000", 0, now),
	)); ok {
		t.Fatal("expected no output with 40% weight")
	}

	// Kraken arrives: 70% fresh weight.
	out, ok := p.Process(ctx, batch(
		agedTick(market.SourceKraken, market.SymbolBTCUSD, "10100", 0, now),
	))
	if !ok {
		t.Fatal("expected output with 70% weight")
	}

	// (10000*40 + 10100*30) / 70
	want := decimal.NewFromInt(10000).Mul(decimal.NewFromInt(40)).
		Add(decimal.NewFromInt(10100).Mul(decimal.NewFromInt(30))).
		Div(decimal.NewFromInt(70))
	if !out.Tickers[0].Price.Equal(want) {
		t.Errorf("expected %s, got %s", want, out.Tickers[0].Price)
	}
}

func TestWeightedAverage_MultipleSymbols(t *testing.T) {
	p := setupProcessor(t)
	now := time.Now().UTC()
	p.now = func() time.Time { return now }

	out, ok := p.Process(context.Background(), batch(
		agedTick(market.SourceBinance, market.SymbolBTCUSD, "10000", 0, now),
		agedTick(market.SourceKraken, market.SymbolBTCUSD, "10100", 0, now),
		agedTick(market.SourceBinance, market.SymbolETHUSD, "1000", 0, now),
		agedTick(market.SourceKraken, market.SymbolETHUSD, "1010", 0, now),
	))
	if !ok {
		t.Fatal("expected output for both symbols")
	}
	if len(out.Tickers) != 2 {
		t.Fatalf("expected 2 index tickers, got %d", len(out.Tickers))
	}
	if out.Tickers[0].Symbol != market.SymbolBTCUSD || out.Tickers[1].Symbol != market.SymbolETHUSD {
		t.Errorf("symbols out of arrival order: %+v", out.Tickers)
	}
}

func TestWeightedAverage_LatestPriceWins(t *testing.T) {
	p := setupProcessor(t)
	now := time.Now().UTC()
	p.now = func() time.Time { return now }
	ctx := context.Background()

	p.Process(ctx, batch(
		agedTick(market.SourceBinance, market.SymbolBTCUSD, "10000", 0, now),
		agedTick(market.SourceKraken, market.SymbolBTCUSD, "10100", 0, now),
	))

	out, ok := p.Process(ctx, batch(
		agedTick(market.SourceBinance, market.SymbolBTCUSD, "10500", 0, now),
	))
	if !ok {
		t.Fatal("expected output")
	}

	want := decimal.NewFromInt(10500).Mul(decimal.NewFromInt(40)).
		Add(decimal.NewFromInt(10100).Mul(decimal.NewFromInt(30))).
		Div(decimal.NewFromInt(70))
	if !out.Tickers[0].Price.Equal(want) {
		t.Errorf("expected %s, got %s", want, out.Tickers[0].Price)
	}
}

func TestWeightedAverageConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		weights map[market.Source]decimal.Decimal
		wantErr bool
	}{
		{
			name: "valid",
			weights: map[market.Source]decimal.Decimal{
				market.SourceBinance: decimal.NewFromInt(40),
				market.SourceKraken:  decimal.NewFromInt(60),
			},
		},
		{
			name:    "empty",
			weights: map[market.Source]decimal.Decimal{},
			wantErr: true,
		},
		{
			name: "sum_not_100",
			weights: map[market.Source]decimal.Decimal{
				market.SourceBinance:  decimal.NewFromInt(40),
				market.SourceKraken:   decimal.NewFromInt(40),
				market.SourceCoinbase: decimal.NewFromInt(30),
			},
			wantErr: true,
		},
		{
			name: "small_weight_guard",
			weights: map[market.Source]decimal.Decimal{
				market.SourceBinance: decimal.NewFromInt(1),
				market.SourceKraken:  decimal.NewFromInt(99),
			},
			wantErr: true,
		},
		{
			name: "fractional_exact_sum",
			weights: map[market.Source]decimal.Decimal{
				market.SourceBinance:  decimal.RequireFromString("33.4"),
				market.SourceKraken:   decimal.RequireFromString("33.3"),
				market.SourceCoinbase: decimal.RequireFromString("33.3"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := WeightedAverageConfig{Weights: tt.weights, StaleThreshold: time.Second}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWeightedAverage_ConfigChangeEvictsRemovedSource(t *testing.T) {
	p := setupProcessor(t)
	now := time.Now().UTC()
	p.now = func() time.Time { return now }
	ctx := context.Background()

	p.Process(ctx, batch(
		agedTick(market.SourceBinance, market.SymbolBTCUSD, "10000", 0, now),
		agedTick(market.SourceKraken, market.SymbolBTCUSD, "10100", 0, now),
		agedTick(market.SourceCoinbase, market.SymbolBTCUSD, "10200", 0, now),
	))

	// Coinbase removed; its latest entry must be evicted.
	err := p.HandleConfigChange(ctx, WeightedAverageConfig{
		Weights: map[market.Source]decimal.Decimal{
			market.SourceBinance: decimal.NewFromInt(60),
			market.SourceKraken:  decimal.NewFromInt(40),
		},
		StaleThreshold: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	out, ok := p.Process(ctx, batch(
		agedTick(market.SourceBinance, market.SymbolBTCUSD, "10000", 0, now),
	))
	if !ok {
		t.Fatal("expected output")
	}

	want := decimal.NewFromInt(10000).Mul(decimal.NewFromInt(60)).
		Add(decimal.NewFromInt(10100).Mul(decimal.NewFromInt(40))).
		Div(decimal.NewFromInt(100))
	if !out.Tickers[0].Price.Equal(want) {
		t.Errorf("expected %s (no coinbase contribution), got %s", want, out.Tickers[0].Price)
	}
}

func TestWeightedAverage_RejectedConfigKeepsState(t *testing.T) {
	p := setupProcessor(t)
	ctx := context.Background()

	err := p.HandleConfigChange(ctx, WeightedAverageConfig{
		Weights: map[market.Source]decimal.Decimal{
			market.SourceBinance: decimal.NewFromInt(10),
		},
		StaleThreshold: 5 * time.Second,
	})
	if err == nil {
		t.Fatal("expected rejection")
	}

	cfg := p.Config()
	if len(cfg.Weights) != 3 {
		t.Errorf("weights mutated on rejected config: %+v", cfg.Weights)
	}
}

func TestWeightedAverage_IgnoresUnweightedSources(t *testing.T) {
	p := setupProcessor(t)
	now := time.Now().UTC()
	p.now = func() time.Time { return now }

	// A smoothing-tagged tick carries no weight and must not create state.
	if _, ok := p.Process(context.Background(), batch(
		agedTick(market.SourceIndexerSmoothing, market.SymbolBTCUSD, "9999", 0, now),
	)); ok {
		t.Fatal("unweighted source must not produce output")
	}
}
