package exchange

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fd1az/price-indexer/internal/market"
)

// Coinbase subscribe protocol: a single typed frame with the product and
// channel lists.

type coinbaseRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// coinbaseTicker is the ticker channel payload.
type coinbaseTicker struct {
	Type      string          `json:"type"`
	Sequence  int64           `json:"sequence"`
	ProductID string          `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
	Open24h   decimal.Decimal `json:"open_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	High24h   decimal.Decimal `json:"high_24h"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	Side      string          `json:"side"`
	Time      string          `json:"time"`
	TradeID   int64           `json:"trade_id"`
	LastSize  decimal.Decimal `json:"last_size"`
}

// coinbaseResponse covers subscription acks and error frames.
type coinbaseResponse struct {
	Type     string          `json:"type"`
	Channels json.RawMessage `json:"channels"`
	Message  string          `json:"message"`
	Reason   string          `json:"reason"`
}

func coinbaseFrame(reqType string, instruments, channels map[string]struct{}) ([]byte, error) {
	products := make([]string, 0, len(instruments))
	for inst := range instruments {
		products = append(products, inst)
	}
	sort.Strings(products)

	names := make([]string, 0, len(channels))
	for ch := range channels {
		names = append(names, ch)
	}
	sort.Strings(names)

	return json.Marshal(coinbaseRequest{
		Type:       reqType,
		ProductIDs: products,
		Channels:   names,
	})
}

// parseCoinbase classifies a Coinbase text frame: ticker first, then
// subscription ack / heartbeat / error. Ticker timestamps use the
// exchange-provided event time; an unparsable time falls back to receipt.
func (s *Session) parseCoinbase(ctx context.Context, data []byte, receivedAt time.Time) ([]market.Ticker, bool) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Type == "" {
		return nil, false
	}

	switch probe.Type {
	case "ticker":
		var tick coinbaseTicker
		if err := json.Unmarshal(data, &tick); err != nil {
			return nil, false
		}
		symbol, ok := market.FromCoinbaseSymbol(tick.ProductID)
		if !ok {
			s.log.Warn(ctx, "dropping ticker for unknown coinbase product",
				"product_id", tick.ProductID)
			return nil, true
		}
		ts := receivedAt
		if parsed, err := time.Parse(time.RFC3339Nano, tick.Time); err == nil {
			ts = parsed
		}
		return []market.Ticker{{
			Symbol:    symbol,
			Price:     tick.Price,
			Source:    market.SourceCoinbase,
			Timestamp: ts.UTC(),
		}}, true

	case "heartbeat":
		return nil, true

	case "subscriptions":
		s.log.Debug(ctx, "coinbase subscriptions acknowledged")
		return nil, true

	case "error":
		var resp coinbaseResponse
		if err := json.Unmarshal(data, &resp); err == nil {
			s.log.Warn(ctx, "coinbase error frame",
				"message", resp.Message, "reason", resp.Reason)
		}
		return nil, true
	}

	return nil, false
}
