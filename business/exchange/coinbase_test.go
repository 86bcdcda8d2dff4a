package exchange

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fd1az/price-indexer/internal/market"
)

func TestCoinbase_SubscribeFrame(t *testing.T) {
	frame, err := coinbaseFrame("subscribe",
		map[string]struct{}{"BTC-USD": {}, "ETH-USD": {}},
		map[string]struct{}{"ticker": {}, "heartbeat": {}},
	)
	if err != nil {
		t.Fatal(err)
	}

	var req coinbaseRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		t.Fatal(err)
	}
	if req.Type != "subscribe" {
		t.Errorf("type: got %q", req.Type)
	}
	if len(req.ProductIDs) != 2 || req.ProductIDs[0] != "BTC-USD" {
		t.Errorf("product_ids: got %v", req.ProductIDs)
	}
	if len(req.Channels) != 2 || req.Channels[0] != "heartbeat" {
		t.Errorf("channels: got %v", req.Channels)
	}
}

func TestCoinbase_ParseTickerUsesEventTime(t *testing.T) {
	s := testSession(t, Coinbase)

	data := []byte(`{
		"type": "ticker", "sequence": 12345, "product_id": "ETH-USD",
		"price": "3010.25", "open_24h": "2950.00", "volume_24h": "50000",
		"low_24h": "2900.00", "high_24h": "3050.00",
		"best_bid": "3010.00", "best_ask": "3010.50",
		"side": "buy", "time": "2025-02-12T21:12:33.778451Z",
		"trade_id": 42, "last_size": "0.25"
	}`)

	tickers, handled := s.parseCoinbase(context.Background(), data, time.Now())
	if !handled {
		t.Fatal("ticker frame not handled")
	}
	if len(tickers) != 1 {
		t.Fatalf("expected 1 ticker, got %d", len(tickers))
	}

	tick := tickers[0]
	if tick.Symbol != market.SymbolETHUSD {
		t.Errorf("symbol: got %s", tick.Symbol)
	}
	if !tick.Price.Equal(decimal.RequireFromString("3010.25")) {
		t.Errorf("price: got %s", tick.Price)
	}
	if tick.Source != market.SourceCoinbase {
		t.Errorf("source: got %s", tick.Source)
	}

	want, _ := time.Parse(time.RFC3339Nano, "2025-02-12T21:12:33.778451Z")
	if !tick.Timestamp.Equal(want) {
		t.Errorf("expected event time %s, got %s", want, tick.Timestamp)
	}
}

func TestCoinbase_ParseSubscriptionsAck(t *testing.T) {
	s := testSession(t, Coinbase)

	data := []byte(`{"type":"subscriptions","channels":[{"name":"ticker","product_ids":["BTC-USD"]}]}`)
	_, handled := s.parseCoinbase(context.Background(), data, time.Now())
	if !handled {
		t.Error("subscriptions ack should be handled")
	}
}

func TestCoinbase_ParseErrorFrame(t *testing.T) {
	s := testSession(t, Coinbase)

	data := []byte(`{"type":"error","message":"Failed to subscribe","reason":"unknown product"}`)
	_, handled := s.parseCoinbase(context.Background(), data, time.Now())
	if !handled {
		t.Error("error frame should be handled")
	}
}

func TestCoinbase_ParseUnknownProductDropped(t *testing.T) {
	s := testSession(t, Coinbase)

	data := []byte(`{"type":"ticker","product_id":"SOL-USD","price":"150.00","time":"2025-02-12T21:12:33Z"}`)
	tickers, handled := s.parseCoinbase(context.Background(), data, time.Now())
	if !handled {
		t.Fatal("frame should be handled")
	}
	if len(tickers) != 0 {
		t.Error("unknown product must be dropped")
	}
}

func TestCoinbase_ParseGarbage(t *testing.T) {
	s := testSession(t, Coinbase)

	_, handled := s.parseCoinbase(context.Background(), []byte(`not even json`), time.Now())
	if handled {
		t.Error("garbage must not be handled")
	}
}
