package exchange

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fd1az/price-indexer/internal/bus"
	"github.com/fd1az/price-indexer/internal/logger"
	"github.com/fd1az/price-indexer/internal/market"
)

func testSession(t *testing.T, ex Exchange) *Session {
	t.Helper()
	queue := bus.NewQueue[market.Message](string(ex)+"-test", 16)
	s, err := NewSession(ex, Config{
		WsURL:           "wss://example.invalid/ws",
		Channels:        []string{"ticker"},
		Instruments:     defaultInstruments(ex),
		HeartbeatMillis: 30000,
	}, queue, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func defaultInstruments(ex Exchange) []string {
	switch ex {
	case Binance:
		return []string{"BTCUSDT"}
	case Kraken:
		return []string{"BTC/USD"}
	default:
		return []string{"BTC-USD"}
	}
}

func TestBinance_SubscribeFrame(t *testing.T) {
	instruments := map[string]struct{}{"BTCUSDT": {}, "ETHUSDT": {}}
	channels := map[string]struct{}{"ticker": {}}

	frame, err := binanceSubscribeFrame(instruments, channels, 7)
	if err != nil {
		t.Fatal(err)
	}

	var req binanceRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		t.Fatal(err)
	}
	if req.Method != "SUBSCRIBE" {
		t.Errorf("method: got %q", req.Method)
	}
	if req.ID != 7 {
		t.Errorf("id: got %d", req.ID)
	}
	want := []string{"btcusdt@ticker", "ethusdt@ticker"}
	if len(req.Params) != 2 || req.Params[0] != want[0] || req.Params[1] != want[1] {
		t.Errorf("params: got %v, want %v", req.Params, want)
	}
}

func TestBinance_UnsubscribeFrame(t *testing.T) {
	frame, err := binanceUnsubscribeFrame(
		map[string]struct{}{"BTCUSDT": {}},
		map[string]struct{}{"ticker": {}},
		3,
	)
	if err != nil {
		t.Fatal(err)
	}

	var req binanceRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		t.Fatal(err)
	}
	if req.Method != "UNSUBSCRIBE" {
		t.Errorf("method: got %q", req.Method)
	}
	if len(req.Params) != 1 || req.Params[0] != "btcusdt@ticker" {
		t.Errorf("params: got %v", req.Params)
	}
}

func TestBinance_ParseTicker(t *testing.T) {
	s := testSession(t, Binance)

	data := []byte(`{
		"e": "24hrTicker", "E": 1672515782136, "s": "BTCUSDT",
		"p": "150.00", "P": "0.15", "w": "97050.12", "x": "96900.00",
		"c": "97123.45", "Q": "0.5", "b": "97123.00", "B": "2",
		"a": "97124.00", "A": "1", "o": "96973.45", "h": "97500.00",
		"l": "96500.00", "v": "10000", "q": "970000000",
		"O": 0, "C": 86400000, "F": 0, "L": 18150, "n": 18151
	}`)

	tickers, handled := s.parseBinance(context.Background(), data, time.Now())
	if !handled {
		t.Fatal("ticker frame not handled")
	}
	if len(tickers) != 1 {
		t.Fatalf("expected 1 ticker, got %d", len(tickers))
	}

	tick := tickers[0]
	if tick.Symbol != market.SymbolBTCUSD {
		t.Errorf("symbol: got %s", tick.Symbol)
	}
	if !tick.Price.Equal(decimal.RequireFromString("97123.45")) {
		t.Errorf("price: got %s", tick.Price)
	}
	if tick.Source != market.SourceBinance {
		t.Errorf("source: got %s", tick.Source)
	}
	if tick.Timestamp.UnixMilli() != 1672515782136 {
		t.Errorf("event time not used: got %d", tick.Timestamp.UnixMilli())
	}
}

func TestBinance_ParseUnknownSymbolDropped(t *testing.T) {
	s := testSession(t, Binance)

	data := []byte(`{"e": "24hrTicker", "E": 1672515782136, "s": "BNBBTC", "c": "0.0025"}`)
	tickers, handled := s.parseBinance(context.Background(), data, time.Now())
	if !handled {
		t.Fatal("frame should be handled (and dropped)")
	}
	if len(tickers) != 0 {
		t.Errorf("unknown symbol must produce no tickers, got %d", len(tickers))
	}
}

func TestBinance_ParseResponseAck(t *testing.T) {
	s := testSession(t, Binance)

	_, handled := s.parseBinance(context.Background(), []byte(`{"id": 1, "result": null}`), time.Now())
	if !handled {
		t.Error("ack frame should be handled")
	}
}

func TestBinance_ParseGarbage(t *testing.T) {
	s := testSession(t, Binance)

	_, handled := s.parseBinance(context.Background(), []byte(`{"hello":"world"}`), time.Now())
	if handled {
		t.Error("unmatched frame must not be handled")
	}
}
