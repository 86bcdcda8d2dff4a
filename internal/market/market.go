// Package market defines the canonical market-data types shared by every
// stage of the indexer: the Ticker observation, its symbol and source
// enums, and the batch message exchanged over the internal fabric.
package market

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is the exchange-independent instrument identifier.
type Symbol string

const (
	SymbolBTCUSD Symbol = "BTCUSD"
	SymbolETHUSD Symbol = "ETHUSD"
)

// Source identifies where a ticker was produced.
type Source string

const (
	SourceBinance                Source = "Binance"
	SourceKraken                 Source = "Kraken"
	SourceCoinbase               Source = "Coinbase"
	SourceIndexerSmoothing       Source = "IndexerSmoothing"
	SourceIndexerWeightedAverage Source = "IndexerWeightedAverage"
)

// Ticker is a single price observation for a symbol from a source at an
// instant. Prices are exact decimals; timestamps are UTC with millisecond
// resolution.
type Ticker struct {
	Symbol    Symbol          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Source    Source          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON encodes the timestamp as RFC3339 with millisecond precision.
func (t Ticker) MarshalJSON() ([]byte, error) {
	type alias struct {
		Symbol    Symbol          `json:"symbol"`
		Price     decimal.Decimal `json:"price"`
		Source    Source          `json:"source"`
		Timestamp string          `json:"timestamp"`
	}
	return json.Marshal(alias{
		Symbol:    t.Symbol,
		Price:     t.Price,
		Source:    t.Source,
		Timestamp: t.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

// UnmarshalJSON accepts the RFC3339 encoding produced by MarshalJSON.
func (t *Ticker) UnmarshalJSON(data []byte) error {
	type alias struct {
		Symbol    Symbol          `json:"symbol"`
		Price     decimal.Decimal `json:"price"`
		Source    Source          `json:"source"`
		Timestamp string          `json:"timestamp"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, a.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid ticker timestamp %q: %w", a.Timestamp, err)
	}
	t.Symbol = a.Symbol
	t.Price = a.Price
	t.Source = a.Source
	t.Timestamp = ts.UTC()
	return nil
}

// Message is the unit exchanged between tasks: a non-empty ordered batch of
// tickers. Producer order is preserved; processors must not reorder within
// a batch.
type Message struct {
	Tickers []Ticker
}

// NewMessage wraps a batch of tickers. Returns false for an empty batch,
// which must not be published.
func NewMessage(tickers []Ticker) (Message, bool) {
	if len(tickers) == 0 {
		return Message{}, false
	}
	return Message{Tickers: tickers}, true
}

// FromBinanceSymbol maps a Binance instrument string to the canonical
// symbol. Unknown instruments return false.
func FromBinanceSymbol(s string) (Symbol, bool) {
	switch s {
	case "BTCUSDT", "BTCUSD":
		return SymbolBTCUSD, true
	case "ETHUSDT", "ETHUSD":
		return SymbolETHUSD, true
	}
	return "", false
}

// FromKrakenSymbol maps a Kraken v2 pair string to the canonical symbol.
func FromKrakenSymbol(s string) (Symbol, bool) {
	switch s {
	case "BTC/USD":
		return SymbolBTCUSD, true
	case "ETH/USD":
		return SymbolETHUSD, true
	}
	return "", false
}

// FromCoinbaseSymbol maps a Coinbase product id to the canonical symbol.
func FromCoinbaseSymbol(s string) (Symbol, bool) {
	switch s {
	case "BTC-USD":
		return SymbolBTCUSD, true
	case "ETH-USD":
		return SymbolETHUSD, true
	}
	return "", false
}
