// Package exchange implements the per-exchange websocket sessions: connect,
// subscribe, parse, normalize to canonical tickers, reconnect with backoff,
// and live subscription changes. The exchange set is closed; per-exchange
// frame grammar and subscribe shapes live in their own files.
package exchange

import (
	"fmt"
	"time"

	"github.com/fd1az/price-indexer/internal/market"
)

// Exchange identifies one of the supported venues.
type Exchange string

const (
	Binance  Exchange = "binance"
	Kraken   Exchange = "kraken"
	Coinbase Exchange = "coinbase"
)

// All is the closed set of supported exchanges.
var All = []Exchange{Binance, Kraken, Coinbase}

// Source maps the exchange to the canonical ticker source tag.
func (e Exchange) Source() market.Source {
	switch e {
	case Binance:
		return market.SourceBinance
	case Kraken:
		return market.SourceKraken
	case Coinbase:
		return market.SourceCoinbase
	}
	return market.Source(string(e))
}

// Valid reports whether e is one of the supported exchanges.
func (e Exchange) Valid() bool {
	switch e {
	case Binance, Kraken, Coinbase:
		return true
	}
	return false
}

// Config describes one websocket subscription: endpoint, heartbeat cadence,
// and the instruments x channels set. Instruments and channels are
// exchange-native strings (BTC-USD, BTC/USD, BTCUSDT); mapping to canonical
// symbols happens only on ingress.
type Config struct {
	WsURL           string   `json:"ws_url"`
	Channels        []string `json:"channels"`
	Instruments     []string `json:"instruments"`
	HeartbeatMillis int64    `json:"heartbeat_millis"`
}

// Validate checks the minimal shape of a subscription config.
func (c *Config) Validate() error {
	if c.WsURL == "" {
		return fmt.Errorf("ws_url is required")
	}
	if c.HeartbeatMillis <= 0 {
		return fmt.Errorf("heartbeat_millis must be positive")
	}
	return nil
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatMillis) * time.Millisecond
}

// InstrumentSet returns the instruments as a set.
func (c *Config) InstrumentSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Instruments))
	for _, inst := range c.Instruments {
		set[inst] = struct{}{}
	}
	return set
}

// ChannelSet returns the channels as a set.
func (c *Config) ChannelSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Channels))
	for _, ch := range c.Channels {
		set[ch] = struct{}{}
	}
	return set
}

// SameSubscription reports whether two configs subscribe to the same
// instruments x channels pair. Order and duplicates are ignored.
func (c *Config) SameSubscription(other *Config) bool {
	return setsEqual(c.InstrumentSet(), other.InstrumentSet()) &&
		setsEqual(c.ChannelSet(), other.ChannelSet())
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
