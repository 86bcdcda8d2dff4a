package exchange

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fd1az/price-indexer/internal/market"
)

// Binance subscribe protocol: a single text frame listing every
// <instrument>@<channel> stream in lowercase, with a request id that
// increases monotonically across the session's lifetime.

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type binanceResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
}

// binanceTicker is the 24hrTicker event payload.
type binanceTicker struct {
	EventType          string          `json:"e"`
	EventTime          int64           `json:"E"` // ms
	Symbol             string          `json:"s"`
	PriceChange        decimal.Decimal `json:"p"`
	PriceChangePercent decimal.Decimal `json:"P"`
	WeightedAvgPrice   decimal.Decimal `json:"w"`
	FirstTradePrice    decimal.Decimal `json:"x"`
	LastPrice          decimal.Decimal `json:"c"`
	LastQuantity       decimal.Decimal `json:"Q"`
	BestBidPrice       decimal.Decimal `json:"b"`
	BestBidQuantity    decimal.Decimal `json:"B"`
	BestAskPrice       decimal.Decimal `json:"a"`
	BestAskQuantity    decimal.Decimal `json:"A"`
	OpenPrice          decimal.Decimal `json:"o"`
	HighPrice          decimal.Decimal `json:"h"`
	LowPrice           decimal.Decimal `json:"l"`
	BaseVolume         decimal.Decimal `json:"v"`
	QuoteVolume        decimal.Decimal `json:"q"`
	StatsOpenTime      int64           `json:"O"`
	StatsCloseTime     int64           `json:"C"`
	FirstTradeID       int64           `json:"F"`
	LastTradeID        int64           `json:"L"`
	TotalTrades        int64           `json:"n"`
}

// binanceStreams builds the lowercase <inst>@<chan> list, sorted for a
// deterministic wire shape.
func binanceStreams(instruments, channels map[string]struct{}) []string {
	streams := make([]string, 0, len(instruments)*len(channels))
	for inst := range instruments {
		for ch := range channels {
			streams = append(streams, strings.ToLower(inst)+"@"+strings.ToLower(ch))
		}
	}
	sort.Strings(streams)
	return streams
}

func binanceSubscribeFrame(instruments, channels map[string]struct{}, id uint64) ([]byte, error) {
	return json.Marshal(binanceRequest{
		Method: "SUBSCRIBE",
		Params: binanceStreams(instruments, channels),
		ID:     id,
	})
}

func binanceUnsubscribeFrame(instruments, channels map[string]struct{}, id uint64) ([]byte, error) {
	return json.Marshal(binanceRequest{
		Method: "UNSUBSCRIBE",
		Params: binanceStreams(instruments, channels),
		ID:     id,
	})
}

// parseBinance classifies a Binance text frame: ticker event first, then
// request acknowledgement. Returns handled=false for anything else so the
// session can log and drop it.
func (s *Session) parseBinance(ctx context.Context, data []byte, _ time.Time) ([]market.Ticker, bool) {
	var ticker binanceTicker
	if err := json.Unmarshal(data, &ticker); err == nil && ticker.EventType == "24hrTicker" {
		symbol, ok := market.FromBinanceSymbol(ticker.Symbol)
		if !ok {
			s.log.Warn(ctx, "dropping ticker for unknown binance symbol",
				"symbol", ticker.Symbol)
			return nil, true
		}
		return []market.Ticker{{
			Symbol:    symbol,
			Price:     ticker.LastPrice,
			Source:    market.SourceBinance,
			Timestamp: time.UnixMilli(ticker.EventTime).UTC(),
		}}, true
	}

	var resp binanceResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
		s.log.Debug(ctx, "binance request acknowledged", "id", resp.ID)
		return nil, true
	}

	return nil, false
}
