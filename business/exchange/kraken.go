package exchange

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fd1az/price-indexer/internal/market"
)

// Kraken v2 subscribe protocol: one frame per channel, each listing the
// full symbol set for that channel.

type krakenRequest struct {
	Method string              `json:"method"`
	Params krakenRequestParams `json:"params"`
}

type krakenRequestParams struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol"`
}

// krakenChannelMessage is a data-bearing channel frame
// (channel: ticker | status, type: snapshot | update).
type krakenChannelMessage struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

type krakenTicker struct {
	Symbol    string          `json:"symbol"`
	Ask       decimal.Decimal `json:"ask"`
	AskQty    decimal.Decimal `json:"ask_qty"`
	Bid       decimal.Decimal `json:"bid"`
	BidQty    decimal.Decimal `json:"bid_qty"`
	Last      decimal.Decimal `json:"last"`
	Volume    decimal.Decimal `json:"volume"`
	VWAP      decimal.Decimal `json:"vwap"`
	Low       decimal.Decimal `json:"low"`
	High      decimal.Decimal `json:"high"`
	Change    decimal.Decimal `json:"change"`
	ChangePct decimal.Decimal `json:"change_pct"`
}

type krakenStatus struct {
	Version      string `json:"version"`
	System       string `json:"system"`
	APIVersion   string `json:"api_version"`
	ConnectionID uint64 `json:"connection_id"`
}

// krakenResponse is a request acknowledgement.
type krakenResponse struct {
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Success bool            `json:"success"`
	TimeIn  string          `json:"time_in"`
	TimeOut string          `json:"time_out"`
}

func krakenFrames(method string, instruments, channels map[string]struct{}) ([][]byte, error) {
	symbols := make([]string, 0, len(instruments))
	for inst := range instruments {
		symbols = append(symbols, inst)
	}
	sort.Strings(symbols)

	names := make([]string, 0, len(channels))
	for ch := range channels {
		names = append(names, ch)
	}
	sort.Strings(names)

	frames := make([][]byte, 0, len(names))
	for _, ch := range names {
		frame, err := json.Marshal(krakenRequest{
			Method: method,
			Params: krakenRequestParams{Channel: ch, Symbol: symbols},
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// parseKraken classifies a Kraken text frame: channel message (ticker,
// heartbeat, status) first, then request acknowledgement. Kraken frames
// carry no per-message timestamp, so ticks are stamped with the receipt
// instant; staleness checks downstream are biased by network RTT.
func (s *Session) parseKraken(ctx context.Context, data []byte, receivedAt time.Time) ([]market.Ticker, bool) {
	var msg krakenChannelMessage
	if err := json.Unmarshal(data, &msg); err == nil && msg.Channel != "" {
		switch msg.Channel {
		case "heartbeat":
			return nil, true
		case "status":
			var statuses []krakenStatus
			if err := json.Unmarshal(msg.Data, &statuses); err == nil && len(statuses) > 0 {
				s.log.Info(ctx, "kraken connection status",
					"system", statuses[0].System,
					"api_version", statuses[0].APIVersion,
					"connection_id", statuses[0].ConnectionID)
			}
			return nil, true
		case "ticker":
			var ticks []krakenTicker
			if err := json.Unmarshal(msg.Data, &ticks); err != nil {
				return nil, false
			}
			out := make([]market.Ticker, 0, len(ticks))
			for _, tick := range ticks {
				symbol, ok := market.FromKrakenSymbol(tick.Symbol)
				if !ok {
					s.log.Warn(ctx, "dropping ticker for unknown kraken symbol",
						"symbol", tick.Symbol)
					continue
				}
				out = append(out, market.Ticker{
					Symbol:    symbol,
					Price:     tick.Last,
					Source:    market.SourceKraken,
					Timestamp: receivedAt.UTC(),
				})
			}
			return out, true
		}
		return nil, true
	}

	var resp krakenResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.Method != "" {
		if !resp.Success {
			s.log.Warn(ctx, "kraken request rejected",
				"method", resp.Method, "result", string(resp.Result))
		} else {
			s.log.Debug(ctx, "kraken request acknowledged", "method", resp.Method)
		}
		return nil, true
	}

	return nil, false
}
