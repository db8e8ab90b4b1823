package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/johnayoung/go-exbot/internal/apis"
	"github.com/johnayoung/go-exbot/internal/models"
)

// BitgetHost is the production REST endpoint.
const BitgetHost = "https://api.bitget.com"

// bitgetSuccessCode is the envelope code of a successful call.
const bitgetSuccessCode = "00000"

// Bitget groups the ticker family under one endpoint, and has no separate
// test-order, UI kline or rate-limit endpoints; those operations map to the
// closest real endpoint.
var bitgetRoutes = map[apis.Operation]string{
	apis.Ping:               "/api/v2/public/time",
	apis.Time:               "/api/v2/public/time",
	apis.ExchangeInfo:       "/api/v2/spot/public/symbols",
	apis.Depth:              "/api/v2/spot/market/orderbook",
	apis.Trades:             "/api/v2/spot/market/fills",
	apis.HistoricalTrades:   "/api/v2/spot/market/fills-history",
	apis.AggTrades:          "/api/v2/spot/market/fills",
	apis.Klines:             "/api/v2/spot/market/candles",
	apis.AvgPrice:           "/api/v2/spot/market/tickers",
	apis.UiKlines:           "/api/v2/spot/market/history-candles",
	apis.Ticker24hr:         "/api/v2/spot/market/tickers",
	apis.TickerPrice:        "/api/v2/spot/market/tickers",
	apis.TickerBookTicker:   "/api/v2/spot/market/tickers",
	apis.Ticker:             "/api/v2/spot/market/tickers",
	apis.OrderTest:          "/api/v2/spot/trade/place-order",
	apis.Order:              "/api/v2/spot/trade/place-order",
	apis.OpenOrders:         "/api/v2/spot/trade/unfilled-orders",
	apis.OrderCancelReplace: "/api/v2/spot/trade/cancel-replace-order",
	apis.AllOrders:          "/api/v2/spot/trade/history-orders",
	apis.OrderOco:           "/api/v2/spot/trade/place-plan-order",
	apis.OrderList:          "/api/v2/spot/trade/batch-orders",
	apis.AllOrderList:       "/api/v2/spot/trade/current-plan-order",
	apis.OpenOrderList:      "/api/v2/spot/trade/current-plan-order",
	apis.Account:            "/api/v2/spot/account/assets",
	apis.MyTrades:           "/api/v2/spot/trade/fills",
	apis.RateLimitOrder:     "/api/v2/spot/account/info",
	apis.UserDataStream:     "/api/v2/spot/account/info",
}

// bitgetGranularity translates the common interval notation to Bitget's.
var bitgetGranularity = map[string]string{
	"1m":  "1min",
	"3m":  "3min",
	"5m":  "5min",
	"15m": "15min",
	"30m": "30min",
	"1h":  "1h",
	"4h":  "4h",
	"6h":  "6h",
	"12h": "12h",
	"1d":  "1day",
	"3d":  "3day",
	"1w":  "1week",
	"1M":  "1M",
}

// Bitget is the Bitget v2 spot REST API.
type Bitget struct {
	venue
}

// NewBitget creates the Bitget exchange.
func NewBitget(opts ...Option) *Bitget {
	return &Bitget{venue: newVenue(models.ExchangeBitget, BitgetHost, bitgetRoutes, opts)}
}

// KlineQuery builds symbol, granularity, limit and optional startTime/endTime.
// Intervals already in Bitget notation pass through unchanged.
func (b *Bitget) KlineQuery(params KlineParams) *Request {
	granularity, ok := bitgetGranularity[params.Interval]
	if !ok {
		granularity = params.Interval
	}

	req := NewRequest().
		AddQuery("symbol", params.Symbol).
		AddQuery("granularity", granularity)

	if params.Limit > 0 {
		req.AddQuery("limit", strconv.Itoa(params.Limit))
	}
	if !params.StartTime.IsZero() {
		req.AddQuery("startTime", strconv.FormatInt(params.StartTime.UnixMilli(), 10))
	}
	if !params.EndTime.IsZero() {
		req.AddQuery("endTime", strconv.FormatInt(params.EndTime.UnixMilli(), 10))
	}
	return req
}

type bitgetEnvelope struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

// KlineRows unwraps the {code, msg, data} envelope. A non-success code in a
// 2xx response is reported as an api error.
func (b *Bitget) KlineRows(body json.RawMessage) ([][]json.RawMessage, error) {
	var envelope bitgetEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, newDecodeError(apis.Klines, err)
	}

	if envelope.Code != bitgetSuccessCode {
		return nil, newAPIError(apis.Klines, envelope.Code, envelope.Msg)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(envelope.Data, &rows); err != nil {
		return nil, newDecodeError(apis.Klines, fmt.Errorf("data: %w", err))
	}
	return rows, nil
}
