package exchange

import (
	"encoding/json"
	"strconv"

	"github.com/johnayoung/go-exbot/internal/apis"
	"github.com/johnayoung/go-exbot/internal/models"
)

// BinanceHost is the production REST endpoint.
const BinanceHost = "https://api.binance.com"

var binanceRoutes = map[apis.Operation]string{
	apis.Ping:               "/api/v3/ping",
	apis.Time:               "/api/v3/time",
	apis.ExchangeInfo:       "/api/v3/exchangeInfo",
	apis.Depth:              "/api/v3/depth",
	apis.Trades:             "/api/v3/trades",
	apis.HistoricalTrades:   "/api/v3/historicalTrades",
	apis.AggTrades:          "/api/v3/aggTrades",
	apis.Klines:             "/api/v3/klines",
	apis.AvgPrice:           "/api/v3/avgPrice",
	apis.UiKlines:           "/api/v3/uiKlines",
	apis.Ticker24hr:         "/api/v3/ticker/24hr",
	apis.TickerPrice:        "/api/v3/ticker/price",
	apis.TickerBookTicker:   "/api/v3/ticker/bookTicker",
	apis.Ticker:             "/api/v3/ticker",
	apis.OrderTest:          "/api/v3/order/test",
	apis.Order:              "/api/v3/order",
	apis.OpenOrders:         "/api/v3/openOrders",
	apis.OrderCancelReplace: "/api/v3/orderCancelReplace",
	apis.AllOrders:          "/api/v3/allOrders",
	apis.OrderOco:           "/api/v3/order/oco",
	apis.OrderList:          "/api/v3/orderList",
	apis.AllOrderList:       "/api/v3/allOrderList",
	apis.OpenOrderList:      "/api/v3/openOrderList",
	apis.Account:            "/api/v3/account",
	apis.MyTrades:           "/api/v3/myTrades",
	apis.RateLimitOrder:     "/api/v3/rateLimitOrder",
	apis.UserDataStream:     "/api/v3/userDataStream",
}

// Binance is the Binance spot REST API. It is the default exchange.
type Binance struct {
	venue
}

// NewBinance creates the Binance exchange.
func NewBinance(opts ...Option) *Binance {
	return &Binance{venue: newVenue(models.ExchangeBinance, BinanceHost, binanceRoutes, opts)}
}

// KlineQuery builds symbol, interval, limit and optional startTime/endTime in
// that order. Binance accepts the interval notation as is ("1m", "1h", "1d").
func (b *Binance) KlineQuery(params KlineParams) *Request {
	req := NewRequest().
		AddQuery("symbol", params.Symbol).
		AddQuery("interval", params.Interval)

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

// KlineRows decodes the bare array of rows Binance returns.
func (b *Binance) KlineRows(body json.RawMessage) ([][]json.RawMessage, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, newDecodeError(apis.Klines, err)
	}
	return rows, nil
}
