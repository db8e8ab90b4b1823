// Package apis enumerates the logical exchange calls the client knows how to
// route. An Operation never carries a URL; each exchange resolves it to a
// path fragment of its own.
package apis

import "fmt"

// Product names a product line of an exchange.
type Product string

const (
	// ProductSpot covers spot market data, orders and account endpoints
	ProductSpot Product = "spot"
)

// Operation is a logical exchange call, independent of any exchange's URL shape.
type Operation int

// Spot operations. The zero value is not a valid operation.
const (
	Ping Operation = iota + 1
	Time
	ExchangeInfo
	Depth
	Trades
	HistoricalTrades
	AggTrades
	Klines
	AvgPrice
	UiKlines
	Ticker24hr
	TickerPrice
	TickerBookTicker
	Ticker
	OrderTest
	Order
	OpenOrders
	OrderCancelReplace
	AllOrders
	OrderOco
	OrderList
	AllOrderList
	OpenOrderList
	Account
	MyTrades
	RateLimitOrder
	UserDataStream

	operationCount = iota + 1
)

var operationNames = map[Operation]string{
	Ping:               "ping",
	Time:               "time",
	ExchangeInfo:       "exchange_info",
	Depth:              "depth",
	Trades:             "trades",
	HistoricalTrades:   "historical_trades",
	AggTrades:          "agg_trades",
	Klines:             "klines",
	AvgPrice:           "avg_price",
	UiKlines:           "ui_klines",
	Ticker24hr:         "ticker_24hr",
	TickerPrice:        "ticker_price",
	TickerBookTicker:   "ticker_book_ticker",
	Ticker:             "ticker",
	OrderTest:          "order_test",
	Order:              "order",
	OpenOrders:         "open_orders",
	OrderCancelReplace: "order_cancel_replace",
	AllOrders:          "all_orders",
	OrderOco:           "order_oco",
	OrderList:          "order_list",
	AllOrderList:       "all_order_list",
	OpenOrderList:      "open_order_list",
	Account:            "account",
	MyTrades:           "my_trades",
	RateLimitOrder:     "rate_limit_order",
	UserDataStream:     "user_data_stream",
}

// Valid reports whether op is one of the declared operations.
func (op Operation) Valid() bool {
	return op >= Ping && op < operationCount
}

// Product returns the product line the operation belongs to.
func (op Operation) Product() Product {
	return ProductSpot
}

// Name returns the operation name without its product prefix.
func (op Operation) Name() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", int(op))
}

// String returns the qualified name, e.g. "spot.klines".
func (op Operation) String() string {
	if !op.Valid() {
		return op.Name()
	}
	return string(op.Product()) + "." + op.Name()
}

// AllOperations returns every operation in declaration order.
func AllOperations() []Operation {
	ops := make([]Operation, 0, operationCount-1)
	for op := Ping; op < operationCount; op++ {
		ops = append(ops, op)
	}
	return ops
}
