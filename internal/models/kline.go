// Package models provides the kline record shared by every exchange and the
// positional decoder that turns raw candlestick rows into it.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeID identifies the venue a record came from. It is the discriminant
// of the Kline variant: field semantics follow the exchange's row layout.
type ExchangeID string

const (
	ExchangeBinance ExchangeID = "binance"
	ExchangeBitget  ExchangeID = "bitget"
)

// ParseExchangeID resolves a configured exchange name.
func ParseExchangeID(name string) (ExchangeID, error) {
	switch id := ExchangeID(name); id {
	case ExchangeBinance, ExchangeBitget:
		return id, nil
	default:
		return "", fmt.Errorf("unknown exchange: %q", name)
	}
}

// Field names a kline attribute. The names double as storage column names.
type Field string

const (
	FieldOpenTime            Field = "open_time"
	FieldOpen                Field = "open"
	FieldHigh                Field = "high"
	FieldLow                 Field = "low"
	FieldClose               Field = "close"
	FieldVolume              Field = "volume"
	FieldCloseTime           Field = "close_time"
	FieldQuoteVolume         Field = "quote_volume"
	FieldTradeCount          Field = "trade_count"
	FieldTakerBuyBaseVolume  Field = "taker_buy_base_volume"
	FieldTakerBuyQuoteVolume Field = "taker_buy_quote_volume"
)

// Kline is one candlestick. Prices and volumes are kept as the exact decimal
// text the exchange sent; times are epoch milliseconds.
type Kline struct {
	Exchange            ExchangeID `json:"exchange"`
	OpenTime            int64      `json:"open_time"`
	Open                string     `json:"open"`
	High                string     `json:"high"`
	Low                 string     `json:"low"`
	Close               string     `json:"close"`
	Volume              string     `json:"volume"`
	CloseTime           int64      `json:"close_time"`
	QuoteVolume         string     `json:"quote_volume"`
	TradeCount          int64      `json:"trade_count"`
	TakerBuyBaseVolume  string     `json:"taker_buy_base_volume"`
	TakerBuyQuoteVolume string     `json:"taker_buy_quote_volume"`
}

// KlineKey identifies a kline within one symbol and interval.
type KlineKey struct {
	Exchange ExchangeID
	OpenTime int64
}

// Key returns the identity of the kline.
func (k *Kline) Key() KlineKey {
	return KlineKey{Exchange: k.Exchange, OpenTime: k.OpenTime}
}

// OpenAt returns the open time as a UTC time.
func (k *Kline) OpenAt() time.Time {
	return time.UnixMilli(k.OpenTime).UTC()
}

// CloseAt returns the close time as a UTC time.
func (k *Kline) CloseAt() time.Time {
	return time.UnixMilli(k.CloseTime).UTC()
}

// Text returns the decimal text stored for a price or volume field.
func (k *Kline) Text(field Field) (string, bool) {
	switch field {
	case FieldOpen:
		return k.Open, true
	case FieldHigh:
		return k.High, true
	case FieldLow:
		return k.Low, true
	case FieldClose:
		return k.Close, true
	case FieldVolume:
		return k.Volume, true
	case FieldQuoteVolume:
		return k.QuoteVolume, true
	case FieldTakerBuyBaseVolume:
		return k.TakerBuyBaseVolume, true
	case FieldTakerBuyQuoteVolume:
		return k.TakerBuyQuoteVolume, true
	default:
		return "", false
	}
}

// Decimal parses a price or volume field. An empty field, left by lenient
// decoding, is reported as an error rather than as zero.
func (k *Kline) Decimal(field Field) (decimal.Decimal, error) {
	text, ok := k.Text(field)
	if !ok {
		return decimal.Zero, fmt.Errorf("field %s is not a decimal field", field)
	}
	if text == "" {
		return decimal.Zero, fmt.Errorf("field %s is empty", field)
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %s: %w", field, err)
	}
	return d, nil
}

// String returns a compact representation for logs.
func (k *Kline) String() string {
	return fmt.Sprintf("%s kline %s O:%s H:%s L:%s C:%s V:%s",
		k.Exchange, k.OpenAt().Format(time.RFC3339), k.Open, k.High, k.Low, k.Close, k.Volume)
}

func (k *Kline) setInt(field Field, v int64) {
	switch field {
	case FieldOpenTime:
		k.OpenTime = v
	case FieldCloseTime:
		k.CloseTime = v
	case FieldTradeCount:
		k.TradeCount = v
	}
}

func (k *Kline) setText(field Field, v string) {
	switch field {
	case FieldOpen:
		k.Open = v
	case FieldHigh:
		k.High = v
	case FieldLow:
		k.Low = v
	case FieldClose:
		k.Close = v
	case FieldVolume:
		k.Volume = v
	case FieldQuoteVolume:
		k.QuoteVolume = v
	case FieldTakerBuyBaseVolume:
		k.TakerBuyBaseVolume = v
	case FieldTakerBuyQuoteVolume:
		k.TakerBuyQuoteVolume = v
	}
}
