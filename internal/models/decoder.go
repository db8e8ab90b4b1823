package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/go-exbot/internal/errors"
)

// ValueKind describes how a positional value is encoded in the row.
type ValueKind int

const (
	// KindInt is a JSON integer
	KindInt ValueKind = iota
	// KindIntText is an integer carried as a JSON string
	KindIntText
	// KindText is a JSON string; numbers are not coerced
	KindText
)

// FieldSpec maps one row position to a kline field.
type FieldSpec struct {
	Index int
	Field Field
	Kind  ValueKind
}

// Layout is the positional contract of one exchange's candlestick rows.
// Width is the number of positions a complete row carries; positions beyond
// the mapped ones (such as Binance's trailing "ignore") are skipped.
type Layout struct {
	Exchange ExchangeID
	Width    int
	Fields   []FieldSpec
}

// BinanceLayout is the /api/v3/klines row: 11 mapped positions plus an
// unused 12th.
var BinanceLayout = Layout{
	Exchange: ExchangeBinance,
	Width:    11,
	Fields: []FieldSpec{
		{Index: 0, Field: FieldOpenTime, Kind: KindInt},
		{Index: 1, Field: FieldOpen, Kind: KindText},
		{Index: 2, Field: FieldHigh, Kind: KindText},
		{Index: 3, Field: FieldLow, Kind: KindText},
		{Index: 4, Field: FieldClose, Kind: KindText},
		{Index: 5, Field: FieldVolume, Kind: KindText},
		{Index: 6, Field: FieldCloseTime, Kind: KindInt},
		{Index: 7, Field: FieldQuoteVolume, Kind: KindText},
		{Index: 8, Field: FieldTradeCount, Kind: KindInt},
		{Index: 9, Field: FieldTakerBuyBaseVolume, Kind: KindText},
		{Index: 10, Field: FieldTakerBuyQuoteVolume, Kind: KindText},
	},
}

// BitgetLayout is the /api/v2/spot/market/candles row. Every value is a
// string, including the timestamp. Position 6 is the volume in the quote coin
// (USDT for USDT pairs); position 7 repeats it for the quote currency and is
// not mapped.
var BitgetLayout = Layout{
	Exchange: ExchangeBitget,
	Width:    8,
	Fields: []FieldSpec{
		{Index: 0, Field: FieldOpenTime, Kind: KindIntText},
		{Index: 1, Field: FieldOpen, Kind: KindText},
		{Index: 2, Field: FieldHigh, Kind: KindText},
		{Index: 3, Field: FieldLow, Kind: KindText},
		{Index: 4, Field: FieldClose, Kind: KindText},
		{Index: 5, Field: FieldVolume, Kind: KindText},
		{Index: 6, Field: FieldQuoteVolume, Kind: KindText},
	},
}

// LayoutFor returns the row layout of an exchange.
func LayoutFor(id ExchangeID) (Layout, error) {
	switch id {
	case ExchangeBinance:
		return BinanceLayout, nil
	case ExchangeBitget:
		return BitgetLayout, nil
	default:
		return Layout{}, fmt.Errorf("no kline layout for exchange %q", id)
	}
}

// DecodeMode selects how the decoder treats values it cannot read.
type DecodeMode int

const (
	// Lenient fills unreadable or missing fields with their zero value and never fails
	Lenient DecodeMode = iota
	// Strict rejects the row at the first unreadable or missing field
	Strict
)

// ParseDecodeMode resolves a configured mode name.
func ParseDecodeMode(name string) (DecodeMode, error) {
	switch name {
	case "", "lenient":
		return Lenient, nil
	case "strict":
		return Strict, nil
	default:
		return Lenient, fmt.Errorf("unknown decode mode: %q", name)
	}
}

func (m DecodeMode) String() string {
	if m == Strict {
		return "strict"
	}
	return "lenient"
}

// RowError describes the first position a strict decode could not read.
type RowError struct {
	Row    int
	Index  int
	Field  Field
	Reason string
}

func (e *RowError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("row %d index %d (%s): %s", e.Row, e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("index %d (%s): %s", e.Index, e.Field, e.Reason)
}

// ErrorType classifies row failures as decode errors.
func (e *RowError) ErrorType() apperrors.ErrorType {
	return apperrors.ErrorTypeDecode
}

// FieldReport lists the positions a lenient decode had to default.
type FieldReport struct {
	Defaulted []FieldSpec
}

// Clean reports whether every mapped position was read.
func (r FieldReport) Clean() bool {
	return len(r.Defaulted) == 0
}

// Decoder converts positional rows into klines.
type Decoder struct {
	Layout Layout
	Mode   DecodeMode
}

// NewDecoder creates a decoder for the layout.
func NewDecoder(layout Layout, mode DecodeMode) *Decoder {
	return &Decoder{Layout: layout, Mode: mode}
}

// DecodeRow decodes one row. In lenient mode it never returns an error.
func (d *Decoder) DecodeRow(row []json.RawMessage) (Kline, error) {
	k, _, err := d.decode(row)
	if err != nil {
		return Kline{}, err
	}
	return k, nil
}

// DecodeFieldReport decodes one row leniently and reports which positions
// were defaulted, so callers can notice upstream format drift.
func (d *Decoder) DecodeFieldReport(row []json.RawMessage) (Kline, FieldReport) {
	lenient := Decoder{Layout: d.Layout, Mode: Lenient}
	k, report, _ := lenient.decode(row)
	return k, report
}

// DecodeRows decodes rows in order. In strict mode the first failing row
// aborts decoding and the error names it.
func (d *Decoder) DecodeRows(rows [][]json.RawMessage) ([]Kline, error) {
	klines := make([]Kline, 0, len(rows))
	for i, row := range rows {
		k, err := d.DecodeRow(row)
		if err != nil {
			if rowErr, ok := err.(*RowError); ok {
				rowErr.Row = i
			}
			return nil, err
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// RowReport is the field report of one row that had defaulted fields.
type RowReport struct {
	Row int
	FieldReport
}

// DecodeRowsReport decodes rows leniently in one pass and reports, in row
// order, every row that had defaulted fields.
func (d *Decoder) DecodeRowsReport(rows [][]json.RawMessage) ([]Kline, []RowReport) {
	lenient := Decoder{Layout: d.Layout, Mode: Lenient}
	klines := make([]Kline, 0, len(rows))
	var reports []RowReport
	for i, row := range rows {
		k, report, _ := lenient.decode(row)
		if !report.Clean() {
			reports = append(reports, RowReport{Row: i, FieldReport: report})
		}
		klines = append(klines, k)
	}
	return klines, reports
}

func (d *Decoder) decode(row []json.RawMessage) (Kline, FieldReport, error) {
	k := Kline{Exchange: d.Layout.Exchange}
	var report FieldReport

	if d.Mode == Strict && len(row) < d.Layout.Width {
		return Kline{}, report, &RowError{
			Row:    -1,
			Index:  len(row),
			Field:  fieldAt(d.Layout, len(row)),
			Reason: fmt.Sprintf("row has %d values, want at least %d", len(row), d.Layout.Width),
		}
	}

	for _, spec := range d.Layout.Fields {
		if spec.Index >= len(row) {
			report.Defaulted = append(report.Defaulted, spec)
			continue
		}

		if reason := decodeValue(&k, spec, row[spec.Index], d.Mode == Strict); reason != "" {
			if d.Mode == Strict {
				return Kline{}, report, &RowError{Row: -1, Index: spec.Index, Field: spec.Field, Reason: reason}
			}
			report.Defaulted = append(report.Defaulted, spec)
		}
	}

	return k, report, nil
}

// decodeValue sets one field and returns a non-empty reason when the value
// could not be read. Decimal syntax is only checked in strict mode.
func decodeValue(k *Kline, spec FieldSpec, raw json.RawMessage, strict bool) string {
	raw = bytes.TrimSpace(raw)

	switch spec.Kind {
	case KindInt:
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil || isNull(raw) {
			return fmt.Sprintf("expected integer, got %s", preview(raw))
		}
		if v < 0 {
			return fmt.Sprintf("expected non-negative integer, got %d", v)
		}
		k.setInt(spec.Field, v)

	case KindIntText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || isNull(raw) {
			return fmt.Sprintf("expected integer string, got %s", preview(raw))
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			return fmt.Sprintf("expected non-negative integer string, got %q", s)
		}
		k.setInt(spec.Field, v)

	case KindText:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || isNull(raw) {
			return fmt.Sprintf("expected string, got %s", preview(raw))
		}
		if strict {
			if _, err := decimal.NewFromString(s); err != nil {
				return fmt.Sprintf("expected decimal text, got %q", s)
			}
		}
		k.setText(spec.Field, s)
	}

	return ""
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func preview(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "nothing"
	}
	if len(raw) > 32 {
		return string(raw[:32]) + "..."
	}
	return string(raw)
}

func fieldAt(layout Layout, index int) Field {
	for _, spec := range layout.Fields {
		if spec.Index == index {
			return spec.Field
		}
	}
	return ""
}
