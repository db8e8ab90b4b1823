package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-exbot/internal/errors"
)

// parseRow splits a JSON array literal into raw positional values.
func parseRow(t *testing.T, literal string) []json.RawMessage {
	t.Helper()
	var row []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(literal), &row))
	return row
}

const binanceRow = `[1499040000000,"0.01634790","0.80000000","0.01575800","0.01577100","148976.11427815",1499644799999,"2434.19055334",308,"1756.87402397","28.46694368","17928899.62484339"]`

func TestDecodeBinanceRow(t *testing.T) {
	for _, mode := range []DecodeMode{Lenient, Strict} {
		t.Run(mode.String(), func(t *testing.T) {
			d := NewDecoder(BinanceLayout, mode)

			k, err := d.DecodeRow(parseRow(t, binanceRow))
			require.NoError(t, err)

			assert.Equal(t, Kline{
				Exchange:            ExchangeBinance,
				OpenTime:            1499040000000,
				Open:                "0.01634790",
				High:                "0.80000000",
				Low:                 "0.01575800",
				Close:               "0.01577100",
				Volume:              "148976.11427815",
				CloseTime:           1499644799999,
				QuoteVolume:         "2434.19055334",
				TradeCount:          308,
				TakerBuyBaseVolume:  "1756.87402397",
				TakerBuyQuoteVolume: "28.46694368",
			}, k)
		})
	}
}

func TestDecodeElevenElementRow(t *testing.T) {
	row := parseRow(t, `[1,"1","2","0.5","1.5","10",2,"15",3,"4","6"]`)

	k, report := NewDecoder(BinanceLayout, Lenient).DecodeFieldReport(row)
	assert.True(t, report.Clean())
	assert.Equal(t, int64(1), k.OpenTime)
	assert.Equal(t, int64(2), k.CloseTime)
	assert.Equal(t, int64(3), k.TradeCount)
	assert.Equal(t, "6", k.TakerBuyQuoteVolume)

	_, err := NewDecoder(BinanceLayout, Strict).DecodeRow(row)
	assert.NoError(t, err)
}

func TestLenientDecodeIsTotal(t *testing.T) {
	tests := []struct {
		name      string
		row       string
		expected  Kline
		defaulted []Field
	}{
		{
			name:     "empty row",
			row:      `[]`,
			expected: Kline{Exchange: ExchangeBinance},
			defaulted: []Field{
				FieldOpenTime, FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume,
				FieldCloseTime, FieldQuoteVolume, FieldTradeCount, FieldTakerBuyBaseVolume, FieldTakerBuyQuoteVolume,
			},
		},
		{
			name: "short row keeps leading fields",
			row:  `[1499040000000,"0.0163"]`,
			expected: Kline{
				Exchange: ExchangeBinance,
				OpenTime: 1499040000000,
				Open:     "0.0163",
			},
			defaulted: []Field{
				FieldHigh, FieldLow, FieldClose, FieldVolume, FieldCloseTime,
				FieldQuoteVolume, FieldTradeCount, FieldTakerBuyBaseVolume, FieldTakerBuyQuoteVolume,
			},
		},
		{
			name: "type mismatches default individually",
			row:  `["1499040000000",0.0163,"0.8","0.01","0.015","1",null,"2",{"n":1},"3","4"]`,
			expected: Kline{
				Exchange:            ExchangeBinance,
				High:                "0.8",
				Low:                 "0.01",
				Close:               "0.015",
				Volume:              "1",
				QuoteVolume:         "2",
				TakerBuyBaseVolume:  "3",
				TakerBuyQuoteVolume: "4",
			},
			defaulted: []Field{FieldOpenTime, FieldOpen, FieldCloseTime, FieldTradeCount},
		},
		{
			name: "non-decimal text is kept as is",
			row:  `[1,"abc","2","0.5","1.5","10",2,"15",3,"4","6"]`,
			expected: Kline{
				Exchange: ExchangeBinance, OpenTime: 1, Open: "abc", High: "2", Low: "0.5", Close: "1.5",
				Volume: "10", CloseTime: 2, QuoteVolume: "15", TradeCount: 3,
				TakerBuyBaseVolume: "4", TakerBuyQuoteVolume: "6",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(BinanceLayout, Lenient)
			row := parseRow(t, tt.row)

			k, err := d.DecodeRow(row)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, k)

			_, report := d.DecodeFieldReport(row)
			var fields []Field
			for _, spec := range report.Defaulted {
				fields = append(fields, spec.Field)
			}
			assert.Equal(t, tt.defaulted, fields)
		})
	}
}

func TestStrictDecodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		row   string
		index int
		field Field
	}{
		{name: "short row", row: `[1,"1","2","0.5","1.5","10",2,"15"]`, index: 8, field: FieldTradeCount},
		{name: "empty row", row: `[]`, index: 0, field: FieldOpenTime},
		{name: "string open time", row: `["1","1","2","0.5","1.5","10",2,"15",3,"4","6"]`, index: 0, field: FieldOpenTime},
		{name: "numeric price", row: `[1,1.0,"2","0.5","1.5","10",2,"15",3,"4","6"]`, index: 1, field: FieldOpen},
		{name: "null close time", row: `[1,"1","2","0.5","1.5","10",null,"15",3,"4","6"]`, index: 6, field: FieldCloseTime},
		{name: "non-decimal volume", row: `[1,"1","2","0.5","1.5","ten",2,"15",3,"4","6"]`, index: 5, field: FieldVolume},
		{name: "negative open time", row: `[-1,"1","2","0.5","1.5","10",2,"15",3,"4","6"]`, index: 0, field: FieldOpenTime},
		{name: "negative trade count", row: `[1,"1","2","0.5","1.5","10",2,"15",-3,"4","6"]`, index: 8, field: FieldTradeCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(BinanceLayout, Strict).DecodeRow(parseRow(t, tt.row))
			require.Error(t, err)

			var rowErr *RowError
			require.True(t, errors.As(err, &rowErr))
			assert.Equal(t, tt.index, rowErr.Index)
			assert.Equal(t, tt.field, rowErr.Field)
			assert.Equal(t, apperrors.ErrorTypeDecode, apperrors.GetErrorType(err))
		})
	}
}

func TestDecodeRowsKeepsOrder(t *testing.T) {
	rows := [][]json.RawMessage{
		parseRow(t, `[3,"1","1","1","1","1",4,"1",1,"1","1"]`),
		parseRow(t, `[1,"1","1","1","1","1",2,"1",1,"1","1"]`),
		parseRow(t, `[2,"1","1","1","1","1",3,"1",1,"1","1"]`),
	}

	klines, err := NewDecoder(BinanceLayout, Strict).DecodeRows(rows)
	require.NoError(t, err)
	require.Len(t, klines, 3)
	assert.Equal(t, int64(3), klines[0].OpenTime)
	assert.Equal(t, int64(1), klines[1].OpenTime)
	assert.Equal(t, int64(2), klines[2].OpenTime)
}

func TestDecodeRowsStrictNamesRow(t *testing.T) {
	rows := [][]json.RawMessage{
		parseRow(t, `[1,"1","1","1","1","1",2,"1",1,"1","1"]`),
		parseRow(t, `[2,"1"]`),
	}

	klines, err := NewDecoder(BinanceLayout, Strict).DecodeRows(rows)
	assert.Nil(t, klines)

	var rowErr *RowError
	require.ErrorAs(t, err, &rowErr)
	assert.Equal(t, 1, rowErr.Row)
	assert.Contains(t, err.Error(), "row 1")

	klines, err = NewDecoder(BinanceLayout, Lenient).DecodeRows(rows)
	require.NoError(t, err)
	assert.Len(t, klines, 2)
}

func TestDecodeBitgetRow(t *testing.T) {
	row := parseRow(t, `["1695835800000","26210.5","26210.5","26194.5","26194.5","26.26","687897.63","687897.63"]`)

	for _, mode := range []DecodeMode{Lenient, Strict} {
		t.Run(mode.String(), func(t *testing.T) {
			k, err := NewDecoder(BitgetLayout, mode).DecodeRow(row)
			require.NoError(t, err)

			assert.Equal(t, ExchangeBitget, k.Exchange)
			assert.Equal(t, int64(1695835800000), k.OpenTime)
			assert.Equal(t, "26210.5", k.Open)
			assert.Equal(t, "26194.5", k.Close)
			assert.Equal(t, "26.26", k.Volume)
			assert.Equal(t, "687897.63", k.QuoteVolume)
			assert.Zero(t, k.CloseTime)
			assert.Zero(t, k.TradeCount)
		})
	}

	_, err := NewDecoder(BitgetLayout, Strict).DecodeRow(parseRow(t, `[1695835800000,"1","1","1","1","1","1","1"]`))
	assert.Error(t, err, "bitget timestamps arrive as strings")
}

func TestLayoutFor(t *testing.T) {
	layout, err := LayoutFor(ExchangeBinance)
	require.NoError(t, err)
	assert.Equal(t, 11, layout.Width)
	assert.Len(t, layout.Fields, 11)

	layout, err = LayoutFor(ExchangeBitget)
	require.NoError(t, err)
	assert.Equal(t, ExchangeBitget, layout.Exchange)

	_, err = LayoutFor("kraken")
	assert.Error(t, err)
}

func TestParseDecodeMode(t *testing.T) {
	mode, err := ParseDecodeMode("")
	require.NoError(t, err)
	assert.Equal(t, Lenient, mode)

	mode, err = ParseDecodeMode("strict")
	require.NoError(t, err)
	assert.Equal(t, Strict, mode)

	_, err = ParseDecodeMode("loose")
	assert.Error(t, err)
}

func TestLenientDefaultsNegativeIntegers(t *testing.T) {
	row := parseRow(t, `[1,"1","2","0.5","1.5","10",-2,"15",-3,"4","6"]`)

	k, report := NewDecoder(BinanceLayout, Lenient).DecodeFieldReport(row)
	assert.Zero(t, k.CloseTime)
	assert.Zero(t, k.TradeCount)
	assert.Equal(t, int64(1), k.OpenTime)
	require.Len(t, report.Defaulted, 2)
	assert.Equal(t, FieldCloseTime, report.Defaulted[0].Field)
	assert.Equal(t, FieldTradeCount, report.Defaulted[1].Field)

	bitget := parseRow(t, `["-1695835800000","1.10","1.20","1.00","1.15","100","115","115"]`)
	_, err := NewDecoder(BitgetLayout, Strict).DecodeRow(bitget)
	var rowErr *RowError
	require.ErrorAs(t, err, &rowErr)
	assert.Equal(t, FieldOpenTime, rowErr.Field)
}

func TestDecodeRowsReport(t *testing.T) {
	rows := [][]json.RawMessage{
		parseRow(t, `[1,"1","1","1","1","1",2,"1",1,"1","1"]`),
		parseRow(t, `[61,"1"]`),
		parseRow(t, `[121,"1","1","1","1","1",180,"1",null,"1","1"]`),
	}

	// Strict mode on the decoder does not change the report decode
	klines, reports := NewDecoder(BinanceLayout, Strict).DecodeRowsReport(rows)
	require.Len(t, klines, 3)
	assert.Equal(t, []int64{1, 61, 121}, []int64{klines[0].OpenTime, klines[1].OpenTime, klines[2].OpenTime})

	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[0].Row)
	assert.Len(t, reports[0].Defaulted, 9)
	assert.Equal(t, 2, reports[1].Row)
	assert.Equal(t, FieldTradeCount, reports[1].Defaulted[0].Field)
}
