// Package validator checks decoded klines for logical consistency: price
// ordering, positive prices, non-negative volumes and readable decimals.
//
// The decoder only guarantees a kline has the right shape. A lenient decode
// can still produce empty prices, and an exchange can publish a row whose
// high is below its close. Validation reports such rows; it never rejects or
// modifies them.
package validator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-exbot/internal/models"
)

// AnomalyType represents the type of anomaly detected
type AnomalyType string

const (
	// AnomalyUnreadable is a price or volume that is not decimal text
	AnomalyUnreadable AnomalyType = "unreadable"
	// AnomalyHighBelow is a high below the open, close or low
	AnomalyHighBelow AnomalyType = "high_below"
	// AnomalyLowAbove is a low above the open or close
	AnomalyLowAbove AnomalyType = "low_above"
	// AnomalyNonPositivePrice is a price at or below zero
	AnomalyNonPositivePrice AnomalyType = "non_positive_price"
	// AnomalyNegativeVolume is a volume below zero
	AnomalyNegativeVolume AnomalyType = "negative_volume"
	// AnomalyCloseBeforeOpen is a close time earlier than the open time
	AnomalyCloseBeforeOpen AnomalyType = "close_before_open"
)

// Anomaly is one rule a kline broke.
type Anomaly struct {
	OpenTime int64        `json:"open_time"`
	Type     AnomalyType  `json:"type"`
	Field    models.Field `json:"field,omitempty"`
	Message  string       `json:"message"`
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%d %s: %s", a.OpenTime, a.Type, a.Message)
}

var (
	priceFields  = []models.Field{models.FieldOpen, models.FieldHigh, models.FieldLow, models.FieldClose}
	volumeFields = []models.Field{models.FieldVolume, models.FieldQuoteVolume}
)

// CheckKline returns every rule k breaks, in a fixed order.
func CheckKline(k models.Kline) []Anomaly {
	var anomalies []Anomaly
	report := func(t AnomalyType, field models.Field, format string, args ...any) {
		anomalies = append(anomalies, Anomaly{
			OpenTime: k.OpenTime,
			Type:     t,
			Field:    field,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	prices := make(map[models.Field]decimal.Decimal, len(priceFields))
	for _, field := range priceFields {
		v, err := k.Decimal(field)
		if err != nil {
			report(AnomalyUnreadable, field, "%v", err)
			continue
		}
		prices[field] = v
		if v.LessThanOrEqual(decimal.Zero) {
			report(AnomalyNonPositivePrice, field, "%s must be positive, got %s", field, v)
		}
	}

	for _, field := range volumeFields {
		// Some exchanges leave optional volumes out entirely
		if text, _ := k.Text(field); field != models.FieldVolume && text == "" {
			continue
		}
		v, err := k.Decimal(field)
		if err != nil {
			report(AnomalyUnreadable, field, "%v", err)
			continue
		}
		if v.IsNegative() {
			report(AnomalyNegativeVolume, field, "%s must be non-negative, got %s", field, v)
		}
	}

	if len(prices) == len(priceFields) {
		open, high := prices[models.FieldOpen], prices[models.FieldHigh]
		low, closePrice := prices[models.FieldLow], prices[models.FieldClose]

		if high.LessThan(decimal.Max(open, closePrice, low)) {
			report(AnomalyHighBelow, models.FieldHigh,
				"high %s is below max of open %s, close %s and low %s", high, open, closePrice, low)
		}
		if low.GreaterThan(decimal.Min(open, closePrice)) {
			report(AnomalyLowAbove, models.FieldLow,
				"low %s is above min of open %s and close %s", low, open, closePrice)
		}
	}

	if k.CloseTime != 0 && k.CloseTime < k.OpenTime {
		report(AnomalyCloseBeforeOpen, models.FieldCloseTime,
			"close time %d is before open time %d", k.CloseTime, k.OpenTime)
	}

	return anomalies
}

// CheckKlines checks every kline and concatenates the anomalies in input order.
func CheckKlines(klines []models.Kline) []Anomaly {
	var anomalies []Anomaly
	for _, k := range klines {
		anomalies = append(anomalies, CheckKline(k)...)
	}
	return anomalies
}

// CountByType summarizes anomalies for logging.
func CountByType(anomalies []Anomaly) map[AnomalyType]int {
	counts := make(map[AnomalyType]int)
	for _, a := range anomalies {
		counts[a.Type]++
	}
	return counts
}
