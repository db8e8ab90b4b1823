// Package gaps finds missing periods in a kline series by comparing
// consecutive open times against the series interval.
package gaps

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/johnayoung/go-exbot/internal/models"
)

// ErrCalendarInterval is returned for intervals whose length varies, such as
// one month. Gaps cannot be detected by fixed arithmetic for them.
var ErrCalendarInterval = errors.New("interval has no fixed duration")

// Gap is a run of missing klines. Start is the open time of the first
// missing kline and End the open time of the next kline that is present.
type Gap struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Missing  int    `json:"missing"`
}

// StartAt returns Start as UTC time.
func (g Gap) StartAt() time.Time {
	return time.UnixMilli(g.Start).UTC()
}

// EndAt returns End as UTC time.
func (g Gap) EndAt() time.Time {
	return time.UnixMilli(g.End).UTC()
}

func (g Gap) String() string {
	return fmt.Sprintf("%s %s: %d missing from %s to %s",
		g.Symbol, g.Interval, g.Missing,
		g.StartAt().Format(time.RFC3339), g.EndAt().Format(time.RFC3339))
}

// IntervalDuration converts an exchange interval name (1s, 15m, 4h, 1d, 1w)
// into its duration. Binance and Bitget spellings are both accepted
// ("1min", "4h", "1day", "1week").
func IntervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval format: %q", interval)
	}

	i := 0
	for i < len(interval) && interval[i] >= '0' && interval[i] <= '9' {
		i++
	}
	value, err := strconv.Atoi(interval[:i])
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid interval value: %q", interval)
	}

	var unit time.Duration
	switch interval[i:] {
	case "s":
		unit = time.Second
	case "m", "min":
		unit = time.Minute
	case "h", "H":
		unit = time.Hour
	case "d", "D", "day":
		unit = 24 * time.Hour
	case "w", "W", "week":
		unit = 7 * 24 * time.Hour
	case "M", "month", "mon":
		return 0, fmt.Errorf("%q: %w", interval, ErrCalendarInterval)
	default:
		return 0, fmt.Errorf("unsupported interval unit: %q", interval)
	}

	return time.Duration(value) * unit, nil
}

// Detect returns the gaps between the klines of one series. The input is not
// modified and may be in any order; repeated open times count once.
func Detect(symbol, interval string, klines []models.Kline) ([]Gap, error) {
	step, err := IntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	stepMillis := step.Milliseconds()

	openTimes := make([]int64, 0, len(klines))
	for _, k := range klines {
		openTimes = append(openTimes, k.OpenTime)
	}
	sort.Slice(openTimes, func(i, j int) bool { return openTimes[i] < openTimes[j] })

	var gaps []Gap
	for i := 1; i < len(openTimes); i++ {
		prev, next := openTimes[i-1], openTimes[i]
		expected := prev + stepMillis
		if next <= expected {
			continue
		}
		gaps = append(gaps, Gap{
			Symbol:   symbol,
			Interval: interval,
			Start:    expected,
			End:      next,
			Missing:  int((next-prev+stepMillis-1)/stepMillis) - 1,
		})
	}

	return gaps, nil
}
