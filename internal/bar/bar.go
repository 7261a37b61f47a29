package bar

import "time"

// Timeframe identifies the bar resolution, e.g. "1m", "1h", "1d".
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe1d  Timeframe = "1d"
)

var durations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe1d:  24 * time.Hour,
}

func (tf Timeframe) Valid() bool {
	_, ok := durations[tf]
	return ok
}

func (tf Timeframe) Duration() time.Duration {
	return durations[tf]
}

// Bar is a single OHLCV candle. Bars are keyed by (symbol, timeframe, ts) and
// writes are idempotent: re-writing an identical bar is a no-op.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Ts        time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Provider  string    `json:"provider"`
}
