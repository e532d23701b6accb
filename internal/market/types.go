package market

import (
	"fmt"
	"time"
)

// Candle represents a single OHLCV bar. OpenTimeMS is the bar open time in
// epoch milliseconds, matching the venue kline convention.
type Candle struct {
	OpenTimeMS int64   `json:"open_time_ms"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
}

// Ticker is a best-effort view of the current book for a symbol.
// Bid/Ask may be zero when the venue response omits book data.
type Ticker struct {
	Symbol      string  `json:"symbol"`
	Last        float64 `json:"last"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	QuoteVolume float64 `json:"quote_volume"`
}

// SpreadPct returns the relative bid/ask spread, or 0 when book data is missing.
func (t Ticker) SpreadPct() float64 {
	if t.Bid <= 0 || t.Ask <= 0 {
		return 0
	}
	mid := (t.Bid + t.Ask) / 2
	if mid <= 0 {
		return 0
	}
	return (t.Ask - t.Bid) / mid
}

// Mid returns the book midpoint, falling back to the last price.
func (t Ticker) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// Constraints holds per-symbol order constraints as reported by the venue.
type Constraints struct {
	MinNotionalUSDT float64 `json:"min_notional_usdt"`
	MinQty          float64 `json:"min_qty"`
	QtyStep         float64 `json:"qty_step"`
}

// Balance is the USDT-M futures wallet view used for sizing.
type Balance struct {
	Equity float64 `json:"equity"`
	Free   float64 `json:"free"`
}

// TFDuration converts a timeframe string like "5m", "1h", "4h", "1d" to a
// duration. Returns an error for anything the engine does not trade on.
func TFDuration(tf string) (time.Duration, error) {
	switch tf {
	case "1m":
		return time.Minute, nil
	case "3m":
		return 3 * time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "2h":
		return 2 * time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "6h":
		return 6 * time.Hour, nil
	case "12h":
		return 12 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported timeframe: %s", tf)
}

// DropFormingBar removes the last bar when it has not closed yet.
// A bar is considered still forming when nowMS < open + tf duration.
// With fewer than 2 bars the series is returned unchanged.
func DropFormingBar(candles []Candle, tf string, nowMS int64) []Candle {
	if len(candles) < 2 {
		return candles
	}
	d, err := TFDuration(tf)
	if err != nil {
		return candles
	}
	last := candles[len(candles)-1]
	if nowMS < last.OpenTimeMS+d.Milliseconds() {
		return candles[:len(candles)-1]
	}
	return candles
}

// Closes extracts the close series.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Volumes extracts the volume series.
func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}
