// Package indicators provides the small set of pure numeric primitives the
// engine needs: ATR, SMA, log returns, Pearson correlation and z-scores.
// All functions are side-effect free and safe for concurrent use.
package indicators

import (
	"math"

	"github.com/quantfunk/perptrader/internal/market"
)

// TrueRanges computes the true-range series over a candle sequence.
// The first element uses high-low only.
func TrueRanges(candles []market.Candle) []float64 {
	if len(candles) == 0 {
		return nil
	}
	out := make([]float64, len(candles))
	out[0] = candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		hl := candles[i].High - candles[i].Low
		hc := math.Abs(candles[i].High - candles[i-1].Close)
		lc := math.Abs(candles[i].Low - candles[i-1].Close)
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATR returns the simple moving average of true range over the last period
// bars. Returns 0 when there is not enough data.
func ATR(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	tr := TrueRanges(candles)
	return Mean(tr[len(tr)-period:])
}

// ATRSeries returns the rolling ATR over the candle sequence. Index i holds
// the mean true range of bars (i-period, i]. Entries before the first full
// window are 0.
func ATRSeries(candles []market.Candle, period int) []float64 {
	tr := TrueRanges(candles)
	out := make([]float64, len(tr))
	if period <= 0 {
		return out
	}
	var sum float64
	for i, v := range tr {
		sum += v
		if i >= period {
			sum -= tr[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// SMA returns the mean of the last n values, or 0 when there is not enough data.
func SMA(values []float64, n int) float64 {
	if n <= 0 || len(values) < n {
		return 0
	}
	return Mean(values[len(values)-n:])
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// LogReturns computes ln(p[i]/p[i-1]) skipping non-positive prices.
func LogReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			out = append(out, math.Log(closes[i]/closes[i-1]))
		}
	}
	return out
}

// PearsonCorr computes the Pearson correlation over the overlapping tail of
// two series. minOverlap guards against spurious correlations on short
// overlaps; ok is false when there is not enough data or a series is flat.
func PearsonCorr(a, b []float64, minOverlap int) (corr float64, ok bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minOverlap || n < 2 {
		return 0, false
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]
	ma, mb := Mean(a), Mean(b)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da := a[i] - ma
		db := b[i] - mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va <= 0 || vb <= 0 {
		return 0, false
	}
	return cov / math.Sqrt(va*vb), true
}

// ZScore computes the z-score of x against a history window using the sample
// standard deviation (n-1). ok is false when history is shorter than minPoints
// or has zero variance.
func ZScore(history []float64, x float64, minPoints int) (z float64, ok bool) {
	if len(history) < minPoints || len(history) < 2 {
		return 0, false
	}
	m := Mean(history)
	var ss float64
	for _, v := range history {
		d := v - m
		ss += d * d
	}
	variance := ss / float64(len(history)-1)
	if variance <= 0 {
		return 0, false
	}
	return (x - m) / math.Sqrt(variance), true
}

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
