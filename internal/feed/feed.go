// Package feed supplies the execution loop with signals and mark prices.
// Two sources are provided: a CSV candle replay that scores symbols itself,
// and a signal file written by an external strategy process.
package feed

import (
	"math"
	"time"
)

// Candle is one OHLCV bar
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// sma returns the simple moving average of the last period closes
func sma(candles []Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

// realizedVol returns the standard deviation of per-bar simple returns
// over the last period bars
func realizedVol(candles []Candle, period int) float64 {
	if len(candles) < period+1 || period <= 1 {
		return 0
	}
	returns := make([]float64, 0, period)
	for i := len(candles) - period; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev <= 0 {
			continue
		}
		returns = append(returns, candles[i].Close/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
