// Package analysis holds the indicator, candlestick pattern and
// support/resistance math used by the signal generator.
//
// Series functions return a slice as long as their input. Positions without
// enough history hold NaN.
package analysis

import (
	"math"

	"rick-terminal/models"
)

type Trend string

const (
	TrendBullish Trend = "bullish"
	TrendBearish Trend = "bearish"
	TrendNeutral Trend = "neutral"
)

// Closes, Highs, Lows and Volumes extract one column of candles.
func Closes(candles []models.Candle) []float64 {
	return column(candles, func(c models.Candle) float64 { return c.Close })
}

func Highs(candles []models.Candle) []float64 {
	return column(candles, func(c models.Candle) float64 { return c.High })
}

func Lows(candles []models.Candle) []float64 {
	return column(candles, func(c models.Candle) float64 { return c.Low })
}

func Volumes(candles []models.Candle) []float64 {
	return column(candles, func(c models.Candle) float64 { return c.Volume })
}

func column(candles []models.Candle, f func(models.Candle) float64) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = f(c)
	}
	return out
}

// EMA is the exponential moving average seeded with the first value.
func EMA(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}

	k := 2.0 / float64(span+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 {
		return out
	}

	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// StdDev is the rolling sample standard deviation.
func StdDev(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period < 2 {
		return out
	}

	mean := SMA(values, period)
	for i := period - 1; i < len(values); i++ {
		ss := 0.0
		for _, v := range values[i-period+1 : i+1] {
			d := v - mean[i]
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(period-1))
	}
	return out
}

// TrueRange of the first candle is its high-low range.
func TrueRange(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		tr := c.High - c.Low
		if i > 0 {
			prevClose := candles[i-1].Close
			tr = math.Max(tr, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		}
		out[i] = tr
	}
	return out
}

// ATR is the rolling mean of the true range.
func ATR(candles []models.Candle, period int) []float64 {
	return SMA(TrueRange(candles), period)
}

// RSI uses rolling means of gains and losses. A flat window reads 50.
func RSI(closes []float64, period int) []float64 {
	gains := make([]float64, len(closes))
	losses := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	avgGain := SMA(gains, period)
	avgLoss := SMA(losses, period)

	out := nanSlice(len(closes))
	for i := range closes {
		g, l := avgGain[i], avgLoss[i]
		switch {
		case math.IsNaN(g) || math.IsNaN(l):
		case l == 0 && g == 0:
			out[i] = 50
		case l == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+g/l)
		}
	}
	return out
}

func Bollinger(closes []float64, period int, k float64) (upper, middle, lower []float64) {
	middle = SMA(closes, period)
	std := StdDev(closes, period)

	upper = make([]float64, len(closes))
	lower = make([]float64, len(closes))
	for i := range closes {
		upper[i] = middle[i] + std[i]*k
		lower[i] = middle[i] - std[i]*k
	}
	return upper, middle, lower
}

func MACD(closes []float64, fast, slow, signal int) (line, signalLine, histogram []float64) {
	emaFast := EMA(closes, fast)
	emaSlow := EMA(closes, slow)

	line = make([]float64, len(closes))
	for i := range closes {
		line[i] = emaFast[i] - emaSlow[i]
	}
	signalLine = EMA(line, signal)

	histogram = make([]float64, len(closes))
	for i := range closes {
		histogram[i] = line[i] - signalLine[i]
	}
	return line, signalLine, histogram
}

// DetectTrend compares EMA20 with EMA50 and requires both to be moving the
// same way over the last three bars.
func DetectTrend(closes []float64) Trend {
	if len(closes) < 3 {
		return TrendNeutral
	}

	short := EMA(closes, 20)
	long := EMA(closes, 50)
	n := len(closes) - 1

	switch {
	case short[n] > long[n]:
		if short[n] > short[n-2] && long[n] > long[n-2] {
			return TrendBullish
		}
	case short[n] < long[n]:
		if short[n] < short[n-2] && long[n] < long[n-2] {
			return TrendBearish
		}
	}
	return TrendNeutral
}

// IsHighVolatility reports whether the current ATR exceeds the recent
// average ATR by threshold.
func IsHighVolatility(candles []models.Candle, period int, threshold float64) bool {
	if len(candles) < period*2 {
		return false
	}

	atr := ATR(candles, period)
	current := atr[len(atr)-1]
	avg := meanSkipNaN(atr[len(atr)-period:])
	if math.IsNaN(current) || math.IsNaN(avg) {
		return false
	}
	return current > avg*threshold
}

// IsVolumeIncreasing compares the mean of the last period volumes with the
// period before it.
func IsVolumeIncreasing(volumes []float64, period int) bool {
	if period <= 0 || len(volumes) < period*2 {
		return false
	}

	n := len(volumes)
	recent := meanSkipNaN(volumes[n-period:])
	previous := meanSkipNaN(volumes[n-2*period : n-period])
	return recent > previous*1.2
}

// Last returns the final value of series, or NaN when empty.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func meanSkipNaN(values []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
