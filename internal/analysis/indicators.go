package analysis

import "math"

// Series helpers, all aligned by candle index: out[i] is the indicator
// value for the window ending at candle i. Indices without enough
// history hold the neutral value for that indicator.

// rsiSeries computes a simple-average RSI over the given period.
func rsiSeries(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = 50
	}
	if len(closes) < period+1 {
		return out
	}

	for i := period; i < len(closes); i++ {
		gains := 0.0
		losses := 0.0
		for j := i - period + 1; j <= i; j++ {
			change := closes[j] - closes[j-1]
			if change > 0 {
				gains += change
			} else {
				losses -= change
			}
		}
		avgGain := gains / float64(period)
		avgLoss := losses / float64(period)
		if avgLoss == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain / avgLoss
		out[i] = 100 - (100 / (1 + rs))
	}
	return out
}

// emaSeries computes a running EMA seeded with the SMA of the first
// `period` values. Indices before the seed hold the running SMA.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}

	sum := 0.0
	for i, v := range values {
		if i < period {
			sum += v
			out[i] = sum / float64(i+1)
			continue
		}
		multiplier := 2.0 / float64(period+1)
		out[i] = v*multiplier + out[i-1]*(1-multiplier)
	}
	return out
}

// macdSeries returns the MACD line (EMA12−EMA26) and its 9-period
// signal line.
func macdSeries(closes []float64) (macd, signal []float64) {
	ema12 := emaSeries(closes, 12)
	ema26 := emaSeries(closes, 26)

	macd = make([]float64, len(closes))
	for i := range closes {
		macd[i] = ema12[i] - ema26[i]
	}
	signal = emaSeries(macd, 9)
	return macd, signal
}

// atr computes the average true range over the last `period` bars.
func atr(highs, lows, closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		tr := math.Max(highs[i]-lows[i],
			math.Max(math.Abs(highs[i]-closes[i-1]),
				math.Abs(lows[i]-closes[i-1])))
		sum += tr
	}
	return sum / float64(period)
}

// relVolumeSeries compares each candle's volume to the average of the
// preceding window.
func relVolumeSeries(volumes []float64, window int) []float64 {
	out := make([]float64, len(volumes))
	for i := range out {
		out[i] = 1
	}
	for i := window; i < len(volumes); i++ {
		sum := 0.0
		for j := i - window; j < i; j++ {
			sum += volumes[j]
		}
		avg := sum / float64(window)
		if avg > 0 {
			out[i] = volumes[i] / avg
		}
	}
	return out
}
