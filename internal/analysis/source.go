package analysis

import "futures_bot/internal/models"

// IndicatorSource turns candles into named score series aligned by
// candle index. Scores vote −100 (bearish), 0 (neutral), +100 (bullish)
// so that summing across indicators and timeframes yields a directional
// composite.
type IndicatorSource interface {
	Compute(candles []models.Candle) map[string][]float64
}

const (
	scoreLong    = 100.0
	scoreShort   = -100.0
	scoreNeutral = 0.0
)

// minCandles is the shortest history the scorer accepts; below it every
// series comes back neutral.
const minCandles = 30

// atrPeriod is the lookback for the volatility vote's average true
// range baseline.
const atrPeriod = 14

// ScoreSource is the default IndicatorSource: RSI extremes, MACD
// crossover state, EMA20/EMA50 trend, 10-bar momentum, a volume-surge
// vote, and an ATR-based volatility-expansion vote.
type ScoreSource struct{}

func NewScoreSource() *ScoreSource { return &ScoreSource{} }

func (s *ScoreSource) Compute(candles []models.Candle) map[string][]float64 {
	n := len(candles)
	result := map[string][]float64{
		"rsi":        make([]float64, n),
		"macd":       make([]float64, n),
		"trend":      make([]float64, n),
		"momentum":   make([]float64, n),
		"volume":     make([]float64, n),
		"volatility": make([]float64, n),
	}
	if n < minCandles {
		return result
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	rsi := rsiSeries(closes, 14)
	macd, signal := macdSeries(closes)
	ema20 := emaSeries(closes, 20)
	ema50 := emaSeries(closes, 50)
	rvol := relVolumeSeries(volumes, 20)

	for i := 0; i < n; i++ {
		// RSI extremes are contrarian votes.
		switch {
		case rsi[i] < 30:
			result["rsi"][i] = scoreLong
		case rsi[i] > 70:
			result["rsi"][i] = scoreShort
		}

		// MACD above its signal line is bullish.
		switch {
		case macd[i] > signal[i]:
			result["macd"][i] = scoreLong
		case macd[i] < signal[i]:
			result["macd"][i] = scoreShort
		}

		// EMA crossover with a small dead band, same thresholds the
		// trend filter uses elsewhere.
		switch {
		case ema20[i] > ema50[i]*1.002:
			result["trend"][i] = scoreLong
		case ema20[i] < ema50[i]*0.998:
			result["trend"][i] = scoreShort
		}

		// 10-bar momentum.
		if i >= 10 && closes[i-10] > 0 {
			change := (closes[i] - closes[i-10]) / closes[i-10] * 100
			switch {
			case change > 1.0:
				result["momentum"][i] = scoreLong
			case change < -1.0:
				result["momentum"][i] = scoreShort
			}
		}

		// Volume surge votes with the candle's direction.
		if rvol[i] > 1.5 {
			switch {
			case candles[i].Close > candles[i].Open:
				result["volume"][i] = scoreLong
			case candles[i].Close < candles[i].Open:
				result["volume"][i] = scoreShort
			}
		}

		// A range expansion well beyond the trailing ATR votes with the
		// candle's direction, same directional tie-break as volume.
		if i > atrPeriod {
			if baseline := atr(highs[:i], lows[:i], closes[:i], atrPeriod); baseline > 0 {
				if highs[i]-lows[i] > baseline*1.5 {
					switch {
					case candles[i].Close > candles[i].Open:
						result["volatility"][i] = scoreLong
					case candles[i].Close < candles[i].Open:
						result["volatility"][i] = scoreShort
					}
				}
			}
		}
	}

	return result
}
