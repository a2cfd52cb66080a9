package aggregator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"futures_bot/internal/analysis"
	"futures_bot/internal/metrics"
	"futures_bot/internal/models"
	"futures_bot/internal/store"
)

// CandleFetcher is the slice of the exchange surface the aggregator
// needs.
type CandleFetcher interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// fetchWorkers bounds the per-timeframe fan-out.
const fetchWorkers = 4

// minPopulatedTimeframes guards against trading on a degraded sample:
// with fewer timeframes reporting, the cycle's total is suppressed.
const minPopulatedTimeframes = 2

// Aggregator fuses per-timeframe indicator scores into one directional
// composite per evaluation cycle.
type Aggregator struct {
	fetcher    CandleFetcher
	source     analysis.IndicatorSource
	history    store.Store // optional, nil disables persistence
	timeframes []string
	lookback   int
	log        zerolog.Logger
}

func New(fetcher CandleFetcher, source analysis.IndicatorSource, history store.Store, timeframes []string, lookback int, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		fetcher:    fetcher,
		source:     source,
		history:    history,
		timeframes: timeframes,
		lookback:   lookback,
		log:        log.With().Str("comp", "aggregator").Logger(),
	}
}

type timeframeResult struct {
	interval string
	sum      int
	ok       bool
}

// Evaluate fetches every configured timeframe in parallel, scores the
// latest candle of each, and reduces the subtotals in fixed timeframe
// order so the result is deterministic regardless of completion order.
// Each timeframe contributes its own most recent closed candle; the
// subtotals are not aligned to a common wall-clock instant.
func (a *Aggregator) Evaluate(ctx context.Context, symbol string) models.CompositeSignal {
	resultChan := make(chan timeframeResult, len(a.timeframes))
	sem := make(chan struct{}, fetchWorkers)

	for _, interval := range a.timeframes {
		sem <- struct{}{}
		go func(interval string) {
			defer func() { <-sem }()
			resultChan <- a.evaluateTimeframe(ctx, symbol, interval)
		}(interval)
	}

	perTimeframe := make(map[string]int, len(a.timeframes))
	populated := 0
	for range a.timeframes {
		res := <-resultChan
		if !res.ok {
			continue
		}
		perTimeframe[res.interval] = res.sum
		populated++
	}

	signal := models.CompositeSignal{
		Timestamp:       time.Now(),
		PerTimeframeSum: perTimeframe,
	}

	if populated < minPopulatedTimeframes {
		a.log.Warn().Int("populated", populated).
			Msg("too few timeframes with data, suppressing signal")
		return signal
	}

	// Reduce in configured order so float-free integer summation stays
	// reproducible and log output is stable.
	for _, interval := range a.timeframes {
		if sum, ok := perTimeframe[interval]; ok {
			signal.Total += sum
		}
	}

	metrics.CompositeScore.WithLabelValues(symbol).Set(float64(signal.Total))
	return signal
}

func (a *Aggregator) evaluateTimeframe(ctx context.Context, symbol, interval string) timeframeResult {
	candles, err := a.fetcher.GetKlines(ctx, symbol, interval, a.lookback)
	if err != nil {
		a.log.Warn().Err(err).Str("interval", interval).Msg("timeframe fetch failed, contributes 0")
		return timeframeResult{interval: interval}
	}
	if len(candles) == 0 {
		a.log.Warn().Str("interval", interval).Msg("timeframe returned no candles, contributes 0")
		return timeframeResult{interval: interval}
	}

	scores := a.source.Compute(candles)

	last := len(candles) - 1
	sum := 0
	latestScores := make(map[string]float64, len(scores))
	for name, series := range scores {
		if len(series) != len(candles) {
			continue
		}
		sum += int(series[last])
		latestScores[name] = series[last]
	}

	a.persist(ctx, symbol, interval, candles, latestScores)
	return timeframeResult{interval: interval, sum: sum, ok: true}
}

// persist is best-effort: history failures are logged, never allowed to
// affect the cycle.
func (a *Aggregator) persist(ctx context.Context, symbol, interval string, candles []models.Candle, latestScores map[string]float64) {
	if a.history == nil {
		return
	}
	if err := a.history.SaveCandles(ctx, symbol, candles); err != nil {
		a.log.Warn().Err(err).Str("interval", interval).Msg("candle persistence failed")
		return
	}
	closeTime := candles[len(candles)-1].CloseTime
	if err := a.history.SaveScores(ctx, symbol, interval, closeTime, latestScores); err != nil {
		a.log.Warn().Err(err).Str("interval", interval).Msg("score persistence failed")
	}
}
