package aggregator

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures_bot/internal/models"
)

// stubFetcher serves canned candles per interval and can fail selected
// intervals.
type stubFetcher struct {
	candles map[string][]models.Candle
	fail    map[string]bool
	jitter  bool
}

func (f *stubFetcher) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if f.jitter {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
	}
	if f.fail[interval] {
		return nil, errors.New("upstream unavailable")
	}
	return f.candles[interval], nil
}

// intervalScorer scores the latest candle with a fixed value keyed by
// the candle's interval.
type intervalScorer struct {
	scores map[string]float64
}

func (s *intervalScorer) Compute(candles []models.Candle) map[string][]float64 {
	series := make([]float64, len(candles))
	series[len(candles)-1] = s.scores[candles[0].Interval]
	return map[string][]float64{"composite": series}
}

func candlesFor(interval string, n int) []models.Candle {
	out := make([]models.Candle, n)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = models.Candle{
			Interval:  interval,
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			CloseTime: base.Add(time.Duration(i+1) * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100, Volume: 10,
		}
	}
	return out
}

func TestEvaluateSumsAcrossTimeframes(t *testing.T) {
	timeframes := []string{"1m", "5m", "15m", "30m"}
	fetcher := &stubFetcher{candles: map[string][]models.Candle{}}
	for _, tf := range timeframes {
		fetcher.candles[tf] = candlesFor(tf, 50)
	}
	scorer := &intervalScorer{scores: map[string]float64{
		"1m": 200, "5m": 300, "15m": 250, "30m": 250,
	}}

	agg := New(fetcher, scorer, nil, timeframes, 50, zerolog.Nop())
	sig := agg.Evaluate(context.Background(), "BTCUSDT")

	if sig.Total != 1000 {
		t.Errorf("total = %d, want 1000", sig.Total)
	}
	if got := sig.PerTimeframeSum["5m"]; got != 300 {
		t.Errorf("5m subtotal = %d, want 300", got)
	}
}

func TestEvaluateDeterministicAcrossCompletionOrder(t *testing.T) {
	timeframes := []string{"1m", "3m", "5m", "15m", "30m", "1h"}
	fetcher := &stubFetcher{candles: map[string][]models.Candle{}, jitter: true}
	scores := map[string]float64{}
	for i, tf := range timeframes {
		fetcher.candles[tf] = candlesFor(tf, 40)
		scores[tf] = float64((i - 2) * 100)
	}
	agg := New(fetcher, &intervalScorer{scores: scores}, nil, timeframes, 40, zerolog.Nop())

	first := agg.Evaluate(context.Background(), "BTCUSDT")
	for i := 0; i < 10; i++ {
		got := agg.Evaluate(context.Background(), "BTCUSDT")
		if got.Total != first.Total {
			t.Fatalf("run %d total = %d, want %d", i, got.Total, first.Total)
		}
	}
}

func TestDegradedTimeframeContributesZero(t *testing.T) {
	timeframes := []string{"1m", "5m", "15m"}
	fetcher := &stubFetcher{
		candles: map[string][]models.Candle{
			"1m":  candlesFor("1m", 50),
			"15m": candlesFor("15m", 50),
		},
		fail: map[string]bool{"5m": true},
	}
	scorer := &intervalScorer{scores: map[string]float64{"1m": 100, "5m": 500, "15m": 200}}

	agg := New(fetcher, scorer, nil, timeframes, 50, zerolog.Nop())
	sig := agg.Evaluate(context.Background(), "BTCUSDT")

	if sig.Total != 300 {
		t.Errorf("total = %d, want 300 without the failed timeframe", sig.Total)
	}
	if _, ok := sig.PerTimeframeSum["5m"]; ok {
		t.Error("failed timeframe must not appear in the subtotals")
	}
}

func TestTooFewTimeframesSuppressesTotal(t *testing.T) {
	timeframes := []string{"1m", "5m", "15m"}
	fetcher := &stubFetcher{
		candles: map[string][]models.Candle{"1m": candlesFor("1m", 50)},
		fail:    map[string]bool{"5m": true, "15m": true},
	}
	scorer := &intervalScorer{scores: map[string]float64{"1m": 900}}

	agg := New(fetcher, scorer, nil, timeframes, 50, zerolog.Nop())
	sig := agg.Evaluate(context.Background(), "BTCUSDT")

	if sig.Total != 0 {
		t.Errorf("total = %d, want 0 when under the populated minimum", sig.Total)
	}
	if got := sig.PerTimeframeSum["1m"]; got != 900 {
		t.Errorf("surviving subtotal = %d, want 900 even while suppressed", got)
	}
}

func TestEmptyCandlesTreatedAsDegraded(t *testing.T) {
	timeframes := []string{"1m", "5m"}
	fetcher := &stubFetcher{candles: map[string][]models.Candle{
		"1m": candlesFor("1m", 50),
		"5m": nil,
	}}
	scorer := &intervalScorer{scores: map[string]float64{"1m": 100}}

	agg := New(fetcher, scorer, nil, timeframes, 50, zerolog.Nop())
	sig := agg.Evaluate(context.Background(), "BTCUSDT")

	if sig.Total != 0 {
		t.Errorf("total = %d, want 0 with only one populated timeframe", sig.Total)
	}
}
