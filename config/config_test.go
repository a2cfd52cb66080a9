package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", cfg.Symbol)
	}
	if cfg.LongThreshold != 800 || cfg.ShortThreshold != -800 {
		t.Errorf("thresholds = (%d, %d), want (800, -800)", cfg.LongThreshold, cfg.ShortThreshold)
	}
	if cfg.CycleInterval != 60*time.Second {
		t.Errorf("CycleInterval = %v, want 60s", cfg.CycleInterval)
	}
	if cfg.MaxWait != 300*time.Second {
		t.Errorf("MaxWait = %v, want 300s", cfg.MaxWait)
	}
	if !cfg.UseTestnet || !cfg.PaperTrading {
		t.Error("testnet and paper trading must default on")
	}
	if !reflect.DeepEqual(cfg.Timeframes, DefaultTimeframes) {
		t.Errorf("Timeframes = %v, want the default ladder", cfg.Timeframes)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SYMBOL", "ETHUSDT")
	t.Setenv("TIMEFRAMES", "1m, 5m ,15m,")
	t.Setenv("LONG_THRESHOLD", "500")
	t.Setenv("CONFIRM_TICKS", "5")
	t.Setenv("PAPER_TRADING", "false")

	cfg := Load()

	if cfg.Symbol != "ETHUSDT" {
		t.Errorf("Symbol = %q, want ETHUSDT", cfg.Symbol)
	}
	if want := []string{"1m", "5m", "15m"}; !reflect.DeepEqual(cfg.Timeframes, want) {
		t.Errorf("Timeframes = %v, want %v", cfg.Timeframes, want)
	}
	if cfg.LongThreshold != 500 {
		t.Errorf("LongThreshold = %d, want 500", cfg.LongThreshold)
	}
	if cfg.ConfirmTicks != 5 {
		t.Errorf("ConfirmTicks = %d, want 5", cfg.ConfirmTicks)
	}
	if cfg.PaperTrading {
		t.Error("PAPER_TRADING=false was not honored")
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("LOOKBACK", "not-a-number")
	t.Setenv("RISK_FRACTION", "lots")

	cfg := Load()

	if cfg.Lookback != 100 {
		t.Errorf("Lookback = %d, want default 100", cfg.Lookback)
	}
	if cfg.RiskFraction != 0.02 {
		t.Errorf("RiskFraction = %v, want default 0.02", cfg.RiskFraction)
	}
}
